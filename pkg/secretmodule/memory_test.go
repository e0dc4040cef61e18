package secretmodule

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-custody/core/pkg/custodyerr"
)

func newTestModule(t *testing.T, mode Mode) *Memory {
	t.Helper()
	m := NewMemory("", mode)
	require.NoError(t, m.Login("1234"))
	created, err := m.InitNonceDerivation()
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func TestInitNonceDerivationIsIdempotent(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	created, err := m.InitNonceDerivation()
	require.NoError(t, err)
	assert.False(t, created)

	counter, err := m.CounterGet()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), counter)
}

func TestCounterIsStrictlyMonotonic(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	prev := uint64(0)
	for i := 0; i < 5; i++ {
		c, err := m.CounterIncrementAndGet()
		require.NoError(t, err)
		assert.Equal(t, prev+1, c)
		prev = c
	}
}

func TestCounterNeverWraps(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], math.MaxUint64)
	require.NoError(t, m.ReplaceSecret(LabelNonceCounter, raw[:]))

	_, err := m.CounterIncrementAndGet()
	assert.ErrorIs(t, err, custodyerr.ErrCounterExhausted)

	c, err := m.CounterGet()
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), c)
}

func TestDeriveNonceAdvancesCounterAndRecords(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	digest := sha256.Sum256([]byte("message"))

	d, err := m.DeriveNonce("tx_00000001", digest[:])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.Counter)
	assert.Len(t, d.RHex, 66)

	records, err := m.DerivationRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tx_00000001", records[0].RequestID)
	assert.Equal(t, d.RHex, records[0].RHex)
}

func TestDeriveNonceIsDeterministicPerCounter(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	digest := sha256.Sum256([]byte("message"))

	d, err := m.DeriveNonce("tx_cafe", digest[:])
	require.NoError(t, err)

	// Rewind the counter to just before the derivation: the same inputs at
	// the same counter must reproduce the same commitment.
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], d.Counter-1)
	require.NoError(t, m.ReplaceSecret(LabelNonceCounter, raw[:]))

	again, err := m.DeriveNonce("tx_cafe", digest[:])
	require.NoError(t, err)
	assert.Equal(t, d.Counter, again.Counter)
	assert.Equal(t, d.RHex, again.RHex)
}

func TestDeriveNonceDiffersAcrossCounters(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	digest := sha256.Sum256([]byte("message"))

	first, err := m.DeriveNonce("tx_repeat", digest[:])
	require.NoError(t, err)
	second, err := m.DeriveNonce("tx_repeat", digest[:])
	require.NoError(t, err)

	// Same request, same digest: the advanced counter still forces a
	// different nonce. This is the cornerstone invariant.
	assert.NotEqual(t, first.RHex, second.RHex)
	assert.Equal(t, first.Counter+1, second.Counter)
}

func TestRederiveNoncePointMatchesDerivation(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	digest := sha256.Sum256([]byte("message"))

	d, err := m.DeriveNonce("tx_feed", digest[:])
	require.NoError(t, err)

	rHex, err := m.RederiveNoncePoint(d.Counter, "tx_feed", digest[:])
	require.NoError(t, err)
	assert.Equal(t, d.RHex, rHex)

	counter, err := m.CounterGet()
	require.NoError(t, err)
	assert.Equal(t, d.Counter, counter, "rederivation must not advance the counter")
}

func TestProductionForbidsExtraction(t *testing.T) {
	m := newTestModule(t, ModeProduction)
	require.NoError(t, m.PutSecret(DKGShareLabel("demo"), make([]byte, 32)))

	_, err := m.GetSecret(LabelNonceMasterSeed)
	assert.ErrorIs(t, err, custodyerr.ErrSecretExtractionForbidden)
	_, err = m.GetSecret(DKGShareLabel("demo"))
	assert.ErrorIs(t, err, custodyerr.ErrSecretExtractionForbidden)

	// Derivation stays available: the nonce never crosses the API boundary.
	digest := sha256.Sum256([]byte("message"))
	d, err := m.DeriveNonce("tx_prod", digest[:])
	require.NoError(t, err)
	assert.NotEmpty(t, d.RHex)
}

func TestDemoAllowsReadback(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	seed, err := m.GetSecret(LabelNonceMasterSeed)
	require.NoError(t, err)
	assert.Len(t, seed, 32)
}

func TestPutSecretIsCreateIfAbsent(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	require.NoError(t, m.PutSecret("LABEL", []byte("one")))
	require.NoError(t, m.PutSecret("LABEL", []byte("one")), "identical content is idempotent")
	assert.Error(t, m.PutSecret("LABEL", []byte("two")), "different content is refused")

	require.NoError(t, m.ReplaceSecret("LABEL", []byte("two")))
	v, err := m.GetSecret("LABEL")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)
}

func TestStorePersistsAcrossLogin(t *testing.T) {
	dir := t.TempDir()
	m := NewMemory(dir, ModeDemo)
	require.NoError(t, m.Login("1234"))
	_, err := m.InitNonceDerivation()
	require.NoError(t, err)
	require.NoError(t, m.EnsureIdentityKey())
	seed, err := m.GetSecret(LabelNonceMasterSeed)
	require.NoError(t, err)
	require.NoError(t, m.Logout())

	reopened := NewMemory(dir, ModeDemo)
	require.NoError(t, reopened.Login("1234"))
	seedAgain, err := reopened.GetSecret(LabelNonceMasterSeed)
	require.NoError(t, err)
	assert.Equal(t, seed, seedAgain)

	wrongPIN := NewMemory(dir, ModeDemo)
	assert.Error(t, wrongPIN.Login("9999"))
}

func TestOperationsRequireLogin(t *testing.T) {
	m := NewMemory("", ModeDemo)
	_, err := m.CounterGet()
	assert.Error(t, err)

	require.NoError(t, m.Login("1234"))
	require.NoError(t, m.Logout())
	_, err = m.DeriveNonce("tx_x", make([]byte, 32))
	assert.Error(t, err)
}

func TestDeriveNonceRejectsBadDigest(t *testing.T) {
	m := newTestModule(t, ModeDemo)
	_, err := m.DeriveNonce("tx_short", []byte("short"))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeProduction, mode)

	_, err = ParseMode("staging")
	assert.Error(t, err)
}
