package schnorr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-custody/core/pkg/curve"
)

// sign produces a plain single-party signature, the degenerate case the
// threshold ceremony must agree with.
func sign(t *testing.T, secret *curve.Scalar, message []byte) (*Signature, *curve.Point) {
	t.Helper()
	groupKey := secret.ActOnBase()
	k, err := curve.RandomScalar()
	require.NoError(t, err)
	r := k.ActOnBase()

	e, err := Challenge(r, groupKey, message)
	require.NoError(t, err)
	s := curve.NewScalar().Add(k, curve.NewScalar().Mul(e, secret))
	return &Signature{R: r, S: s}, groupKey
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	message := []byte("Pay 100 BTC to Satoshi")

	sig, groupKey := sign(t, secret, message)
	assert.True(t, sig.Verify(groupKey, message))
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	sig, groupKey := sign(t, secret, []byte("original"))
	assert.False(t, sig.Verify(groupKey, []byte("tampered")))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	other, err := curve.RandomScalar()
	require.NoError(t, err)

	sig, _ := sign(t, secret, []byte("message"))
	assert.False(t, sig.Verify(other.ActOnBase(), []byte("message")))
}

func TestChallengeDependsOnAllInputs(t *testing.T) {
	a, err := curve.RandomScalar()
	require.NoError(t, err)
	b, err := curve.RandomScalar()
	require.NoError(t, err)
	r, y := a.ActOnBase(), b.ActOnBase()

	base, err := Challenge(r, y, []byte("m"))
	require.NoError(t, err)

	differentMessage, err := Challenge(r, y, []byte("m2"))
	require.NoError(t, err)
	assert.False(t, base.Equal(differentMessage))

	swapped, err := Challenge(y, r, []byte("m"))
	require.NoError(t, err)
	assert.False(t, base.Equal(swapped))
}
