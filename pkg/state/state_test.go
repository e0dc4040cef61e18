package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/secretmodule"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), "node1")
	require.NoError(t, err)
	return m
}

func TestNewCreatesEmptyState(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Load()
	require.NoError(t, err)
	assert.False(t, s.Initialized)
	assert.Empty(t, s.NonceRecords)
	assert.Empty(t, s.Rounds)
}

func TestUpdatePersists(t *testing.T) {
	m := newTestManager(t)
	err := m.Update(func(s *NodeState) error {
		s.Initialized = true
		round := s.Round("demo")
		round.Phase = PhaseCommitted
		round.Threshold = 2
		round.Total = 3
		return nil
	})
	require.NoError(t, err)

	s, err := m.Load()
	require.NoError(t, err)
	assert.True(t, s.Initialized)
	assert.Equal(t, PhaseCommitted, s.Round("demo").Phase)
}

func TestUpdateErrorLeavesStateUntouched(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Update(func(s *NodeState) error {
		s.Initialized = true
		return nil
	}))

	err := m.Update(func(s *NodeState) error {
		s.Initialized = false
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	s, err := m.Load()
	require.NoError(t, err)
	assert.True(t, s.Initialized, "a failed mutation must not be written")
}

func TestRecordNonceRefusesSecondRecord(t *testing.T) {
	m := newTestManager(t)
	rec := NonceRecord{Counter: 1, RHex: "02aa", MessageDigestHex: "dd"}
	require.NoError(t, m.RecordNonce("tx_1", rec))

	err := m.RecordNonce("tx_1", NonceRecord{Counter: 2, RHex: "02bb", MessageDigestHex: "dd"})
	assert.ErrorIs(t, err, custodyerr.ErrNonceReuseAttempted)

	has, err := m.HasNonceFor("tx_1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = m.HasNonceFor("tx_2")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "node1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o600))

	_, err = m.Load()
	assert.ErrorIs(t, err, custodyerr.ErrStateCorruption)
}

func TestAuditDetectsMismatches(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.RecordNonce("tx_1", NonceRecord{Counter: 1, RHex: "02aa", MessageDigestHex: "dd"}))
	require.NoError(t, m.RecordNonce("tx_2", NonceRecord{Counter: 2, RHex: "02bb", MessageDigestHex: "ee"}))

	consistent := []secretmodule.DerivationRecord{
		{Counter: 1, RequestID: "tx_1", RHex: "02aa"},
		{Counter: 2, RequestID: "tx_2", RHex: "02bb"},
	}
	report, err := m.Audit(consistent, 2)
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	// A module record pointing at a different request means one layer was
	// rolled back.
	swapped := []secretmodule.DerivationRecord{
		{Counter: 1, RequestID: "tx_other", RHex: "02aa"},
		{Counter: 2, RequestID: "tx_2", RHex: "02bb"},
	}
	report, err = m.Audit(swapped, 2)
	require.NoError(t, err)
	assert.False(t, report.Consistent())

	// A local record with no module derivation at all is the worst case.
	report, err = m.Audit(nil, 2)
	require.NoError(t, err)
	assert.Len(t, report.Mismatches, 2)
}

func TestAuditToleratesOpaqueProductionRecords(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.RecordNonce("tx_1", NonceRecord{Counter: 1, RHex: "02aa", MessageDigestHex: "dd"}))

	// A production token that cannot reveal values reports counters only.
	report, err := m.Audit([]secretmodule.DerivationRecord{{Counter: 1}}, 1)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}
