// Package state manages the node's durable local state: a single JSON
// document holding initialization flags, per-round DKG progress, and the
// nonce-usage audit trail. Reads take a shared advisory file lock; updates
// take an exclusive lock, reload, mutate, and atomically replace the file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/party"
	"github.com/threshold-custody/core/pkg/secretmodule"
)

// Phase is the local DKG progress marker for one round.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCommitted   Phase = "committed"
	PhaseDistributed Phase = "distributed"
	PhaseFinalized   Phase = "finalized"
)

// DKGRound is this node's durable view of one DKG round. Participants is
// the full sorted participant list fixed at finalise; signing derives its
// polynomial evaluation indices from positions in this list.
type DKGRound struct {
	Phase             Phase         `json:"phase"`
	Threshold         int           `json:"threshold"`
	Total             int           `json:"total"`
	ShareStored       bool          `json:"share_stored"`
	GroupPublicKeyHex string        `json:"group_public_key_hex,omitempty"`
	Participants      party.IDSlice `json:"participants,omitempty"`
}

// NonceRecord is the local layer of the triple nonce bookkeeping: one entry
// per request this node has ever approved.
type NonceRecord struct {
	Counter          uint64 `json:"counter"`
	RHex             string `json:"R_hex"`
	MessageDigestHex string `json:"message_digest_hex"`
}

// NodeState is the complete JSON document on disk.
type NodeState struct {
	NodeID         party.ID                `json:"node_id"`
	Initialized    bool                    `json:"initialized"`
	IdentityPosted bool                    `json:"identity_posted"`
	ActiveRound    string                  `json:"active_round,omitempty"`
	Rounds         map[string]*DKGRound    `json:"rounds"`
	NonceRecords   map[string]*NonceRecord `json:"nonce_records"`
}

// Round returns the state for roundID, creating an idle entry if absent.
func (s *NodeState) Round(roundID string) *DKGRound {
	if s.Rounds == nil {
		s.Rounds = make(map[string]*DKGRound)
	}
	r, ok := s.Rounds[roundID]
	if !ok {
		r = &DKGRound{Phase: PhaseIdle}
		s.Rounds[roundID] = r
	}
	return r
}

// Manager serialises access to the state file. Multiple processes on the
// same host coordinate through the advisory lock on a sibling .lock file.
type Manager struct {
	nodeID    party.ID
	statePath string
	lockPath  string
}

// New opens (or creates) the state file under dir.
func New(dir string, nodeID party.ID) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("state: creating %s: %w", dir, err)
	}
	m := &Manager{
		nodeID:    nodeID,
		statePath: filepath.Join(dir, "state.json"),
		lockPath:  filepath.Join(dir, "state.lock"),
	}
	if _, err := os.Stat(m.statePath); errors.Is(err, os.ErrNotExist) {
		initial := &NodeState{
			NodeID:       nodeID,
			Rounds:       make(map[string]*DKGRound),
			NonceRecords: make(map[string]*NonceRecord),
		}
		if err := m.save(initial); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("state: checking %s: %w", m.statePath, err)
	}
	return m, nil
}

// withLock runs fn while holding the advisory lock of the given type.
func (m *Manager) withLock(how int, fn func() error) error {
	lock, err := os.OpenFile(m.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("state: opening lock file: %w", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), how); err != nil {
		return fmt.Errorf("state: acquiring lock: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	return fn()
}

// load reads and decodes the state file. Callers hold the lock.
func (m *Manager) load() (*NodeState, error) {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return nil, fmt.Errorf("state: reading %s: %w", m.statePath, err)
	}
	var s NodeState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("state: %s is not valid JSON: %w", m.statePath, custodyerr.ErrStateCorruption)
	}
	if s.Rounds == nil {
		s.Rounds = make(map[string]*DKGRound)
	}
	if s.NonceRecords == nil {
		s.NonceRecords = make(map[string]*NonceRecord)
	}
	return &s, nil
}

// save writes the state atomically: temp file, fsync, rename. Callers hold
// the exclusive lock (or are the constructor, before any reader exists).
func (m *Manager) save(s *NodeState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	tmp := m.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("state: opening %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("state: writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("state: replacing %s: %w", m.statePath, err)
	}
	return nil
}

// Load returns a snapshot of the current state under a shared lock.
func (m *Manager) Load() (*NodeState, error) {
	var s *NodeState
	err := m.withLock(unix.LOCK_SH, func() error {
		var err error
		s, err = m.load()
		return err
	})
	return s, err
}

// Update applies fn to the current state under an exclusive lock and writes
// the result atomically. fn must not call Load: the lock is not re-entrant,
// and the update path deliberately reloads without re-acquiring it.
func (m *Manager) Update(fn func(*NodeState) error) error {
	return m.withLock(unix.LOCK_EX, func() error {
		s, err := m.load()
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		return m.save(s)
	})
}

// HasNonceFor reports whether this node already recorded a nonce for the
// request. This is the first of the three approve pre-check layers.
func (m *Manager) HasNonceFor(requestID string) (bool, error) {
	s, err := m.Load()
	if err != nil {
		return false, err
	}
	_, ok := s.NonceRecords[requestID]
	return ok, nil
}

// RecordNonce stores the derivation bookkeeping for a request. It refuses
// to overwrite an existing record: a second derivation for the same request
// must have been stopped by the pre-checks long before this point.
func (m *Manager) RecordNonce(requestID string, rec NonceRecord) error {
	return m.Update(func(s *NodeState) error {
		if _, ok := s.NonceRecords[requestID]; ok {
			return fmt.Errorf("state: nonce record for %s already exists: %w",
				requestID, custodyerr.ErrNonceReuseAttempted)
		}
		s.NonceRecords[requestID] = &rec
		return nil
	})
}

// NonceRecords returns a copy of every recorded
// (request_id, counter, R, digest) tuple.
func (m *Manager) NonceRecords() (map[string]NonceRecord, error) {
	s, err := m.Load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]NonceRecord, len(s.NonceRecords))
	for id, rec := range s.NonceRecords {
		out[id] = *rec
	}
	return out, nil
}

// AuditReport is the outcome of comparing local nonce bookkeeping against
// the secret module's derivation records.
type AuditReport struct {
	LocalRecords  int
	ModuleRecords int
	Counter       uint64
	Mismatches    []string
}

// Consistent reports whether the two layers agree.
func (r *AuditReport) Consistent() bool { return len(r.Mismatches) == 0 }

// Audit compares local state against the module's NONCE_DERIV_* records.
// Module records without a request id (a production token that cannot
// reveal values) are compared by counter only. A mismatch means one layer
// was rolled back or corrupted; callers should treat it as
// custodyerr.ErrStateCorruption and stop the node for intervention.
func (m *Manager) Audit(moduleRecords []secretmodule.DerivationRecord, counter uint64) (*AuditReport, error) {
	s, err := m.Load()
	if err != nil {
		return nil, err
	}
	report := &AuditReport{
		LocalRecords:  len(s.NonceRecords),
		ModuleRecords: len(moduleRecords),
		Counter:       counter,
	}

	moduleByCounter := make(map[uint64]secretmodule.DerivationRecord, len(moduleRecords))
	for _, rec := range moduleRecords {
		moduleByCounter[rec.Counter] = rec
	}

	ids := make([]string, 0, len(s.NonceRecords))
	for id := range s.NonceRecords {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		local := s.NonceRecords[id]
		mod, ok := moduleByCounter[local.Counter]
		if !ok {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("request %s: counter %d has no module derivation record", id, local.Counter))
			continue
		}
		if mod.RequestID == "" {
			continue // production token: values unreadable, counter presence is all we can check
		}
		if mod.RequestID != id {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("counter %d: local request %s, module request %s", local.Counter, id, mod.RequestID))
		}
		if mod.RHex != local.RHex {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("request %s: local R %s, module R %s", id, local.RHex, mod.RHex))
		}
	}
	return report, nil
}
