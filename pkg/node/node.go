// Package node assembles a custody node from configuration: secret module
// backend, board transport, durable state, and the two ceremony engines.
// The CLI is a thin shim over this package; tests drive it directly.
package node

import (
	"fmt"
	"time"

	"github.com/threshold-custody/core/internal/config"
	"github.com/threshold-custody/core/internal/metrics"
	"github.com/threshold-custody/core/pkg/board"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/dkg"
	"github.com/threshold-custody/core/pkg/party"
	"github.com/threshold-custody/core/pkg/secretmodule"
	"github.com/threshold-custody/core/pkg/signing"
	"github.com/threshold-custody/core/pkg/state"
	"github.com/threshold-custody/core/pkg/wire"
)

// Node is one fully wired participant.
type Node struct {
	ID      party.ID
	Module  secretmodule.Module
	Board   *board.Client
	State   *state.Manager
	DKG     *dkg.Engine
	Signing *signing.Engine

	closeTransport func() error
}

// New wires a node from validated configuration and logs into its secret
// module. Close releases everything.
func New(cfg *config.Config, rec *metrics.Recorder) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := secretmodule.ParseMode(cfg.OperationMode)
	if err != nil {
		return nil, err
	}
	id := party.ID(cfg.NodeID)

	stateManager, err := state.New(cfg.DataDir, id)
	if err != nil {
		return nil, err
	}

	var module secretmodule.Module
	switch cfg.SecretModuleBackend {
	case "memory", "":
		module = secretmodule.NewMemory(cfg.DataDir, mode)
	case "pkcs11":
		module = secretmodule.NewPKCS11(cfg.PKCS11ModulePath, cfg.PKCS11TokenLabel, mode)
	case "vault":
		module = secretmodule.NewVault(cfg.VaultAddr, cfg.VaultMount, cfg.NodeID, mode)
	default:
		return nil, fmt.Errorf("node: unknown secret_module_backend %q", cfg.SecretModuleBackend)
	}
	if err := module.Login(cfg.SecretModulePIN); err != nil {
		return nil, err
	}

	var transport board.Transport
	closeTransport := func() error { return nil }
	switch cfg.BoardBackend {
	case "memory":
		transport = board.NewMemTransport()
	case "bolt", "":
		bt, err := board.OpenBolt(cfg.BoltPath)
		if err != nil {
			module.Logout()
			return nil, err
		}
		transport = bt
		closeTransport = bt.Close
	default:
		module.Logout()
		return nil, fmt.Errorf("node: unknown board_backend %q", cfg.BoardBackend)
	}
	client := board.NewClient(transport)

	n := &Node{
		ID:             id,
		Module:         module,
		Board:          client,
		State:          stateManager,
		closeTransport: closeTransport,
	}
	n.DKG = &dkg.Engine{NodeID: id, Board: client, State: stateManager, Module: module, Metrics: rec}
	n.Signing = &signing.Engine{NodeID: id, Board: client, State: stateManager, Module: module, Metrics: rec}
	return n, nil
}

// Close logs out of the module and releases the transport.
func (n *Node) Close() error {
	err := n.Module.Logout()
	if cerr := n.closeTransport(); err == nil {
		err = cerr
	}
	return err
}

// Init performs one-time node setup: create the identity keypair, set up
// nonce derivation, post the identity to the board. Re-running is a no-op.
func (n *Node) Init() (created bool, err error) {
	if err := n.Module.EnsureIdentityKey(); err != nil {
		return false, err
	}
	if _, err := n.Module.InitNonceDerivation(); err != nil {
		return false, err
	}

	s, err := n.State.Load()
	if err != nil {
		return false, err
	}
	if s.Initialized && s.IdentityPosted {
		return false, nil
	}

	pubPEM, err := n.Module.IdentityPublicKeyPEM()
	if err != nil {
		return false, err
	}
	blob, err := wire.Encode(&wire.Identity{
		NodeID:       n.ID,
		PublicKeyPEM: string(pubPEM),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	path := wire.IdentityPath(n.ID)
	existing, err := n.Board.Read(path)
	if err != nil {
		return false, err
	}
	if existing == nil {
		if err := n.Board.Post(path, blob); err != nil {
			return false, err
		}
	}

	err = n.State.Update(func(s *state.NodeState) error {
		s.Initialized = true
		s.IdentityPosted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status is the read-only operator summary.
type Status struct {
	NodeID            party.ID
	Mode              secretmodule.Mode
	Initialized       bool
	IdentityPosted    bool
	ActiveRound       string
	Rounds            map[string]*state.DKGRound
	NonceCounter      uint64
	LocalNonces       int
	ModuleDerivations int
	BoardIdentities   []party.ID
}

// Status gathers local state, module bookkeeping, and a board sync.
func (n *Node) Status() (*Status, error) {
	s, err := n.State.Load()
	if err != nil {
		return nil, err
	}
	st := &Status{
		NodeID:         n.ID,
		Mode:           n.Module.Mode(),
		Initialized:    s.Initialized,
		IdentityPosted: s.IdentityPosted,
		ActiveRound:    s.ActiveRound,
		Rounds:         s.Rounds,
		LocalNonces:    len(s.NonceRecords),
	}
	if counter, err := n.Module.CounterGet(); err == nil {
		st.NonceCounter = counter
	}
	if records, err := n.Module.DerivationRecords(); err == nil {
		st.ModuleDerivations = len(records)
	}
	paths, err := n.Board.List("identity/")
	if err == nil {
		for _, p := range paths {
			st.BoardIdentities = append(st.BoardIdentities, party.ID(p[len("identity/"):]))
		}
	}
	return st, nil
}

// Audit cross-checks the local nonce ledger against the secret module and
// returns the comparison. An inconsistent report means a layer was rolled
// back; the node should be stopped for intervention.
func (n *Node) Audit() (*state.AuditReport, error) {
	records, err := n.Module.DerivationRecords()
	if err != nil {
		return nil, err
	}
	counter, err := n.Module.CounterGet()
	if err != nil {
		return nil, err
	}
	report, err := n.State.Audit(records, counter)
	if err != nil {
		return nil, err
	}
	if !report.Consistent() {
		return report, fmt.Errorf("node: %d nonce bookkeeping mismatches: %w",
			len(report.Mismatches), custodyerr.ErrStateCorruption)
	}
	return report, nil
}
