// Package dkg runs the Feldman-verifiable distributed key generation
// ceremony over the bulletin board. Each participant deals a random
// polynomial: commitments are broadcast, per-recipient shares travel
// encrypted, and every node verifies what it receives against the dealer's
// commitments before folding it into its final share.
//
// The ceremony is driven one phase at a time by the operator; nodes are
// never online simultaneously. A phase that is still waiting on other
// participants reports Pending and mutates nothing.
package dkg

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threshold-custody/core/internal/metrics"
	"github.com/threshold-custody/core/pkg/board"
	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/identity"
	"github.com/threshold-custody/core/pkg/party"
	"github.com/threshold-custody/core/pkg/polynomial"
	"github.com/threshold-custody/core/pkg/secretmodule"
	"github.com/threshold-custody/core/pkg/state"
	"github.com/threshold-custody/core/pkg/wire"
)

// Outcome tells the operator what a phase invocation did.
type Outcome string

const (
	// Done means the phase completed and local state advanced.
	Done Outcome = "done"
	// Pending means the board is still missing input from other
	// participants; nothing was mutated. Try again later.
	Pending Outcome = "pending"
	// AlreadyDone means the phase had completed in an earlier invocation.
	AlreadyDone Outcome = "already-done"
)

// Engine drives this node's side of a DKG ceremony.
type Engine struct {
	NodeID  party.ID
	Board   *board.Client
	State   *state.Manager
	Module  secretmodule.Module
	Metrics *metrics.Recorder
}

// Start runs phase 1: sample the polynomial, persist its coefficients in
// the secret module for crash recovery, and broadcast the commitments.
func (e *Engine) Start(roundID string, threshold, total int) (Outcome, error) {
	if threshold < 1 {
		return "", fmt.Errorf("dkg: threshold must be at least 1, got %d", threshold)
	}
	if total < threshold {
		return "", fmt.Errorf("dkg: total %d is below threshold %d: %w",
			total, threshold, custodyerr.ErrParticipantMismatch)
	}

	s, err := e.State.Load()
	if err != nil {
		return "", err
	}
	if !s.Initialized || !s.IdentityPosted {
		return "", fmt.Errorf("dkg: node is not initialized; run init first")
	}
	round := s.Round(roundID)
	if round.Phase != state.PhaseIdle {
		if round.Threshold != threshold || round.Total != total {
			return "", fmt.Errorf("dkg: round %s already started with %d-of-%d: %w",
				roundID, round.Threshold, round.Total, custodyerr.ErrParticipantMismatch)
		}
		return AlreadyDone, nil
	}

	coeffs, err := e.loadOrSampleCoefficients(roundID, threshold)
	if err != nil {
		return "", err
	}
	commitments := make([]string, threshold)
	for k, c := range coeffs {
		compressed, err := c.ActOnBase().Compress()
		if err != nil {
			return "", fmt.Errorf("dkg: compressing commitment %d: %w", k, err)
		}
		commitments[k] = hex.EncodeToString(compressed)
	}

	// A crash between the post and the state update leaves the commitment
	// on the board; the recovered coefficients produce the same points, so
	// the existing blob stands rather than being re-posted with a fresh
	// timestamp.
	path := wire.DKGCommitmentPath(roundID, e.NodeID)
	existing, err := e.Board.Read(path)
	if err != nil {
		return "", err
	}
	if existing == nil {
		msg, err := wire.Encode(&wire.DKGCommitment{
			NodeID:      e.NodeID,
			RoundID:     roundID,
			Commitments: commitments,
			Threshold:   threshold,
			Total:       total,
			Timestamp:   time.Now().UTC(),
		})
		if err != nil {
			return "", err
		}
		if err := e.post(path, msg); err != nil {
			return "", err
		}
	}

	err = e.State.Update(func(s *state.NodeState) error {
		round := s.Round(roundID)
		round.Phase = state.PhaseCommitted
		round.Threshold = threshold
		round.Total = total
		return nil
	})
	if err != nil {
		return "", err
	}
	e.Metrics.DKGPhase(roundID, string(state.PhaseCommitted))
	return Done, nil
}

// loadOrSampleCoefficients recovers a previously persisted polynomial or
// samples a fresh one. Coefficients are stored as threshold concatenated
// 32-byte big-endian scalars and wiped at finalise.
func (e *Engine) loadOrSampleCoefficients(roundID string, threshold int) ([]*curve.Scalar, error) {
	label := secretmodule.DKGCoeffsLabel(roundID)
	exists, err := e.Module.HasSecret(label)
	if err != nil {
		return nil, err
	}
	if exists {
		raw, err := e.Module.GetSecret(label)
		if err != nil {
			return nil, err
		}
		return decodeCoefficients(raw, threshold)
	}

	coeffs := make([]*curve.Scalar, threshold)
	raw := make([]byte, 0, threshold*32)
	for k := range coeffs {
		c, err := curve.RandomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[k] = c
		raw = append(raw, c.Bytes()...)
	}
	if err := e.Module.PutSecret(label, raw); err != nil {
		return nil, err
	}
	return coeffs, nil
}

func decodeCoefficients(raw []byte, threshold int) ([]*curve.Scalar, error) {
	if len(raw) != threshold*32 {
		return nil, fmt.Errorf("dkg: stored coefficients are %d bytes, want %d", len(raw), threshold*32)
	}
	coeffs := make([]*curve.Scalar, threshold)
	for k := range coeffs {
		c, err := curve.ScalarFromBytes(raw[k*32 : (k+1)*32])
		if err != nil {
			return nil, err
		}
		coeffs[k] = c
	}
	return coeffs, nil
}

// Distribute runs phase 2: once all participants have committed, evaluate
// the polynomial at every participant's index and post each share encrypted
// to its recipient's identity key.
func (e *Engine) Distribute(roundID string) (Outcome, error) {
	s, err := e.State.Load()
	if err != nil {
		return "", err
	}
	round := s.Round(roundID)
	switch round.Phase {
	case state.PhaseIdle:
		return "", fmt.Errorf("dkg: round %s has not committed; run dkg-start first", roundID)
	case state.PhaseDistributed, state.PhaseFinalized:
		return AlreadyDone, nil
	}

	commitments, participants, err := e.readCommitments(roundID, round.Threshold, round.Total)
	if err != nil {
		return "", err
	}
	if commitments == nil {
		return Pending, nil
	}

	coeffs, err := e.loadOrSampleCoefficients(roundID, round.Threshold)
	if err != nil {
		return "", err
	}
	poly := polynomial.FromCoefficients(coeffs)

	// Fetch every recipient's identity, then encrypt in parallel: the
	// RSA-OAEP work per recipient is independent. Posting stays sequential
	// because the board client rebases its working copy on every push.
	identities := make(map[party.ID][]byte, len(participants))
	for _, id := range participants {
		blob, err := e.Board.Read(wire.IdentityPath(id))
		if err != nil {
			return "", err
		}
		if blob == nil {
			return "", fmt.Errorf("dkg: participant %s has no posted identity: %w",
				id, custodyerr.ErrParticipantMismatch)
		}
		var ident wire.Identity
		if err := wire.Decode(blob, &ident); err != nil {
			return "", err
		}
		identities[id] = []byte(ident.PublicKeyPEM)
	}

	// OAEP is randomised, so a re-run cannot reproduce an earlier
	// ciphertext byte for byte; shares already on the board stand.
	posted, err := e.Board.List(wire.DKGSharePrefix(roundID))
	if err != nil {
		return "", err
	}
	alreadyPosted := make(map[string]bool, len(posted))
	for _, path := range posted {
		alreadyPosted[path] = true
	}

	ciphertexts := make([][]byte, len(participants))
	var g errgroup.Group
	for i, id := range participants {
		i, id := i, id
		if alreadyPosted[wire.DKGSharePath(roundID, e.NodeID, id)] {
			continue
		}
		g.Go(func() error {
			share := poly.Evaluate(participants.Scalar(id))
			defer share.Zero()
			ct, err := identity.EncryptForRecipient(identities[id], share.Bytes())
			if err != nil {
				return fmt.Errorf("dkg: encrypting share for %s: %w", id, err)
			}
			ciphertexts[i] = ct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	for i, id := range participants {
		if ciphertexts[i] == nil {
			continue
		}
		if err := e.post(wire.DKGSharePath(roundID, e.NodeID, id), ciphertexts[i]); err != nil {
			return "", err
		}
	}

	err = e.State.Update(func(s *state.NodeState) error {
		s.Round(roundID).Phase = state.PhaseDistributed
		return nil
	})
	if err != nil {
		return "", err
	}
	e.Metrics.DKGPhase(roundID, string(state.PhaseDistributed))
	return Done, nil
}

// Finalize runs phase 3: decrypt and verify every share addressed to this
// node, fold them into the final share, and store the group public key.
func (e *Engine) Finalize(roundID string) (Outcome, error) {
	s, err := e.State.Load()
	if err != nil {
		return "", err
	}
	round := s.Round(roundID)
	switch round.Phase {
	case state.PhaseIdle, state.PhaseCommitted:
		return "", fmt.Errorf("dkg: round %s has not distributed; run dkg-distribute first", roundID)
	case state.PhaseFinalized:
		return AlreadyDone, nil
	}

	commitments, participants, err := e.readCommitments(roundID, round.Threshold, round.Total)
	if err != nil {
		return "", err
	}
	if commitments == nil {
		return Pending, nil
	}

	if err := e.checkComplaints(roundID, participants); err != nil {
		return "", err
	}

	// All shares addressed to this node must be present, our own included.
	shareBlobs := make(map[party.ID][]byte, len(participants))
	for _, from := range participants {
		blob, err := e.Board.Read(wire.DKGSharePath(roundID, from, e.NodeID))
		if err != nil {
			return "", err
		}
		if blob == nil {
			return Pending, nil
		}
		shareBlobs[from] = blob
	}

	selfIndex := participants.Scalar(e.NodeID)
	finalShare := curve.NewScalar()
	groupKey := curve.NewIdentityPoint()
	for _, from := range participants {
		plaintext, err := e.Module.DecryptWithIdentityKey(shareBlobs[from])
		if err != nil {
			return "", fmt.Errorf("dkg: decrypting share from %s: %w", from, err)
		}
		share, err := curve.ScalarFromBytes(plaintext)
		if err != nil {
			return "", fmt.Errorf("dkg: share from %s: %w", from, err)
		}

		exponent, err := commitmentPoints(commitments[from])
		if err != nil {
			return "", err
		}
		expected := exponent.Evaluate(selfIndex)
		if !share.ActOnBase().Equal(expected) {
			if err := e.postComplaint(roundID, from); err != nil {
				return "", err
			}
			return "", fmt.Errorf("dkg: share from %s does not match its commitments: %w",
				from, custodyerr.ErrDKGVerificationFailed)
		}

		finalShare = curve.NewScalar().Add(finalShare, share)
		share.Zero()
		groupKey.Add(groupKey, exponent.Constant())
	}

	if err := e.Module.PutSecret(secretmodule.DKGShareLabel(roundID), finalShare.Bytes()); err != nil {
		return "", err
	}
	finalShare.Zero()

	groupKeyCompressed, err := groupKey.Compress()
	if err != nil {
		return "", fmt.Errorf("dkg: compressing group public key: %w", err)
	}
	groupKeyHex := hex.EncodeToString(groupKeyCompressed)

	if err := e.Module.DeleteSecret(secretmodule.DKGCoeffsLabel(roundID)); err != nil {
		return "", err
	}

	err = e.State.Update(func(s *state.NodeState) error {
		round := s.Round(roundID)
		round.Phase = state.PhaseFinalized
		round.ShareStored = true
		round.GroupPublicKeyHex = groupKeyHex
		round.Participants = participants
		s.ActiveRound = roundID
		return nil
	})
	if err != nil {
		return "", err
	}
	e.Metrics.DKGPhase(roundID, string(state.PhaseFinalized))
	return Done, nil
}

// readCommitments collects every posted commitment for the round. It
// returns (nil, nil, nil) while fewer than total participants have
// committed, and rejects rounds whose posted parameters disagree.
func (e *Engine) readCommitments(roundID string, threshold, total int) (map[party.ID]*wire.DKGCommitment, party.IDSlice, error) {
	paths, err := e.Board.List(wire.DKGCommitmentPrefix(roundID))
	if err != nil {
		return nil, nil, err
	}
	if len(paths) < total {
		return nil, nil, nil
	}
	if len(paths) > total {
		return nil, nil, fmt.Errorf("dkg: %d commitments posted for a %d-participant round: %w",
			len(paths), total, custodyerr.ErrParticipantMismatch)
	}

	commitments := make(map[party.ID]*wire.DKGCommitment, len(paths))
	ids := make([]party.ID, 0, len(paths))
	for _, path := range paths {
		blob, err := e.Board.Read(path)
		if err != nil {
			return nil, nil, err
		}
		var msg wire.DKGCommitment
		if err := wire.Decode(blob, &msg); err != nil {
			return nil, nil, err
		}
		if msg.Threshold != threshold || msg.Total != total {
			return nil, nil, fmt.Errorf("dkg: %s committed with %d-of-%d, this node expects %d-of-%d: %w",
				msg.NodeID, msg.Threshold, msg.Total, threshold, total, custodyerr.ErrParticipantMismatch)
		}
		if len(msg.Commitments) != threshold {
			return nil, nil, fmt.Errorf("dkg: %s posted %d commitments, want %d: %w",
				msg.NodeID, len(msg.Commitments), threshold, custodyerr.ErrParticipantMismatch)
		}
		commitments[msg.NodeID] = &msg
		ids = append(ids, msg.NodeID)
	}

	participants := party.NewIDSlice(ids)
	if !participants.Contains(e.NodeID) {
		return nil, nil, fmt.Errorf("dkg: this node is not among the round's participants: %w",
			custodyerr.ErrParticipantMismatch)
	}
	return commitments, participants, nil
}

func commitmentPoints(msg *wire.DKGCommitment) (*polynomial.Exponent, error) {
	points := make([]*curve.Point, len(msg.Commitments))
	for k, h := range msg.Commitments {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("dkg: commitment %d from %s: %w", k, msg.NodeID, err)
		}
		p, err := curve.Decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("dkg: commitment %d from %s: %w", k, msg.NodeID, err)
		}
		points[k] = p
	}
	return polynomial.ExponentFromPoints(points), nil
}

// checkComplaints refuses to finalise while any complaint stands against a
// participant whose share this node is about to fold in. Adjudication is an
// operator concern; the gate just stops the ceremony from building on
// disputed material.
func (e *Engine) checkComplaints(roundID string, participants party.IDSlice) error {
	paths, err := e.Board.List(wire.ComplaintPrefix(roundID))
	if err != nil {
		return err
	}
	for _, path := range paths {
		blob, err := e.Board.Read(path)
		if err != nil {
			return err
		}
		var complaint wire.Complaint
		if err := wire.Decode(blob, &complaint); err != nil {
			return err
		}
		if participants.Contains(complaint.Accused) {
			return fmt.Errorf("dkg: complaint by %s against %s is unresolved: %w",
				complaint.Accuser, complaint.Accused, custodyerr.ErrDKGVerificationFailed)
		}
	}
	return nil
}

func (e *Engine) postComplaint(roundID string, accused party.ID) error {
	msg, err := wire.Encode(&wire.Complaint{
		Accuser:   e.NodeID,
		Accused:   accused,
		RoundID:   roundID,
		Reason:    "share does not match posted commitments",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return e.post(wire.ComplaintPath(roundID, e.NodeID, accused), msg)
}

// post publishes a blob and folds the client's retry count into metrics.
func (e *Engine) post(path string, blob []byte) error {
	before := e.Board.Retries
	err := e.Board.Post(path, blob)
	e.Metrics.TransportRetries(e.Board.Retries - before)
	return err
}
