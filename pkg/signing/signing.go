// Package signing runs the threshold Schnorr ceremony over the bulletin
// board: request, approve (commit a deterministic nonce), finalise (partial
// signature under a session lock), and combine.
//
// Approval is where nonce safety lives. Before anything is derived, three
// independent layers are checked for a prior nonce on this request: local
// durable state, the secret module, and the board. The write order after
// derivation is equally strict: counter advance, module backup, local
// state, and only then the board. No rollback of any one layer can force a
// second derivation at the same counter.
package signing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/threshold-custody/core/internal/metrics"
	"github.com/threshold-custody/core/pkg/board"
	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/party"
	"github.com/threshold-custody/core/pkg/polynomial"
	"github.com/threshold-custody/core/pkg/schnorr"
	"github.com/threshold-custody/core/pkg/secretmodule"
	"github.com/threshold-custody/core/pkg/state"
	"github.com/threshold-custody/core/pkg/wire"
)

// Outcome tells the operator what a finalise invocation achieved.
type Outcome string

const (
	// PartialPosted means this node's partial is on the board but the
	// threshold has not combined yet.
	PartialPosted Outcome = "partial-posted"
	// Combined means the final signature was assembled, verified, and
	// posted by this invocation.
	Combined Outcome = "combined"
	// AlreadyCombined means the request had a result before this
	// invocation; late writes to a combined request are ignored.
	AlreadyCombined Outcome = "already-combined"
)

// Engine drives this node's side of signing ceremonies.
type Engine struct {
	NodeID  party.ID
	Board   *board.Client
	State   *state.Manager
	Module  secretmodule.Module
	Metrics *metrics.Recorder
}

// NewRequestID generates the conventional tx_-prefixed request identifier.
func NewRequestID() (string, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("signing: generating request id: %w", err)
	}
	return "tx_" + hex.EncodeToString(raw[:]), nil
}

// Request publishes a new signing request. The request id must be unique
// across the lifetime of the board; an existing request under the same id
// is refused rather than silently adopted.
func (e *Engine) Request(requestID string, message []byte, threshold int) (*wire.SigningRequest, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("signing: threshold must be at least 1, got %d", threshold)
	}
	existing, err := e.Board.Read(wire.RequestPath(requestID))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("signing: request %s: %w", requestID, custodyerr.ErrRequestIDCollision)
	}

	digest := sha256.Sum256(message)
	req := &wire.SigningRequest{
		RequestID:        requestID,
		Message:          message,
		MessageDigestHex: hex.EncodeToString(digest[:]),
		Requester:        e.NodeID,
		Threshold:        threshold,
		CreatedAt:        time.Now().UTC(),
	}
	blob, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := e.post(wire.RequestPath(requestID), blob); err != nil {
		return nil, err
	}
	e.Metrics.SigningRequested()
	return req, nil
}

// readRequest fetches and validates the request artifact.
func (e *Engine) readRequest(requestID string) (*wire.SigningRequest, []byte, error) {
	blob, err := e.Board.Read(wire.RequestPath(requestID))
	if err != nil {
		return nil, nil, err
	}
	if blob == nil {
		return nil, nil, fmt.Errorf("signing: request %s not found on the board", requestID)
	}
	var req wire.SigningRequest
	if err := wire.Decode(blob, &req); err != nil {
		return nil, nil, err
	}
	digest := sha256.Sum256(req.Message)
	if hex.EncodeToString(digest[:]) != req.MessageDigestHex {
		return nil, nil, fmt.Errorf("signing: request %s digest does not match its message", requestID)
	}
	return &req, digest[:], nil
}

// Approve derives this node's nonce for the request and publishes the
// commitment. It runs exactly once per request per node; every layer of
// bookkeeping is checked before the counter moves.
func (e *Engine) Approve(requestID string) (*secretmodule.Derivation, error) {
	s, err := e.State.Load()
	if err != nil {
		return nil, err
	}
	if s.ActiveRound == "" || s.Round(s.ActiveRound).Phase != state.PhaseFinalized {
		return nil, fmt.Errorf("signing: no finalized DKG round; nothing to sign with")
	}

	_, digest, err := e.readRequest(requestID)
	if err != nil {
		return nil, err
	}

	// Layer 1: local durable state survives a board rewind.
	if _, ok := s.NonceRecords[requestID]; ok {
		return nil, fmt.Errorf("signing: local state already records a nonce for %s: %w",
			requestID, custodyerr.ErrNonceReuseAttempted)
	}
	// Layer 2: the secret module survives a disk snapshot rollback.
	hasCommit, err := e.Module.HasSecret(secretmodule.NonceCommitLabel(requestID))
	if err != nil {
		return nil, err
	}
	if hasCommit {
		return nil, fmt.Errorf("signing: secret module already records a nonce for %s: %w",
			requestID, custodyerr.ErrNonceReuseAttempted)
	}
	// Layer 3: the board survives local corruption.
	onBoard, err := e.Board.Read(wire.SigningCommitmentPath(requestID, e.NodeID))
	if err != nil {
		return nil, err
	}
	if onBoard != nil {
		return nil, fmt.Errorf("signing: commitment for %s is already on the board: %w",
			requestID, custodyerr.ErrNonceReuseAttempted)
	}

	// The write order below is mandatory: counter advance (inside
	// DeriveNonce), module backup, local state, board. Reordering admits
	// nonce reuse under a rollback of whichever layer got ahead.
	derivation, err := e.Module.DeriveNonce(requestID, digest)
	if err != nil {
		return nil, err
	}
	if err := e.Module.PutSecret(secretmodule.NonceCommitLabel(requestID), []byte(derivation.RHex)); err != nil {
		return nil, err
	}
	err = e.State.RecordNonce(requestID, state.NonceRecord{
		Counter:          derivation.Counter,
		RHex:             derivation.RHex,
		MessageDigestHex: derivation.MessageDigestHex,
	})
	if err != nil {
		return nil, err
	}

	blob, err := wire.Encode(&wire.SigningCommitment{
		NodeID:           e.NodeID,
		RHex:             derivation.RHex,
		MessageDigestHex: derivation.MessageDigestHex,
		Counter:          derivation.Counter,
		Timestamp:        time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := e.post(wire.SigningCommitmentPath(requestID, e.NodeID), blob); err != nil {
		return nil, err
	}

	e.Metrics.Approved()
	e.Metrics.NonceCounter(derivation.Counter)
	return derivation, nil
}

// Finalize computes and posts this node's partial signature under the
// request's session lock, then combines if the threshold is met.
func (e *Engine) Finalize(requestID string) (Outcome, error) {
	result, err := e.Board.Read(wire.ResultPath(requestID))
	if err != nil {
		return "", err
	}
	if result != nil {
		// A node left out of the locked session still learns so once combined.
		sessionBlob, err := e.Board.Read(wire.SessionPath(requestID))
		if err != nil {
			return "", err
		}
		if sessionBlob != nil {
			var session wire.Session
			if err := wire.Decode(sessionBlob, &session); err != nil {
				return "", err
			}
			if !party.NewIDSlice(session.Participants).Contains(e.NodeID) {
				return "", fmt.Errorf("signing: %s locked with %v: %w",
					requestID, session.Participants, custodyerr.ErrNotInSession)
			}
		}
		return AlreadyCombined, nil
	}

	req, digest, err := e.readRequest(requestID)
	if err != nil {
		return "", err
	}

	commitments, err := e.readCommitments(requestID)
	if err != nil {
		return "", err
	}
	if _, ok := commitments[e.NodeID]; !ok {
		return "", fmt.Errorf("signing: %s: %w", requestID, custodyerr.ErrNotApproved)
	}

	session, err := e.lockSession(requestID, req.Threshold, commitments)
	if err != nil {
		return "", err
	}
	participants := party.NewIDSlice(session.Participants)
	if !participants.Contains(e.NodeID) {
		return "", fmt.Errorf("signing: %s locked with %v: %w",
			requestID, session.Participants, custodyerr.ErrNotInSession)
	}

	s, err := e.State.Load()
	if err != nil {
		return "", err
	}
	record, ok := s.NonceRecords[requestID]
	if !ok {
		return "", fmt.Errorf("signing: commitment on board but no local nonce record for %s: %w",
			requestID, custodyerr.ErrStateCorruption)
	}
	if record.MessageDigestHex != req.MessageDigestHex {
		return "", fmt.Errorf("signing: nonce for %s was derived over a different digest: %w",
			requestID, custodyerr.ErrStateCorruption)
	}
	// Per-request nonce consistency: the module must rederive exactly the
	// commitment every layer recorded.
	rederived, err := e.Module.RederiveNoncePoint(record.Counter, requestID, digest)
	if err != nil {
		return "", err
	}
	if rederived != record.RHex || rederived != commitments[e.NodeID].RHex {
		return "", fmt.Errorf("signing: nonce layers disagree for %s: %w",
			requestID, custodyerr.ErrStateCorruption)
	}

	round := s.Round(s.ActiveRound)
	if round.Phase != state.PhaseFinalized || round.GroupPublicKeyHex == "" {
		return "", fmt.Errorf("signing: no finalized DKG round; nothing to sign with")
	}
	groupKey, err := pointFromHex(round.GroupPublicKeyHex)
	if err != nil {
		return "", fmt.Errorf("signing: group public key: %w", err)
	}

	aggregateR := curve.NewIdentityPoint()
	for _, id := range participants {
		commitment, ok := commitments[id]
		if !ok {
			return "", fmt.Errorf("signing: session participant %s has no commitment: %w",
				id, custodyerr.ErrParticipantMismatch)
		}
		if commitment.MessageDigestHex != req.MessageDigestHex {
			return "", fmt.Errorf("signing: commitment from %s covers a different digest: %w",
				id, custodyerr.ErrParticipantMismatch)
		}
		r, err := pointFromHex(commitment.RHex)
		if err != nil {
			return "", fmt.Errorf("signing: commitment from %s: %w", id, err)
		}
		aggregateR.Add(aggregateR, r)
	}

	challenge, err := schnorr.Challenge(aggregateR, groupKey, req.Message)
	if err != nil {
		return "", err
	}
	lambda := polynomial.LagrangeFor(round.Participants, participants, e.NodeID)

	partial, err := e.Module.ComputePartial(s.ActiveRound, record.Counter, requestID, digest, challenge, lambda)
	if err != nil {
		return "", err
	}
	partialHex := hex.EncodeToString(partial.Bytes())
	partial.Zero()

	partialPath := wire.PartialPath(requestID, e.NodeID)
	existing, err := e.Board.Read(partialPath)
	if err != nil {
		return "", err
	}
	if existing == nil {
		blob, err := wire.Encode(&wire.PartialSignature{
			NodeID:    e.NodeID,
			Partial:   partialHex,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return "", err
		}
		if err := e.post(partialPath, blob); err != nil {
			return "", err
		}
	}
	e.Metrics.Finalised()

	return e.combine(requestID, req, participants, aggregateR, challenge, groupKey)
}

// readCommitments collects every nonce commitment posted for the request.
func (e *Engine) readCommitments(requestID string) (map[party.ID]*wire.SigningCommitment, error) {
	paths, err := e.Board.List(wire.SigningCommitmentPrefix(requestID))
	if err != nil {
		return nil, err
	}
	commitments := make(map[party.ID]*wire.SigningCommitment, len(paths))
	for _, path := range paths {
		blob, err := e.Board.Read(path)
		if err != nil {
			return nil, err
		}
		var msg wire.SigningCommitment
		if err := wire.Decode(blob, &msg); err != nil {
			return nil, err
		}
		commitments[msg.NodeID] = &msg
	}
	return commitments, nil
}

// lockSession returns the request's session, creating it if this node is
// the first finaliser. The participant set is the first threshold
// commitment posters ordered by timestamp, ties broken by node id. The post
// is first-writer-wins: losing the race means adopting the winner's set.
func (e *Engine) lockSession(requestID string, threshold int, commitments map[party.ID]*wire.SigningCommitment) (*wire.Session, error) {
	path := wire.SessionPath(requestID)
	blob, err := e.Board.Read(path)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		if len(commitments) < threshold {
			return nil, fmt.Errorf("signing: %d of %d commitments posted for %s; wait for more approvals",
				len(commitments), threshold, requestID)
		}
		ordered := make([]*wire.SigningCommitment, 0, len(commitments))
		for _, c := range commitments {
			ordered = append(ordered, c)
		}
		sort.Slice(ordered, func(i, j int) bool {
			if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
				return ordered[i].Timestamp.Before(ordered[j].Timestamp)
			}
			return ordered[i].NodeID < ordered[j].NodeID
		})
		participants := make([]party.ID, threshold)
		for i := 0; i < threshold; i++ {
			participants[i] = ordered[i].NodeID
		}

		session := &wire.Session{
			Participants: participants,
			LockedBy:     e.NodeID,
			Timestamp:    time.Now().UTC(),
		}
		encoded, err := wire.Encode(session)
		if err != nil {
			return nil, err
		}
		err = e.post(path, encoded)
		if err == nil {
			return session, nil
		}
		if !isPathExists(err) {
			return nil, err
		}
		// Lost the race; fall through and read the winner's lock.
		if blob, err = e.Board.Read(path); err != nil {
			return nil, err
		}
		if blob == nil {
			return nil, fmt.Errorf("signing: session lock for %s vanished after conflict", requestID)
		}
	}

	var session wire.Session
	if err := wire.Decode(blob, &session); err != nil {
		return nil, err
	}
	if len(session.Participants) != threshold {
		return nil, fmt.Errorf("signing: session for %s locks %d participants, want %d: %w",
			requestID, len(session.Participants), threshold, custodyerr.ErrParticipantMismatch)
	}
	return &session, nil
}

// combine assembles the final signature once enough partials are posted.
func (e *Engine) combine(requestID string, req *wire.SigningRequest, participants party.IDSlice, aggregateR *curve.Point, challenge *curve.Scalar, groupKey *curve.Point) (Outcome, error) {
	result, err := e.Board.Read(wire.ResultPath(requestID))
	if err != nil {
		return "", err
	}
	if result != nil {
		return AlreadyCombined, nil
	}

	sum := curve.NewScalar()
	for _, id := range participants {
		blob, err := e.Board.Read(wire.PartialPath(requestID, id))
		if err != nil {
			return "", err
		}
		if blob == nil {
			return PartialPosted, nil
		}
		var msg wire.PartialSignature
		if err := wire.Decode(blob, &msg); err != nil {
			return "", err
		}
		partial, err := scalarFromHex(msg.Partial)
		if err != nil {
			return "", fmt.Errorf("signing: partial from %s: %w", id, err)
		}
		sum = curve.NewScalar().Add(sum, partial)
	}

	sig := &schnorr.Signature{R: aggregateR, S: sum}
	if !sig.Verify(groupKey, req.Message) {
		return "", fmt.Errorf("signing: combined signature for %s does not verify: %w",
			requestID, custodyerr.ErrSignatureVerificationFailed)
	}

	rCompressed, err := aggregateR.Compress()
	if err != nil {
		return "", err
	}
	blob, err := wire.Encode(&wire.Result{
		R:                hex.EncodeToString(rCompressed),
		S:                hex.EncodeToString(sum.Bytes()),
		Participants:     participants,
		MessageDigestHex: req.MessageDigestHex,
	})
	if err != nil {
		return "", err
	}
	if err := e.post(wire.ResultPath(requestID), blob); err != nil {
		if isPathExists(err) {
			// Another finaliser combined first; their result stands.
			return AlreadyCombined, nil
		}
		return "", err
	}
	return Combined, nil
}

func isPathExists(err error) bool {
	return errors.Is(err, board.ErrPathExists)
}

func pointFromHex(h string) (*curve.Point, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	return curve.Decompress(raw)
}

// scalarFromHex parses a big-endian hex scalar, tolerating missing leading
// zeros on ingress. Emitters always pad to 64 characters.
func scalarFromHex(h string) (*curve.Scalar, error) {
	if len(h)%2 == 1 {
		h = "0" + h
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("scalar hex is %d bytes, want at most 32", len(raw))
	}
	padded := make([]byte, 32)
	copy(padded[32-len(raw):], raw)
	return curve.ScalarFromBytes(padded)
}

// post publishes a blob and folds the client's retry count into metrics.
func (e *Engine) post(path string, blob []byte) error {
	before := e.Board.Retries
	err := e.Board.Post(path, blob)
	e.Metrics.TransportRetries(e.Board.Retries - before)
	return err
}
