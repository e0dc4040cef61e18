// Package custodyerr defines the error taxonomy shared by every ceremony
// operation. Raise sites wrap these sentinels with fmt.Errorf("...: %w", ...)
// so callers can branch with errors.Is while the message keeps the context
// (which round, which request).
package custodyerr

import "errors"

var (
	// ErrNonceReuseAttempted is returned by the signing approve pre-checks
	// when any of the three bookkeeping layers already records a nonce for
	// the request. No state has been mutated when it is returned.
	ErrNonceReuseAttempted = errors.New("nonce reuse attempted")

	// ErrSecretExtractionForbidden is returned by a secret module in
	// production mode when a caller asks for a secret's plaintext value.
	ErrSecretExtractionForbidden = errors.New("secret extraction forbidden in production mode")

	// ErrDKGVerificationFailed is returned by DKG finalise when a received
	// share does not match the sender's public commitments, or when a
	// complaint already stands against a share provider.
	ErrDKGVerificationFailed = errors.New("dkg share verification failed")

	// ErrSignatureVerificationFailed is returned by the combine step when
	// the assembled signature does not verify under the group public key.
	// The result is not posted.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrParticipantMismatch is returned when the threshold/total parameters
	// or the participant set disagree across a ceremony.
	ErrParticipantMismatch = errors.New("participant parameters mismatch")

	// ErrNotApproved is returned by signing finalise when this node has no
	// commitment on the board for the request.
	ErrNotApproved = errors.New("node has not approved this request")

	// ErrNotInSession is returned by signing finalise when the session lock
	// exists and this node is not among its participants. It is a clean
	// no-op: the node's commitment simply goes unused.
	ErrNotInSession = errors.New("node is not in the locked signing session")

	// ErrTransientTransport is returned by the board client once its push
	// retry budget is exhausted.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrStateCorruption is returned by the durable state audit when local
	// state and the secret module disagree about nonce usage.
	ErrStateCorruption = errors.New("local state corruption detected")

	// ErrCounterExhausted is returned by the secret module when the
	// monotonic counter has reached its maximum value. It never wraps.
	ErrCounterExhausted = errors.New("nonce counter exhausted")

	// ErrRequestIDCollision is returned by sign-request when the request id
	// already exists on the board.
	ErrRequestIDCollision = errors.New("request id already exists on the board")
)
