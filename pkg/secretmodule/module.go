// Package secretmodule adapts a PKCS-class token holding labelled objects:
// the node's identity keypair, the nonce master seed, the monotonic counter,
// DKG shares and coefficients, and the nonce bookkeeping records. Three
// interchangeable backends implement the same contract: an in-process
// software emulation, a PKCS#11 token, and a HashiCorp Vault KV store.
//
// The operation mode is fixed at construction. In production mode the API
// refuses to return the plaintext of the nonce master seed or any DKG share;
// nonce derivation and partial-signature computation run under the adapter's
// control so the derived nonce never reaches user code. Demo mode permits
// value readback for debugging and tests.
package secretmodule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/threshold-custody/core/pkg/curve"
)

// Mode selects the extractability policy for the whole module.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeDemo       Mode = "demo"
)

// ParseMode validates an operation-mode configuration value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProduction, ModeDemo:
		return Mode(s), nil
	case "":
		return ModeProduction, nil
	}
	return "", fmt.Errorf("secretmodule: unknown operation mode %q", s)
}

// Stable object labels.
const (
	LabelIdentityKey     = "IDENTITY_KEY"
	LabelNonceMasterSeed = "NONCE_MASTER_SEED"
	LabelNonceCounter    = "NONCE_COUNTER"

	prefixDKGCoeffs   = "DKG_COEFFS_"
	prefixDKGShare    = "DKG_SHARE_"
	prefixNonceCommit = "NONCE_COMMIT_"
	prefixNonceDeriv  = "NONCE_DERIV_"
)

func DKGCoeffsLabel(roundID string) string     { return prefixDKGCoeffs + roundID }
func DKGShareLabel(roundID string) string      { return prefixDKGShare + roundID }
func NonceCommitLabel(requestID string) string { return prefixNonceCommit + requestID }
func NonceDerivLabel(counter uint64) string {
	return prefixNonceDeriv + strconv.FormatUint(counter, 10)
}

// NonceDerivPrefix is the label prefix shared by all derivation records.
const NonceDerivPrefix = prefixNonceDeriv

// counterFromDerivLabel recovers the counter value a derivation record was
// stored under.
func counterFromDerivLabel(label string) (uint64, bool) {
	rest, ok := strings.CutPrefix(label, prefixNonceDeriv)
	if !ok {
		return 0, false
	}
	c, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return c, true
}

// extractionGated reports whether a label's plaintext may never be returned
// in production mode: the nonce master seed and every DKG share. Bookkeeping
// objects (commitments, derivation records, the counter) stay readable so
// the audit trail works in both modes; ephemeral DKG coefficients stay
// readable because the ceremony itself has to evaluate the polynomial.
func extractionGated(label string) bool {
	return label == LabelNonceMasterSeed || strings.HasPrefix(label, prefixDKGShare)
}

// Derivation is the outcome of one deterministic nonce derivation. The nonce
// itself stays inside the module; callers only see the counter and the
// public commitment R.
type Derivation struct {
	Counter          uint64
	RHex             string
	RequestID        string
	MessageDigestHex string
}

// DerivationRecord is the persisted NONCE_DERIV_{counter} object.
type DerivationRecord struct {
	Counter          uint64 `json:"counter"`
	RequestID        string `json:"request_id"`
	RHex             string `json:"R_hex"`
	MessageDigestHex string `json:"message_digest_hex"`
}

// Module is the contract every backend satisfies.
type Module interface {
	// Login opens an authenticated session. Logout releases it and must
	// always be called, typically via defer.
	Login(pin string) error
	Logout() error
	Mode() Mode

	// Identity keypair operations. EnsureIdentityKey creates the keypair on
	// first use and is a no-op afterwards. The private half never leaves
	// the module; decryption happens inside it.
	EnsureIdentityKey() error
	IdentityPublicKeyPEM() ([]byte, error)
	DecryptWithIdentityKey(ciphertext []byte) ([]byte, error)

	// Generic labelled secrets. PutSecret is create-if-absent and
	// idempotent; ReplaceSecret overwrites explicitly. GetSecret returns
	// ErrSecretExtractionForbidden in production mode for the master seed
	// and DKG shares.
	PutSecret(label string, value []byte) error
	ReplaceSecret(label string, value []byte) error
	GetSecret(label string) ([]byte, error)
	HasSecret(label string) (bool, error)
	ListSecretLabels(prefix string) ([]string, error)
	DeleteSecret(label string) error

	// Monotonic counter, stored as 8 big-endian bytes. There is no
	// decrement; the counter errors with ErrCounterExhausted rather than
	// wrapping.
	CounterGet() (uint64, error)
	CounterIncrementAndGet() (uint64, error)

	// InitNonceDerivation creates the master seed and zeroes the counter.
	// It reports whether anything was newly created.
	InitNonceDerivation() (bool, error)

	// DeriveNonce atomically advances the counter and derives this node's
	// nonce for (requestID, messageDigest), persisting a derivation record.
	// The nonce never leaves the module; the returned Derivation carries
	// only the counter and the commitment R.
	DeriveNonce(requestID string, messageDigest []byte) (*Derivation, error)

	// RederiveNoncePoint recomputes R for a past derivation without
	// touching the counter. Used to cross-check local state against the
	// module before finalising.
	RederiveNoncePoint(counter uint64, requestID string, messageDigest []byte) (string, error)

	// ComputePartial recomputes the nonce for the recorded counter and
	// returns s = k + challenge*lambda*share mod n for the round's DKG
	// share. k is wiped inside the module before returning.
	ComputePartial(roundID string, counter uint64, requestID string, messageDigest []byte, challenge, lambda *curve.Scalar) (*curve.Scalar, error)

	// DerivationRecords lists the persisted NONCE_DERIV_* records in
	// counter order, for the audit trail.
	DerivationRecords() ([]DerivationRecord, error)
}
