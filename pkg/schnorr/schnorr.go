// Package schnorr implements the Schnorr-like signature equation the signing
// ceremony produces. The challenge is plain SHA-256 over the compressed
// nonce point, the compressed group key, and the raw message; this is
// deliberately not BIP-340's tagged-hash construction and must stay that way
// for cross-implementation consistency.
package schnorr

import (
	"crypto/sha256"
	"fmt"

	"github.com/threshold-custody/core/pkg/curve"
)

// Signature is an aggregate Schnorr signature (R, s) over a message, valid
// under a group public key Y when s*G == R + e*Y.
type Signature struct {
	R *curve.Point
	S *curve.Scalar
}

// Challenge computes e = SHA-256(R_compressed || Y_compressed || message)
// mod n. The hash input is exactly 33 + 33 + len(message) bytes.
func Challenge(r, groupKey *curve.Point, message []byte) (*curve.Scalar, error) {
	rc, err := r.Compress()
	if err != nil {
		return nil, fmt.Errorf("schnorr: challenge nonce point: %w", err)
	}
	yc, err := groupKey.Compress()
	if err != nil {
		return nil, fmt.Errorf("schnorr: challenge group key: %w", err)
	}
	h := sha256.New()
	h.Write(rc)
	h.Write(yc)
	h.Write(message)
	return curve.ScalarFromBytes(h.Sum(nil))
}

// Verify reports whether sig is valid for message under groupKey.
func (sig *Signature) Verify(groupKey *curve.Point, message []byte) bool {
	e, err := Challenge(sig.R, groupKey, message)
	if err != nil {
		return false
	}
	lhs := sig.S.ActOnBase()
	rhs := curve.NewIdentityPoint().Add(sig.R, e.Act(groupKey))
	return lhs.Equal(rhs)
}
