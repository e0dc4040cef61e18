// Package curve implements scalar and point arithmetic over secp256k1.
//
// The rest of this module is fixed to one curve, so this package exposes
// concrete types backed directly by github.com/decred/dcrd/dcrec/secp256k1
// instead of the generic Curve/Scalar/Point interfaces a multi-curve
// library would need. Nothing here allocates a big.Int on the hot path;
// Scalar wraps secp256k1.ModNScalar and Point wraps secp256k1.JacobianPoint.
package curve

import (
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Scalar is an element of the scalar field modulo the group order n.
type Scalar struct {
	s secp256k1.ModNScalar
}

// Point is a point on secp256k1, including the identity element.
type Point struct {
	p secp256k1.JacobianPoint
}

var generator = func() *Point {
	var one secp256k1.ModNScalar
	one.SetInt(1)
	var p Point
	secp256k1.ScalarBaseMultNonConst(&one, &p.p)
	p.p.ToAffine()
	return &p
}()

// NewScalar returns the zero scalar.
func NewScalar() *Scalar {
	return &Scalar{}
}

// NewScalarFromInt returns the scalar with value v mod n.
func NewScalarFromInt(v uint32) *Scalar {
	var s Scalar
	s.s.SetInt(v)
	return &s
}

// RandomScalar samples a scalar uniformly from [1, n-1] using crypto/rand.
func RandomScalar() (*Scalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("curve: sampling random scalar: %w", err)
		}
		var s Scalar
		overflow := s.s.SetBytes(&buf)
		if overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
}

// ScalarFromBytes interprets b as a big-endian 32-byte integer mod n.
func ScalarFromBytes(b []byte) (*Scalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("curve: scalar must be 32 bytes, got %d", len(b))
	}
	var arr [32]byte
	copy(arr[:], b)
	var s Scalar
	s.s.SetBytes(&arr)
	return &s, nil
}

// Bytes returns the big-endian 32-byte encoding of s.
func (s *Scalar) Bytes() []byte {
	b := s.s.Bytes()
	out := make([]byte, 32)
	copy(out, b[:])
	return out
}

// Add sets the receiver to a + b and returns it.
func (s *Scalar) Add(a, b *Scalar) *Scalar {
	s.s.Set(&a.s)
	s.s.Add(&b.s)
	return s
}

// Mul sets the receiver to a * b and returns it.
func (s *Scalar) Mul(a, b *Scalar) *Scalar {
	s.s.Set(&a.s)
	s.s.Mul(&b.s)
	return s
}

// Negate sets the receiver to -a mod n and returns it.
func (s *Scalar) Negate(a *Scalar) *Scalar {
	s.s.Set(&a.s)
	s.s.Negate()
	return s
}

// Invert sets the receiver to a^-1 mod n and returns it. a must be nonzero.
func (s *Scalar) Invert(a *Scalar) *Scalar {
	s.s.Set(&a.s)
	s.s.InverseNonConst()
	return s
}

// Equal reports whether s and other represent the same scalar.
func (s *Scalar) Equal(other *Scalar) bool {
	return s.s.Equals(&other.s)
}

// IsZero reports whether s is the zero scalar.
func (s *Scalar) IsZero() bool {
	return s.s.IsZero()
}

// Set copies a into the receiver and returns it.
func (s *Scalar) Set(a *Scalar) *Scalar {
	s.s.Set(&a.s)
	return s
}

// Zero overwrites the receiver with the zero scalar. Callers holding a nonce
// use this to wipe it the moment the partial signature has been computed.
func (s *Scalar) Zero() {
	s.s.Zero()
}

// ActOnBase returns s * G, the scalar acting on the canonical generator.
func (s *Scalar) ActOnBase() *Point {
	var p Point
	secp256k1.ScalarBaseMultNonConst(&s.s, &p.p)
	return &p
}

// Act returns s * q.
func (s *Scalar) Act(q *Point) *Point {
	var p Point
	secp256k1.ScalarMultNonConst(&s.s, &q.p, &p.p)
	return &p
}

// NewIdentityPoint returns the point at infinity.
func NewIdentityPoint() *Point {
	return &Point{}
}

// Generator returns the canonical secp256k1 base point G.
func Generator() *Point {
	var p Point
	p.p.Set(&generator.p)
	return &p
}

// Add sets the receiver to a + b and returns it.
func (p *Point) Add(a, b *Point) *Point {
	var r secp256k1.JacobianPoint
	secp256k1.AddNonConst(&a.p, &b.p, &r)
	p.p = r
	return p
}

// Negate sets the receiver to -a and returns it.
func (p *Point) Negate(a *Point) *Point {
	p.p.Set(&a.p)
	p.p.Y.Negate(1)
	p.p.Y.Normalize()
	return p
}

// Equal reports whether p and other represent the same curve point.
func (p *Point) Equal(other *Point) bool {
	a, b := *p, *other
	a.p.ToAffine()
	b.p.ToAffine()
	return a.p.X.Equals(&b.p.X) && a.p.Y.Equals(&b.p.Y) && a.p.Z.Equals(&b.p.Z)
}

// IsIdentity reports whether p is the point at infinity.
func (p *Point) IsIdentity() bool {
	return (p.p.X.IsZero() && p.p.Y.IsZero()) || p.p.Z.IsZero()
}

// XBytes returns the big-endian 32-byte encoding of the affine x coordinate.
func (p *Point) XBytes() []byte {
	q := *p
	q.p.ToAffine()
	b := q.p.X.Bytes()
	return b[:]
}

// Compress returns the 33-byte SEC1 compressed encoding of p: a single
// parity byte (0x02 for even y, 0x03 for odd y) followed by the 32-byte
// big-endian x coordinate. p must not be the identity.
func (p *Point) Compress() ([]byte, error) {
	if p.IsIdentity() {
		return nil, fmt.Errorf("curve: cannot compress the identity point")
	}
	q := *p
	q.p.ToAffine()
	out := make([]byte, 33)
	if q.p.Y.IsOdd() {
		out[0] = 0x03
	} else {
		out[0] = 0x02
	}
	xb := q.p.X.Bytes()
	copy(out[1:], xb[:])
	return out, nil
}

// Decompress parses the 33-byte SEC1 compressed encoding produced by Compress.
func Decompress(b []byte) (*Point, error) {
	if len(b) != 33 {
		return nil, fmt.Errorf("curve: compressed point must be 33 bytes, got %d", len(b))
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return nil, fmt.Errorf("curve: invalid compressed point prefix 0x%02x", b[0])
	}
	var x secp256k1.FieldVal
	if overflow := x.SetByteSlice(b[1:]); overflow {
		return nil, fmt.Errorf("curve: x coordinate not reduced")
	}
	var y secp256k1.FieldVal
	if !secp256k1.DecompressY(&x, b[0] == 0x03, &y) {
		return nil, fmt.Errorf("curve: point not on curve")
	}
	var p Point
	p.p.X.Set(&x)
	p.p.Y.Set(&y)
	p.p.Z.SetInt(1)
	return &p, nil
}
