// Package polynomial implements the Feldman VSS polynomial and the
// Lagrange-interpolation-at-zero machinery threshold signing needs to
// recombine partial results.
package polynomial

import (
	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/party"
)

// Polynomial is a secret polynomial over the scalar field, represented by
// its coefficients in increasing degree order: coefficients[0] is the
// constant term (the secret itself, for a DKG polynomial).
type Polynomial struct {
	coefficients []*curve.Scalar
}

// NewPolynomial returns a polynomial of the given degree with the supplied
// constant term and uniformly random higher coefficients.
func NewPolynomial(degree int, constant *curve.Scalar) (*Polynomial, error) {
	coeffs := make([]*curve.Scalar, degree+1)
	coeffs[0] = curve.NewScalar().Set(constant)
	for i := 1; i <= degree; i++ {
		c, err := curve.RandomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return &Polynomial{coefficients: coeffs}, nil
}

// FromCoefficients rebuilds a polynomial from stored coefficients, constant
// term first. Used to recover a DKG polynomial persisted between phases.
func FromCoefficients(coefficients []*curve.Scalar) *Polynomial {
	coeffs := make([]*curve.Scalar, len(coefficients))
	for i, c := range coefficients {
		coeffs[i] = curve.NewScalar().Set(c)
	}
	return &Polynomial{coefficients: coeffs}
}

// Constant returns the polynomial's constant term.
func (p *Polynomial) Constant() *curve.Scalar {
	return curve.NewScalar().Set(p.coefficients[0])
}

// Degree returns the polynomial's degree.
func (p *Polynomial) Degree() int {
	return len(p.coefficients) - 1
}

// Evaluate computes p(x) using Horner's method. x must be nonzero: evaluating
// at zero would return the secret constant term itself.
func (p *Polynomial) Evaluate(x *curve.Scalar) *curve.Scalar {
	if x.IsZero() {
		panic("polynomial: evaluating at zero would leak the secret")
	}
	result := curve.NewScalar().Set(p.coefficients[len(p.coefficients)-1])
	for i := len(p.coefficients) - 2; i >= 0; i-- {
		result = curve.NewScalar().Mul(result, x)
		result = curve.NewScalar().Add(result, p.coefficients[i])
	}
	return result
}

// Exponent is the public commitment to a Polynomial: each coefficient
// exponentiated onto the curve, i.e. coefficients[i]*G. Feldman VSS
// broadcasts this so recipients can verify their shares without learning
// the coefficients themselves.
type Exponent struct {
	coefficients []*curve.Point
}

// ExponentFromPoints rebuilds a commitment from its published points,
// constant term first. Used to verify shares against a dealer's broadcast.
func ExponentFromPoints(points []*curve.Point) *Exponent {
	coeffs := make([]*curve.Point, len(points))
	for i, p := range points {
		coeffs[i] = curve.NewIdentityPoint().Add(curve.NewIdentityPoint(), p)
	}
	return &Exponent{coefficients: coeffs}
}

// NewPolynomialExponent commits to p by exponentiating each coefficient.
func NewPolynomialExponent(p *Polynomial) *Exponent {
	coeffs := make([]*curve.Point, len(p.coefficients))
	for i, c := range p.coefficients {
		coeffs[i] = c.ActOnBase()
	}
	return &Exponent{coefficients: coeffs}
}

// Constant returns A_0 = constant*G, the commitment to the polynomial's
// secret constant term — for a DKG polynomial this is the participant's
// contribution to the group public key.
func (e *Exponent) Constant() *curve.Point {
	var out curve.Point
	out.Add(curve.NewIdentityPoint(), e.coefficients[0])
	return &out
}

// Coefficients returns the raw commitment points, constant term first.
func (e *Exponent) Coefficients() []*curve.Point {
	return e.coefficients
}

// Evaluate computes the public commitment to p(x) directly from the
// exponentiated coefficients, i.e. sum_i coefficients[i] * x^i, without
// ever reconstructing p(x) itself. This is the equation a recipient checks
// its received share against.
func (e *Exponent) Evaluate(x *curve.Scalar) *curve.Point {
	result := curve.NewIdentityPoint()
	result.Add(result, e.coefficients[len(e.coefficients)-1])
	for i := len(e.coefficients) - 2; i >= 0; i-- {
		result = x.Act(result)
		result.Add(result, e.coefficients[i])
	}
	return result
}

// Lagrange returns, for every id in signers, the Lagrange coefficient
// lambda_id such that sum_id lambda_id * f(index(id)) = f(0) for any
// polynomial f of degree < len(signers). Evaluation points are the 1-based
// positions in all, the full participant set of the ceremony the shares came
// from; signers is the subset actually being combined.
func Lagrange(all, signers party.IDSlice) map[party.ID]*curve.Scalar {
	out := make(map[party.ID]*curve.Scalar, len(signers))
	for _, id := range signers {
		out[id] = LagrangeFor(all, signers, id)
	}
	return out
}

// LagrangeFor returns the Lagrange coefficient for a single participant id
// among the signing subset signers, evaluated at x=0. Evaluation points come
// from all, the full participant set.
func LagrangeFor(all, signers party.IDSlice, id party.ID) *curve.Scalar {
	numerator := curve.NewScalarFromInt(1)
	denominator := curve.NewScalarFromInt(1)
	xi := all.Scalar(id)

	for _, other := range signers {
		if other == id {
			continue
		}
		xj := all.Scalar(other)

		// numerator *= (0 - x_j) = -x_j
		negXj := curve.NewScalar().Negate(xj)
		numerator = curve.NewScalar().Mul(numerator, negXj)

		// denominator *= (x_i - x_j)
		diff := curve.NewScalar().Add(xi, curve.NewScalar().Negate(xj))
		denominator = curve.NewScalar().Mul(denominator, diff)
	}

	invDenominator := curve.NewScalar().Invert(denominator)
	return curve.NewScalar().Mul(numerator, invDenominator)
}
