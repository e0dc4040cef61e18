package polynomial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/party"
)

func TestEvaluateMatchesExponentEvaluate(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	p, err := NewPolynomial(2, secret)
	require.NoError(t, err)
	exp := NewPolynomialExponent(p)

	x := curve.NewScalarFromInt(7)
	got := p.Evaluate(x).ActOnBase()
	want := exp.Evaluate(x)
	assert.True(t, got.Equal(want))
}

func TestLagrangeReconstructsConstant(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	p, err := NewPolynomial(2, secret)
	require.NoError(t, err)

	ids := party.NewIDSlice([]party.ID{"node-a", "node-b", "node-c"})
	lambdas := Lagrange(ids, ids)

	reconstructed := curve.NewScalar()
	for _, id := range ids {
		share := p.Evaluate(ids.Scalar(id))
		term := curve.NewScalar().Mul(share, lambdas[id])
		reconstructed = curve.NewScalar().Add(reconstructed, term)
	}
	assert.True(t, reconstructed.Equal(secret))
}

func TestLagrangeSubsetUsesFullSetIndices(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	p, err := NewPolynomial(1, secret)
	require.NoError(t, err)

	all := party.NewIDSlice([]party.ID{"node1", "node2", "node3"})
	signers := party.NewIDSlice([]party.ID{"node1", "node3"})
	lambdas := Lagrange(all, signers)

	reconstructed := curve.NewScalar()
	for _, id := range signers {
		share := p.Evaluate(all.Scalar(id))
		term := curve.NewScalar().Mul(share, lambdas[id])
		reconstructed = curve.NewScalar().Add(reconstructed, term)
	}
	assert.True(t, reconstructed.Equal(secret))
}

func TestEvaluateAtZeroPanics(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	p, err := NewPolynomial(1, secret)
	require.NoError(t, err)
	assert.Panics(t, func() { p.Evaluate(curve.NewScalar()) })
}
