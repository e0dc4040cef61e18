package curve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	s, err := RandomScalar()
	require.NoError(t, err)
	p := s.ActOnBase()

	compressed, err := p.Compress()
	require.NoError(t, err)
	assert.Len(t, compressed, 33)

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	assert.True(t, p.Equal(decompressed))
}

func TestScalarArithmetic(t *testing.T) {
	a, err := RandomScalar()
	require.NoError(t, err)
	b, err := RandomScalar()
	require.NoError(t, err)

	sum := NewScalar().Add(a, b)
	diff := NewScalar().Add(sum, NewScalar().Negate(b))
	assert.True(t, diff.Equal(a))

	inv := NewScalar().Invert(a)
	one := NewScalar().Mul(a, inv)
	assert.True(t, one.Equal(NewScalarFromInt(1)))
}

func TestActDistributesOverAdd(t *testing.T) {
	a, err := RandomScalar()
	require.NoError(t, err)
	b, err := RandomScalar()
	require.NoError(t, err)

	lhs := NewScalar().Add(a, b).ActOnBase()
	rhs := NewIdentityPoint().Add(a.ActOnBase(), b.ActOnBase())
	assert.True(t, lhs.Equal(rhs))
}

func TestIdentityHasNoCompression(t *testing.T) {
	_, err := NewIdentityPoint().Compress()
	assert.Error(t, err)
}

func TestNegationFlipsParityByte(t *testing.T) {
	s, err := RandomScalar()
	require.NoError(t, err)
	p := s.ActOnBase()
	neg := NewIdentityPoint().Negate(p)

	pc, err := p.Compress()
	require.NoError(t, err)
	nc, err := neg.Compress()
	require.NoError(t, err)

	assert.Equal(t, pc[1:], nc[1:], "x coordinate is shared")
	assert.NotEqual(t, pc[0], nc[0], "parity byte flips")

	sum := NewIdentityPoint().Add(p, neg)
	assert.True(t, sum.IsIdentity())
}

func TestDecompressRejectsMalformedInput(t *testing.T) {
	_, err := Decompress([]byte{0x02, 0x01})
	assert.Error(t, err, "wrong length")

	s, err := RandomScalar()
	require.NoError(t, err)
	compressed, err := s.ActOnBase().Compress()
	require.NoError(t, err)
	compressed[0] = 0x04
	_, err = Decompress(compressed)
	assert.Error(t, err, "bad prefix")
}

func TestScalarBytesRoundTrip(t *testing.T) {
	s, err := RandomScalar()
	require.NoError(t, err)
	b := s.Bytes()
	require.Len(t, b, 32)
	parsed, err := ScalarFromBytes(b)
	require.NoError(t, err)
	assert.True(t, s.Equal(parsed))
}
