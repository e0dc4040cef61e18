package party

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDSliceSortsAndDeduplicates(t *testing.T) {
	s := NewIDSlice([]ID{"node3", "node1", "node2", "node1"})
	assert.Equal(t, IDSlice{"node1", "node2", "node3"}, s)
}

func TestIndexIsOneBasedSortPosition(t *testing.T) {
	s := NewIDSlice([]ID{"node2", "node3", "node1"})

	idx, ok := s.Index("node1")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	idx, ok = s.Index("node3")
	assert.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = s.Index("node9")
	assert.False(t, ok)
}

func TestContains(t *testing.T) {
	s := NewIDSlice([]ID{"a", "b"})
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))
}

func TestScalarPanicsOnNonMember(t *testing.T) {
	s := NewIDSlice([]ID{"a"})
	assert.Panics(t, func() { s.Scalar("b") })
}
