// Package party identifies the participants of a ceremony and fixes the
// 1-based index each one is assigned when its node ID is used as a
// polynomial evaluation point.
package party

import (
	"sort"

	"github.com/threshold-custody/core/pkg/curve"
)

// ID is the opaque string that identifies a node on the bulletin board.
type ID string

// IDSlice is a set of participant IDs, always kept sorted.
type IDSlice []ID

// NewIDSlice returns ids sorted and deduplicated.
func NewIDSlice(ids []ID) IDSlice {
	set := make(map[ID]struct{}, len(ids))
	out := make(IDSlice, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether id is present in the slice.
func (s IDSlice) Contains(id ID) bool {
	for _, x := range s {
		if x == id {
			return true
		}
	}
	return false
}

// Index returns the 1-based position of id within the sorted slice, which
// is the evaluation point used for that participant's polynomial share.
// It returns 0, false if id is not a member.
func (s IDSlice) Index(id ID) (int, bool) {
	for i, x := range s {
		if x == id {
			return i + 1, true
		}
	}
	return 0, false
}

// Scalar returns the evaluation point for id as a curve scalar: its
// 1-based sorted position, per Index. It panics if id is not a member;
// indexing a non-participant is a programmer error, never a runtime
// condition to recover from.
func (s IDSlice) Scalar(id ID) *curve.Scalar {
	idx, ok := s.Index(id)
	if !ok {
		panic("party: id is not a member of this set")
	}
	return curve.NewScalarFromInt(uint32(idx))
}
