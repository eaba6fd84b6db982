// Package chunk maps byte windows of an object onto its fixed-size chunks.
//
// An object of Length bytes stored with chunk size C is split into
// Count(Length, C) chunks numbered from 0. Every chunk holds exactly C bytes
// except the last, which holds Length mod C bytes (or C when Length is an
// exact multiple). A zero-length object has no chunks.
package chunk

import (
	"fmt"
	"iter"

	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// Span is the part of one chunk that falls inside a requested byte window.
// Start and End are inclusive offsets within the chunk.
type Span struct {
	Seq   int64
	Start int64
	End   int64
}

// Len returns the number of bytes the span covers.
func (s Span) Len() int64 {
	return s.End - s.Start + 1
}

// Count returns the number of chunks an object of length bytes occupies.
func Count(length, chunkSize int64) int64 {
	if length <= 0 || chunkSize <= 0 {
		return 0
	}
	return (length + chunkSize - 1) / chunkSize
}

// Len returns the expected byte length of chunk seq, or 0 when seq is
// outside the object.
func Len(seq, length, chunkSize int64) int64 {
	n := Count(length, chunkSize)
	if seq < 0 || seq >= n {
		return 0
	}
	if seq < n-1 {
		return chunkSize
	}
	return length - seq*chunkSize
}

// Plan returns the chunk spans covering the inclusive window [start, end]
// of an object of total bytes, in ascending chunk order. The first span
// starts at start mod chunkSize, the last ends at end mod chunkSize, and
// interior spans cover whole chunks.
//
// The returned sequence is a pure function of its arguments and may be
// iterated any number of times.
func Plan(chunkSize, start, end, total int64) (iter.Seq[Span], error) {
	if chunkSize <= 0 {
		return nil, reelerr.ErrInvalidArgument.WithMessage("chunk size must be positive, got %d", chunkSize)
	}
	if start < 0 || start > end || end >= total {
		return nil, fmt.Errorf("window [%d, %d] of %d bytes: %w", start, end, total, reelerr.ErrRangeNotSatisfiable)
	}

	first := start / chunkSize
	last := end / chunkSize

	return func(yield func(Span) bool) {
		for seq := first; seq <= last; seq++ {
			sp := Span{Seq: seq, Start: 0, End: Len(seq, total, chunkSize) - 1}
			if seq == first {
				sp.Start = start % chunkSize
			}
			if seq == last {
				sp.End = end % chunkSize
			}
			if !yield(sp) {
				return
			}
		}
	}, nil
}

// PlanFull returns the spans of a whole-object read: every chunk from 0 to
// Count-1 in full. A zero-length object yields nothing.
func PlanFull(chunkSize, total int64) iter.Seq[Span] {
	n := Count(total, chunkSize)
	return func(yield func(Span) bool) {
		for seq := int64(0); seq < n; seq++ {
			if !yield(Span{Seq: seq, Start: 0, End: Len(seq, total, chunkSize) - 1}) {
				return
			}
		}
	}
}
