// SPDX-License-Identifier: Apache-2.0

package span

import (
	"fmt"
)

type Number interface {
	~int | ~uint64
}

// Span represents a half-open range [Start, End) on a number line.
// A Span with Start == End is valid and has zero length; block devices
// use these for zero-length transfers at the capacity boundary.
type Span[T Number] struct {
	Start, End T
}

// Check asserts that the span is well formed (start <= end).
func (s Span[T]) Check() error {
	if s.Start <= s.End {
		return nil
	}
	return fmt.Errorf("bad span: start must not exceed end [%d,%d]", s.Start, s.End)
}

// Len returns the number of points covered by the span.
func (s Span[T]) Len() T {
	return s.End - s.Start
}

// Contains returns true if the other span is completely contained
// by the receiving span. A zero-length span sitting on either boundary
// of the receiver is contained.
func (s Span[T]) Contains(other Span[T]) bool {
	return other.Start >= s.Start && other.End <= s.End
}

// Overlaps returns true if the two spans share any common region.
// Zero-length spans overlap nothing.
func (s Span[T]) Overlaps(other Span[T]) bool {
	return s.Start < other.End && other.Start < s.End
}
