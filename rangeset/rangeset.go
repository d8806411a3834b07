// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rangeset implements half-open address ranges and coalescing
// sets of them.
package rangeset

import (
	"fmt"
	"sort"

	"golang.org/x/exp/constraints"
)

// Range is the half-open interval [Start, End).  A range with
// Start >= End is empty.
type Range[T constraints.Unsigned] struct {
	Start T
	End   T
}

func New[T constraints.Unsigned](start, end T) Range[T] {
	return Range[T]{start, end}
}

func (r Range[T]) Empty() bool { return r.Start >= r.End }
func (r Range[T]) Size() T     { return r.End - r.Start }

func (r Range[T]) Contains(addr T) bool {
	return addr >= r.Start && addr < r.End
}

func (r Range[T]) ContainsRange(other Range[T]) bool {
	return other.Start >= r.Start && other.End <= r.End
}

func (r Range[T]) Overlaps(other Range[T]) bool {
	return r.Start < other.End && other.Start < r.End
}

// Intersect returns the common subrange, which is empty if the ranges
// don't overlap.
func (r Range[T]) Intersect(other Range[T]) Range[T] {
	i := Range[T]{max(r.Start, other.Start), min(r.End, other.End)}
	if i.Empty() {
		return Range[T]{}
	}
	return i
}

// Subtract returns what remains of r after removing other; zero, one or
// two disjoint ranges.
func (r Range[T]) Subtract(other Range[T]) []Range[T] {
	if !r.Overlaps(other) {
		return []Range[T]{r}
	}

	var parts []Range[T]
	if r.Start < other.Start {
		parts = append(parts, Range[T]{r.Start, other.Start})
	}
	if other.End < r.End {
		parts = append(parts, Range[T]{other.End, r.End})
	}
	return parts
}

func (r Range[T]) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// Set holds pairwise disjoint, non-adjacent ranges in ascending order.
// The zero value is an empty set.
type Set[T constraints.Unsigned] struct {
	ranges []Range[T]
}

func (s *Set[T]) Ranges() []Range[T] { return s.ranges }

func (s *Set[T]) Len() int { return len(s.ranges) }

// Size is the total number of addresses covered.
func (s *Set[T]) Size() (n T) {
	for _, r := range s.ranges {
		n += r.Size()
	}
	return
}

// search locates the first stored range with End >= addr.
func (s *Set[T]) search(addr T) int {
	return sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= addr
	})
}

// Add inserts a range, merging it with overlapping and abutting
// neighbors.
func (s *Set[T]) Add(r Range[T]) {
	if r.Empty() {
		return
	}

	// All ranges from i up to j overlap or abut r and collapse into one.
	i := s.search(r.Start)
	j := i
	for j < len(s.ranges) && s.ranges[j].Start <= r.End {
		if s.ranges[j].Start < r.Start {
			r.Start = s.ranges[j].Start
		}
		if s.ranges[j].End > r.End {
			r.End = s.ranges[j].End
		}
		j++
	}

	s.ranges = append(s.ranges[:i], append([]Range[T]{r}, s.ranges[j:]...)...)
}

// Remove subtracts a range, splitting stored ranges as needed.
func (s *Set[T]) Remove(r Range[T]) {
	if r.Empty() {
		return
	}

	var out []Range[T]
	for _, cur := range s.ranges {
		out = append(out, cur.Subtract(r)...)
	}
	s.ranges = out
}

func (s *Set[T]) Clear() {
	s.ranges = nil
}

func (s *Set[T]) Contains(addr T) bool {
	i := s.search(addr)
	return i < len(s.ranges) && s.ranges[i].Contains(addr)
}

func (s *Set[T]) ContainsRange(r Range[T]) bool {
	i := s.search(r.Start)
	return i < len(s.ranges) && s.ranges[i].ContainsRange(r)
}

func (s *Set[T]) Overlaps(r Range[T]) bool {
	for i := s.search(r.Start); i < len(s.ranges); i++ {
		if s.ranges[i].Start >= r.End {
			return false
		}
		if s.ranges[i].Overlaps(r) {
			return true
		}
	}
	return false
}

func (s *Set[T]) String() string {
	return fmt.Sprint(s.ranges)
}
