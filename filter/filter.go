// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

// Package filter implements the BPF-style filter gate the engine
// consults for every received frame (spec.md 4.7). It is a black-box
// collaborator: the engine hands it a byte slice and reads back a
// verdict code, and never reaches into its internals.
package filter

// Filter is the implementation of packet filtering: given the raw
// frame bytes (post VLAN-reinsertion), it returns zero to drop the
// frame and any positive value as a pass-through verdict code the
// caller may interpret further (spec.md glossary, "Filter Verdict").
type Filter interface {
	Execute([]byte) int
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func([]byte) int

func (f FilterFunc) Execute(b []byte) int {
	return f(b)
}

// All combines filters with logical AND: a frame passes only if every
// filter returns non-zero. An empty filter set always passes.
func All(filters ...Filter) Filter {
	return FilterFunc(func(p []byte) int {
		for _, f := range filters {
			if f.Execute(p) == 0 {
				return 0
			}
		}
		return 1
	})
}

// Any combines filters with logical OR: a frame passes if any filter
// returns non-zero.
func Any(filters ...Filter) Filter {
	return FilterFunc(func(p []byte) int {
		for _, f := range filters {
			if n := f.Execute(p); n != 0 {
				return n
			}
		}
		return 0
	})
}
