// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package feature provides types for working with coverage feedback features.
// A feature is an opaque 64-bit id produced by the coverage oracle for one
// coverage event; a Set additionally remembers the size of the smallest unit
// that witnessed each feature.
package feature

import "sort"

type (
	elemType uint64
	sizeType uint32
)

type Set map[elemType]sizeType

func (s Set) Len() int {
	return len(s)
}

func (s Set) Empty() bool {
	return len(s) == 0
}

func (s Set) Copy() Set {
	c := make(Set, len(s))
	for e, sz := range s {
		c[e] = sz
	}
	return c
}

func FromRaw(raw []uint64, size uint32) Set {
	if len(raw) == 0 {
		return nil
	}
	s := make(Set, len(raw))
	for _, e := range raw {
		s[elemType(e)] = sizeType(size)
	}
	return s
}

// ToRaw returns the feature ids in deterministic (ascending) order.
func (s Set) ToRaw() []uint64 {
	if s.Empty() {
		return nil
	}
	res := make([]uint64, 0, len(s))
	for e := range s {
		res = append(res, uint64(e))
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Merge folds s1 into s, keeping the smaller witness size per feature.
func (s *Set) Merge(s1 Set) {
	if s1.Empty() {
		return
	}
	s0 := *s
	if s0 == nil {
		s0 = make(Set, len(s1))
		*s = s0
	}
	for e, sz1 := range s1 {
		if sz, ok := s0[e]; !ok || sz > sz1 {
			s0[e] = sz1
		}
	}
}

// Diff returns the features of s1 that are new to s, or witnessed by a
// strictly smaller unit than recorded in s.
func (s Set) Diff(s1 Set) Set {
	if s1.Empty() {
		return nil
	}
	var res Set
	for e, sz1 := range s1 {
		if sz, ok := s[e]; ok && sz <= sz1 {
			continue
		}
		if res == nil {
			res = make(Set)
		}
		res[e] = sz1
	}
	return res
}

// Covers reports whether every feature in elems is present in s.
func (s Set) Covers(elems []uint64) bool {
	for _, e := range elems {
		if _, ok := s[elemType(e)]; !ok {
			return false
		}
	}
	return true
}
