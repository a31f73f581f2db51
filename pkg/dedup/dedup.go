// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dedup holds the two content-addressed sets used for duplicate
// suppression: hashes of mutated inputs and hashes of divergence-coverage
// fingerprints. The two axes are independent and must not be collapsed.
package dedup

import "github.com/diffuzz/diffuzz/pkg/hash"

type Index struct {
	mutations map[hash.Sig]struct{}
	coverage  map[hash.Sig]struct{}
}

func NewIndex() *Index {
	return &Index{
		mutations: make(map[hash.Sig]struct{}),
		coverage:  make(map[hash.Sig]struct{}),
	}
}

// SeenMutation records the hash of a mutated input and reports whether it was
// already present.
func (idx *Index) SeenMutation(sig hash.Sig) bool {
	if _, ok := idx.mutations[sig]; ok {
		return true
	}
	idx.mutations[sig] = struct{}{}
	return false
}

// SeenDivergence records a divergence-coverage fingerprint and reports
// whether it was already present.
func (idx *Index) SeenDivergence(sig hash.Sig) bool {
	if _, ok := idx.coverage[sig]; ok {
		return true
	}
	idx.coverage[sig] = struct{}{}
	return false
}

func (idx *Index) NumMutations() int   { return len(idx.mutations) }
func (idx *Index) NumDivergences() int { return len(idx.coverage) }
