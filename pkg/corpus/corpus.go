// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus maintains the set of retained inputs that cover the targets
// up to the currently reached frontiers, the global feature-to-smallest-unit
// map, and the weighted seed selection for mutation.
package corpus

import (
	"math/bits"
	"math/rand"
	"sort"

	"github.com/diffuzz/diffuzz/pkg/feature"
	"github.com/diffuzz/diffuzz/pkg/hash"
	"github.com/diffuzz/diffuzz/pkg/stat"
)

// InputInfo is a corpus entry. Entries are owned by the single fuzzing
// thread; the corpus hands out pointers so that mutation statistics can be
// updated in place.
type InputInfo struct {
	U                      []byte
	Sig                    hash.Sig
	NumFeatures            int
	NumExecutedMutations   int
	NumSuccessfulMutations int
	MayDeleteFile          bool
	// FeatureSet holds the feature ids witnessed by this unit in the order
	// the oracle enumerated them. Empty for divergence-retained units.
	FeatureSet []uint64

	active bool
}

type featureInfo struct {
	size uint32
	idx  int // owning entry index, -1 while unclaimed
}

type Corpus struct {
	preferSmall bool
	inputs      []*InputInfo
	hashes      map[string]int // hex sha1 -> entry index
	features    map[uint64]featureInfo
	updates     int
	activeUnits int
	sizeInBytes int

	weightsDirty bool
	accWeights   []int64
	sumWeights   int64

	StatUnits    *stat.Val
	StatFeatures *stat.Val
}

func NewCorpus(preferSmall bool) *Corpus {
	c := &Corpus{
		preferSmall: preferSmall,
		hashes:      make(map[string]int),
		features:    make(map[uint64]featureInfo),
	}
	c.StatUnits = stat.New("corpus units", "number of active corpus units",
		stat.Prometheus("diffuzz_corpus_units"), func() int { return c.NumActiveUnits() })
	c.StatFeatures = stat.New("corpus features", "number of distinct coverage features",
		stat.Prometheus("diffuzz_corpus_features"), func() int { return c.NumFeatures() })
	return c
}

// AddFeature implements the feature admission rule: a feature unseen so far
// is recorded with size; a known feature observed on a strictly smaller unit
// (with shrink enabled) updates the smallest witness and releases the feature
// from the entry that held it. Returns true when the feature counted as new.
func (c *Corpus) AddFeature(f uint64, size uint32, shrink bool) bool {
	rec, ok := c.features[f]
	if !ok {
		c.features[f] = featureInfo{size: size, idx: -1}
		c.updates++
		return true
	}
	if shrink && size < rec.size {
		if rec.idx >= 0 {
			c.releaseFeature(rec.idx)
		}
		c.features[f] = featureInfo{size: size, idx: -1}
		c.updates++
		return true
	}
	return false
}

// releaseFeature detaches one feature from an entry; an entry that no longer
// dominates any feature is deactivated.
func (c *Corpus) releaseFeature(idx int) {
	ii := c.inputs[idx]
	ii.NumFeatures--
	if ii.NumFeatures <= 0 && ii.active && len(ii.FeatureSet) > 0 {
		ii.active = false
		c.activeUnits--
		c.sizeInBytes -= len(ii.U)
		c.weightsDirty = true
	}
}

// Add inserts a new entry and claims ownership of every feature in
// featureSet for which this unit is the smallest recorded witness. Adding
// bytes already present merges into the existing entry: the differential
// pipeline legitimately retains one unit once per disagreeing callback.
func (c *Corpus) Add(u []byte, numFeatures int, mayDeleteFile bool, featureSet []uint64) *InputInfo {
	if idx, ok := c.hashes[hash.String(u)]; ok {
		ii := c.inputs[idx]
		ii.NumFeatures += numFeatures
		ii.FeatureSet = mergeFeatureIDs(ii.FeatureSet, featureSet)
		for _, f := range featureSet {
			if rec, ok := c.features[f]; ok && rec.idx < 0 && rec.size == uint32(len(u)) {
				rec.idx = idx
				c.features[f] = rec
			}
		}
		c.weightsDirty = true
		return ii
	}
	data := make([]byte, len(u))
	copy(data, u)
	ii := &InputInfo{
		U:             data,
		Sig:           hash.Hash(data),
		NumFeatures:   numFeatures,
		MayDeleteFile: mayDeleteFile,
		FeatureSet:    append([]uint64(nil), featureSet...),
		active:        true,
	}
	idx := len(c.inputs)
	c.inputs = append(c.inputs, ii)
	c.hashes[ii.Sig.String()] = idx
	c.activeUnits++
	c.sizeInBytes += len(data)
	for _, f := range featureSet {
		if rec, ok := c.features[f]; ok && rec.idx < 0 && rec.size == uint32(len(data)) {
			rec.idx = idx
			c.features[f] = rec
		}
	}
	c.weightsDirty = true
	return ii
}

// TryReplace replaces the bytes of an existing entry with a strictly smaller
// unit that still covers every feature of the entry, preserving statistics.
func (c *Corpus) TryReplace(existing *InputInfo, u []byte, featureSet []uint64) bool {
	if len(u) >= len(existing.U) || !existing.active {
		return false
	}
	if !feature.FromRaw(featureSet, uint32(len(u))).Covers(existing.FeatureSet) {
		return false
	}
	oldIdx, ok := c.hashes[existing.Sig.String()]
	if !ok {
		return false
	}
	delete(c.hashes, existing.Sig.String())
	c.sizeInBytes -= len(existing.U)
	existing.U = append([]byte(nil), u...)
	existing.Sig = hash.Hash(existing.U)
	existing.FeatureSet = append([]uint64(nil), featureSet...)
	c.hashes[existing.Sig.String()] = oldIdx
	c.sizeInBytes += len(existing.U)
	c.weightsDirty = true
	return true
}

// ChooseUnitToMutate returns a weighted random seed. Weight biases toward
// entries with many features, few successful mutations, and (with
// PreferSmall) smaller size.
func (c *Corpus) ChooseUnitToMutate(r *rand.Rand) *InputInfo {
	if c.activeUnits == 0 {
		return nil
	}
	c.rebuildWeights()
	randVal := r.Int63n(c.sumWeights + 1)
	idx := sort.Search(len(c.accWeights), func(i int) bool {
		return c.accWeights[i] >= randVal
	})
	// A deactivated entry carries zero weight but can still be the first
	// index whose cumulative weight matches; skip to the next active one.
	for !c.inputs[idx].active {
		idx++
	}
	return c.inputs[idx]
}

func (c *Corpus) rebuildWeights() {
	if !c.weightsDirty && len(c.accWeights) == len(c.inputs) {
		return
	}
	c.accWeights = make([]int64, len(c.inputs))
	c.sumWeights = 0
	for i, ii := range c.inputs {
		c.sumWeights += c.weight(ii)
		c.accWeights[i] = c.sumWeights
	}
	c.weightsDirty = false
}

func (c *Corpus) weight(ii *InputInfo) int64 {
	if !ii.active {
		return 0
	}
	nf := ii.NumFeatures
	if nf < 1 {
		nf = 1
	}
	w := int64(nf) * 256 / int64(ii.NumSuccessfulMutations+1)
	if c.preferSmall {
		w /= int64(bits.Len(uint(len(ii.U))) + 1)
	}
	if w < 1 {
		w = 1
	}
	return w
}

func mergeFeatureIDs(dst, src []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(dst))
	for _, f := range dst {
		seen[f] = struct{}{}
	}
	for _, f := range src {
		if _, ok := seen[f]; !ok {
			dst = append(dst, f)
		}
	}
	return dst
}

// MarkMutated invalidates cached selection weights after mutation counters
// of an entry changed.
func (c *Corpus) MarkMutated() {
	c.weightsDirty = true
}

// NumFeatureUpdates returns the total number of (feature, smaller-size)
// events; the harness diffs it around an execution to detect new features.
func (c *Corpus) NumFeatureUpdates() int { return c.updates }

func (c *Corpus) NumFeatures() int    { return len(c.features) }
func (c *Corpus) NumActiveUnits() int { return c.activeUnits }
func (c *Corpus) SizeInBytes() int    { return c.sizeInBytes }
func (c *Corpus) Empty() bool         { return c.activeUnits == 0 }

func (c *Corpus) HasUnit(u []byte) bool {
	_, ok := c.hashes[hash.String(u)]
	return ok
}

// HasUnitSig looks up a unit by its hex SHA-1 checksum.
func (c *Corpus) HasUnitSig(sig string) bool {
	_, ok := c.hashes[sig]
	return ok
}

// MaxInputSize returns the size of the largest active unit.
func (c *Corpus) MaxInputSize() int {
	maxSize := 0
	for _, ii := range c.inputs {
		if ii.active && len(ii.U) > maxSize {
			maxSize = len(ii.U)
		}
	}
	return maxSize
}

// Inputs returns all entries, active or not, in insertion order.
func (c *Corpus) Inputs() []*InputInfo {
	return c.inputs
}
