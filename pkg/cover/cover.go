// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover implements the coverage oracle of the differential fuzzer.
// It wraps the instrumentation runtime and tracks the three independent
// novelty axes: new PC coverage, new pattern of output disagreement, and new
// pattern of whose coverage advanced.
package cover

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Runtime is the contract of the coverage instrumentation runtime.
// The oracle owns reset/collect sequencing; implementations only expose the
// raw per-run state.
type Runtime interface {
	// ResetMaps clears per-run edge/counter state before a callback invocation.
	ResetMaps()
	// ResetCoverage clears the run-level accumulator (counters and the PC
	// table) before a multi-callback differential run.
	ResetCoverage()
	// CollectFeatures enumerates features observed since the last ResetMaps
	// in deterministic order.
	CollectFeatures(visit func(feature uint64))
	// PCs returns the global concatenated PC table. An entry is zero until
	// the corresponding edge has been hit in the current run.
	PCs() []uintptr
	NumPCs() int
}

// PCDescriber is optionally implemented by runtimes that can map a PC entry
// to a source position. Missing implementations degrade ExitOnSrcPos silently.
type PCDescriber interface {
	DescribePC(pc uintptr) string
}

// Oracle tracks coverage and disagreement novelty across the N target
// callbacks. It is owned by the single fuzzing thread and is not safe for
// concurrent use.
type Oracle struct {
	rt       Runtime
	prefix   []int // len N+1; prefix[i]..prefix[i+1] is callback i's PC region
	seen     []bool
	seenCnt  int
	newPCs   []uintptr
	outHist  map[string]bool
	traceHist map[string]bool

	// OutputDiffVec holds the integer return codes of the N callbacks for
	// the current input.
	OutputDiffVec []int
}

func NewOracle(rt Runtime, modulePCCounts []int) (*Oracle, error) {
	if len(modulePCCounts) == 0 {
		return nil, fmt.Errorf("no callback modules")
	}
	prefix := make([]int, len(modulePCCounts)+1)
	for i, n := range modulePCCounts {
		if n <= 0 {
			return nil, fmt.Errorf("callback %v has %v PCs", i, n)
		}
		prefix[i+1] = prefix[i] + n
	}
	if total := prefix[len(prefix)-1]; total != rt.NumPCs() {
		return nil, fmt.Errorf("module PC counts sum to %v, runtime has %v PCs", total, rt.NumPCs())
	}
	return &Oracle{
		rt:            rt,
		prefix:        prefix,
		seen:          make([]bool, rt.NumPCs()),
		outHist:       make(map[string]bool),
		traceHist:     make(map[string]bool),
		OutputDiffVec: make([]int, len(modulePCCounts)),
	}, nil
}

// NumCallbacks returns N.
func (or *Oracle) NumCallbacks() int {
	return len(or.prefix) - 1
}

func (or *Oracle) ResetMaps() {
	or.rt.ResetMaps()
}

func (or *Oracle) ResetCoverage() {
	or.rt.ResetCoverage()
	for i := range or.OutputDiffVec {
		or.OutputDiffVec[i] = 0
	}
}

func (or *Oracle) CollectFeatures(visit func(feature uint64)) {
	or.rt.CollectFeatures(visit)
}

// AbsorbCoverage folds the current run's PC table into the process-lifetime
// coverage and returns the PCs seen for the first time.
func (or *Oracle) AbsorbCoverage() []uintptr {
	var fresh []uintptr
	for i, pc := range or.rt.PCs() {
		if pc == 0 || or.seen[i] {
			continue
		}
		or.seen[i] = true
		or.seenCnt++
		fresh = append(fresh, pc)
	}
	or.newPCs = append(or.newPCs, fresh...)
	return fresh
}

// TotalPCCoverage returns the number of distinct PCs hit since process start.
func (or *Oracle) TotalPCCoverage() int {
	return or.seenCnt
}

// GrabNewPCs returns PCs accumulated since the previous call.
func (or *Oracle) GrabNewPCs() []uintptr {
	pcs := or.newPCs
	or.newPCs = nil
	return pcs
}

func (or *Oracle) PCs() []uintptr { return or.rt.PCs() }
func (or *Oracle) NumPCs() int    { return or.rt.NumPCs() }

func (or *Oracle) GetPC(i int) uintptr {
	return or.rt.PCs()[i]
}

// ModuleRange returns callback i's half-open region in the PC table.
func (or *Oracle) ModuleRange(i int) (int, int) {
	return or.prefix[i], or.prefix[i+1]
}

// DescribePC maps a PC to a source position when the runtime supports it.
func (or *Oracle) DescribePC(pc uintptr) string {
	if d, ok := or.rt.(PCDescriber); ok {
		return d.DescribePC(pc)
	}
	return ""
}

// NewOutputDiffChange reports whether the current OutputDiffVec deserves the
// divergence path: either its canonical (underscore-joined) form has not been
// seen in this process, or the vector holds a live disagreement, in which
// case fingerprint dedup downstream decides duplicate suppression. The
// history is updated either way.
func (or *Oracle) NewOutputDiffChange() bool {
	key := or.OutVecString()
	seen := or.outHist[key]
	or.outHist[key] = true
	return !seen || or.HasDisagreement()
}

// NewTraceDiff reports whether the pattern of which callbacks produced new
// features this run is itself new, and records it.
func (or *Oracle) NewTraceDiff(perCBNewFeatures []int) bool {
	var sb strings.Builder
	for _, n := range perCBNewFeatures {
		if n > 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	key := sb.String()
	if or.traceHist[key] {
		return false
	}
	or.traceHist[key] = true
	return true
}

// HasDisagreement reports whether OutputDiffVec contains both zero and
// non-zero entries, i.e. a genuine disagreement rather than a new uniform
// pattern.
func (or *Oracle) HasDisagreement() bool {
	hasZero, hasNonzero := false, false
	for _, v := range or.OutputDiffVec {
		if v == 0 {
			hasZero = true
		} else {
			hasNonzero = true
		}
	}
	return hasZero && hasNonzero
}

// OutVecString renders the raw return codes for artifact names, e.g. "0_1".
func (or *Oracle) OutVecString() string {
	parts := make([]string, len(or.OutputDiffVec))
	for i, v := range or.OutputDiffVec {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "_")
}

// DivergenceCoverage concatenates, for every callback whose return code is
// non-zero, the bytes of that callback's PC region packed as little-endian
// 8-byte words. Its SHA-1 is the divergence fingerprint.
func (or *Oracle) DivergenceCoverage() []byte {
	pcs := or.rt.PCs()
	var buf []byte
	for i := 0; i < or.NumCallbacks(); i++ {
		if or.OutputDiffVec[i] == 0 {
			continue
		}
		lo, hi := or.ModuleRange(i)
		for _, pc := range pcs[lo:hi] {
			var word [8]byte
			binary.LittleEndian.PutUint64(word[:], uint64(pc))
			buf = append(buf, word[:]...)
		}
	}
	return buf
}
