// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"os"

	"github.com/diffuzz/diffuzz/pkg/corpus"
	"github.com/diffuzz/diffuzz/pkg/hash"
	"github.com/diffuzz/diffuzz/pkg/log"
)

// runOneCallback executes callback idx on the input, feeds the observed
// features into the corpus admission stream and decides retention for this
// callback's run. Returns true if the input was retained (new features or a
// successful in-place replacement).
func (f *Fuzzer) runOneCallback(data []byte, idx int, mayDeleteFile bool, ii *corpus.InputInfo) bool {
	if len(data) == 0 {
		return false
	}
	ret := f.executeCallback(f.targets[idx].CB, data)
	if f.opts.DifferentialMode {
		f.oracle.OutputDiffVec[idx] = ret
	}
	var featureSet []uint64
	updatesBefore := f.corpus.NumFeatureUpdates()
	f.oracle.CollectFeatures(func(feat uint64) {
		f.corpus.AddFeature(feat, uint32(len(data)), f.opts.Shrink)
		if f.opts.ReduceInputs {
			featureSet = append(featureSet, feat)
		}
	})
	f.oracle.AbsorbCoverage()
	f.printPulseAndReportSlowInput(data)
	numNewFeatures := f.corpus.NumFeatureUpdates() - updatesBefore
	if numNewFeatures > 0 {
		f.corpus.Add(data, numNewFeatures, mayDeleteFile, featureSet)
		f.checkExitOnSrcPosOrItem()
		return true
	}
	if ii != nil && f.corpus.TryReplace(ii, data, featureSet) {
		f.checkExitOnSrcPosOrItem()
		return true
	}
	return false
}

// RunOne feeds one input through the differential pipeline: every callback
// runs once, coverage and return codes are collected, and the input is
// classified as interesting if it produced new features or a novel
// divergence pattern.
func (f *Fuzzer) RunOne(data []byte, mayDeleteFile bool, ii *corpus.InputInfo) bool {
	if !f.opts.DifferentialMode {
		retained := f.runOneCallback(data, 0, mayDeleteFile, ii)
		f.bumpTotalRuns()
		return retained
	}

	f.oracle.ResetCoverage()
	f.unitHadOutputDiff = false
	coverageBefore := f.oracle.TotalPCCoverage()
	features := 0
	cbNew := make([]int, len(f.targets))
	for i := range f.targets {
		if f.runOneCallback(data, i, mayDeleteFile, ii) {
			features++
			cbNew[i] = 1
		}
	}
	coverageDelta := f.oracle.TotalPCCoverage() - coverageBefore

	newDiff := f.oracle.NewOutputDiffChange()
	if f.oracle.NewTraceDiff(cbNew) {
		f.statValidCases.Add(1)
	}
	if newDiff {
		f.dumpUnitIfDiff(data)
		if f.unitHadOutputDiff {
			// The divergence itself, not the features, justifies retention.
			f.corpus.Add(data, coverageDelta, mayDeleteFile, nil)
		}
	}
	f.bumpTotalRuns()
	return features > 0 || newDiff
}

// dumpUnitIfDiff checks for a genuine disagreement (both zero and non-zero
// return codes present), fingerprints the PC regions of the disagreeing
// callbacks and emits one artifact per unique fingerprint.
func (f *Fuzzer) dumpUnitIfDiff(data []byte) {
	if !f.oracle.HasDisagreement() {
		return
	}
	fp := hash.Hash(f.oracle.DivergenceCoverage())
	if f.dedup.SeenDivergence(fp) {
		f.statDuplicates.Add(1)
		return
	}
	f.unitHadOutputDiff = true
	f.statDiffUnits.Add(1)
	f.writeUnitToFileWithPrefix(data, "diff_"+f.oracle.OutVecString()+"_")
}

func (f *Fuzzer) bumpTotalRuns() {
	f.statTotalRuns.Add(1)
	if runs := f.TotalRuns(); runs%20 == 0 {
		f.appendProgressLog(runs)
	}
}

// appendProgressLog appends one TSV line: runs, duplicates, diffs, valid cases.
func (f *Fuzzer) appendProgressLog(runs int) {
	line := fmt.Sprintf("%d\t%d\t%d\t%d\n",
		runs, f.Duplicates(), f.DiffUnitsAdded(), f.ValidCases())
	file, err := os.OpenFile(f.opts.ProgressLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Logf(2, "failed to open progress log: %v", err)
		return
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		log.Logf(2, "failed to append progress log: %v", err)
	}
}
