// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/diffuzz/diffuzz/pkg/corpus"
	"github.com/diffuzz/diffuzz/pkg/hash"
	"github.com/diffuzz/diffuzz/pkg/log"
)

// A low-entropy seed can make the mutator produce already-seen candidates
// indefinitely; the retry budget bounds that and falls through with the last
// candidate.
const maxMutationRetries = 100

// ShuffleAndMinimize replays the initial corpus through the full pipeline
// and retains the interesting units. Returns an error if nothing was
// interesting (typically: the targets are not instrumented).
func (f *Fuzzer) ShuffleAndMinimize(initial [][]byte) error {
	log.Logf(0, "#0\tREAD units: %d", len(initial))
	if f.opts.ShuffleAtStartUp {
		f.md.Rand().Shuffle(len(initial), func(i, j int) {
			initial[i], initial[j] = initial[j], initial[i]
		})
	}
	if f.opts.PreferSmall {
		sort.SliceStable(initial, func(i, j int) bool {
			return len(initial[i]) < len(initial[j])
		})
	}

	// Probe the callbacks with an empty input and never try it again.
	for i := range f.targets {
		f.executeCallback(f.targets[i].CB, nil)
	}

	for _, u := range initial {
		if len(u) > f.opts.MaxLen {
			u = u[:f.opts.MaxLen]
		}
		f.dedup.SeenMutation(hash.Hash(u))
		if f.RunOne(u, false, nil) {
			f.md.RecordSuccessfulMutationSequence()
			f.printStatusForNewUnit(u)
			f.statNewUnits.Add(1)
			f.printNewPCs()
		}
		if f.TotalRuns() >= f.opts.MaxNumberOfRuns {
			break
		}
		f.tryDetectingAMemoryLeak(u, true)
	}
	f.PrintStats("INITED", "", 0)
	if f.corpus.Empty() {
		return fmt.Errorf("no interesting inputs were found. " +
			"Is the code instrumented for coverage? Exiting")
	}
	return nil
}

// RereadOutputCorpus picks up units that another process (or a previous run)
// wrote into the output corpus directory since the last reload.
func (f *Fuzzer) RereadOutputCorpus(maxSize int) {
	if f.opts.OutputCorpus == "" || f.opts.ReloadIntervalSec == 0 {
		return
	}
	units, epoch, err := corpus.ReadDirNewUnits(f.opts.OutputCorpus, maxSize, f.reloadEpoch)
	if err != nil {
		log.Logf(1, "reload failed: %v", err)
		return
	}
	f.reloadEpoch = epoch
	log.Logf(2, "Reload: read %d new units.", len(units))
	reloaded := false
	for _, u := range units {
		if f.corpus.HasUnit(u) {
			continue
		}
		f.dedup.SeenMutation(hash.Hash(u))
		if f.RunOne(u, false, nil) {
			reloaded = true
		}
	}
	if reloaded {
		f.PrintStats("RELOAD", "", 0)
	}
}

// computeMutationLen implements the experimental length control: the cap
// starts at the largest corpus unit and grows by 1 with probability 2^-7 and
// by 10+cap/2 with probability 2^-15, clamped to maxMutationLen.
func computeMutationLen(maxInputSize, maxMutationLen int, r *rand.Rand) int {
	if maxInputSize >= maxMutationLen {
		return maxMutationLen
	}
	result := maxInputSize
	v := r.Uint32()
	if v%(1<<7) == 0 {
		result++
	}
	if v%(1<<15) == 0 {
		result += 10 + result/2
	}
	if result > maxMutationLen {
		result = maxMutationLen
	}
	return result
}

// MutateAndTestOne picks a seed and runs MutateDepth mutation/execution
// rounds on it.
func (f *Fuzzer) MutateAndTestOne() {
	f.md.StartMutationSequence()

	ii := f.corpus.ChooseUnitToMutate(f.md.Rand())
	if ii == nil {
		return
	}
	f.baseSig = ii.Sig
	size := len(ii.U)
	workBuf := make([]byte, f.opts.MaxLen)
	copy(workBuf, ii.U)
	prevUnit := make([]byte, f.opts.MaxLen)
	prevSize := 0

	curMaxMutationLen := f.opts.MaxLen
	if f.opts.ExperimentalLenControl {
		curMaxMutationLen = computeMutationLen(f.corpus.MaxInputSize(), f.opts.MaxLen, f.md.Rand())
	}

	for i := 0; i < f.opts.MutateDepth; i++ {
		if f.TotalRuns() >= f.opts.MaxNumberOfRuns {
			break
		}
		newSize := 0
		for attempt := 0; attempt < maxMutationRetries; attempt++ {
			copy(prevUnit, workBuf[:size])
			prevSize = size
			newSize = f.md.Mutate(workBuf, size, curMaxMutationLen)
			sig := hash.Hash(workBuf[:newSize])
			if f.dedup.SeenMutation(sig) {
				f.statDuplicates.Add(1)
				continue
			}
			break
		}
		if newSize == 0 {
			continue
		}
		if newSize > curMaxMutationLen {
			panic(fmt.Sprintf("mutator returned oversized unit: %d > %d", newSize, curMaxMutationLen))
		}
		size = newSize
		ii.NumExecutedMutations++
		if f.RunOne(workBuf[:size], true, ii) {
			f.reportNewCoverage(ii, workBuf[:size])
			if f.unitHadOutputDiff {
				// Archive the pre-mutation bytes for root-cause analysis.
				prefix := hash.String(workBuf[:size]) + "_BeforeMutationWas_"
				f.writeUnitToFileWithPrefix(prevUnit[:prevSize], prefix)
			}
		}
		f.tryDetectingAMemoryLeak(workBuf[:size], false)
		f.checkRSSLimit()
	}
	f.corpus.MarkMutated()
}

func (f *Fuzzer) reportNewCoverage(ii *corpus.InputInfo, u []byte) {
	ii.NumSuccessfulMutations++
	f.md.RecordSuccessfulMutationSequence()
	f.printStatusForNewUnit(u)
	f.writeToOutputCorpus(u)
	f.statNewUnits.Add(1)
	f.printNewPCs()
}

// Loop runs the main fuzzing loop until MaxNumberOfRuns or the wall-clock
// bound is reached.
func (f *Fuzzer) Loop() {
	if f.opts.DoCrossOver {
		f.md.SetCorpus(f.corpus)
	}
	lastReload := time.Now()
	for {
		if f.opts.ReloadIntervalSec > 0 &&
			time.Since(lastReload) >= time.Duration(f.opts.ReloadIntervalSec)*time.Second {
			f.RereadOutputCorpus(f.opts.MaxLen)
			lastReload = time.Now()
		}
		if f.TotalRuns() >= f.opts.MaxNumberOfRuns {
			break
		}
		if f.timedOut() {
			break
		}
		f.MutateAndTestOne()
	}
	f.PrintStats("DONE  ", "", 0)
	f.md.PrintRecommendedDictionary()
	f.closeEquivalence()
}

// MinimizeCrashLoop mutates a crashing unit at fixed size and re-executes
// without retention; an outer orchestrator watches for the crash artifact.
func (f *Fuzzer) MinimizeCrashLoop(u []byte) {
	if len(u) <= 1 {
		return
	}
	workBuf := make([]byte, f.opts.MaxLen)
	for !f.timedOut() && f.TotalRuns() < f.opts.MaxNumberOfRuns {
		f.md.StartMutationSequence()
		copy(workBuf, u)
		for i := 0; i < f.opts.MutateDepth; i++ {
			newSize := f.md.Mutate(workBuf, len(u), f.opts.MaxLen)
			for idx := range f.targets {
				f.executeCallback(f.targets[idx].CB, workBuf[:newSize])
			}
			f.bumpTotalRuns()
			f.printPulseAndReportSlowInput(workBuf[:newSize])
			f.tryDetectingAMemoryLeak(workBuf[:newSize], false)
		}
	}
}
