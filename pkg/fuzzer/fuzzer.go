// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer implements the coverage-guided differential fuzzing driver:
// the main loop, the execution harness, the differential decision engine and
// the alarm/RSS/leak policy.
package fuzzer

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/diffuzz/diffuzz/pkg/corpus"
	"github.com/diffuzz/diffuzz/pkg/cover"
	"github.com/diffuzz/diffuzz/pkg/dedup"
	"github.com/diffuzz/diffuzz/pkg/hash"
	"github.com/diffuzz/diffuzz/pkg/log"
	"github.com/diffuzz/diffuzz/pkg/stat"
)

// MutationEngine is the contract of the mutation engine (pkg/mutate provides
// the default implementation).
type MutationEngine interface {
	// Mutate rewrites buf[:size] in place and returns the new size in
	// [1, maxSize]; buf has capacity for maxSize bytes.
	Mutate(buf []byte, size, maxSize int) int
	StartMutationSequence()
	RecordSuccessfulMutationSequence()
	PrintMutationSequence()
	PrintRecommendedDictionary()
	// SetCorpus late-binds the corpus for cross-over.
	SetCorpus(c *corpus.Corpus)
	Rand() *rand.Rand
}

// Callback is one target under test. It must return 0 on the agreed-good
// path; differential mode compares return codes across targets.
type Callback func(data []byte) int

// Target couples a callback with its region of the PC table.
type Target struct {
	Name   string
	NumPCs int
	CB     Callback
}

// Only one Fuzzer per process: statically registered signal trampolines and
// allocator hooks need a stable instance to reach. The handle is initialized
// once and never rebound.
var constructed atomic.Bool

type Fuzzer struct {
	opts    Options
	oracle  *cover.Oracle
	corpus  *corpus.Corpus
	md      MutationEngine
	dedup   *dedup.Index
	targets []Target

	startTime time.Time

	// Mirror of the unit being executed, for post-mortem dumps.
	currentUnit     []byte
	currentUnitSize int
	baseSig         hash.Sig

	runningCB     atomic.Bool
	unitStartNano atomic.Int64
	unitStopTime  time.Time

	lastCB                 Callback
	hasMoreMallocsThanFrees bool
	unitHadOutputDiff      bool
	leakAttempts           int
	reloadEpoch            time.Time

	eq *equivalence

	statTotalRuns     *stat.Val
	statNewUnits      *stat.Val
	statDiffUnits     *stat.Val
	statDuplicates    *stat.Val
	statValidCases    *stat.Val
	statSlowestUnit   *stat.Val
	statPeakRSS       *stat.Val
	statExecTime      *stat.Val

	// Overridable for tests; the policy paths never return.
	exit func(code int)
}

// New constructs the process-wide fuzzer. The mutation engine receives the
// corpus reference after construction (late binding for cross-over).
func New(opts Options, rt cover.Runtime, md MutationEngine, targets []Target) (*Fuzzer, error) {
	if !constructed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("fuzzer already constructed in this process")
	}
	opts.fillDefaults()
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets")
	}
	if !opts.DifferentialMode && len(targets) != 1 {
		return nil, fmt.Errorf("%v targets require differential mode", len(targets))
	}
	counts := make([]int, len(targets))
	for i, t := range targets {
		counts[i] = t.NumPCs
	}
	if c, ok := rt.(interface {
		SetUseCounters(bool)
		SetUseValueProfile(bool)
	}); ok {
		c.SetUseCounters(opts.UseCounters)
		c.SetUseValueProfile(opts.UseValueProfile)
	}
	oracle, err := cover.NewOracle(rt, counts)
	if err != nil {
		return nil, err
	}
	f := &Fuzzer{
		opts:        opts,
		oracle:      oracle,
		corpus:      corpus.NewCorpus(opts.PreferSmall),
		md:          md,
		dedup:       dedup.NewIndex(),
		targets:     targets,
		startTime:   time.Now(),
		currentUnit: make([]byte, opts.MaxLen),
		exit:        os.Exit,
	}
	f.statTotalRuns = stat.New("total runs", "number of executed units",
		stat.Prometheus("diffuzz_total_runs"), stat.Rate{})
	f.statNewUnits = stat.New("new units", "inputs retained for new coverage",
		stat.Prometheus("diffuzz_new_units"))
	f.statDiffUnits = stat.New("diff units", "inputs retained for novel divergence",
		stat.Prometheus("diffuzz_diff_units"))
	f.statDuplicates = stat.New("duplicates", "suppressed duplicate mutations and divergences",
		stat.Prometheus("diffuzz_duplicates"))
	f.statValidCases = stat.New("valid cases", "runs with a novel new-feature pattern",
		stat.Prometheus("diffuzz_valid_cases"))
	f.statSlowestUnit = stat.New("slowest unit sec", "execution time of the slowest unit",
		stat.Prometheus("diffuzz_slowest_unit_sec"))
	f.statPeakRSS = stat.New("peak rss mb", "peak resident set size",
		stat.Prometheus("diffuzz_peak_rss_mb"))
	f.statExecTime = stat.New("exec time ms", "per-unit execution time", stat.Distribution{})
	if err := f.setupEquivalence(); err != nil {
		return nil, err
	}
	f.startMonitor()
	return f, nil
}

// Counter accessors used by the driver and by an outer orchestrator.
func (f *Fuzzer) TotalRuns() int     { return f.statTotalRuns.Val() }
func (f *Fuzzer) NewUnitsAdded() int { return f.statNewUnits.Val() }
func (f *Fuzzer) DiffUnitsAdded() int { return f.statDiffUnits.Val() }
func (f *Fuzzer) Duplicates() int    { return f.statDuplicates.Val() }
func (f *Fuzzer) ValidCases() int    { return f.statValidCases.Val() }

func (f *Fuzzer) Corpus() *corpus.Corpus { return f.corpus }

func (f *Fuzzer) execPerSec() int {
	secs := int(time.Since(f.startTime).Seconds())
	if secs == 0 {
		secs = 1
	}
	return f.TotalRuns() / secs
}

func (f *Fuzzer) secondsSinceProcessStartUp() int {
	return int(time.Since(f.startTime).Seconds())
}

func (f *Fuzzer) timedOut() bool {
	return f.opts.MaxTotalTimeSec > 0 &&
		f.secondsSinceProcessStartUp() >= f.opts.MaxTotalTimeSec
}

// PrintStats emits one status line, e.g.:
//
//	#4096   pulse  cov: 123 ft: 456 corp: 7/812b exec/s: 512 rss: 35Mb
func (f *Fuzzer) PrintStats(where, end string, units int) {
	if f.opts.Verbosity == 0 {
		return
	}
	line := fmt.Sprintf("#%d\t%s", f.TotalRuns(), where)
	if n := f.oracle.TotalPCCoverage(); n > 0 {
		line += fmt.Sprintf(" cov: %d", n)
	}
	if n := f.corpus.NumFeatures(); n > 0 {
		line += fmt.Sprintf(" ft: %d", n)
	}
	if !f.corpus.Empty() {
		line += fmt.Sprintf(" corp: %d", f.corpus.NumActiveUnits())
		if n := f.corpus.SizeInBytes(); n > 0 {
			switch {
			case n < 1<<14:
				line += fmt.Sprintf("/%db", n)
			case n < 1<<24:
				line += fmt.Sprintf("/%dKb", n>>10)
			default:
				line += fmt.Sprintf("/%dMb", n>>20)
			}
		}
	}
	if units > 0 {
		line += fmt.Sprintf(" units: %d", units)
	}
	line += fmt.Sprintf(" exec/s: %d", f.execPerSec())
	line += fmt.Sprintf(" rss: %dMb", f.peakRSSMB())
	log.Logf(0, "%s%s", line, end)
}

func (f *Fuzzer) PrintFinalStats() {
	if f.opts.PrintCoverage {
		f.printCoverage()
	}
	if f.opts.DumpCoverage {
		f.dumpCoverage()
	}
	if f.opts.PrintCorpusStats {
		f.printCorpusStats()
	}
	if !f.opts.PrintFinalStats {
		return
	}
	log.Logf(0, "stat::number_of_executed_units: %d", f.TotalRuns())
	log.Logf(0, "stat::average_exec_per_sec:     %d", f.execPerSec())
	log.Logf(0, "stat::new_units_added:          %d", f.NewUnitsAdded())
	if f.opts.DifferentialMode {
		log.Logf(0, "stat::number_of_diffs:          %d", f.DiffUnitsAdded())
	}
	log.Logf(0, "stat::slowest_unit_time_sec:    %d", f.statSlowestUnit.Val())
	log.Logf(0, "stat::peak_rss_mb:              %d", f.peakRSSMB())
	log.Logf(0, "stat::number_of_duplicates:     %d", f.Duplicates())
	log.Logf(0, "stat::coverage:                 %d", f.oracle.TotalPCCoverage())
	log.Logf(0, "stat::valid_cases:              %d", f.ValidCases())
}

func (f *Fuzzer) printCoverage() {
	log.Logf(0, "COVERAGE: %d PCs", f.oracle.TotalPCCoverage())
	for i := range f.targets {
		lo, hi := f.oracle.ModuleRange(i)
		hit := 0
		for _, pc := range f.oracle.PCs()[lo:hi] {
			if pc != 0 {
				hit++
			}
		}
		log.Logf(0, "  %s: %d/%d PCs in current run", f.targets[i].Name, hit, hi-lo)
	}
}

func (f *Fuzzer) dumpCoverage() {
	var buf []byte
	for _, pc := range f.oracle.PCs() {
		buf = append(buf, fmt.Sprintf("%#x\n", pc)...)
	}
	path := f.opts.ArtifactPrefix + "coverage.dump"
	if err := os.WriteFile(path, buf, 0644); err != nil {
		log.Logf(0, "failed to dump coverage: %v", err)
	}
}

func (f *Fuzzer) printCorpusStats() {
	for _, ii := range f.corpus.Inputs() {
		log.Logf(0, "corpus: %v len: %d features: %d execs: %d succ: %d",
			ii.Sig.String(), len(ii.U), ii.NumFeatures,
			ii.NumExecutedMutations, ii.NumSuccessfulMutations)
	}
}

func (f *Fuzzer) printStatusForNewUnit(u []byte) {
	if !f.opts.PrintNEW {
		return
	}
	f.PrintStats("NEW   ", "", 0)
	if f.opts.Verbosity > 0 {
		log.Logf(0, " L: %d ", len(u))
		f.md.PrintMutationSequence()
	}
}

func (f *Fuzzer) printNewPCs() {
	pcs := f.oracle.GrabNewPCs()
	if !f.opts.PrintNewCovPcs {
		return
	}
	for _, pc := range pcs {
		log.Logf(1, "NEW_PC: %#x %s", pc, f.oracle.DescribePC(pc))
	}
}

func (f *Fuzzer) checkExitOnSrcPosOrItem() {
	if f.opts.ExitOnSrcPos != "" {
		for i, n := 0, f.oracle.NumPCs(); i < n; i++ {
			pc := f.oracle.GetPC(i)
			if pc == 0 {
				continue
			}
			if descr := f.oracle.DescribePC(pc); descr != "" &&
				strings.Contains(descr, f.opts.ExitOnSrcPos) {
				log.Logf(0, "INFO: found line matching '%v', exiting.", f.opts.ExitOnSrcPos)
				f.exit(0)
			}
		}
	}
	if f.opts.ExitOnItem != "" && f.corpus.HasUnitSig(f.opts.ExitOnItem) {
		log.Logf(0, "INFO: found item with checksum '%v', exiting.", f.opts.ExitOnItem)
		f.exit(0)
	}
}
