// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// diffuzz runs the coverage-guided differential fuzzing loop over the
// registered target callbacks. The first positional argument is the output
// corpus directory, any further arguments are seed corpus directories.
package main

import (
	"flag"
	"math/rand"
	"os"
	"time"

	"github.com/diffuzz/diffuzz/pkg/corpus"
	"github.com/diffuzz/diffuzz/pkg/fuzzer"
	"github.com/diffuzz/diffuzz/pkg/log"
	"github.com/diffuzz/diffuzz/pkg/mutate"
	"github.com/diffuzz/diffuzz/pkg/osutil"
	"github.com/diffuzz/diffuzz/pkg/tool"
)

var (
	flagMaxLen          = flag.Int("max_len", 4096, "max input length")
	flagRuns            = flag.Int("runs", 0, "number of runs (0 means unlimited)")
	flagMaxTotalTime    = flag.Int("max_total_time", 0, "wall-clock bound in seconds (0 means unlimited)")
	flagTimeout         = flag.Int("timeout", 60, "per-unit timeout in seconds")
	flagRssLimitMb      = flag.Int("rss_limit_mb", 2048, "RSS limit in Mb (0 disables)")
	flagReload          = flag.Int("reload", 10, "output corpus reload interval in seconds (0 disables)")
	flagLogPath         = flag.String("log_path", "./log", "progress log file")
	flagDetectLeaks     = flag.Bool("detect_leaks", false, "probe for leaks after each unit")
	flagTraceMalloc     = flag.Bool("trace_malloc", false, "trace allocation parity")
	flagUseCounters     = flag.Bool("use_counters", true, "use bucketed hit counters as features")
	flagUseValueProfile = flag.Bool("use_value_profile", false, "use value profile features")
	flagPrintNewPcs     = flag.Bool("print_pcs", false, "print newly covered PCs")
	flagDifferential    = flag.Bool("differential_mode", true, "run all targets and compare outputs")
	flagShuffle         = flag.Bool("shuffle", true, "shuffle initial corpus")
	flagPreferSmall     = flag.Bool("prefer_small", true, "bias seed selection toward small units")
	flagMutateDepth     = flag.Int("mutate_depth", 5, "mutations per seed per round")
	flagShrink          = flag.Bool("shrink", false, "replace features by smaller witnesses")
	flagReduceInputs    = flag.Bool("reduce_inputs", true, "attempt in-place seed replacement")
	flagLenControl      = flag.Bool("len_control", false, "experimental mutation length control")
	flagOnlyASCII       = flag.Bool("only_ascii", false, "restrict units to ASCII")
	flagCrossOver       = flag.Bool("cross_over", true, "enable cross-over mutations")
	flagSaveArtifacts   = flag.Bool("save_artifacts", true, "write crash/diff/oom artifacts")
	flagArtifactPrefix  = flag.String("artifact_prefix", "./", "artifact path prefix")
	flagExactArtifact   = flag.String("exact_artifact_path", "", "exact artifact path (overrides prefix)")
	flagExitOnSrcPos    = flag.String("exit_on_src_pos", "", "exit after covering this source position")
	flagExitOnItem      = flag.String("exit_on_item", "", "exit after adding unit with this checksum")
	flagPrintCoverage   = flag.Bool("print_coverage", false, "print coverage on exit")
	flagDumpCoverage    = flag.Bool("dump_coverage", false, "dump PC table on exit")
	flagPrintFinal      = flag.Bool("print_final_stats", true, "print final stats block")
	flagPrintCorpus     = flag.Bool("print_corpus_stats", false, "print per-unit corpus stats on exit")
	flagPrintNEW        = flag.Bool("print_new", true, "print a status line for every new unit")
	flagSlowUnits       = flag.Int("report_slow_units", 10, "report units slower than this many seconds")
	flagErrorExitCode   = flag.Int("error_exitcode", 77, "exit code for crashes/OOMs/leaks")
	flagTimeoutExitCode = flag.Int("timeout_exitcode", 70, "exit code for timeouts")
	flagEquivalence     = flag.String("run_equivalence", "", "equivalence mode: server or client")
	flagEqRegion        = flag.String("equivalence_region", "", "equivalence shared memory file")
	flagSeed            = flag.Int64("seed", 0, "PRNG seed (0 means time-based)")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		tool.Failf("usage: diffuzz [flags] output-corpus-dir [seed-corpus-dir...]")
	}
	outputCorpus := flag.Arg(0)
	if err := osutil.MkdirAll(outputCorpus); err != nil {
		tool.Fail(err)
	}

	seed := *flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))
	log.Logf(1, "seed: %v", seed)

	targets, rt := registerTargets()
	runs := *flagRuns
	if runs == 0 {
		runs = int(^uint(0) >> 1)
	}

	md := mutate.New(r, mutate.Options{
		OnlyASCII: *flagOnlyASCII,
		CrossOver: *flagCrossOver,
	})
	f, err := fuzzer.New(fuzzer.Options{
		MaxLen:                 *flagMaxLen,
		MaxNumberOfRuns:        runs,
		MaxTotalTimeSec:        *flagMaxTotalTime,
		UnitTimeoutSec:         *flagTimeout,
		RssLimitMb:             *flagRssLimitMb,
		OutputCorpus:           outputCorpus,
		ReloadIntervalSec:      *flagReload,
		ProgressLogPath:        *flagLogPath,
		Verbosity:              1,
		DetectLeaks:            *flagDetectLeaks,
		TraceMalloc:            *flagTraceMalloc,
		UseCounters:            *flagUseCounters,
		UseValueProfile:        *flagUseValueProfile,
		PrintNewCovPcs:         *flagPrintNewPcs,
		DifferentialMode:       *flagDifferential,
		ShuffleAtStartUp:       *flagShuffle,
		PreferSmall:            *flagPreferSmall,
		MutateDepth:            *flagMutateDepth,
		Shrink:                 *flagShrink,
		ReduceInputs:           *flagReduceInputs,
		ExperimentalLenControl: *flagLenControl,
		OnlyASCII:              *flagOnlyASCII,
		DoCrossOver:            *flagCrossOver,
		SaveArtifacts:          *flagSaveArtifacts,
		ArtifactPrefix:         *flagArtifactPrefix,
		ExactArtifactPath:      *flagExactArtifact,
		ExitOnSrcPos:           *flagExitOnSrcPos,
		ExitOnItem:             *flagExitOnItem,
		PrintCoverage:          *flagPrintCoverage,
		DumpCoverage:           *flagDumpCoverage,
		PrintFinalStats:        *flagPrintFinal,
		PrintCorpusStats:       *flagPrintCorpus,
		PrintNEW:               *flagPrintNEW,
		ReportSlowUnits:        *flagSlowUnits,
		ErrorExitCode:          *flagErrorExitCode,
		TimeoutExitCode:        *flagTimeoutExitCode,
		Equivalence:            *flagEquivalence,
		EquivalenceRegion:      *flagEqRegion,
	}, rt, md, targets)
	if err != nil {
		tool.Fail(err)
	}

	var initial [][]byte
	dirs := append([]string{outputCorpus}, flag.Args()[1:]...)
	for _, dir := range dirs {
		units, err := corpus.ReadDirUnits(dir, *flagMaxLen)
		if err != nil {
			tool.Fail(err)
		}
		initial = append(initial, units...)
	}
	if len(initial) == 0 {
		// Bootstrap from a couple of trivial seeds.
		initial = [][]byte{{0}, []byte("0123456789")}
	}
	if err := f.ShuffleAndMinimize(initial); err != nil {
		log.Logf(0, "ERROR: %v", err)
		os.Exit(1)
	}
	f.Loop()
}
