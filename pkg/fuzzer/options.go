// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

// Options is the full option surface consumed (not parsed) by the engine.
// tools/diffuzz binds it to command line flags.
type Options struct {
	MaxLen          int // max input length, 0 means pick a default
	MaxNumberOfRuns int
	MaxTotalTimeSec int
	UnitTimeoutSec  int
	RssLimitMb      int

	OutputCorpus      string
	ReloadIntervalSec int
	ProgressLogPath   string // TSV progress log, defaults to ./log

	Verbosity   int
	DetectLeaks bool
	TraceMalloc bool

	UseCounters     bool
	UseValueProfile bool
	PrintNewCovPcs  bool

	DifferentialMode bool
	ShuffleAtStartUp bool
	PreferSmall      bool
	MutateDepth      int
	Shrink           bool
	ReduceInputs     bool

	ExperimentalLenControl bool
	OnlyASCII              bool
	DoCrossOver            bool

	SaveArtifacts     bool
	ArtifactPrefix    string
	ExactArtifactPath string

	ExitOnSrcPos string
	ExitOnItem   string

	PrintCoverage    bool
	DumpCoverage     bool
	PrintFinalStats  bool
	PrintCorpusStats bool
	PrintNEW         bool
	ReportSlowUnits  int // seconds

	ErrorExitCode   int
	TimeoutExitCode int

	// Equivalence enables the cross-process shared-memory output comparison:
	// "server", "client" or empty.
	Equivalence       string
	EquivalenceRegion string

	Hooks Hooks
}

// Hooks are the optional sanitizer-runtime entry points. Every hook may be
// nil; a missing hook degrades the corresponding feature silently.
type Hooks struct {
	PrintStackTrace    func()
	PrintMemoryProfile func()
	// LeakCheck runs the recoverable leak check and reports whether a leak
	// was found.
	LeakCheck   func() bool
	LeakDisable func()
	LeakEnable  func()
}

func (opts *Options) fillDefaults() {
	if opts.MaxLen == 0 {
		opts.MaxLen = 4096
	}
	if opts.MaxNumberOfRuns == 0 {
		opts.MaxNumberOfRuns = int(^uint(0) >> 1)
	}
	if opts.MutateDepth == 0 {
		opts.MutateDepth = 5
	}
	if opts.ProgressLogPath == "" {
		opts.ProgressLogPath = "./log"
	}
	if opts.ErrorExitCode == 0 {
		opts.ErrorExitCode = 77
	}
	if opts.TimeoutExitCode == 0 {
		opts.TimeoutExitCode = 70
	}
	if opts.ReportSlowUnits == 0 {
		opts.ReportSlowUnits = 10
	}
}
