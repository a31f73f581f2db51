// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diffuzz/diffuzz/pkg/cover"
	"github.com/diffuzz/diffuzz/pkg/mutate"
	"github.com/diffuzz/diffuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	mu     sync.Mutex
	called bool
	code   int
}

func (rec *exitRecorder) record(code int) {
	rec.mu.Lock()
	if !rec.called {
		rec.called = true
		rec.code = code
	}
	rec.mu.Unlock()
	// The real policy paths never return; stop the goroutine here too.
	runtime.Goexit()
}

func (rec *exitRecorder) exited() (bool, int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.called, rec.code
}

func newTestFuzzer(t *testing.T, opts Options, rt cover.Runtime, targets []Target) (*Fuzzer, *exitRecorder) {
	constructed.Store(false)
	dir := t.TempDir()
	if opts.ArtifactPrefix == "" {
		opts.ArtifactPrefix = dir + string(os.PathSeparator)
	}
	if opts.ProgressLogPath == "" {
		opts.ProgressLogPath = filepath.Join(dir, "log")
	}
	opts.SaveArtifacts = true
	md := mutate.New(rand.New(testutil.RandSource(t)), mutate.Options{})
	f, err := New(opts, rt, md, targets)
	require.NoError(t, err)
	rec := &exitRecorder{}
	f.exit = rec.record
	return f, rec
}

// runInGoroutine runs fn on its own goroutine so that the exit recorder's
// Goexit does not kill the test.
func runInGoroutine(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

// The N=2 target pair used across tests: a lenient byte validator that
// accepts everything and a strict variant that rejects bytes in the top
// range. They disagree on exactly the inputs containing a byte >= 0xF0.
func demoTargets() ([]Target, *cover.EdgeRuntime) {
	rt := cover.NewEdgeRuntime(8)
	targets := []Target{
		{Name: "lenient", NumPCs: 4, CB: func(data []byte) int {
			rt.Hit(0)
			for _, b := range data {
				rt.Hit(1)
				if b >= 0x80 {
					rt.Hit(2)
				}
			}
			rt.Hit(3)
			return 0
		}},
		{Name: "strict", NumPCs: 4, CB: func(data []byte) int {
			rt.Hit(4)
			for _, b := range data {
				rt.Hit(5)
				if b >= 0xf0 {
					rt.Hit(6)
					return 1
				}
			}
			rt.Hit(7)
			return 0
		}},
	}
	return targets, rt
}

func diffOpts() Options {
	return Options{
		DifferentialMode: true,
		ReduceInputs:     true,
		UseCounters:      true,
		MaxLen:           64,
	}
}

func countArtifacts(t *testing.T, f *Fuzzer, kind string) int {
	names, err := os.ReadDir(filepath.Dir(f.opts.ArtifactPrefix + "x"))
	require.NoError(t, err)
	n := 0
	for _, e := range names {
		if strings.HasPrefix(e.Name(), kind) {
			n++
		}
	}
	return n
}

// Scenario: pure-coverage retention. Both callbacks agree; new edges alone
// must retain the input without any diff artifact.
func TestPureCoverageRetention(t *testing.T) {
	targets, rt := demoTargets()
	f, rec := newTestFuzzer(t, diffOpts(), rt, targets)

	require.NoError(t, f.ShuffleAndMinimize([][]byte{{0x41}}))
	assert.Equal(t, 1, f.NewUnitsAdded())
	assert.Equal(t, 1, f.corpus.NumActiveUnits())
	assert.Equal(t, 0, f.DiffUnitsAdded())
	assert.Equal(t, 0, countArtifacts(t, f, "diff_"))
	if called, _ := rec.exited(); called {
		t.Fatal("unexpected exit")
	}
}

// Scenario: novel divergence. lenient(0x00 0xFF)=0, strict=1; expect one
// diff artifact and corpus retention of the input.
func TestDivergenceNovel(t *testing.T) {
	targets, rt := demoTargets()
	f, _ := newTestFuzzer(t, diffOpts(), rt, targets)

	u := []byte{0x00, 0xff}
	assert.True(t, f.RunOne(u, false, nil))
	assert.Equal(t, 1, f.DiffUnitsAdded())
	assert.Equal(t, 1, countArtifacts(t, f, "diff_0_1_"))
	assert.True(t, f.corpus.HasUnit(u))
}

// Scenario: duplicate divergence. An input hitting the same PC regions with
// the same return vector must be suppressed by the coverage fingerprint.
func TestDivergenceDuplicate(t *testing.T) {
	targets, rt := demoTargets()
	f, _ := newTestFuzzer(t, diffOpts(), rt, targets)

	assert.True(t, f.RunOne([]byte{0x00, 0xff}, false, nil))
	dupsBefore := f.Duplicates()
	diffArtifacts := countArtifacts(t, f, "diff_")

	// 0xFE hits the same edges and return vector as 0xFF.
	f.RunOne([]byte{0x00, 0xfe}, false, nil)
	assert.Equal(t, dupsBefore+1, f.Duplicates())
	assert.Equal(t, 1, f.DiffUnitsAdded())
	assert.Equal(t, diffArtifacts, countArtifacts(t, f, "diff_"))
}

// Divergence fingerprints must be deterministic: re-running the same input
// in a fresh process state reproduces the same artifact name.
func TestFingerprintDeterminism(t *testing.T) {
	name := func() string {
		targets, rt := demoTargets()
		f, _ := newTestFuzzer(t, diffOpts(), rt, targets)
		f.RunOne([]byte{0x00, 0xff}, false, nil)
		names, err := os.ReadDir(filepath.Dir(f.opts.ArtifactPrefix + "x"))
		require.NoError(t, err)
		for _, e := range names {
			if strings.HasPrefix(e.Name(), "diff_") {
				return e.Name()
			}
		}
		return ""
	}
	first := name()
	require.NotEmpty(t, first)
	assert.Equal(t, first, name())
}

// Scenario: shrink replacement via the non-differential path. A smaller unit
// covering the same features replaces the corpus entry in place.
func TestShrinkReplacement(t *testing.T) {
	rt := cover.NewEdgeRuntime(2)
	targets := []Target{{Name: "first-byte", NumPCs: 2, CB: func(data []byte) int {
		rt.Hit(0)
		if len(data) > 0 && data[0] == 'A' {
			rt.Hit(1)
		}
		return 0
	}}}
	opts := Options{ReduceInputs: true, MaxLen: 64}
	f, _ := newTestFuzzer(t, opts, rt, targets)

	require.NoError(t, f.ShuffleAndMinimize([][]byte{[]byte("AAAAA")}))
	ii := f.corpus.Inputs()[0]
	ii.NumExecutedMutations = 7
	features := append([]uint64(nil), ii.FeatureSet...)

	assert.True(t, f.RunOne([]byte("AA"), true, ii))
	assert.Equal(t, []byte("AA"), ii.U)
	assert.Equal(t, 7, ii.NumExecutedMutations)
	assert.Equal(t, features, ii.FeatureSet)
	assert.Equal(t, 1, f.corpus.NumActiveUnits())
}

// A callback that overwrites its input must be caught by the sampled
// comparison and exit through the crash policy.
func TestConstInputPreservation(t *testing.T) {
	rt := cover.NewEdgeRuntime(1)
	targets := []Target{{Name: "overwriter", NumPCs: 1, CB: func(data []byte) int {
		rt.Hit(0)
		if len(data) > 0 {
			data[0] ^= 0xff
		}
		return 0
	}}}
	f, rec := newTestFuzzer(t, Options{MaxLen: 64}, rt, targets)

	runInGoroutine(func() { f.RunOne([]byte{0x01, 0x02}, false, nil) })
	called, code := rec.exited()
	assert.True(t, called)
	assert.Equal(t, f.opts.ErrorExitCode, code)
	assert.Equal(t, 1, countArtifacts(t, f, "crash-"))
}

// A panicking callback follows the deadly-signal policy.
func TestCrashingCallback(t *testing.T) {
	rt := cover.NewEdgeRuntime(1)
	targets := []Target{{Name: "crasher", NumPCs: 1, CB: func(data []byte) int {
		rt.Hit(0)
		if len(data) > 0 && data[0] == 'X' {
			panic("boom")
		}
		return 0
	}}}
	f, rec := newTestFuzzer(t, Options{MaxLen: 64}, rt, targets)

	runInGoroutine(func() { f.RunOne([]byte("Xyz"), false, nil) })
	called, code := rec.exited()
	assert.True(t, called)
	assert.Equal(t, f.opts.ErrorExitCode, code)
	assert.Equal(t, 1, countArtifacts(t, f, "crash-"))
}

// Scenario: a single allocation over the RSS limit triggers the synchronous
// OOM path from the malloc hook.
func TestOversizedAllocationOOM(t *testing.T) {
	rt := cover.NewEdgeRuntime(1)
	var f *Fuzzer
	targets := []Target{{Name: "hog", NumPCs: 1, CB: func(data []byte) int {
		rt.Hit(0)
		f.HandleMalloc(2048 << 20)
		return 0
	}}}
	// The limit is far above the test process RSS so that only the
	// synchronous hook can trip it.
	f, rec := newTestFuzzer(t, Options{MaxLen: 64, RssLimitMb: 1024}, rt, targets)

	runInGoroutine(func() { f.RunOne([]byte{0x01}, false, nil) })
	called, code := rec.exited()
	assert.True(t, called)
	assert.Equal(t, f.opts.ErrorExitCode, code)
	assert.Equal(t, 1, countArtifacts(t, f, "oom-"))
}

// The alarm policy: a unit over the timeout is dumped with the timeout
// prefix and exits with TimeoutExitCode.
func TestTimeoutPolicy(t *testing.T) {
	targets, rt := demoTargets()
	f, rec := newTestFuzzer(t, Options{MaxLen: 64, UnitTimeoutSec: 1, DifferentialMode: true}, rt, targets)

	// Simulate a callback that has been running for a while.
	copy(f.currentUnit, "stuck")
	f.currentUnitSize = 5
	f.runningCB.Store(true)
	f.unitStartNano.Store(time.Now().Add(-2 * time.Second).UnixNano())

	runInGoroutine(func() { f.alarmCallback() })
	called, code := rec.exited()
	assert.True(t, called)
	assert.Equal(t, f.opts.TimeoutExitCode, code)
	assert.Equal(t, 1, countArtifacts(t, f, "timeout-"))
}

// The leak probe: mallocs>frees plus a positive recoverable leak check emits
// a leak artifact and exits.
func TestLeakProbe(t *testing.T) {
	rt := cover.NewEdgeRuntime(1)
	var sink [][]byte
	targets := []Target{{Name: "leaker", NumPCs: 1, CB: func(data []byte) int {
		rt.Hit(0)
		for i := 0; i < 1000; i++ {
			sink = append(sink, make([]byte, 128))
		}
		return 0
	}}}
	disabled, enabled := 0, 0
	opts := Options{
		MaxLen:      64,
		DetectLeaks: true,
		Hooks: Hooks{
			LeakCheck:   func() bool { return true },
			LeakDisable: func() { disabled++ },
			LeakEnable:  func() { enabled++ },
		},
	}
	f, rec := newTestFuzzer(t, opts, rt, targets)

	runInGoroutine(func() {
		f.RunOne([]byte{0x01}, false, nil)
		f.tryDetectingAMemoryLeak([]byte{0x01}, false)
	})
	called, code := rec.exited()
	assert.True(t, called)
	assert.Equal(t, f.opts.ErrorExitCode, code)
	assert.Equal(t, 1, countArtifacts(t, f, "leak-"))
	assert.Equal(t, 1, disabled)
	assert.Equal(t, 1, enabled)
	_ = sink
}

// Counters never decrease across a batch of runs.
func TestCounterMonotonicity(t *testing.T) {
	targets, rt := demoTargets()
	f, _ := newTestFuzzer(t, diffOpts(), rt, targets)

	r := rand.New(testutil.RandSource(t))
	prevRuns, prevDups, prevDiffs, prevValid := 0, 0, 0, 0
	for i := 0; i < 200; i++ {
		u := testutil.RandUnit(r, 16)
		f.RunOne(u, false, nil)
		assert.GreaterOrEqual(t, f.TotalRuns(), prevRuns)
		assert.GreaterOrEqual(t, f.Duplicates(), prevDups)
		assert.GreaterOrEqual(t, f.DiffUnitsAdded(), prevDiffs)
		assert.GreaterOrEqual(t, f.ValidCases(), prevValid)
		prevRuns, prevDups = f.TotalRuns(), f.Duplicates()
		prevDiffs, prevValid = f.DiffUnitsAdded(), f.ValidCases()
	}
	assert.Equal(t, 200, f.TotalRuns())
}

// Only one driver per process.
func TestSingletonDriver(t *testing.T) {
	targets, rt := demoTargets()
	_, _ = newTestFuzzer(t, diffOpts(), rt, targets)
	md := mutate.New(rand.New(testutil.RandSource(t)), mutate.Options{})
	_, err := New(diffOpts(), rt, md, targets)
	assert.Error(t, err)
}

func TestLooseMemeq(t *testing.T) {
	a := make([]byte, 1000)
	b := make([]byte, 1000)
	assert.True(t, looseMemeq(a, b))
	assert.True(t, looseMemeq(nil, nil))
	assert.False(t, looseMemeq(a, b[:999]))

	// A difference in the middle of a large buffer is not sampled.
	b[500] = 1
	assert.True(t, looseMemeq(a, b))
	// Differences in the head and tail windows are.
	b[500] = 0
	b[10] = 1
	assert.False(t, looseMemeq(a, b))
	b[10] = 0
	b[990] = 1
	assert.False(t, looseMemeq(a, b))

	// Small buffers are compared in full.
	c, d := []byte{1, 2, 3}, []byte{1, 9, 3}
	assert.False(t, looseMemeq(c, d))
}
