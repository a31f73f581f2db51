// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"io"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/diffuzz/diffuzz/pkg/log"
	"github.com/diffuzz/diffuzz/pkg/osutil"
	"github.com/maruel/panicparse/stack"
)

// startMonitor spawns the alarm goroutine (timeout and RSS policing) and the
// interrupt handler. The monitor only observes; every fatal path funnels
// through the policy callbacks below.
func (f *Fuzzer) startMonitor() {
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		ticks := 0
		for range ticker.C {
			f.alarmCallback()
			if ticks++; ticks%10 == 0 {
				f.checkRSSLimit()
			}
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		f.interruptCallback()
	}()
}

func (f *Fuzzer) alarmCallback() {
	if f.opts.UnitTimeoutSec <= 0 || !f.runningCB.Load() {
		return
	}
	start := f.unitStartNano.Load()
	if start == 0 {
		return
	}
	seconds := int(time.Since(time.Unix(0, start)).Seconds())
	if seconds == 0 || seconds < f.opts.UnitTimeoutSec {
		return
	}
	log.Logf(0, "ALARM: working on the last Unit for %d seconds", seconds)
	log.Logf(0, "       and the timeout value is %d (use -timeout=N to change)", f.opts.UnitTimeoutSec)
	f.dumpCurrentUnit("timeout-")
	log.Logf(0, "ERROR: diffuzz: timeout after %d seconds", seconds)
	f.printStackTrace()
	log.Logf(0, "SUMMARY: diffuzz: timeout")
	f.PrintFinalStats()
	f.exit(f.opts.TimeoutExitCode)
}

// checkRSSLimit polices the resident set; it runs on every loop iteration
// and periodically from the monitor goroutine.
func (f *Fuzzer) checkRSSLimit() {
	rssMb := int(osutil.CurrentRSSBytes() >> 20)
	if peak := f.peakRSSMB(); rssMb > peak {
		f.statPeakRSS.Set(rssMb)
	}
	if f.opts.RssLimitMb <= 0 || rssMb < f.opts.RssLimitMb {
		return
	}
	f.rssLimitCallback(rssMb)
}

func (f *Fuzzer) rssLimitCallback(rssMb int) {
	log.Logf(0, "ERROR: diffuzz: out-of-memory (used: %dMb; limit: %dMb)",
		rssMb, f.opts.RssLimitMb)
	log.Logf(0, "   To change the out-of-memory limit use -rss_limit_mb=<N>")
	if f.opts.Hooks.PrintMemoryProfile != nil {
		f.opts.Hooks.PrintMemoryProfile()
	}
	f.dumpCurrentUnit("oom-")
	log.Logf(0, "SUMMARY: diffuzz: out-of-memory")
	f.PrintFinalStats()
	f.exit(f.opts.ErrorExitCode)
}

// HandleMalloc is the synchronous allocation hook: instrumented targets call
// it so that a single allocation over the limit is caught before it happens.
func (f *Fuzzer) HandleMalloc(size uint64) {
	if f.opts.RssLimitMb <= 0 || size>>20 < uint64(f.opts.RssLimitMb) {
		return
	}
	log.Logf(0, "ERROR: diffuzz: out-of-memory (malloc(%d))", size)
	log.Logf(0, "   To change the out-of-memory limit use -rss_limit_mb=<N>")
	f.printStackTrace()
	f.dumpCurrentUnit("oom-")
	log.Logf(0, "SUMMARY: diffuzz: out-of-memory")
	f.PrintFinalStats()
	f.exit(f.opts.ErrorExitCode)
}

func (f *Fuzzer) crashCallback(reason any) {
	log.Logf(0, "ERROR: diffuzz: deadly signal: %v", reason)
	f.printStackTrace()
	log.Logf(0, "SUMMARY: diffuzz: deadly signal")
	f.dumpCurrentUnit("crash-")
	f.PrintFinalStats()
	f.exit(f.opts.ErrorExitCode)
}

func (f *Fuzzer) interruptCallback() {
	log.Logf(0, "diffuzz: run interrupted; exiting")
	f.PrintFinalStats()
	f.exit(0)
}

// printStackTrace prints the current stack, preferring the runtime hook and
// falling back to a parsed, compacted dump of this goroutine.
func (f *Fuzzer) printStackTrace() {
	if f.opts.Hooks.PrintStackTrace != nil {
		f.opts.Hooks.PrintStackTrace()
		return
	}
	buf := make([]byte, 64<<10)
	buf = buf[:runtime.Stack(buf, false)]
	log.Logf(0, "%s", extractSuppression(buf))
}

// extractSuppression compacts a goroutine dump into the frame signature of
// the first goroutine; the raw dump is returned if parsing fails.
func extractSuppression(out []byte) []byte {
	ctx, err := stack.ParseDump(bytes.NewReader(out), io.Discard, false)
	if err != nil || len(ctx.Goroutines) == 0 {
		return out
	}
	var suppression []byte
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		for _, call := range gr.Stack.Calls {
			suppression = append(suppression, []byte("\n"+call.Func.PkgDotName())...)
		}
		return suppression
	}
	return out
}

// tryDetectingAMemoryLeak probes for a leak on the input that was just
// executed. Leak detection is expensive, so it only runs when the last
// execution had more mallocs than frees.
func (f *Fuzzer) tryDetectingAMemoryLeak(data []byte, duringInitialCorpusExecution bool) {
	if !f.hasMoreMallocsThanFrees {
		return // mallocs==frees, a leak is unlikely
	}
	if !f.opts.DetectLeaks {
		return
	}
	hooks := f.opts.Hooks
	if hooks.LeakCheck == nil {
		return
	}
	// Run the target once again, but with the leak checker disabled so that
	// a real leak is not reported twice.
	if hooks.LeakDisable != nil {
		hooks.LeakDisable()
	}
	f.executeCallback(f.lastCB, data)
	if hooks.LeakEnable != nil {
		hooks.LeakEnable()
	}
	if !f.hasMoreMallocsThanFrees {
		return // a leak is unlikely
	}
	if f.leakAttempts++; f.leakAttempts > 1000 {
		f.opts.DetectLeaks = false
		log.Logf(0, "INFO: diffuzz disabled leak detection after every mutation.\n"+
			"      Most likely the target function accumulates allocated\n"+
			"      memory in a global state w/o actually leaking it.")
		return
	}
	// The actual leak check is expensive, run it only now.
	if hooks.LeakCheck() {
		if duringInitialCorpusExecution {
			log.Logf(0, "INFO: a leak has been found in the initial corpus.")
		}
		log.Logf(0, "INFO: to ignore leaks use -detect_leaks=0.")
		f.currentUnitSize = len(data)
		f.dumpCurrentUnit("leak-")
		f.PrintFinalStats()
		f.exit(f.opts.ErrorExitCode)
	}
}

func (f *Fuzzer) peakRSSMB() int {
	if peak := int(osutil.PeakRSSMB()); peak > f.statPeakRSS.Val() {
		f.statPeakRSS.Set(peak)
	}
	return f.statPeakRSS.Val()
}
