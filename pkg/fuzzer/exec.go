// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"runtime"
	"time"

	"github.com/diffuzz/diffuzz/pkg/log"
)

// looseMemeq compares two buffers, but not all bytes if the buffers are large.
func looseMemeq(a, b []byte) bool {
	const limit = 64
	if len(a) != len(b) {
		return false
	}
	if len(a) <= limit {
		return bytes.Equal(a, b)
	}
	// Compare first and last limit/2 bytes.
	return bytes.Equal(a[:limit/2], b[:limit/2]) &&
		bytes.Equal(a[len(a)-limit/2:], b[len(b)-limit/2:])
}

// executeCallback runs one callback once: the input is copied to a fresh
// heap buffer so that target-side overreads/overwrites land in their own
// allocation, the execution is timed, malloc/free parity is captured, and
// the input is verified unmodified afterwards.
func (f *Fuzzer) executeCallback(cb Callback, data []byte) int {
	if f.eq.isClient() {
		f.eq.writeUnit(data)
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	if len(data) <= len(f.currentUnit) {
		copy(f.currentUnit, data)
		f.currentUnitSize = len(data)
	}
	f.lastCB = cb

	traceAllocs := f.opts.DetectLeaks || f.opts.TraceMalloc
	var before runtime.MemStats
	if traceAllocs {
		runtime.ReadMemStats(&before)
	}

	f.unitStartNano.Store(time.Now().UnixNano())
	f.oracle.ResetMaps()
	f.runningCB.Store(true)
	res := f.runGuarded(cb, dataCopy)
	f.runningCB.Store(false)
	f.unitStopTime = time.Now()

	if traceAllocs {
		var after runtime.MemStats
		runtime.ReadMemStats(&after)
		mallocs := after.Mallocs - before.Mallocs
		frees := after.Frees - before.Frees
		f.hasMoreMallocsThanFrees = mallocs > frees
		if f.opts.TraceMalloc {
			verdict := "same"
			if mallocs != frees {
				verdict = "DIFFERENT"
			}
			log.Logf(2, "MallocFreeTracer: STOP %d %d (%s)", mallocs, frees, verdict)
		}
	}

	elapsed := f.unitStopTime.Sub(time.Unix(0, f.unitStartNano.Load()))
	f.statExecTime.Add(int(elapsed.Milliseconds()))

	if !looseMemeq(dataCopy, data) {
		f.crashOnOverwrittenData()
	}
	f.currentUnitSize = 0
	return res
}

// runGuarded converts a panicking target into the deadly-signal policy.
func (f *Fuzzer) runGuarded(cb Callback, data []byte) (res int) {
	defer func() {
		if r := recover(); r != nil {
			f.crashCallback(r)
		}
	}()
	return cb(data)
}

func (f *Fuzzer) crashOnOverwrittenData() {
	log.Logf(0, "ERROR: fuzz target overwrites its const input")
	f.dumpCurrentUnit("crash-")
	log.Logf(0, "SUMMARY: diffuzz: overwritten input")
	f.PrintFinalStats()
	f.exit(f.opts.ErrorExitCode)
}

// printPulseAndReportSlowInput prints a pulse line on power-of-two run
// counts and records/report units slower than the current record.
func (f *Fuzzer) printPulseAndReportSlowInput(data []byte) {
	timeOfUnit := int(f.unitStopTime.Sub(time.Unix(0, f.unitStartNano.Load())).Seconds())
	runs := f.TotalRuns()
	if runs > 0 && runs&(runs-1) == 0 && f.secondsSinceProcessStartUp() >= 2 {
		f.PrintStats("pulse ", "", 0)
	}
	slowest := f.statSlowestUnit.Val()
	if float64(timeOfUnit) > float64(slowest)*1.1 && timeOfUnit >= f.opts.ReportSlowUnits {
		f.statSlowestUnit.Set(timeOfUnit)
		log.Logf(0, "Slowest unit: %d s:", timeOfUnit)
		f.writeUnitToFileWithPrefix(data, "slow-unit-")
	}
}
