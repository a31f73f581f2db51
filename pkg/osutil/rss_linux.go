// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"bytes"
	"os"

	"golang.org/x/sys/unix"
)

// CurrentRSSBytes returns the resident set size of the process.
func CurrentRSSBytes() uint64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return fallbackRSSBytes()
	}
	fields := bytes.Fields(data)
	if len(fields) < 2 {
		return fallbackRSSBytes()
	}
	pages := uint64(0)
	for _, c := range fields[1] {
		if c < '0' || c > '9' {
			return fallbackRSSBytes()
		}
		pages = pages*10 + uint64(c-'0')
	}
	return pages * uint64(os.Getpagesize())
}

// PeakRSSMB returns the peak resident set size of the process in megabytes.
func PeakRSSMB() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// Maxrss is in kilobytes on Linux.
	return uint64(ru.Maxrss) >> 10
}
