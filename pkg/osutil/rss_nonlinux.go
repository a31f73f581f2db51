// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux

package osutil

// Without procfs we settle for the Go heap as an approximation.

func CurrentRSSBytes() uint64 {
	return fallbackRSSBytes()
}

func PeakRSSMB() uint64 {
	return fallbackRSSBytes() >> 20
}
