// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/diffuzz/diffuzz/pkg/log"
	"github.com/diffuzz/diffuzz/pkg/osutil"
	"github.com/google/uuid"
)

// The equivalence region is a file-backed shared mapping used by a
// server/client process pair that execute the same inputs and compare
// outputs. Layout (little-endian):
//
//	[0:8)   client sequence number
//	[8:16)  server sequence number
//	[16:24) client payload size
//	[24:32) server payload size
//	[32:40) mismatch flag
//	[40:40+max)       client payload (the input, for post-mortem)
//	[40+max:40+2*max) server payload (the server's output)
const (
	eqOffClientSeq  = 0
	eqOffServerSeq  = 8
	eqOffClientSize = 16
	eqOffServerSize = 24
	eqOffMismatch   = 32
	eqOffData       = 40
)

const eqWaitTimeout = 10 * time.Second

type equivalence struct {
	f      *os.File
	mem    []byte
	server bool
	maxLen int
}

func (f *Fuzzer) setupEquivalence() error {
	switch f.opts.Equivalence {
	case "":
		return nil
	case "server", "client":
	default:
		return fmt.Errorf("unknown equivalence mode %q", f.opts.Equivalence)
	}
	path := f.opts.EquivalenceRegion
	server := f.opts.Equivalence == "server"
	if path == "" {
		if !server {
			return fmt.Errorf("equivalence client requires an explicit region path")
		}
		path = filepath.Join(os.TempDir(), "diffuzz-eq-"+uuid.NewString())
		log.Logf(0, "equivalence region: %v", path)
	}
	size := eqOffData + 2*f.opts.MaxLen
	var file *os.File
	var mem []byte
	var err error
	if server {
		file, mem, err = osutil.CreateSharedMemFile(path, size)
	} else {
		// The server creates the region; give it a moment.
		for deadline := time.Now().Add(eqWaitTimeout); ; {
			file, mem, err = osutil.OpenSharedMemFile(path, size)
			if err == nil || time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to set up equivalence region: %w", err)
	}
	f.eq = &equivalence{f: file, mem: mem, server: server, maxLen: f.opts.MaxLen}
	return nil
}

func (eq *equivalence) isClient() bool { return eq != nil && !eq.server }
func (eq *equivalence) isServer() bool { return eq != nil && eq.server }

func (eq *equivalence) load(off int) uint64 {
	return binary.LittleEndian.Uint64(eq.mem[off:])
}

func (eq *equivalence) store(off int, v uint64) {
	binary.LittleEndian.PutUint64(eq.mem[off:], v)
}

// writeUnit publishes the current input from the client side.
func (eq *equivalence) writeUnit(data []byte) {
	if len(data) > eq.maxLen {
		data = data[:eq.maxLen]
	}
	copy(eq.mem[eqOffData:], data)
	eq.store(eqOffClientSize, uint64(len(data)))
}

func (eq *equivalence) serverData(size uint64) []byte {
	return eq.mem[eqOffData+eq.maxLen : eqOffData+eq.maxLen+int(size)]
}

// waitFor polls a sequence slot until it reaches want.
func (eq *equivalence) waitFor(off int, want uint64) bool {
	deadline := time.Now().Add(eqWaitTimeout)
	for eq.load(off) < want {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Microsecond)
	}
	return true
}

// AnnounceOutput participates in the cross-process equivalence check.
// The server publishes its output; the client waits for it, compares with
// its own and treats any difference as an equivalence mismatch.
func (f *Fuzzer) AnnounceOutput(data []byte) {
	eq := f.eq
	switch {
	case eq.isServer():
		if eq.load(eqOffMismatch) != 0 {
			f.mismatchCallback(len(data), 0, 0)
		}
		if len(data) > eq.maxLen {
			data = data[:eq.maxLen]
		}
		copy(eq.serverData(uint64(eq.maxLen)), data)
		eq.store(eqOffServerSize, uint64(len(data)))
		eq.store(eqOffServerSeq, eq.load(eqOffServerSeq)+1)
	case eq.isClient():
		seq := eq.load(eqOffClientSeq) + 1
		eq.store(eqOffClientSeq, seq)
		if !eq.waitFor(eqOffServerSeq, seq) {
			log.Logf(0, "equivalence server did not respond; skipping check")
			return
		}
		otherSize := eq.load(eqOffServerSize)
		other := eq.serverData(otherSize)
		if uint64(len(data)) == otherSize && bytes.Equal(data, other) {
			return
		}
		offset := 0
		for offset < len(data) && offset < int(otherSize) && data[offset] == other[offset] {
			offset++
		}
		eq.store(eqOffMismatch, 1)
		f.mismatchCallback(len(data), int(otherSize), offset)
	}
}

func (f *Fuzzer) mismatchCallback(size, otherSize, offset int) {
	log.Logf(0, "ERROR: diffuzz: equivalence-mismatch. Sizes: %d %d; offset %d",
		size, otherSize, offset)
	f.dumpCurrentUnit("mismatch-")
	log.Logf(0, "SUMMARY: diffuzz: equivalence-mismatch")
	f.PrintFinalStats()
	f.exit(f.opts.ErrorExitCode)
}

func (f *Fuzzer) closeEquivalence() {
	if f.eq == nil {
		return
	}
	if err := osutil.CloseSharedMemFile(f.eq.f, f.eq.mem, f.eq.server); err != nil {
		log.Logf(1, "failed to close equivalence region: %v", err)
	}
	f.eq = nil
}
