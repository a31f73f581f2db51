// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"

	"github.com/diffuzz/diffuzz/pkg/corpus"
	"github.com/diffuzz/diffuzz/pkg/hash"
	"github.com/diffuzz/diffuzz/pkg/log"
	"github.com/diffuzz/diffuzz/pkg/osutil"
)

const maxUnitSizeToPrint = 256

// writeUnitToFileWithPrefix writes an artifact named
// <artifact_prefix><kind>-<sha1> (kind already includes its separator).
func (f *Fuzzer) writeUnitToFileWithPrefix(u []byte, prefix string) {
	if !f.opts.SaveArtifacts {
		return
	}
	path := f.opts.ArtifactPrefix + prefix + hash.String(u)
	if f.opts.ExactArtifactPath != "" {
		path = f.opts.ExactArtifactPath // Overrides ArtifactPrefix.
	}
	if err := osutil.WriteFile(path, u); err != nil {
		log.Logf(0, "failed to write artifact %v: %v", path, err)
		return
	}
	log.Logf(0, "artifact_prefix='%v'; Test unit written to %v", f.opts.ArtifactPrefix, path)
	if len(u) <= maxUnitSizeToPrint {
		log.Logf(0, "Base64: %v", hash.Base64(u))
	}
}

// dumpCurrentUnit dumps the unit being executed for a fatal policy event.
func (f *Fuzzer) dumpCurrentUnit(prefix string) {
	if f.currentUnitSize == 0 {
		return // happens when running individual inputs
	}
	f.md.PrintMutationSequence()
	log.Logf(0, "; base unit: %v", f.baseSig.String())
	u := f.currentUnit[:f.currentUnitSize]
	if len(u) <= maxUnitSizeToPrint {
		log.Logf(0, "%x", u)
		log.Logf(0, "%s", printableASCII(u))
	}
	f.writeUnitToFileWithPrefix(u, prefix)
}

func (f *Fuzzer) writeToOutputCorpus(u []byte) {
	if f.opts.OnlyASCII && !isASCII(u) {
		panic(fmt.Sprintf("non-ASCII unit with OnlyASCII set: %x", u))
	}
	if f.opts.OutputCorpus == "" {
		return
	}
	path, err := corpus.WriteUnitToDir(f.opts.OutputCorpus, u)
	if err != nil {
		log.Logf(0, "%v", err)
		return
	}
	log.Logf(2, "Written to %v", path)
}

func isASCII(u []byte) bool {
	for _, b := range u {
		if b > 0x7f {
			return false
		}
	}
	return true
}

func printableASCII(u []byte) []byte {
	res := make([]byte, len(u))
	for i, b := range u {
		if b >= 0x20 && b < 0x7f {
			res[i] = b
		} else {
			res[i] = '.'
		}
	}
	return res
}
