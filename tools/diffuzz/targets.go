// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"github.com/diffuzz/diffuzz/pkg/cover"
	"github.com/diffuzz/diffuzz/pkg/fuzzer"
)

// The built-in demo pair: two LEB128 varint stream validators that are
// supposed to agree on every input. The compat variant predates the overflow
// checks of the reference one, which is exactly the kind of disagreement the
// differential loop is meant to surface.

const (
	refEdges    = 8
	compatEdges = 8
)

func registerTargets() ([]fuzzer.Target, *cover.EdgeRuntime) {
	rt := cover.NewEdgeRuntime(refEdges + compatEdges)
	targets := []fuzzer.Target{
		{Name: "varint-ref", NumPCs: refEdges, CB: func(data []byte) int {
			return validateVarints(data, func(e int) { rt.Hit(e) }, true)
		}},
		{Name: "varint-compat", NumPCs: compatEdges, CB: func(data []byte) int {
			return validateVarints(data, func(e int) { rt.Hit(refEdges + e) }, false)
		}},
	}
	return targets, rt
}

// validateVarints walks a stream of LEB128-encoded uint64 values.
// Returns 0 if the whole input is a valid stream, 1 on a truncated value,
// 2 on a value that does not fit 64 bits. With strict unset it never returns
// 2: overflowing values are accepted.
func validateVarints(data []byte, hit func(edge int), strict bool) int {
	hit(0)
	for len(data) > 0 {
		hit(1)
		n := 0
		var v uint64
		for {
			if n == len(data) {
				hit(2)
				return 1
			}
			b := data[n]
			if strict && n == 9 && b > 1 {
				// The 10th byte may only contribute the 64th bit.
				hit(3)
				return 2
			}
			v |= uint64(b&0x7f) << (7 * uint(n))
			n++
			if b < 0x80 {
				hit(4)
				break
			}
			if n == 10 {
				hit(5)
				if strict {
					return 2
				}
				// Compat behavior: silently stop consuming continuation bits.
				break
			}
		}
		if v == 0 && n > 1 {
			hit(6)
		}
		data = data[n:]
	}
	hit(7)
	return 0
}
