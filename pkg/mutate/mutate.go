// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutate implements the byte-level mutation engine consumed by the
// fuzzing driver. The corpus is handed in after construction (late binding)
// to enable cross-over without a construction cycle.
package mutate

import (
	"encoding/binary"
	"math/rand"
	"strings"

	"github.com/diffuzz/diffuzz/pkg/corpus"
	"github.com/diffuzz/diffuzz/pkg/log"
)

type Options struct {
	OnlyASCII bool
	CrossOver bool
}

type Mutator struct {
	r    *rand.Rand
	opts Options
	crp  *corpus.Corpus

	seq        []string
	successful [][]string
}

type mutateOp struct {
	name string
	fn   func(m *Mutator, data []byte, maxSize int) []byte
}

func New(r *rand.Rand, opts Options) *Mutator {
	return &Mutator{r: r, opts: opts}
}

// SetCorpus hands the mutator a non-owning reference to the corpus for
// cross-over mutations.
func (m *Mutator) SetCorpus(c *corpus.Corpus) {
	m.crp = c
}

func (m *Mutator) Rand() *rand.Rand {
	return m.r
}

func (m *Mutator) StartMutationSequence() {
	m.seq = m.seq[:0]
}

func (m *Mutator) RecordSuccessfulMutationSequence() {
	m.successful = append(m.successful, append([]string(nil), m.seq...))
}

func (m *Mutator) MutationSequence() string {
	return strings.Join(m.seq, "-")
}

func (m *Mutator) PrintMutationSequence() {
	log.Logf(1, "MS: %d %s", len(m.seq), m.MutationSequence())
}

// PrintRecommendedDictionary reports which mutations actually paid off over
// the session.
func (m *Mutator) PrintRecommendedDictionary() {
	if len(m.successful) == 0 {
		return
	}
	counts := make(map[string]int)
	for _, seq := range m.successful {
		for _, op := range seq {
			counts[op]++
		}
	}
	log.Logf(0, "recommended mutations (%d successful sequences):", len(m.successful))
	for op, n := range counts {
		log.Logf(0, "  %v: %v", op, n)
	}
}

var ops = []mutateOp{
	{"EraseBytes", (*Mutator).eraseBytes},
	{"InsertByte", (*Mutator).insertByte},
	{"InsertRepeatedBytes", (*Mutator).insertRepeatedBytes},
	{"ChangeByte", (*Mutator).changeByte},
	{"ChangeBit", (*Mutator).changeBit},
	{"ShuffleBytes", (*Mutator).shuffleBytes},
	{"ChangeBinInt", (*Mutator).changeBinaryInteger},
	{"CopyPart", (*Mutator).copyPart},
	{"CrossOver", (*Mutator).crossOver},
}

// Mutate applies one random mutation to buf[:size] in place (the buffer must
// have capacity for maxSize) and returns the new size, always in [1, maxSize].
func (m *Mutator) Mutate(buf []byte, size, maxSize int) int {
	return m.DefaultMutate(buf, size, maxSize)
}

// DefaultMutate is the mutation entry point exposed to custom mutators.
func (m *Mutator) DefaultMutate(buf []byte, size, maxSize int) int {
	if maxSize > cap(buf) {
		maxSize = cap(buf)
	}
	data := buf[:size]
	for attempt := 0; attempt < 10; attempt++ {
		op := ops[m.r.Intn(len(ops))]
		res := op.fn(m, data, maxSize)
		if res == nil {
			continue
		}
		if len(res) == 0 {
			res = append(res, byte(m.r.Intn(256)))
		}
		if m.opts.OnlyASCII {
			toASCII(res)
		}
		m.seq = append(m.seq, op.name)
		n := copy(buf[:cap(buf)], res)
		return n
	}
	// No op applied; mutate a single byte as a fallback.
	if size == 0 {
		buf = buf[:1]
		size = 1
	}
	buf[m.r.Intn(size)] ^= byte(1 + m.r.Intn(255))
	m.seq = append(m.seq, "ChangeByte")
	if m.opts.OnlyASCII {
		toASCII(buf[:size])
	}
	return size
}

func (m *Mutator) eraseBytes(data []byte, maxSize int) []byte {
	if len(data) <= 1 {
		return nil
	}
	n := 1 + m.r.Intn(len(data)/2+1)
	pos := m.r.Intn(len(data) - n + 1)
	return append(data[:pos], data[pos+n:]...)
}

func (m *Mutator) insertByte(data []byte, maxSize int) []byte {
	if len(data) >= maxSize {
		return nil
	}
	pos := m.r.Intn(len(data) + 1)
	res := append(data, 0)
	copy(res[pos+1:], res[pos:])
	res[pos] = byte(m.r.Intn(256))
	return res
}

func (m *Mutator) insertRepeatedBytes(data []byte, maxSize int) []byte {
	if len(data) >= maxSize-1 {
		return nil
	}
	n := 2 + m.r.Intn(maxSize-len(data)-1)
	pos := m.r.Intn(len(data) + 1)
	b := byte(m.r.Intn(256))
	res := append(data, make([]byte, n)...)
	copy(res[pos+n:], res[pos:len(res)-n])
	for i := 0; i < n; i++ {
		res[pos+i] = b
	}
	return res
}

func (m *Mutator) changeByte(data []byte, maxSize int) []byte {
	if len(data) == 0 {
		return nil
	}
	data[m.r.Intn(len(data))] = byte(m.r.Intn(256))
	return data
}

func (m *Mutator) changeBit(data []byte, maxSize int) []byte {
	if len(data) == 0 {
		return nil
	}
	data[m.r.Intn(len(data))] ^= 1 << uint(m.r.Intn(8))
	return data
}

func (m *Mutator) shuffleBytes(data []byte, maxSize int) []byte {
	if len(data) <= 1 {
		return nil
	}
	n := 2 + m.r.Intn(min(8, len(data))-1)
	pos := m.r.Intn(len(data) - n + 1)
	m.r.Shuffle(n, func(i, j int) {
		data[pos+i], data[pos+j] = data[pos+j], data[pos+i]
	})
	return data
}

func (m *Mutator) changeBinaryInteger(data []byte, maxSize int) []byte {
	widths := []int{1, 2, 4, 8}
	w := widths[m.r.Intn(len(widths))]
	if len(data) < w {
		return nil
	}
	pos := m.r.Intn(len(data) - w + 1)
	delta := uint64(m.r.Intn(21) - 10)
	switch w {
	case 1:
		data[pos] += byte(delta)
	case 2:
		v := binary.LittleEndian.Uint16(data[pos:])
		binary.LittleEndian.PutUint16(data[pos:], v+uint16(delta))
	case 4:
		v := binary.LittleEndian.Uint32(data[pos:])
		binary.LittleEndian.PutUint32(data[pos:], v+uint32(delta))
	case 8:
		v := binary.LittleEndian.Uint64(data[pos:])
		binary.LittleEndian.PutUint64(data[pos:], v+delta)
	}
	return data
}

func (m *Mutator) copyPart(data []byte, maxSize int) []byte {
	if len(data) <= 1 {
		return nil
	}
	n := 1 + m.r.Intn(len(data)/2+1)
	from := m.r.Intn(len(data) - n + 1)
	to := m.r.Intn(len(data) - n + 1)
	copy(data[to:to+n], data[from:from+n])
	return data
}

func (m *Mutator) crossOver(data []byte, maxSize int) []byte {
	if !m.opts.CrossOver || m.crp == nil || m.crp.Empty() {
		return nil
	}
	other := m.crp.ChooseUnitToMutate(m.r)
	if other == nil || len(other.U) == 0 {
		return nil
	}
	// Splice a random chunk of the other unit at a random position.
	n := 1 + m.r.Intn(len(other.U))
	from := m.r.Intn(len(other.U) - n + 1)
	pos := m.r.Intn(len(data) + 1)
	res := append(append(append([]byte(nil), data[:pos]...), other.U[from:from+n]...), data[pos:]...)
	if len(res) > maxSize {
		res = res[:maxSize]
	}
	return res
}

func toASCII(data []byte) {
	for i, b := range data {
		data[i] = b & 0x7f
		if data[i] < 0x20 && data[i] != '\n' && data[i] != '\t' {
			data[i] = ' '
		}
	}
}
