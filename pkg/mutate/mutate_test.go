// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"math/rand"
	"testing"

	"github.com/diffuzz/diffuzz/pkg/corpus"
	"github.com/diffuzz/diffuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMutateBounds(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	m := New(r, Options{})
	const maxSize = 64
	buf := make([]byte, maxSize)
	size := copy(buf, "seed input")
	buf = buf[:cap(buf)]
	for i := 0; i < testutil.IterCount(); i++ {
		size = m.Mutate(buf, size, maxSize)
		assert.GreaterOrEqual(t, size, 1)
		assert.LessOrEqual(t, size, maxSize)
	}
}

func TestMutateChanges(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	m := New(r, Options{})
	changed := 0
	for i := 0; i < 100; i++ {
		buf := make([]byte, 32)
		orig := "some fixed seed input bytes"
		size := copy(buf, orig)
		newSize := m.Mutate(buf, size, cap(buf))
		if newSize != size || string(buf[:newSize]) != orig {
			changed++
		}
	}
	// The odd no-op mutation is tolerated, a majority is not.
	assert.Greater(t, changed, 50)
}

func TestOnlyASCII(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	m := New(r, Options{OnlyASCII: true})
	buf := make([]byte, 64)
	size := copy(buf, "seed")
	for i := 0; i < testutil.IterCount(); i++ {
		size = m.Mutate(buf, size, cap(buf))
		for _, b := range buf[:size] {
			assert.LessOrEqual(t, b, byte(0x7f))
		}
	}
}

func TestCrossOver(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	m := New(r, Options{CrossOver: true})
	crp := corpus.NewCorpus(false)
	crp.Add([]byte("corpus unit"), 1, true, nil)
	m.SetCorpus(crp)

	buf := make([]byte, 128)
	size := copy(buf, "seed")
	for i := 0; i < testutil.IterCount(); i++ {
		size = m.Mutate(buf, size, cap(buf))
		assert.LessOrEqual(t, size, cap(buf))
	}
}

func TestSequenceRecording(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	m := New(r, Options{})
	m.StartMutationSequence()
	buf := make([]byte, 16)
	size := copy(buf, "seed")
	m.Mutate(buf, size, cap(buf))
	m.Mutate(buf, size, cap(buf))
	assert.NotEmpty(t, m.MutationSequence())
	m.RecordSuccessfulMutationSequence()
	assert.Len(t, m.successful, 1)
	m.StartMutationSequence()
	assert.Empty(t, m.MutationSequence())
}
