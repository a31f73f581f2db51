// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feature

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestMergeKeepsSmallest(t *testing.T) {
	var s Set
	s.Merge(FromRaw([]uint64{1, 2}, 10))
	s.Merge(FromRaw([]uint64{2, 3}, 5))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, sizeType(10), s[1])
	assert.Equal(t, sizeType(5), s[2])
	assert.Equal(t, sizeType(5), s[3])

	// A larger witness must not displace a smaller one.
	s.Merge(FromRaw([]uint64{2}, 100))
	assert.Equal(t, sizeType(5), s[2])
}

func TestDiff(t *testing.T) {
	s := Set{1: 4, 2: 10}
	// 3 is new; 2 has a smaller witness; 1 does not improve.
	d := s.Diff(FromRaw([]uint64{1, 2, 3}, 4))
	if diff := cmp.Diff(FromRaw([]uint64{2, 3}, 4), d); diff != "" {
		t.Fatal(diff)
	}
	assert.Nil(t, s.Diff(nil))
	assert.Nil(t, s.Diff(FromRaw([]uint64{1}, 10)))
}

func TestCoversAndRaw(t *testing.T) {
	s := FromRaw([]uint64{5, 3, 9}, 1)
	assert.Equal(t, []uint64{3, 5, 9}, s.ToRaw())
	assert.True(t, s.Covers([]uint64{3, 9}))
	assert.False(t, s.Covers([]uint64{3, 4}))
	assert.True(t, s.Covers(nil))
}
