// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/diffuzz/diffuzz/pkg/hash"
	"github.com/diffuzz/diffuzz/pkg/osutil"
	"github.com/diffuzz/diffuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAddAndLookup(t *testing.T) {
	c := NewCorpus(false)
	u := []byte("some unit")
	assert.False(t, c.HasUnit(u))

	c.AddFeature(1, uint32(len(u)), false)
	c.AddFeature(2, uint32(len(u)), false)
	ii := c.Add(u, 2, true, []uint64{1, 2})

	assert.True(t, c.HasUnit(u))
	assert.True(t, c.HasUnitSig(hash.String(u)))
	assert.Equal(t, 1, c.NumActiveUnits())
	assert.Equal(t, 2, c.NumFeatures())
	assert.Equal(t, len(u), c.SizeInBytes())
	assert.Equal(t, len(u), c.MaxInputSize())
	assert.Equal(t, 2, ii.NumFeatures)
	assert.Equal(t, c.NumActiveUnits(), c.StatUnits.Val())
}

func TestAddMerges(t *testing.T) {
	c := NewCorpus(false)
	u := []byte("some unit")
	ii1 := c.Add(u, 1, true, []uint64{1})
	ii2 := c.Add(u, 2, true, []uint64{1, 2})
	assert.Same(t, ii1, ii2)
	assert.Equal(t, 1, c.NumActiveUnits())
	assert.Equal(t, 3, ii1.NumFeatures)
	assert.Equal(t, []uint64{1, 2}, ii1.FeatureSet)
	assert.Equal(t, len(u), c.SizeInBytes())
}

func TestFeatureAdmission(t *testing.T) {
	c := NewCorpus(false)
	assert.True(t, c.AddFeature(7, 10, true))
	assert.Equal(t, 1, c.NumFeatureUpdates())

	// Re-observation on an equal or larger unit is not an update.
	assert.False(t, c.AddFeature(7, 10, true))
	assert.False(t, c.AddFeature(7, 20, true))
	assert.Equal(t, 1, c.NumFeatureUpdates())

	// A strictly smaller witness is an update with shrink on, not otherwise.
	assert.False(t, c.AddFeature(7, 5, false))
	assert.True(t, c.AddFeature(7, 5, true))
	assert.Equal(t, 2, c.NumFeatureUpdates())
}

func TestShrinkDeactivatesDominated(t *testing.T) {
	c := NewCorpus(false)
	big := []byte("AAAAA")
	c.AddFeature(7, uint32(len(big)), true)
	c.Add(big, 1, true, []uint64{7})
	assert.Equal(t, 1, c.NumActiveUnits())

	// A smaller unit takes over the only feature of the big one.
	small := []byte("AA")
	assert.True(t, c.AddFeature(7, uint32(len(small)), true))
	c.Add(small, 1, true, []uint64{7})
	assert.Equal(t, 1, c.NumActiveUnits())
	assert.Equal(t, len(small), c.SizeInBytes())
}

func TestTryReplace(t *testing.T) {
	c := NewCorpus(false)
	big := []byte("AAAAA")
	c.AddFeature(7, uint32(len(big)), false)
	ii := c.Add(big, 1, true, []uint64{7})
	ii.NumExecutedMutations = 42
	oldSig := ii.Sig

	// Not smaller -> no replacement.
	assert.False(t, c.TryReplace(ii, []byte("BBBBB"), []uint64{7}))
	// Smaller but missing the feature -> no replacement.
	assert.False(t, c.TryReplace(ii, []byte("AA"), []uint64{8}))

	small := []byte("AA")
	assert.True(t, c.TryReplace(ii, small, []uint64{7, 8}))
	assert.Equal(t, small, ii.U)
	assert.Equal(t, 42, ii.NumExecutedMutations)
	assert.Equal(t, []uint64{7, 8}, ii.FeatureSet)
	assert.Equal(t, len(small), c.SizeInBytes())
	assert.False(t, c.HasUnitSig(oldSig.String()))
	assert.True(t, c.HasUnit(small))
}

func TestChooseUnitToMutate(t *testing.T) {
	c := NewCorpus(true)
	r := rand.New(testutil.RandSource(t))
	assert.Nil(t, c.ChooseUnitToMutate(r))

	rich := c.Add([]byte("rich unit"), 50, true, nil)
	poor := c.Add([]byte("poor"), 1, true, nil)
	poor.NumSuccessfulMutations = 100
	c.MarkMutated()

	counts := map[*InputInfo]int{}
	for i := 0; i < 1000; i++ {
		counts[c.ChooseUnitToMutate(r)]++
	}
	assert.Greater(t, counts[rich], counts[poor])
	assert.Equal(t, 1000, counts[rich]+counts[poor])
}

func TestDirRoundTrip(t *testing.T) {
	dir := t.TempDir()
	u1 := []byte("first unit")
	u2 := []byte("second unit that is longer than the cap")
	for _, u := range [][]byte{u1, u2} {
		if _, err := WriteUnitToDir(dir, u); err != nil {
			t.Fatal(err)
		}
	}
	units, err := ReadDirUnits(dir, 16)
	assert.NoError(t, err)
	assert.Len(t, units, 2)
	for _, u := range units {
		assert.LessOrEqual(t, len(u), 16)
	}

	// Reload picks up only units written after the epoch.
	_, epoch, err := ReadDirNewUnits(dir, 0, time.Time{})
	assert.NoError(t, err)
	fresh, _, err := ReadDirNewUnits(dir, 0, epoch)
	assert.NoError(t, err)
	assert.Empty(t, fresh)

	u3 := []byte("third unit")
	path, err := WriteUnitToDir(dir, u3)
	assert.NoError(t, err)
	assert.NoError(t, os.Chtimes(path, time.Time{}, epoch.Add(time.Second)))
	fresh, _, err = ReadDirNewUnits(dir, 0, epoch)
	assert.NoError(t, err)
	assert.Equal(t, [][]byte{u3}, fresh)
	assert.True(t, osutil.IsExist(path))
}
