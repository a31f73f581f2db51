// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	sig := Hash([]byte("some unit"))
	sig2, err := FromString(sig.String())
	assert.NoError(t, err)
	assert.Equal(t, sig, sig2)
}

func TestPieces(t *testing.T) {
	// Hashing in pieces must be equivalent to hashing the concatenation.
	assert.Equal(t, Hash([]byte("ab"), []byte("cd")), Hash([]byte("abcd")))
	assert.NotEqual(t, Hash([]byte("ab")), Hash([]byte("cd")))
}

func TestFromStringErrors(t *testing.T) {
	_, err := FromString("zz")
	assert.Error(t, err)
	_, err = FromString("abcd")
	assert.Error(t, err)
}

func TestKnownDigest(t *testing.T) {
	// SHA-1 of the empty input is a well-known constant and pins the
	// algorithm used for corpus file names.
	sig := Hash(nil)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", sig.String())
}
