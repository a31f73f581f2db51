// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/diffuzz/diffuzz/pkg/hash"
	"github.com/diffuzz/diffuzz/pkg/osutil"
)

// The persistent corpus is a flat directory of raw byte files, each named by
// the hex SHA-1 of its contents.

// WriteUnitToDir writes a unit into the corpus directory and returns the
// file path.
func WriteUnitToDir(dir string, u []byte) (string, error) {
	path := filepath.Join(dir, hash.String(u))
	if err := osutil.WriteFile(path, u); err != nil {
		return "", fmt.Errorf("failed to write corpus unit: %w", err)
	}
	return path, nil
}

// ReadDirUnits reads every file in dir, truncating each unit to maxLen.
// Units are returned in name order for determinism.
func ReadDirUnits(dir string, maxLen int) ([][]byte, error) {
	units, _, err := readDir(dir, maxLen, time.Time{})
	return units, err
}

// ReadDirNewUnits reads only the files modified after epoch and returns the
// new epoch to use for the next reload.
func ReadDirNewUnits(dir string, maxLen int, epoch time.Time) ([][]byte, time.Time, error) {
	return readDir(dir, maxLen, epoch)
}

func readDir(dir string, maxLen int, epoch time.Time) ([][]byte, time.Time, error) {
	names, err := osutil.ListDir(dir)
	if err != nil {
		return nil, epoch, fmt.Errorf("failed to read corpus dir: %w", err)
	}
	sort.Strings(names)
	newEpoch := epoch
	var units [][]byte
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if !epoch.IsZero() && !info.ModTime().After(epoch) {
			continue
		}
		if info.ModTime().After(newEpoch) {
			newEpoch = info.ModTime()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, epoch, fmt.Errorf("failed to read corpus unit %v: %w", path, err)
		}
		if maxLen > 0 && len(data) > maxLen {
			data = data[:maxLen]
		}
		units = append(units, data)
	}
	return units, newEpoch, nil
}
