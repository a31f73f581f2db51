// Copyright 2025 diffuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix

package osutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateSharedMemFile creates a file-backed shared memory region of the given
// size and maps it into the process. The file is left on disk so that a peer
// process can map the same region with OpenSharedMemFile.
func CreateSharedMemFile(path string, size int) (*os.File, []byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, DefaultFilePerm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create shm file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("failed to truncate shm file: %w", err)
	}
	mem, err := mapFile(f, size)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, err
	}
	return f, mem, nil
}

// OpenSharedMemFile maps an existing shared memory file created by a peer.
func OpenSharedMemFile(path string, size int) (*os.File, []byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR, DefaultFilePerm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open shm file: %w", err)
	}
	mem, err := mapFile(f, size)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, mem, nil
}

func mapFile(f *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap shm file: %w", err)
	}
	return mem, nil
}

// CloseSharedMemFile unmaps the region and closes the backing file; the file
// is removed only when remove is set.
func CloseSharedMemFile(f *os.File, mem []byte, remove bool) error {
	err1 := unix.Munmap(mem)
	err2 := f.Close()
	var err3 error
	if remove {
		err3 = os.Remove(f.Name())
	}
	switch {
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	default:
		return err3
	}
}
