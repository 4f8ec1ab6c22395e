// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package filelock provides non-blocking advisory file locks used to keep
// scheduled runs from overlapping.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyLocked indicates the lock is currently held by another process.
var ErrAlreadyLocked = errors.New("already locked")

// Lock is a held exclusive lock on a file.
type Lock struct {
	file *os.File
}

// Acquire obtains a non-blocking exclusive lock on path and records the
// current process as its owner.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			return nil, errors.Join(err, closeErr)
		}
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			if owner := Owner(path); owner != "" {
				return nil, fmt.Errorf("%w by %s", ErrAlreadyLocked, owner)
			}
			return nil, ErrAlreadyLocked
		}
		return nil, err
	}

	l := &Lock{file: f}
	payload := fmt.Sprintf("pid=%d since=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err != nil {
		return nil, errors.Join(err, l.Release())
	}
	if _, err := f.WriteAt([]byte(payload), 0); err != nil {
		return nil, errors.Join(err, l.Release())
	}
	return l, nil
}

// Owner returns the owner recorded in the lock file at path, or an empty
// string if it can't be read.
func Owner(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Release releases the lock. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}
