// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package state persists the watermark and the ledger of processed posts
// between runs.
package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/internal/filelock"
)

// Store persists run state.
type Store interface {
	// LoadWatermark returns the highest handled post ID, or zero if none was
	// saved yet. A malformed value is reported as ErrCorrupt.
	LoadWatermark(ctx context.Context) (source.ID, error)
	// SaveWatermark durably replaces the watermark.
	SaveWatermark(ctx context.Context, id source.ID) error
	// LoadLedger returns the ledger keeping at most limit entries, or all of
	// them if limit is zero.
	LoadLedger(ctx context.Context, limit int) (*Ledger, error)
	// AppendFingerprint durably records one ledger key.
	AppendFingerprint(ctx context.Context, key string) error
	// CompactLedger rewrites persisted entries to match a bounded ledger.
	CompactLedger(ctx context.Context, l *Ledger) error
	Close() error
}

var (
	// ErrCorrupt is returned when persisted state can't be parsed.
	ErrCorrupt = errors.New("corrupt state")
	// ErrAlreadyRunning is returned by Lock when another run holds the lock.
	ErrAlreadyRunning = errors.New("already running")
)

// LockFile is the name of the run lock inside a state directory.
const LockFile = ".run.lock"

// Lock takes the run lock in dir. The returned func releases it.
func Lock(dir string) (release func() error, err error) {
	l, err := filelock.Acquire(filepath.Join(dir, LockFile))
	if errors.Is(err, filelock.ErrAlreadyLocked) {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}
	if err != nil {
		return nil, err
	}
	return l.Release, nil
}

func parseWatermark(s string) (source.ID, error) {
	if s == "" {
		return 0, nil
	}
	id, err := source.ParseID(s)
	if err != nil {
		return 0, fmt.Errorf("%w: watermark %q: %v", ErrCorrupt, s, err)
	}
	return id, nil
}
