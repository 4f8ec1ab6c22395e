// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package state

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/internal/atomicio"
)

const (
	watermarkFile = "last_message_id.txt"
	ledgerFile    = "processed_hashes.txt"

	ledgerBackups = 2
)

// File is a Store keeping state as plain text files in a directory.
type File struct {
	dir string

	mu  sync.Mutex
	log *os.File // ledger opened for appending, lazily
}

// OpenFile returns a File store rooted at dir, creating it if needed.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{dir: dir}, nil
}

// Dir returns the state directory.
func (f *File) Dir() string { return f.dir }

func (f *File) LoadWatermark(ctx context.Context) (source.ID, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, watermarkFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseWatermark(strings.TrimSpace(string(b)))
}

func (f *File) SaveWatermark(ctx context.Context, id source.ID) error {
	return atomicio.WriteFile(filepath.Join(f.dir, watermarkFile), []byte(id.String()), 0o644)
}

func (f *File) LoadLedger(ctx context.Context, limit int) (*Ledger, error) {
	l := NewLedger(limit)
	b, err := os.ReadFile(filepath.Join(f.dir, ledgerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return l, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if key := strings.TrimSpace(sc.Text()); key != "" {
			l.Add(key)
		}
	}
	return l, sc.Err()
}

func (f *File) AppendFingerprint(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.log == nil {
		lf, err := os.OpenFile(filepath.Join(f.dir, ledgerFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.log = lf
	}
	if _, err := f.log.WriteString(key + "\n"); err != nil {
		return err
	}
	return f.log.Sync()
}

func (f *File) CompactLedger(ctx context.Context, l *Ledger) error {
	if l == nil || l.Limit == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for _, k := range l.Keys() {
		buf.WriteString(k)
		buf.WriteByte('\n')
	}
	if err := f.closeLog(); err != nil {
		return err
	}
	return atomicio.WriteFileWithBackup(filepath.Join(f.dir, ledgerFile), buf.Bytes(), 0o644, ledgerBackups)
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLog()
}

func (f *File) closeLog() error {
	if f.log == nil {
		return nil
	}
	err := f.log.Close()
	f.log = nil
	return err
}
