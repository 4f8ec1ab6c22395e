// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package atomicio provides atomic file writing with optional backups.
package atomicio

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const backupTimeFormat = "20060102150405.999999999"

// WriteFile writes data to a file atomically. The data is flushed to stable
// storage before the file is moved into place, so a crash leaves either the
// old or the new content.
func WriteFile(name string, data []byte, perm fs.FileMode) error {
	return write(name, data, perm, 0)
}

// WriteFileWithBackup is like [WriteFile], but keeps the previous content in
// a timestamped backup next to the file and prunes all but the keep newest
// backups.
func WriteFileWithBackup(name string, data []byte, perm fs.FileMode, keep int) error {
	return write(name, data, perm, keep)
}

func write(name string, data []byte, perm fs.FileMode, keep int) (err error) {
	// Create a temporary file in the same directory to ensure that it's on the
	// same filesystem, which is a requirement for an atomic os.Rename.
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		// Clean up the temporary file if something goes wrong.
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if keep > 0 {
		if err := backup(name); err != nil {
			return err
		}
	}

	if err := os.Rename(f.Name(), name); err != nil {
		return err
	}

	if err := syncDir(filepath.Dir(name)); err != nil {
		return err
	}

	if keep > 0 {
		return pruneBackups(name, keep)
	}
	return nil
}

func backup(name string) error {
	b, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	backupName := name + "." + time.Now().UTC().Format(backupTimeFormat) + ".bak"
	return os.WriteFile(backupName, b, 0o600)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Not every filesystem supports syncing directories.
	_ = d.Sync()
	return nil
}

func pruneBackups(name string, keep int) error {
	backups, err := filepath.Glob(name + ".*.bak")
	if err != nil {
		return err
	}

	if len(backups) <= keep {
		return nil
	}

	slices.Sort(backups)

	for _, b := range backups[:len(backups)-keep] {
		if err := os.Remove(b); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	return nil
}
