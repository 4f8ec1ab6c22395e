// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package state

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
)

// DBFile is the name of the SQLite database inside a state directory.
const DBFile = "state.db"

// SQLite is a Store keeping state in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database in dir.
func OpenSQLite(ctx context.Context, dir string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", filepath.Join(dir, DBFile))
	if err != nil {
		return nil, err
	}
	// Runs are serialized by the run lock, one connection is enough.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ledger (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL
		);
	`); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) LoadWatermark(ctx context.Context) (source.ID, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'watermark';`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseWatermark(v)
}

func (s *SQLite) SaveWatermark(ctx context.Context, id source.ID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('watermark', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value;
	`, id.String())
	return err
}

func (s *SQLite) LoadLedger(ctx context.Context, limit int) (*Ledger, error) {
	l := NewLedger(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM (SELECT seq, key FROM ledger ORDER BY seq DESC LIMIT ?)
		ORDER BY seq;
	`, sqlLimit(limit))
	if err != nil {
		return l, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return l, err
		}
		l.Add(k)
	}
	return l, rows.Err()
}

func (s *SQLite) AppendFingerprint(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ledger (key) VALUES (?);`, key)
	return err
}

func (s *SQLite) CompactLedger(ctx context.Context, l *Ledger) error {
	if l == nil || l.Limit == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ledger WHERE seq NOT IN (
			SELECT seq FROM ledger ORDER BY seq DESC LIMIT ?
		);
	`, l.Limit)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

// sqlLimit maps zero to SQLite's "no limit".
func sqlLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
