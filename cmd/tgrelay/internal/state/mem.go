// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package state

import (
	"context"
	"slices"
	"sync"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
)

// Mem is an in-memory Store used in tests and dry runs.
type Mem struct {
	mu        sync.Mutex
	watermark source.ID
	keys      []string
}

// NewMem returns a Mem store seeded with watermark and ledger keys.
func NewMem(watermark source.ID, keys ...string) *Mem {
	return &Mem{watermark: watermark, keys: slices.Clone(keys)}
}

func (m *Mem) LoadWatermark(ctx context.Context) (source.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

func (m *Mem) SaveWatermark(ctx context.Context, id source.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = id
	return nil
}

func (m *Mem) LoadLedger(ctx context.Context, limit int) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewLedger(limit, m.keys...), nil
}

func (m *Mem) AppendFingerprint(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func (m *Mem) CompactLedger(ctx context.Context, l *Ledger) error {
	if l == nil || l.Limit == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = l.Keys()
	return nil
}

func (m *Mem) Close() error { return nil }

// Keys returns the persisted ledger keys, oldest first.
func (m *Mem) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.keys)
}
