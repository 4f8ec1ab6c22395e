// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package state

import "slices"

// Ledger is an ordered set of processed keys with constant-time membership.
//
// A Ledger with a non-zero Limit keeps only the Limit most recently added
// keys.
type Ledger struct {
	Limit int

	keys  []string
	index map[string]struct{}
}

// NewLedger returns a ledger holding keys, oldest first, trimmed to limit.
func NewLedger(limit int, keys ...string) *Ledger {
	l := &Ledger{Limit: limit, index: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		l.Add(k)
	}
	return l
}

// Contains reports whether key was recorded.
func (l *Ledger) Contains(key string) bool {
	if l == nil {
		return false
	}
	_, ok := l.index[key]
	return ok
}

// Add records key. It reports whether the key was new.
func (l *Ledger) Add(key string) bool {
	if key == "" || l.Contains(key) {
		return false
	}
	if l.index == nil {
		l.index = make(map[string]struct{})
	}
	l.keys = append(l.keys, key)
	l.index[key] = struct{}{}
	if l.Limit > 0 && len(l.keys) > l.Limit {
		drop := len(l.keys) - l.Limit
		for _, k := range l.keys[:drop] {
			delete(l.index, k)
		}
		l.keys = slices.Delete(l.keys, 0, drop)
	}
	return true
}

// Len returns the number of recorded keys.
func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.keys)
}

// Keys returns a copy of the recorded keys, oldest first.
func (l *Ledger) Keys() []string {
	if l == nil {
		return nil
	}
	return slices.Clone(l.keys)
}
