// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package pipeline

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/filter"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
)

// State is a step of a run.
type State int

const (
	Init State = iota
	Loaded
	Fetched
	FirstRun
	Processing
	Saved
	Done
	Aborted
)

var stateNames = [...]string{
	Init:       "Init",
	Loaded:     "Loaded",
	Fetched:    "Fetched",
	FirstRun:   "FirstRun",
	Processing: "Processing",
	Saved:      "Saved",
	Done:       "Done",
	Aborted:    "Aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Summary describes the outcome of a run.
type Summary struct {
	Source          string                `json:"source"`
	State           State                 `json:"state"`
	FirstRun        bool                  `json:"first_run,omitempty"`
	Fetched         int                   `json:"fetched"`
	Attempted       int                   `json:"attempted"`
	Published       int                   `json:"published"`
	Declined        int                   `json:"declined"`
	Failed          int                   `json:"failed"`
	Rejected        map[filter.Reason]int `json:"rejected,omitempty"`
	LoadedWatermark source.ID             `json:"loaded_watermark"`
	Watermark       source.ID             `json:"watermark"`
	Duration        time.Duration         `json:"duration"`
}

// LogValue implements [slog.LogValuer].
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state", s.State.String()),
		slog.Int("fetched", s.Fetched),
		slog.Int("attempted", s.Attempted),
		slog.Int("published", s.Published),
		slog.Int("declined", s.Declined),
		slog.Int("failed", s.Failed),
		slog.String("rejected", s.rejected()),
		slog.Int64("watermark_from", int64(s.LoadedWatermark)),
		slog.Int64("watermark_to", int64(s.Watermark)),
		slog.Duration("duration", s.Duration),
	)
}

func (s Summary) rejected() string {
	var parts []string
	for _, r := range slices.Sorted(maps.Keys(s.Rejected)) {
		parts = append(parts, fmt.Sprintf("%s=%d", r, s.Rejected[r]))
	}
	return strings.Join(parts, ",")
}

// String returns a one-line human readable report.
func (s Summary) String() string {
	if s.FirstRun {
		return fmt.Sprintf("first run: saved watermark %d, published nothing", s.Watermark)
	}
	return fmt.Sprintf("published %d/%d (declined %d, failed %d, rejected %d), watermark %d -> %d, %s",
		s.Published, s.Fetched, s.Declined, s.Failed, s.totalRejected(), s.LoadedWatermark, s.Watermark, s.State)
}

func (s Summary) totalRejected() int {
	var n int
	for _, c := range s.Rejected {
		n += c
	}
	return n
}
