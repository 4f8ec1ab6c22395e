// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package source fetches posts from upstream channels and websites.
package source

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"
)

// ID is the ordering key of an upstream post. Zero means "never run".
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses a decimal post ID.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative id %d", n)
	}
	return ID(n), nil
}

// Attachment is a media file referenced by a post.
type Attachment struct {
	URL  string
	Kind string // "photo", "video" or "document"
}

// Item is a single upstream post.
type Item struct {
	ID          ID
	Text        string
	PublishedAt time.Time // zero when unknown
	Pinned      bool
	Attachments []Attachment
	Link        string
}

// Fetcher retrieves posts newer than a watermark.
//
// FetchSince returns items newest-first, only with ID greater than watermark,
// at most maxItems of them. It may return partial results together with an
// error.
type Fetcher interface {
	Name() string
	FetchSince(ctx context.Context, watermark ID, maxItems int) ([]Item, error)
}

// RateLimitError reports that the upstream asked to wait before retrying.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Wait)
}

// ErrUnknownType is returned by [New] for an unsupported source type.
var ErrUnknownType = errors.New("unknown source type")

// newestFirst sorts items by descending ID, drops those not newer than
// watermark and duplicates, and caps the result at maxItems.
//
// The cap keeps the items closest to the watermark so that the rest are
// fetched by the next run. With a zero watermark it keeps the newest ones,
// since only the newest ID matters on a first run.
func newestFirst(items []Item, watermark ID, maxItems int) []Item {
	items = slices.DeleteFunc(items, func(it Item) bool { return it.ID <= watermark })
	slices.SortStableFunc(items, func(a, b Item) int { return cmp.Compare(b.ID, a.ID) })
	items = slices.CompactFunc(items, func(a, b Item) bool { return a.ID == b.ID })
	if maxItems > 0 && len(items) > maxItems {
		if watermark == 0 {
			return items[:maxItems]
		}
		return items[len(items)-maxItems:]
	}
	return items
}

var trailingNumberRe = regexp.MustCompile(`(\d+)\D*$`)

// trailingID extracts the last number in s, as in "https://t.me/chan/123".
func trailingID(s string) (ID, bool) {
	m := trailingNumberRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	id, err := ParseID(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}
