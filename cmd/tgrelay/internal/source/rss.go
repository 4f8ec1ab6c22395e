// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"go.astrophena.name/tgrelay/internal/request"
)

// RSSMirror reads a channel through a feed mirror (for example
// tg.i-c-a.su/rss/<channel>). Post IDs are the trailing numbers of item
// links or GUIDs.
type RSSMirror struct {
	URL        string
	HTTPClient *http.Client
}

func (r *RSSMirror) Name() string { return "rss:" + r.URL }

func (r *RSSMirror) FetchSince(ctx context.Context, watermark ID, maxItems int) ([]Item, error) {
	b, err := request.Make[request.Bytes](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        r.URL,
		Headers:    map[string]string{"Accept": "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8"},
		HTTPClient: r.HTTPClient,
	})
	if err != nil {
		var se *request.StatusError
		if errors.As(err, &se) {
			if wait, ok := parseFloodWait(string(se.Body)); ok {
				return nil, &RateLimitError{Wait: wait}
			}
		}
		return nil, classify(err, time.Now())
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", r.URL, err)
	}

	var items []Item
	for _, fi := range feed.Items {
		id, ok := trailingID(fi.Link)
		if !ok {
			id, ok = trailingID(fi.GUID)
		}
		if !ok {
			continue
		}
		it := Item{
			ID:   id,
			Text: feedItemText(fi),
			Link: fi.Link,
		}
		if fi.PublishedParsed != nil {
			it.PublishedAt = *fi.PublishedParsed
		}
		if fi.Image != nil && fi.Image.URL != "" {
			it.Attachments = append(it.Attachments, Attachment{URL: fi.Image.URL, Kind: "photo"})
		}
		for _, enc := range fi.Enclosures {
			if enc.URL == "" || slices.ContainsFunc(it.Attachments, func(a Attachment) bool { return a.URL == enc.URL }) {
				continue
			}
			it.Attachments = append(it.Attachments, Attachment{URL: enc.URL, Kind: enclosureKind(enc.Type)})
		}
		items = append(items, it)
	}
	return newestFirst(items, watermark, maxItems), nil
}

// feedItemText prefers the full content, then the description, then the
// title, stripping any markup.
func feedItemText(fi *gofeed.Item) string {
	for _, s := range []string{fi.Content, fi.Description, fi.Title} {
		if t := htmlText(s); t != "" {
			return t
		}
	}
	return ""
}

func enclosureKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "photo"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	}
	return "document"
}

const (
	floodPrefix  = "FLOOD_WAIT_"
	unlockPrefix = "Time to unlock access: "
)

// parseFloodWait recognizes mirror error bodies asking to wait, either as a
// JSON object with an errors list or as plain text.
func parseFloodWait(body string) (time.Duration, bool) {
	var response struct {
		Errors []any `json:"errors"`
	}
	var lines []string
	if err := json.Unmarshal([]byte(body), &response); err == nil && len(response.Errors) > 0 {
		for _, e := range response.Errors {
			if s, ok := e.(string); ok {
				lines = append(lines, s)
			}
		}
	} else {
		lines = strings.Split(body, "\n")
	}

	for _, s := range lines {
		s = strings.TrimSpace(s)
		if _, after, ok := strings.Cut(s, floodPrefix); ok {
			digits := after
			if i := strings.IndexFunc(after, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
				digits = after[:i]
			}
			if secs, err := strconv.Atoi(digits); err == nil {
				return time.Duration(secs) * time.Second, true
			}
		}
		if _, after, ok := strings.Cut(s, unlockPrefix); ok {
			parts := strings.Split(strings.TrimSpace(after), ":")
			if len(parts) != 3 {
				continue
			}
			h, err1 := strconv.Atoi(parts[0])
			m, err2 := strconv.Atoi(parts[1])
			sec, err3 := strconv.Atoi(parts[2])
			if err1 == nil && err2 == nil && err3 == nil {
				return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, true
			}
		}
	}
	return 0, false
}
