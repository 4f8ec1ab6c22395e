// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// DefaultMaxMisses is how many consecutive missing pages end a probe.
const DefaultMaxMisses = 3

// Readability, used as a TextSelector, extracts the main text of the page
// with go-readability instead of a CSS selector.
const Readability = "readability"

// Probe walks sequentially numbered detail pages, such as
// https://example.com/news/%d, starting right after the watermark.
type Probe struct {
	// URLTemplate contains a single %d verb for the post ID.
	URLTemplate string
	// TextSelector selects the post body. Defaults to "article". See also
	// Readability.
	TextSelector string
	// StartID is probed first when the watermark is zero.
	StartID ID
	// MaxMisses defaults to DefaultMaxMisses.
	MaxMisses  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (p *Probe) Name() string { return "probe:" + p.URLTemplate }

func (p *Probe) FetchSince(ctx context.Context, watermark ID, maxItems int) ([]Item, error) {
	if strings.Count(p.URLTemplate, "%d") != 1 {
		return nil, fmt.Errorf("probe: url template %q must contain exactly one %%d", p.URLTemplate)
	}
	log := cmp.Or(p.Logger, slog.Default())
	maxMisses := cmp.Or(p.MaxMisses, DefaultMaxMisses)

	next := watermark + 1
	if watermark == 0 && p.StartID > 0 {
		next = p.StartID
	}

	// A first run only needs the newest existing ID, so it walks forward
	// until the misses run out regardless of maxItems.
	limit := maxItems
	if watermark == 0 {
		limit = 0
	}

	var (
		items  []Item
		misses int
	)
	for ; misses < maxMisses && (limit <= 0 || len(items) < limit); next++ {
		if err := ctx.Err(); err != nil {
			return newestFirst(items, watermark, maxItems), err
		}
		u := fmt.Sprintf(p.URLTemplate, next)
		b, err := get(ctx, p.HTTPClient, u, nil, nil)
		var rl *RateLimitError
		switch {
		case errors.As(err, &rl):
			return newestFirst(items, watermark, maxItems), err
		case isMissing(err):
			log.Debug("probe miss", "id", next, "error", err)
			misses++
			continue
		case err != nil:
			return newestFirst(items, watermark, maxItems), fmt.Errorf("fetching %s: %w", u, err)
		}

		text, image, err := p.extract(b, u)
		if err != nil || text == "" {
			log.Debug("probe miss", "id", next, "reason", "no text", "error", err)
			misses++
			continue
		}
		misses = 0
		it := Item{ID: next, Text: text, Link: u}
		if image != "" {
			it.Attachments = []Attachment{{URL: image, Kind: "photo"}}
		}
		items = append(items, it)
	}
	return newestFirst(items, watermark, maxItems), nil
}

// extract returns the post text and lead image of a page.
func (p *Probe) extract(page []byte, pageURL string) (text, image string, err error) {
	if p.TextSelector == Readability {
		u, err := url.Parse(pageURL)
		if err != nil {
			return "", "", err
		}
		article, err := readability.FromReader(bytes.NewReader(page), u)
		if err != nil {
			return "", "", err
		}
		return tidy(article.TextContent), article.Image, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", "", err
	}
	text = selectionText(doc.Find(cmp.Or(p.TextSelector, "article")).First())
	image, _ = doc.Find(`meta[property="og:image"]`).Attr("content")
	return text, image, nil
}
