// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selectors locate posts on a listing page.
type Selectors struct {
	Item   string `yaml:"item"`   // each post; required
	Link   string `yaml:"link"`   // permalink inside the post; defaults to "a[href]"
	Text   string `yaml:"text"`   // post body inside the post; defaults to the whole post
	Pinned string `yaml:"pinned"` // matches inside pinned posts; optional
	Image  string `yaml:"image"`  // images inside the post; optional
}

// Scrape reads posts from a website listing page.
type Scrape struct {
	URL       string
	Selectors Selectors
	// IDPattern extracts the post ID from the permalink. Its first capture
	// group must be the decimal ID. Nil means the trailing number.
	IDPattern  *regexp.Regexp
	HTTPClient *http.Client
}

func (s *Scrape) Name() string { return "scrape:" + s.URL }

func (s *Scrape) FetchSince(ctx context.Context, watermark ID, maxItems int) ([]Item, error) {
	if s.Selectors.Item == "" {
		return nil, fmt.Errorf("scrape %s: item selector is required", s.URL)
	}
	doc, err := fetchDocument(ctx, s.HTTPClient, s.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", s.URL, err)
	}
	base, _ := url.Parse(s.URL)

	var items []Item
	doc.Find(s.Selectors.Item).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Find(cmp.Or(s.Selectors.Link, "a[href]")).First().Attr("href")
		if !ok {
			if h, self := sel.Attr("href"); self {
				href = h
			}
		}
		if href == "" {
			return
		}
		link := resolve(base, href)
		id, ok := s.extractID(link)
		if !ok {
			return
		}

		textSel := sel
		if s.Selectors.Text != "" {
			textSel = sel.Find(s.Selectors.Text)
		}
		it := Item{
			ID:   id,
			Text: selectionText(textSel),
			Link: link,
		}
		if s.Selectors.Pinned != "" {
			it.Pinned = sel.Is(s.Selectors.Pinned) || sel.Find(s.Selectors.Pinned).Length() > 0
		}
		if s.Selectors.Image != "" {
			sel.Find(s.Selectors.Image).Each(func(_ int, img *goquery.Selection) {
				if src := cmp.Or(img.AttrOr("src", ""), img.AttrOr("data-src", "")); src != "" {
					it.Attachments = append(it.Attachments, Attachment{URL: resolve(base, src), Kind: "photo"})
				}
			})
		}
		items = append(items, it)
	})
	return newestFirst(items, watermark, maxItems), nil
}

func (s *Scrape) extractID(link string) (ID, bool) {
	if s.IDPattern == nil {
		return trailingID(link)
	}
	m := s.IDPattern.FindStringSubmatch(link)
	if len(m) < 2 {
		return 0, false
	}
	id, err := ParseID(m[1])
	return id, err == nil
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
