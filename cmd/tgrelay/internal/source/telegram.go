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
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultTelegramBaseURL is the public channel preview host.
const DefaultTelegramBaseURL = "https://t.me"

// maxTelegramPages bounds paging through the preview.
const maxTelegramPages = 10

// TelegramWeb reads a public channel through its web preview at
// https://t.me/s/<channel>, paging back with ?before=<id>.
type TelegramWeb struct {
	Channel    string
	BaseURL    string // defaults to DefaultTelegramBaseURL
	HTTPClient *http.Client
}

func (t *TelegramWeb) Name() string { return "telegram:@" + t.Channel }

func (t *TelegramWeb) FetchSince(ctx context.Context, watermark ID, maxItems int) ([]Item, error) {
	var (
		items  []Item
		before ID
	)
	for page := 0; page < maxTelegramPages; page++ {
		u := t.pageURL(before)
		doc, err := fetchDocument(ctx, t.HTTPClient, u)
		if err != nil {
			return newestFirst(items, watermark, maxItems), fmt.Errorf("fetching %s: %w", u, err)
		}

		got := parseTelegramPage(doc, t.Channel)
		if len(got) == 0 {
			break
		}
		items = append(items, got...)

		oldest := got[0].ID
		for _, it := range got {
			oldest = min(oldest, it.ID)
		}
		if oldest <= watermark+1 || (before != 0 && oldest >= before) {
			break
		}
		// Past a watermark the pages run back to it, so that the oldest
		// posts are published first and none is skipped.
		if watermark == 0 && countNewer(items, watermark) >= maxItems {
			break
		}
		before = oldest
	}
	return newestFirst(items, watermark, maxItems), nil
}

func (t *TelegramWeb) pageURL(before ID) string {
	u := cmp.Or(t.BaseURL, DefaultTelegramBaseURL) + "/s/" + url.PathEscape(t.Channel)
	if before > 0 {
		u += "?before=" + before.String()
	}
	return u
}

func countNewer(items []Item, watermark ID) int {
	var n int
	for _, it := range items {
		if it.ID > watermark && !it.Pinned {
			n++
		}
	}
	return n
}

var backgroundURLRe = regexp.MustCompile(`background-image:\s*url\(['"]?([^'")]+)['"]?\)`)

func parseTelegramPage(doc *goquery.Document, channel string) []Item {
	var items []Item
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, s *goquery.Selection) {
		post, _ := s.Attr("data-post")
		id, ok := trailingID(post)
		if !ok {
			return
		}
		it := Item{
			ID:     id,
			Link:   cmp.Or(s.Find("a.tgme_widget_message_date").AttrOr("href", ""), DefaultTelegramBaseURL+"/"+channel+"/"+id.String()),
			Pinned: s.HasClass("service_message"),
		}
		if text := s.Find(".tgme_widget_message_text").First(); text.Length() > 0 {
			it.Text = selectionText(text)
		}
		if dt, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
			if ts, err := time.Parse(time.RFC3339, dt); err == nil {
				it.PublishedAt = ts
			}
		}
		s.Find("a.tgme_widget_message_photo_wrap").Each(func(_ int, p *goquery.Selection) {
			if m := backgroundURLRe.FindStringSubmatch(p.AttrOr("style", "")); m != nil {
				it.Attachments = append(it.Attachments, Attachment{URL: m[1], Kind: "photo"})
			}
		})
		s.Find("video[src]").Each(func(_ int, v *goquery.Selection) {
			it.Attachments = append(it.Attachments, Attachment{URL: v.AttrOr("src", ""), Kind: "video"})
		})
		if s.Find(".tgme_widget_message_document").Length() > 0 && strings.TrimSpace(it.Text) == "" {
			it.Text = strings.TrimSpace(s.Find(".tgme_widget_message_document_title").Text())
		}
		items = append(items, it)
	})
	return items
}
