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
	"strconv"
	"time"
)

// DefaultTwitterBaseURL is the X API v2 endpoint.
const DefaultTwitterBaseURL = "https://api.x.com"

// Twitter reads a user timeline through the X API v2.
type Twitter struct {
	UserID      string
	Username    string // used for permalinks
	BearerToken string
	BaseURL     string // defaults to DefaultTwitterBaseURL
	// ExcludeReplies drops replies and retweets from the timeline.
	ExcludeReplies bool
	HTTPClient     *http.Client
}

func (t *Twitter) Name() string { return "twitter:" + cmp.Or(t.Username, t.UserID) }

type tweetsResponse struct {
	Data []struct {
		ID          string    `json:"id"`
		Text        string    `json:"text"`
		CreatedAt   time.Time `json:"created_at"`
		Attachments struct {
			MediaKeys []string `json:"media_keys"`
		} `json:"attachments"`
	} `json:"data"`
	Includes struct {
		Media []struct {
			MediaKey string `json:"media_key"`
			Type     string `json:"type"`
			URL      string `json:"url"`
		} `json:"media"`
	} `json:"includes"`
	Meta struct {
		ResultCount int `json:"result_count"`
	} `json:"meta"`
}

func (t *Twitter) FetchSince(ctx context.Context, watermark ID, maxItems int) ([]Item, error) {
	q := url.Values{}
	// The API accepts between 5 and 100 results per page.
	q.Set("max_results", strconv.Itoa(min(max(maxItems, 5), 100)))
	q.Set("tweet.fields", "created_at,attachments")
	q.Set("expansions", "attachments.media_keys")
	q.Set("media.fields", "type,url")
	if watermark > 0 {
		q.Set("since_id", watermark.String())
	}
	if t.ExcludeReplies {
		q.Set("exclude", "replies,retweets")
	}
	u := cmp.Or(t.BaseURL, DefaultTwitterBaseURL) + "/2/users/" + url.PathEscape(t.UserID) + "/tweets?" + q.Encode()

	b, err := get(ctx, t.HTTPClient, u, map[string]string{
		"Authorization": "Bearer " + t.BearerToken,
	}, scrubber(t.BearerToken))
	if err != nil {
		return nil, fmt.Errorf("fetching timeline of %s: %w", t.Name(), err)
	}

	resp, err := unmarshal[tweetsResponse](b)
	if err != nil {
		return nil, err
	}

	media := make(map[string]Attachment, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		kind := "photo"
		if m.Type != "photo" {
			kind = "video"
		}
		media[m.MediaKey] = Attachment{URL: m.URL, Kind: kind}
	}

	var items []Item
	for _, tw := range resp.Data {
		id, err := ParseID(tw.ID)
		if err != nil {
			continue
		}
		it := Item{
			ID:          id,
			Text:        tw.Text,
			PublishedAt: tw.CreatedAt,
			Link:        "https://x.com/" + cmp.Or(t.Username, "i") + "/status/" + tw.ID,
		}
		for _, key := range tw.Attachments.MediaKeys {
			if a, ok := media[key]; ok && a.URL != "" {
				it.Attachments = append(it.Attachments, a)
			}
		}
		items = append(items, it)
	}
	return newestFirst(items, watermark, maxItems), nil
}
