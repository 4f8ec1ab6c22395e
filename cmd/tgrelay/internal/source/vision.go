// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/tgrelay/internal/api/google/gemini"
)

// DefaultVisionModel is used when Vision.Model is empty.
const DefaultVisionModel = "gemini-2.0-flash"

const visionPrompt = `The image is a screenshot of a news feed or channel.
List every post visible in it as a JSON array of objects with the fields
"id" (the post number shown on screen, integer), "text" (the full post text,
verbatim) and "pinned" (true if the post is marked as pinned).
Skip posts whose number is not visible. Answer with JSON only.`

// Vision reads posts from a rendered screenshot using a vision-capable model.
type Vision struct {
	// ScreenshotURL returns a PNG or JPEG image of the listing.
	ScreenshotURL string
	Model         string
	Gemini        *gemini.Client
	HTTPClient    *http.Client
}

func (v *Vision) Name() string { return "vision:" + v.ScreenshotURL }

type visionPost struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Pinned bool   `json:"pinned"`
}

func (v *Vision) FetchSince(ctx context.Context, watermark ID, maxItems int) ([]Item, error) {
	img, err := get(ctx, v.HTTPClient, v.ScreenshotURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading screenshot: %w", err)
	}
	mimeType := http.DetectContentType(img)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("screenshot %s is %s, not an image", v.ScreenshotURL, mimeType)
	}

	resp, err := v.Gemini.GenerateContent(ctx, cmp.Or(v.Model, DefaultVisionModel), gemini.GenerateContentParams{
		Contents: []*gemini.Content{{
			Role:  "user",
			Parts: []*gemini.Part{gemini.TextPart(visionPrompt), gemini.BlobPart(mimeType, img)},
		}},
		GenerationConfig: &gemini.GenerationConfig{ResponseMimeType: "application/json"},
	})
	if err != nil {
		return nil, classify(err, time.Now())
	}
	text, err := resp.Text()
	if err != nil {
		return nil, err
	}

	posts, err := parseVisionPosts(text)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(posts))
	for _, p := range posts {
		if p.ID <= 0 {
			continue
		}
		items = append(items, Item{
			ID:     ID(p.ID),
			Text:   strings.TrimSpace(p.Text),
			Pinned: p.Pinned,
			Link:   v.ScreenshotURL,
		})
	}
	return newestFirst(items, watermark, maxItems), nil
}

// parseVisionPosts decodes the model answer, tolerating a Markdown code
// fence around the JSON.
func parseVisionPosts(s string) ([]visionPost, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "```"))
	}
	var posts []visionPost
	if err := json.Unmarshal([]byte(s), &posts); err != nil {
		return nil, fmt.Errorf("parsing model answer: %w", err)
	}
	return posts, nil
}
