// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"go.astrophena.name/tgrelay/internal/api/google/gemini"
)

// Config selects and configures a Fetcher.
type Config struct {
	// Type is one of "telegram", "rss", "scrape", "probe", "vision" or
	// "twitter".
	Type string `yaml:"type"`

	Channel   string    `yaml:"channel"`    // telegram
	URL       string    `yaml:"url"`        // rss, scrape, probe (template), vision (screenshot)
	BaseURL   string    `yaml:"base_url"`   // telegram, twitter, vision (Gemini API)
	Selectors Selectors `yaml:"selectors"`  // scrape
	IDPattern string    `yaml:"id_pattern"` // scrape
	Text      string    `yaml:"text"`       // probe text selector
	StartID   ID        `yaml:"start_id"`   // probe
	MaxMisses int       `yaml:"max_misses"` // probe
	Model     string    `yaml:"model"`      // vision
	UserID    string    `yaml:"user_id"`    // twitter
	Username  string    `yaml:"username"`   // twitter

	ExcludeReplies bool `yaml:"exclude_replies"` // twitter
}

// Deps are the collaborators shared by fetchers.
type Deps struct {
	HTTPClient   *http.Client
	Logger       *slog.Logger
	GeminiAPIKey string
	GeminiURL    string
	TwitterToken string
}

// New returns the Fetcher described by c.
func New(c Config, d Deps) (Fetcher, error) {
	switch strings.ToLower(c.Type) {
	case "telegram":
		if c.Channel == "" {
			return nil, fmt.Errorf("telegram source: channel is required")
		}
		return &TelegramWeb{Channel: strings.TrimPrefix(c.Channel, "@"), BaseURL: c.BaseURL, HTTPClient: d.HTTPClient}, nil
	case "rss":
		if c.URL == "" {
			return nil, fmt.Errorf("rss source: url is required")
		}
		return &RSSMirror{URL: c.URL, HTTPClient: d.HTTPClient}, nil
	case "scrape":
		if c.URL == "" || c.Selectors.Item == "" {
			return nil, fmt.Errorf("scrape source: url and selectors.item are required")
		}
		s := &Scrape{URL: c.URL, Selectors: c.Selectors, HTTPClient: d.HTTPClient}
		if c.IDPattern != "" {
			re, err := regexp.Compile(c.IDPattern)
			if err != nil {
				return nil, fmt.Errorf("scrape source: id_pattern: %w", err)
			}
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("scrape source: id_pattern %q has no capture group", c.IDPattern)
			}
			s.IDPattern = re
		}
		return s, nil
	case "probe":
		if strings.Count(c.URL, "%d") != 1 {
			return nil, fmt.Errorf("probe source: url must contain exactly one %%d, got %q", c.URL)
		}
		return &Probe{
			URLTemplate:  c.URL,
			TextSelector: c.Text,
			StartID:      c.StartID,
			MaxMisses:    c.MaxMisses,
			HTTPClient:   d.HTTPClient,
			Logger:       d.Logger,
		}, nil
	case "vision":
		if c.URL == "" || d.GeminiAPIKey == "" {
			return nil, fmt.Errorf("vision source: url and GEMINI_API_KEY are required")
		}
		return &Vision{
			ScreenshotURL: c.URL,
			Model:         c.Model,
			HTTPClient:    d.HTTPClient,
			Gemini: &gemini.Client{
				APIKey:     d.GeminiAPIKey,
				BaseURL:    d.GeminiURL,
				HTTPClient: d.HTTPClient,
				Scrubber:   scrubber(d.GeminiAPIKey),
			},
		}, nil
	case "twitter":
		if c.UserID == "" || d.TwitterToken == "" {
			return nil, fmt.Errorf("twitter source: user_id and TWITTER_BEARER_TOKEN are required")
		}
		return &Twitter{
			UserID:         c.UserID,
			Username:       c.Username,
			BearerToken:    d.TwitterToken,
			BaseURL:        c.BaseURL,
			ExcludeReplies: c.ExcludeReplies,
			HTTPClient:     d.HTTPClient,
		}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, c.Type)
}
