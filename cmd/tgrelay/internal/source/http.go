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
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"go.astrophena.name/tgrelay/internal/request"
)

// defaultRateLimitWait is used when a 429 response says nothing about when
// to come back.
const defaultRateLimitWait = time.Minute

// get fetches url and returns the raw body. A 429 response is converted to a
// RateLimitError.
func get(ctx context.Context, httpc *http.Client, url string, headers map[string]string, scrubber *strings.Replacer) ([]byte, error) {
	b, err := request.Make[request.Bytes](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        url,
		Headers:    headers,
		HTTPClient: httpc,
		Scrubber:   scrubber,
	})
	if err != nil {
		return nil, classify(err, time.Now())
	}
	return b, nil
}

func fetchDocument(ctx context.Context, httpc *http.Client, url string) (*goquery.Document, error) {
	b, err := get(ctx, httpc, url, nil, nil)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(bytes.NewReader(b))
}

// classify turns rate limiting status errors into a RateLimitError and
// leaves other errors as is.
func classify(err error, now time.Time) error {
	var se *request.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		return err
	}
	if wait, ok := retryAfter(se.Header, now); ok {
		return &RateLimitError{Wait: wait}
	}
	if wait, ok := parseFloodWait(string(se.Body)); ok {
		return &RateLimitError{Wait: wait}
	}
	return &RateLimitError{Wait: defaultRateLimitWait}
}

// retryAfter reads the wait duration from Retry-After (seconds or HTTP date)
// or x-rate-limit-reset (Unix time) headers.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			return max(t.Sub(now), 0), true
		}
	}
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return max(time.Unix(unix, 0).Sub(now), 0), true
		}
	}
	return 0, false
}

// isMissing reports whether err says the page does not exist.
func isMissing(err error) bool {
	var se *request.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone
}

func unmarshal[T any](b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decoding response: %w", err)
	}
	return v, nil
}

// scrubber hides non-empty secrets from error messages.
func scrubber(secrets ...string) *strings.Replacer {
	var oldnew []string
	for _, s := range secrets {
		if s != "" {
			oldnew = append(oldnew, s, "[EXPUNGED]")
		}
	}
	if len(oldnew) == 0 {
		return nil
	}
	return strings.NewReplacer(oldnew...)
}
