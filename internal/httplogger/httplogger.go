// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides a http.RoundTripper middleware that logs HTTP
// requests and responses at debug level.
package httplogger

import (
	"cmp"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// New returns a http.RoundTripper that logs every request made through t.
// Secrets replaced by scrubber never reach the log; bot tokens are part of
// Telegram URLs.
func New(t http.RoundTripper, log *slog.Logger, scrubber *strings.Replacer) http.RoundTripper {
	return &loggingTransport{
		transport: cmp.Or(t, http.DefaultTransport),
		log:       cmp.Or(log, slog.Default()),
		scrubber:  scrubber,
	}
}

type loggingTransport struct {
	transport http.RoundTripper
	log       *slog.Logger
	scrubber  *strings.Replacer
	seq       atomic.Int64
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	n := t.seq.Add(1)
	url := t.scrub(r.URL.String())
	t.log.Debug("http request", "n", n, "method", r.Method, "url", url)

	start := time.Now()
	resp, err := t.transport.RoundTrip(r)
	took := time.Since(start).Round(time.Millisecond)

	if err != nil {
		t.log.Debug("http error", "n", n, "url", url, "error", t.scrub(err.Error()), "took", took)
		return resp, err
	}
	t.log.Debug("http response", "n", n, "url", url, "status", resp.StatusCode, "took", took)
	return resp, nil
}

func (t *loggingTransport) scrub(s string) string {
	if t.scrubber == nil {
		return s
	}
	return t.scrubber.Replace(s)
}
