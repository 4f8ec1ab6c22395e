// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package request provides utilities for making HTTP requests.
package request

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/tgrelay/internal/version"
)

// DefaultClient is a [http.Client] with nice defaults.
var DefaultClient = &http.Client{
	Timeout: 30 * time.Second,
}

// Params defines the parameters needed for making an HTTP request.
type Params struct {
	// Method is the HTTP method (GET, POST, etc.) for the request.
	Method string
	// URL is the target URL of the request.
	URL string
	// Headers is a map of key-value pairs for additional request headers.
	Headers map[string]string
	// Body is any data to be sent in the request body. It will be marshaled to
	// JSON, unless it's a []byte.
	Body any
	// WantStatusCode is the expected response status code. Defaults to
	// http.StatusOK.
	WantStatusCode int
	// HTTPClient is an optional custom HTTP client object to use for the request.
	// If not provided, DefaultClient will be used.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// IgnoreResponse is a type to use with [Make] to ignore the response body.
type IgnoreResponse struct{}

// Bytes is a type to use with [Make] to get the raw response body.
type Bytes []byte

// StatusError is returned when the response status code doesn't match the
// expected one.
type StatusError struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	want int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("want %d, got %d: %s", cmp.Or(e.want, http.StatusOK), e.StatusCode, e.Body)
}

type scrubbedError struct {
	err      error
	scrubber *strings.Replacer
}

func (se *scrubbedError) Error() string {
	if se.scrubber != nil {
		return se.scrubber.Replace(se.err.Error())
	}
	return se.err.Error()
}

func (se *scrubbedError) Unwrap() error { return se.err }

func scrubErr(err error, scrubber *strings.Replacer) error {
	return &scrubbedError{err: err, scrubber: scrubber}
}

// Make makes an HTTP request with the provided parameters and unmarshals the
// JSON response body into the specified type.
//
// Use [IgnoreResponse] to skip decoding and [Bytes] to get the raw body.
func Make[Response any](ctx context.Context, p Params) (Response, error) {
	var resp Response

	var br io.Reader
	if p.Body != nil {
		switch body := p.Body.(type) {
		case []byte:
			br = bytes.NewReader(body)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return resp, scrubErr(err, p.Scrubber)
			}
			br = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, br)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	req.Header.Set("User-Agent", version.UserAgent())
	if br != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	httpc := DefaultClient
	if p.HTTPClient != nil {
		httpc = p.HTTPClient
	}

	res, err := httpc.Do(req)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	wantStatus := http.StatusOK
	if p.WantStatusCode != 0 {
		wantStatus = p.WantStatusCode
	}
	if res.StatusCode != wantStatus {
		return resp, scrubErr(&StatusError{
			StatusCode: res.StatusCode,
			Header:     res.Header,
			Body:       b,
			want:       wantStatus,
		}, p.Scrubber)
	}

	switch v := any(&resp).(type) {
	case *IgnoreResponse:
		return resp, nil
	case *Bytes:
		*v = b
		return resp, nil
	}

	if err := json.Unmarshal(b, &resp); err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	return resp, nil
}
