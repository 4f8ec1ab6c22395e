// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/tgrelay/internal/testutil"
)

const timeline = `{
  "data": [
    {"id": "1900000000000000003", "text": "Newest tweet", "created_at": "2026-03-02T10:00:00.000Z", "attachments": {"media_keys": ["3_1"]}},
    {"id": "1900000000000000002", "text": "Older tweet", "created_at": "2026-03-01T10:00:00.000Z"}
  ],
  "includes": {"media": [{"media_key": "3_1", "type": "photo", "url": "https://pbs/1.jpg"}]},
  "meta": {"result_count": 2}
}`

func TestTwitterFetch(t *testing.T) {
	t.Parallel()

	queries := new(hitLog[string])
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/users/42/tweets" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		queries.add(r.URL.RawQuery)
		w.Write([]byte(timeline))
	}))
	t.Cleanup(srv.Close)

	tw := &Twitter{UserID: "42", Username: "lookonchain", BearerToken: "sekrit", BaseURL: srv.URL, ExcludeReplies: true}
	items, err := tw.FetchSince(t.Context(), 1900000000000000001, 3)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, ids(items), []ID{1900000000000000003, 1900000000000000002})
	testutil.AssertEqual(t, items[0].Link, "https://x.com/lookonchain/status/1900000000000000003")
	testutil.AssertEqual(t, items[0].Attachments, []Attachment{{URL: "https://pbs/1.jpg", Kind: "photo"}})

	gotQuery := strings.Join(queries.get(), "&")
	for _, want := range []string{"since_id=1900000000000000001", "max_results=5", "exclude=replies%2Cretweets"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q lacks %q", gotQuery, want)
		}
	}
}

func TestTwitterRateLimited(t *testing.T) {
	t.Parallel()

	reset := time.Now().Add(10 * time.Minute).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title":"Too Many Requests","detail":"token sekrit exhausted"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := (&Twitter{UserID: "42", BearerToken: "sekrit", BaseURL: srv.URL}).FetchSince(t.Context(), 0, 10)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("want RateLimitError, got %v", err)
	}
	if rl.Wait < 9*time.Minute || rl.Wait > 10*time.Minute {
		t.Fatalf("unexpected wait %s", rl.Wait)
	}
}

func TestTwitterScrubsToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token "+strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := (&Twitter{UserID: "42", BearerToken: "sekrit", BaseURL: srv.URL}).FetchSince(t.Context(), 0, 10)
	if err == nil {
		t.Fatal("want error")
	}
	if strings.Contains(err.Error(), "sekrit") {
		t.Fatalf("token leaked: %v", err)
	}
}
