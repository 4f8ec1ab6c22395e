// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/transform"
	"go.astrophena.name/tgrelay/internal/request"
	"go.astrophena.name/tgrelay/internal/retry"
	"go.astrophena.name/tgrelay/internal/testutil"
)

const footer = "📊 Источник: @lookonchain"

func TestCompose(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body   string
		footer string
		limit  int
		want   string
	}{
		"fits":            {body: "hello", footer: "src", limit: 100, want: "hello\n\nsrc"},
		"no footer":       {body: " hello ", limit: 100, want: "hello"},
		"exact":           {body: "abcde", footer: "f", limit: 8, want: "abcde\n\nf"},
		"cut keeps tail":  {body: "abcdef ghij", footer: "f", limit: 10, want: "abcd...\n\nf"},
		"trims space":     {body: "abc efgh", footer: "f", limit: 10, want: "abc...\n\nf"},
		"footer too long": {body: "abc", footer: "0123456789", limit: 5, want: "abc\n\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := Compose(tc.body, tc.footer, tc.limit)
			testutil.AssertEqual(t, got, tc.want)
			if n := utf8.RuneCountInString(got); n > tc.limit {
				t.Fatalf("composed %d runes, limit %d", n, tc.limit)
			}
		})
	}
}

func TestComposeLongPost(t *testing.T) {
	t.Parallel()

	got := Compose(strings.Repeat("я", 5000), footer, MaxMessageLength)
	testutil.AssertEqual(t, utf8.RuneCountInString(got), MaxMessageLength)
	if !strings.HasSuffix(got, "...\n\n"+footer) {
		t.Fatalf("footer lost: %q", got[len(got)-64:])
	}
}

type sentMessage struct {
	Method string
	Body   map[string]any
}

// botServer records Bot API calls and answers them with handle.
func botServer(t *testing.T, handle func(method string, n int) (int, string)) (*httptest.Server, func() []sentMessage) {
	var (
		mu   sync.Mutex
		sent []sentMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if !strings.HasPrefix(r.URL.Path, "/bottoken123/") {
			http.Error(w, `{"ok":false,"description":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		sent = append(sent, sentMessage{Method: method, Body: body})
		n := len(sent)
		mu.Unlock()

		code, resp := http.StatusOK, `{"ok":true}`
		if handle != nil {
			code, resp = handle(method, n)
		}
		w.WriteHeader(code)
		io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []sentMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]sentMessage(nil), sent...)
	}
}

func noSleepPolicy(waits *[]time.Duration) *retry.Policy {
	return &retry.Policy{
		Attempts: 3,
		Backoff:  retry.Constant(2 * time.Second),
		Sleep: func(ctx context.Context, d time.Duration) bool {
			*waits = append(*waits, d)
			return ctx.Err() == nil
		},
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()

	srv, sent := botServer(t, nil)
	var waits []time.Duration
	p := New(Config{Token: "token123", ChatID: "@mychan", Footer: footer, BaseURL: srv.URL, Retry: noSleepPolicy(&waits)})

	err := p.Publish(t.Context(), transform.Post{Text: "Whales are buying.", Tag: "bullish"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	msgs := sent()
	testutil.AssertEqual(t, len(msgs), 1)
	testutil.AssertEqual(t, msgs[0].Method, "sendMessage")
	testutil.AssertEqual(t, msgs[0].Body["chat_id"], "@mychan")
	testutil.AssertEqual(t, msgs[0].Body["text"], "#bullish\n\nWhales are buying.\n\n"+footer)
	testutil.AssertEqual(t, len(waits), 0)
}

func TestPublishRetries(t *testing.T) {
	t.Parallel()

	srv, sent := botServer(t, func(method string, n int) (int, string) {
		switch n {
		case 1:
			return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"parameters":{"retry_after":5}}`
		case 2:
			return http.StatusBadGateway, `bad gateway`
		}
		return http.StatusOK, `{"ok":true}`
	})
	var waits []time.Duration
	p := New(Config{Token: "token123", ChatID: "1", BaseURL: srv.URL, Retry: noSleepPolicy(&waits)})

	if err := p.Publish(t.Context(), transform.Post{Text: "hello there"}, nil); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(sent()), 3)
	testutil.AssertEqual(t, waits, []time.Duration{5 * time.Second, 2 * time.Second})
}

func TestPublishFailureIsScrubbed(t *testing.T) {
	t.Parallel()

	srv, sent := botServer(t, func(string, int) (int, string) {
		return http.StatusInternalServerError, `internal error`
	})
	var waits []time.Duration
	p := New(Config{Token: "token123", ChatID: "1", BaseURL: srv.URL, Retry: noSleepPolicy(&waits)})

	err := p.Publish(t.Context(), transform.Post{Text: "hello there"}, nil)
	if err == nil {
		t.Fatal("want error")
	}
	testutil.AssertEqual(t, len(sent()), 3)
	if strings.Contains(err.Error(), "token123") {
		t.Fatalf("token leaked: %v", err)
	}
}

func TestPublishBadRequestIsNotRetried(t *testing.T) {
	t.Parallel()

	srv, sent := botServer(t, func(string, int) (int, string) {
		return http.StatusBadRequest, `{"ok":false,"description":"Bad Request: chat not found"}`
	})
	var waits []time.Duration
	p := New(Config{Token: "token123", ChatID: "1", BaseURL: srv.URL, Retry: noSleepPolicy(&waits)})

	err := p.Publish(t.Context(), transform.Post{Text: "hello there"}, nil)
	var se *request.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	testutil.AssertEqual(t, len(sent()), 1)
}

func TestPublishPhoto(t *testing.T) {
	t.Parallel()

	srv, sent := botServer(t, nil)
	var waits []time.Duration
	p := New(Config{Token: "token123", ChatID: "1", Footer: footer, SendMedia: true, BaseURL: srv.URL, Retry: noSleepPolicy(&waits)})

	attachments := []source.Attachment{{URL: "https://cdn/v.mp4", Kind: "video"}, {URL: "https://cdn/p.jpg", Kind: "photo"}}
	if err := p.Publish(t.Context(), transform.Post{Text: strings.Repeat("a", 2000)}, attachments); err != nil {
		t.Fatal(err)
	}
	msgs := sent()
	testutil.AssertEqual(t, len(msgs), 1)
	testutil.AssertEqual(t, msgs[0].Method, "sendPhoto")
	testutil.AssertEqual(t, msgs[0].Body["photo"], "https://cdn/p.jpg")
	caption := msgs[0].Body["caption"].(string)
	testutil.AssertEqual(t, utf8.RuneCountInString(caption), MaxCaptionLength)
	if !strings.HasSuffix(caption, footer) {
		t.Fatal("caption lost the footer")
	}
}

func TestPublishPhotoFallsBackToText(t *testing.T) {
	t.Parallel()

	srv, sent := botServer(t, func(method string, _ int) (int, string) {
		if method == "sendPhoto" {
			return http.StatusBadRequest, `{"ok":false,"description":"Bad Request: wrong file identifier"}`
		}
		return http.StatusOK, `{"ok":true}`
	})
	var waits []time.Duration
	p := New(Config{Token: "token123", ChatID: "1", SendMedia: true, BaseURL: srv.URL, Retry: noSleepPolicy(&waits)})

	if err := p.Publish(t.Context(), transform.Post{Text: "hello there"}, []source.Attachment{{URL: "bad", Kind: "photo"}}); err != nil {
		t.Fatal(err)
	}
	msgs := sent()
	testutil.AssertEqual(t, len(msgs), 2)
	testutil.AssertEqual(t, msgs[1].Method, "sendMessage")
}

func TestNotifyOperator(t *testing.T) {
	t.Parallel()

	srv, sent := botServer(t, nil)
	p := New(Config{Token: "token123", ChatID: "@mychan", AdminChatID: "42", Footer: footer, BaseURL: srv.URL})

	p.NotifyOperator(t.Context(), "Flood wait too long (300s), skipping this run")
	msgs := sent()
	testutil.AssertEqual(t, len(msgs), 1)
	testutil.AssertEqual(t, msgs[0].Body["chat_id"], "42")
	testutil.AssertEqual(t, msgs[0].Body["text"], NotifyPrefix+"\n\nFlood wait too long (300s), skipping this run")
}

func TestNotifyOperatorNeverUsesDestination(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	p := New(Config{Token: "t", ChatID: "@mychan", Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	p.makeRequest = func(context.Context, string, any) error {
		t.Fatal("notification sent without an admin chat")
		return nil
	}
	p.NotifyOperator(t.Context(), "boom")
	if !strings.Contains(logs.String(), "boom") {
		t.Fatalf("notification not logged: %q", logs.String())
	}
}

func TestNotifyOperatorSwallowsErrors(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	var waits []time.Duration
	p := New(Config{
		Token:       "t",
		ChatID:      "1",
		AdminChatID: "2",
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
		Retry:       noSleepPolicy(&waits),
	})
	p.makeRequest = func(context.Context, string, any) error { return errors.New("network down") }

	p.NotifyOperator(t.Context(), "boom")
	if !strings.Contains(logs.String(), "failed to notify operator") {
		t.Fatalf("failure not logged: %q", logs.String())
	}
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	p := New(Config{Token: "t", ChatID: "1", DryRun: true, Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	p.makeRequest = func(context.Context, string, any) error {
		t.Fatal("dry run made a request")
		return nil
	}
	if err := p.Publish(t.Context(), transform.Post{Text: "hello there"}, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(logs.String(), "dry run") {
		t.Fatalf("dry run not logged: %q", logs.String())
	}
}

func TestIsRateLimited(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err      error
		wantWait time.Duration
		wantOK   bool
	}{
		"rate-limited": {
			err:      &request.StatusError{StatusCode: 429, Body: []byte(`{"parameters":{"retry_after":3}}`)},
			wantWait: 3 * time.Second,
			wantOK:   true,
		},
		"bad body":     {err: &request.StatusError{StatusCode: 429, Body: []byte(`oops`)}},
		"other status": {err: &request.StatusError{StatusCode: 500, Body: []byte(`{}`)}},
		"other error":  {err: errors.New("network")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			wait, ok := isRateLimited(tc.err)
			testutil.AssertEqual(t, wait, tc.wantWait)
			testutil.AssertEqual(t, ok, tc.wantOK)
		})
	}
}
