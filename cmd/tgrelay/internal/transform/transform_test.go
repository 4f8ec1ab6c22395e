// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transform

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/internal/retry"
	"go.astrophena.name/tgrelay/internal/testutil"
)

// fakeModel answers with the queued replies in order.
type fakeModel struct {
	replies []reply
	prompts []string
}

type reply struct {
	text string
	err  error
}

func (m *fakeModel) Generate(ctx context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if len(m.replies) == 0 {
		return "", errors.New("no more replies")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.text, r.err
}

func noSleep(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }

func newTestRewriter(m Model) *Rewriter {
	return New(m, Options{
		Retry: &retry.Policy{Attempts: 3, Backoff: retry.Exponential(time.Second), Sleep: noSleep},
	})
}

const analysis = "Whale accumulation of 10,000 ETH hints at rising confidence."

func TestTransform(t *testing.T) {
	t.Parallel()

	errFlaky := errors.New("503 service unavailable")

	cases := map[string]struct {
		replies      []reply
		wantPost     Post
		wantDeclined bool
		wantCalls    int
	}{
		"rewrites": {
			replies:   []reply{{text: "  " + analysis + "\n"}},
			wantPost:  Post{Text: analysis},
			wantCalls: 1,
		},
		"tag line": {
			replies:   []reply{{text: "#bullish\n" + analysis}},
			wantPost:  Post{Text: analysis, Tag: "bullish"},
			wantCalls: 1,
		},
		"hashtag inside text is not a tag": {
			replies:   []reply{{text: "#ETH whales " + analysis}},
			wantPost:  Post{Text: "#ETH whales " + analysis},
			wantCalls: 1,
		},
		"decline token": {
			replies:      []reply{{text: "SKIP"}},
			wantDeclined: true,
			wantCalls:    1,
		},
		"too short": {
			replies:      []reply{{text: "Bullish."}},
			wantDeclined: true,
			wantCalls:    1,
		},
		"short after tag": {
			replies:      []reply{{text: "#bearish\nDump."}},
			wantDeclined: true,
			wantCalls:    1,
		},
		"retries then succeeds": {
			replies:   []reply{{err: errFlaky}, {err: errFlaky}, {text: analysis}},
			wantPost:  Post{Text: analysis},
			wantCalls: 3,
		},
		"exhausted retries decline": {
			replies:      []reply{{err: errFlaky}, {err: errFlaky}, {err: errFlaky}},
			wantDeclined: true,
			wantCalls:    3,
		},
		"permanent error declines at once": {
			replies:      []reply{{err: retry.Permanent(errors.New("401 unauthorized"))}},
			wantDeclined: true,
			wantCalls:    1,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			m := &fakeModel{replies: tc.replies}
			res, err := newTestRewriter(m).Transform(t.Context(), source.Item{ID: 1, Text: "Whale bought 10,000 ETH"})
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, res.Declined, tc.wantDeclined)
			testutil.AssertEqual(t, res.Post, tc.wantPost)
			testutil.AssertEqual(t, len(m.prompts), tc.wantCalls)
			if tc.wantDeclined && res.Reason == "" {
				t.Error("decline has no reason")
			}
		})
	}
}

func TestTransformTruncatesInput(t *testing.T) {
	t.Parallel()

	m := &fakeModel{replies: []reply{{text: analysis}}}
	long := strings.Repeat("ы", 2500)
	if _, err := newTestRewriter(m).Transform(t.Context(), source.Item{ID: 1, Text: long}); err != nil {
		t.Fatal(err)
	}
	prompt := m.prompts[0]
	want := strings.Replace(DefaultUserTemplate, "%s", strings.Repeat("ы", 2000)+"...", 1)
	testutil.AssertEqual(t, prompt, want)
}

func TestTransformCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	m := &cancelingModel{cancel: cancel}
	_, err := newTestRewriter(m).Transform(ctx, source.Item{ID: 1, Text: "x"})
	testutil.AssertErrorIs(t, err, context.Canceled)
}

type cancelingModel struct{ cancel context.CancelFunc }

func (m *cancelingModel) Generate(ctx context.Context, prompt string) (string, error) {
	m.cancel()
	return "", ctx.Err()
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		in   string
		n    int
		want string
		cut  bool
	}{
		"short":     {in: "abc", n: 5, want: "abc"},
		"exact":     {in: "abcde", n: 5, want: "abcde"},
		"long":      {in: "abcdef", n: 5, want: "abcde...", cut: true},
		"multibyte": {in: "привет", n: 3, want: "при...", cut: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, cut := truncate(tc.in, tc.n)
			testutil.AssertEqual(t, got, tc.want)
			testutil.AssertEqual(t, cut, tc.cut)
			if !utf8.ValidString(got) {
				t.Fatal("truncation broke UTF-8")
			}
		})
	}
}
