// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package transform rewrites upstream posts with a language model.
package transform

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/internal/retry"
)

// Defaults for [Options].
const (
	DefaultMaxInputLength = 2000
	DefaultMinLength      = 20
	DefaultDeclineToken   = "SKIP"
	DefaultTimeout        = 15 * time.Second
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 300
)

// DefaultSystemPrompt asks for an original short analysis and for the decline
// token when that isn't possible.
const DefaultSystemPrompt = `You are a crypto market analyst. Write a COMPLETELY ORIGINAL analysis of the news.

Rules (breaking any of them means answering "SKIP"):
1. Never reuse more than 5 consecutive words from the source.
2. Rewrite all information in your own words.
3. The analysis must differ from the source by at least 80%.
4. Keep only exact figures, tickers and USD amounts.
5. Everything else is your own wording and conclusions.

Format: 2-3 sentences at most, concise and analytical.
You may start with a single line holding one hashtag for the sentiment, such as #bullish or #bearish.

If you can't write a sufficiently original text, answer with the single word "SKIP".`

// DefaultUserTemplate wraps the post text; %s is replaced by the text.
const DefaultUserTemplate = "News: %s\n\nYour analysis:"

// Post is a rewritten post ready to publish.
type Post struct {
	Text string
	Tag  string // optional category, without the leading #
}

// Result is either a Post or a decline.
type Result struct {
	Post     Post
	Declined bool
	Reason   string
}

// Decline returns a declined Result.
func Decline(reason string) Result { return Result{Declined: true, Reason: reason} }

// Transformer rewrites posts.
//
// Transform returns a decline rather than an error when the model can't
// produce a usable rewrite. Only context cancellation is an error.
type Transformer interface {
	Transform(ctx context.Context, item source.Item) (Result, error)
}

// Model generates a completion for a user message.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options tune a Rewriter.
type Options struct {
	MaxInputLength int           // in runes, defaults to DefaultMaxInputLength
	MinLength      int           // in runes, defaults to DefaultMinLength
	DeclineToken   string        // defaults to DefaultDeclineToken
	UserTemplate   string        // defaults to DefaultUserTemplate
	Timeout        time.Duration // per model call, defaults to DefaultTimeout
	// Retry defaults to 3 attempts with 1s, 2s backoff.
	Retry  *retry.Policy
	Logger *slog.Logger
}

// Rewriter is a Transformer backed by a Model.
type Rewriter struct {
	model Model
	opts  Options
}

var _ Transformer = (*Rewriter)(nil)

// New returns a Rewriter calling m.
func New(m Model, opts Options) *Rewriter {
	opts.MaxInputLength = cmp.Or(opts.MaxInputLength, DefaultMaxInputLength)
	opts.MinLength = cmp.Or(opts.MinLength, DefaultMinLength)
	opts.DeclineToken = cmp.Or(opts.DeclineToken, DefaultDeclineToken)
	opts.UserTemplate = cmp.Or(opts.UserTemplate, DefaultUserTemplate)
	opts.Timeout = cmp.Or(opts.Timeout, DefaultTimeout)
	if opts.Retry == nil {
		opts.Retry = &retry.Policy{Attempts: 3, Backoff: retry.Exponential(time.Second)}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Rewriter{model: m, opts: opts}
}

func (r *Rewriter) Transform(ctx context.Context, item source.Item) (Result, error) {
	log := r.opts.Logger.With("id", item.ID)

	text, truncated := truncate(item.Text, r.opts.MaxInputLength)
	if truncated {
		log.Warn("input truncated", "max_runes", r.opts.MaxInputLength)
	}
	prompt := strings.Replace(r.opts.UserTemplate, "%s", text, 1)

	var answer string
	attempt := 0
	err := r.opts.Retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		out, err := r.model.Generate(callCtx, prompt)
		if err != nil {
			log.Error("model call failed", "attempt", attempt, "error", err)
			return err
		}
		answer = out
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if err != nil {
		return Decline(fmt.Sprintf("model failed: %v", err)), nil
	}

	post := parseAnswer(answer)
	switch {
	case post.Text == r.opts.DeclineToken:
		return Decline("model declined"), nil
	case utf8.RuneCountInString(post.Text) < r.opts.MinLength:
		return Decline(fmt.Sprintf("answer shorter than %d characters", r.opts.MinLength)), nil
	}
	return Result{Post: post}, nil
}

// truncate cuts s to n runes and appends "..." if it was longer.
func truncate(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:n]) + "...", true
}

// parseAnswer trims the model answer and splits off a leading "#tag" line.
func parseAnswer(s string) Post {
	s = strings.TrimSpace(s)
	first, rest, ok := strings.Cut(s, "\n")
	first = strings.TrimSpace(first)
	if ok && isTag(first) {
		return Post{Text: strings.TrimSpace(rest), Tag: strings.TrimPrefix(first, "#")}
	}
	return Post{Text: s}
}

func isTag(s string) bool {
	if len(s) < 2 || s[0] != '#' || strings.ContainsAny(s, " \t") {
		return false
	}
	return !strings.ContainsRune(s[1:], '#')
}
