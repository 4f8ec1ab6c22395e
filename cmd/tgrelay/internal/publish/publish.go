// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package publish delivers rewritten posts over the Telegram Bot API.
package publish

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/transform"
	"go.astrophena.name/tgrelay/internal/request"
	"go.astrophena.name/tgrelay/internal/retry"
)

const (
	// DefaultBaseURL is the Telegram Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"

	// MaxMessageLength is the Telegram limit on message text, in runes.
	MaxMessageLength = 4096
	// MaxCaptionLength is the Telegram limit on media captions, in runes.
	MaxCaptionLength = 1024

	// NotifyPrefix starts every operator notification.
	NotifyPrefix = "🚨 BOT ERROR"

	ellipsis = "..."
)

// Config configures a Publisher.
type Config struct {
	Token  string
	ChatID string
	// AdminChatID receives operator notifications. If empty, notifications
	// are only logged; error text never goes to ChatID.
	AdminChatID string
	// Footer is appended to every post after a blank line.
	Footer string
	// SendMedia sends the first photo attachment with the post as caption.
	SendMedia bool
	// DisableLinkPreview turns off link previews in posts.
	DisableLinkPreview bool
	// DryRun logs messages instead of sending them.
	DryRun     bool
	BaseURL    string // defaults to DefaultBaseURL
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Retry defaults to 3 attempts, 2 seconds apart.
	Retry *retry.Policy
}

// Publisher sends posts and operator notifications to Telegram.
type Publisher struct {
	cfg         Config
	log         *slog.Logger
	scrubber    *strings.Replacer
	retry       retry.Policy
	makeRequest func(ctx context.Context, method string, args any) error
}

// New returns a Publisher.
func New(cfg Config) *Publisher {
	p := &Publisher{
		cfg: cfg,
		log: cmp.Or(cfg.Logger, slog.Default()),
	}
	p.cfg.BaseURL = strings.TrimSuffix(cmp.Or(cfg.BaseURL, DefaultBaseURL), "/")
	if cfg.Token != "" {
		p.scrubber = strings.NewReplacer(cfg.Token, "[EXPUNGED]")
	}
	if cfg.Retry != nil {
		p.retry = *cfg.Retry
	} else {
		p.retry = retry.Policy{Attempts: 3, Backoff: retry.Constant(2 * time.Second)}
	}
	p.makeRequest = p.makeTelegramRequest
	return p
}

type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

type message struct {
	ChatID             string              `json:"chat_id"`
	Text               string              `json:"text"`
	LinkPreviewOptions *linkPreviewOptions `json:"link_preview_options,omitempty"`
}

type photo struct {
	ChatID  string `json:"chat_id"`
	Photo   string `json:"photo"`
	Caption string `json:"caption,omitempty"`
}

// Publish sends post with the footer to the destination chat. With SendMedia
// and a photo attachment, the photo is sent with the post as its caption.
func (p *Publisher) Publish(ctx context.Context, post transform.Post, attachments []source.Attachment) error {
	body := post.Text
	if post.Tag != "" {
		body = "#" + post.Tag + "\n\n" + body
	}

	if p.cfg.SendMedia {
		if ph, ok := firstPhoto(attachments); ok {
			caption := Compose(body, p.cfg.Footer, MaxCaptionLength)
			err := p.send(ctx, "sendPhoto", photo{ChatID: p.cfg.ChatID, Photo: ph.URL, Caption: caption})
			if err == nil || !isBadRequest(err) {
				return err
			}
			p.log.Warn("sending photo failed, falling back to text", "photo", ph.URL, "error", err)
		}
	}

	msg := message{ChatID: p.cfg.ChatID, Text: Compose(body, p.cfg.Footer, MaxMessageLength)}
	if p.cfg.DisableLinkPreview {
		msg.LinkPreviewOptions = &linkPreviewOptions{IsDisabled: true}
	}
	return p.send(ctx, "sendMessage", msg)
}

// NotifyOperator sends an unformatted error report to the admin chat.
// Failures are logged, not returned.
func (p *Publisher) NotifyOperator(ctx context.Context, text string) {
	if p.cfg.AdminChatID == "" {
		p.log.Error("operator notification (no admin chat configured)", "text", text)
		return
	}
	msg := message{
		ChatID: p.cfg.AdminChatID,
		Text:   Compose(NotifyPrefix+"\n\n"+text, "", MaxMessageLength),
	}
	if err := p.send(ctx, "sendMessage", msg); err != nil {
		p.log.Error("failed to notify operator", "error", err)
	}
}

func (p *Publisher) send(ctx context.Context, method string, args any) error {
	if p.cfg.DryRun {
		b, _ := json.Marshal(args)
		p.log.Info("dry run: not sending", "method", method, "args", string(b))
		return nil
	}
	attempt := 0
	return p.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := p.makeRequest(ctx, method, args)
		if err == nil {
			return nil
		}
		if wait, ok := isRateLimited(err); ok {
			p.log.Warn("sending rate limited, waiting", "method", method, "wait", wait)
			return retry.After(err, wait)
		}
		if isBadRequest(err) {
			return retry.Permanent(err)
		}
		p.log.Warn("sending failed", "method", method, "attempt", attempt, "error", err)
		return err
	})
}

func (p *Publisher) makeTelegramRequest(ctx context.Context, method string, args any) error {
	_, err := request.Make[request.IgnoreResponse](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        p.cfg.BaseURL + "/bot" + p.cfg.Token + "/" + method,
		Body:       args,
		HTTPClient: p.cfg.HTTPClient,
		Scrubber:   p.scrubber,
	})
	return err
}

// Compose joins body and footer with a blank line. If the result is longer
// than limit runes, body is cut and ends with "..." so that the footer is
// kept whole.
func Compose(body, footer string, limit int) string {
	body = strings.TrimSpace(body)
	tail := ""
	if footer != "" {
		tail = "\n\n" + footer
	}
	if utf8.RuneCountInString(body)+utf8.RuneCountInString(tail) <= limit {
		return body + tail
	}
	room := limit - utf8.RuneCountInString(tail) - utf8.RuneCountInString(ellipsis)
	if room <= 0 {
		// The footer alone doesn't fit.
		return string([]rune(body + tail)[:limit])
	}
	return strings.TrimRightFunc(string([]rune(body)[:room]), isSpace) + ellipsis + tail
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '\r' }

func firstPhoto(attachments []source.Attachment) (source.Attachment, bool) {
	for _, a := range attachments {
		if a.Kind == "photo" && a.URL != "" {
			return a, true
		}
	}
	return source.Attachment{}, false
}

func isRateLimited(err error) (time.Duration, bool) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return 0, false
	}
	return time.Duration(errorResponse.Parameters.RetryAfter) * time.Second, true
}

func isBadRequest(err error) bool {
	var statusErr *request.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
		statusErr.StatusCode != http.StatusTooManyRequests
}

// String describes the destination for logs.
func (p *Publisher) String() string {
	return fmt.Sprintf("telegram:%s", p.cfg.ChatID)
}
