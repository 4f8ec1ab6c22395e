// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transform

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/tgrelay/internal/request"
	"go.astrophena.name/tgrelay/internal/retry"
)

// DefaultOpenAIBaseURL is the OpenAI API endpoint.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// DefaultOpenAIModel is used when ModelOptions.Name is empty.
const DefaultOpenAIModel = "gpt-4o-mini"

// ModelOptions configure a model provider.
type ModelOptions struct {
	Name         string
	SystemPrompt string // defaults to DefaultSystemPrompt
	Temperature  *float32
	MaxTokens    int
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
}

func (o *ModelOptions) temperature() float32 {
	if o.Temperature == nil {
		return DefaultTemperature
	}
	return *o.Temperature
}

// OpenAI is a Model using the chat completions API.
type OpenAI struct {
	opts ModelOptions
}

// NewOpenAI returns an OpenAI model.
func NewOpenAI(opts ModelOptions) *OpenAI {
	opts.Name = cmp.Or(opts.Name, DefaultOpenAIModel)
	opts.SystemPrompt = cmp.Or(opts.SystemPrompt, DefaultSystemPrompt)
	opts.MaxTokens = cmp.Or(opts.MaxTokens, DefaultMaxTokens)
	opts.BaseURL = strings.TrimSuffix(cmp.Or(opts.BaseURL, DefaultOpenAIBaseURL), "/")
	return &OpenAI{opts: opts}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

var errNoChoices = errors.New("openai: response has no choices")

func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	var scrubber *strings.Replacer
	if o.opts.APIKey != "" {
		scrubber = strings.NewReplacer(o.opts.APIKey, "[EXPUNGED]")
	}
	resp, err := request.Make[chatResponse](ctx, request.Params{
		Method: http.MethodPost,
		URL:    o.opts.BaseURL + "/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + o.opts.APIKey,
		},
		Body: chatRequest{
			Model: o.opts.Name,
			Messages: []chatMessage{
				{Role: "system", Content: o.opts.SystemPrompt},
				{Role: "user", Content: prompt},
			},
			MaxTokens:   o.opts.MaxTokens,
			Temperature: o.opts.temperature(),
		},
		HTTPClient: o.opts.HTTPClient,
		Scrubber:   scrubber,
	})
	if err != nil {
		return "", retryHint(err)
	}
	if len(resp.Choices) == 0 {
		return "", errNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// retryHint marks client errors as permanent and honors Retry-After on 429.
func retryHint(err error) error {
	var se *request.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.StatusCode == http.StatusTooManyRequests:
		if secs, convErr := strconv.Atoi(se.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	case se.StatusCode >= 400 && se.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("openai: %w", err))
	}
	return err
}
