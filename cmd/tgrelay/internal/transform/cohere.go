// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transform

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"strings"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	"github.com/cohere-ai/cohere-go/v2/core"
	cohereoption "github.com/cohere-ai/cohere-go/v2/option"

	"go.astrophena.name/tgrelay/internal/retry"
)

// DefaultCohereModel is used when ModelOptions.Name is empty.
const DefaultCohereModel = "command-r"

var errEmptyAnswer = errors.New("cohere: empty answer")

// Cohere is a Model backed by the Cohere chat API.
type Cohere struct {
	client *cohereclient.Client
	opts   ModelOptions
}

// NewCohere returns a Cohere model.
func NewCohere(opts ModelOptions) *Cohere {
	opts.Name = cmp.Or(opts.Name, DefaultCohereModel)
	opts.SystemPrompt = cmp.Or(opts.SystemPrompt, DefaultSystemPrompt)
	opts.MaxTokens = cmp.Or(opts.MaxTokens, DefaultMaxTokens)

	clientOpts := []cohereoption.RequestOption{
		cohereclient.WithToken(opts.APIKey),
		// Retries are done by the Rewriter.
		cohereoption.WithMaxAttempts(1),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, cohereclient.WithBaseURL(strings.TrimSuffix(opts.BaseURL, "/")))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, cohereclient.WithHTTPClient(opts.HTTPClient))
	}
	return &Cohere{client: cohereclient.NewClient(clientOpts...), opts: opts}
}

func (c *Cohere) Generate(ctx context.Context, prompt string) (string, error) {
	temperature := float64(c.opts.temperature())
	resp, err := c.client.Chat(ctx, &cohere.ChatRequest{
		Message:     prompt,
		Model:       &c.opts.Name,
		Preamble:    &c.opts.SystemPrompt,
		Temperature: &temperature,
		MaxTokens:   &c.opts.MaxTokens,
	})
	if err != nil {
		return "", cohereRetryHint(err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return "", errEmptyAnswer
	}
	return resp.Text, nil
}

// cohereRetryHint stops retrying on client errors other than rate limiting.
func cohereRetryHint(err error) error {
	var apiErr *core.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}
