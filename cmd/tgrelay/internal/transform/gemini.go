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
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"go.astrophena.name/tgrelay/internal/retry"
)

// DefaultGeminiModel is used when ModelOptions.Name is empty.
const DefaultGeminiModel = "gemini-2.0-flash"

var errBlocked = errors.New("gemini: response was blocked")

// Gemini is a Model backed by the Gemini API SDK.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini connects to the Gemini API. Call Close when done.
func NewGemini(ctx context.Context, opts ModelOptions) (*Gemini, error) {
	clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}

	model := client.GenerativeModel(cmp.Or(opts.Name, DefaultGeminiModel))
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(cmp.Or(opts.SystemPrompt, DefaultSystemPrompt))},
	}
	model.SetTemperature(opts.temperature())
	model.SetMaxOutputTokens(int32(cmp.Or(opts.MaxTokens, DefaultMaxTokens)))

	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", geminiRetryHint(err)
	}
	return responseText(resp)
}

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errBlocked
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", retry.Permanent(fmt.Errorf("%w: %s", errBlocked, resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errBlocked
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String(), nil
}

// geminiRetryHint stops retrying on client errors other than rate limiting.
func geminiRetryHint(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}
