// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package gemini provides a very minimal client for interacting with Gemini
// API.
package gemini

import (
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"go.astrophena.name/tgrelay/internal/request"
)

// DefaultBaseURL is the Gemini API endpoint used when Client.BaseURL is empty.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// ErrNoCandidates is returned when the model produced no usable text.
var ErrNoCandidates = errors.New("gemini: response has no candidates")

// Client holds configuration for interacting with the Gemini API.
type Client struct {
	// APIKey is the API key used for authentication.
	APIKey string
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// HTTPClient is an optional HTTP client to use for requests. Defaults to
	// request.DefaultClient.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// GenerateContentParams defines the structure for the request body sent to the
// GenerateContent API.
type GenerateContentParams struct {
	Contents          []*Content        `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// GenerationConfig controls sampling and the output format.
type GenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

// Content represents a piece of content with a list of Part objects.
type Content struct {
	Parts []*Part `json:"parts"`
	// Role is the producer of the content. Must be either 'user' or 'model'.
	Role string `json:"role,omitempty"`
}

// Part is either text or inline media.
type Part struct {
	InlineData *InlineData `json:"inline_data,omitempty"`
	Text       string      `json:"text,omitempty"`
}

// InlineData is the raw media bytes.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // encoded as Base64
}

// TextPart returns a Part holding s.
func TextPart(s string) *Part { return &Part{Text: s} }

// BlobPart returns a Part holding data inline, base64-encoded.
func BlobPart(mimeType string, data []byte) *Part {
	return &Part{InlineData: &InlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// GenerateContentResponse defines the structure of the response received from
// the GenerateContent API.
type GenerateContentResponse struct {
	Candidates []*Candidate `json:"candidates"`
}

// Candidate represents a generated text candidate with a corresponding Content
// object.
type Candidate struct {
	Content      *Content `json:"content"`
	FinishReason string   `json:"finishReason,omitempty"`
}

// Text concatenates the text parts of the first candidate.
func (r *GenerateContentResponse) Text() (string, error) {
	if r == nil || len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return "", ErrNoCandidates
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", ErrNoCandidates
	}
	return sb.String(), nil
}

// RawRequest sends a raw request to the Gemini API.
func RawRequest[Response any](ctx context.Context, c *Client, method string, path string, body any) (Response, error) {
	rp := request.Params{
		Method: method,
		URL:    cmp.Or(c.BaseURL, DefaultBaseURL) + path,
		Headers: map[string]string{
			"x-goog-api-key": c.APIKey,
		},
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	}
	if body != nil {
		rp.Body = body
	}
	return request.Make[Response](ctx, rp)
}

// GenerateContent asks model to continue contents.
func (c *Client) GenerateContent(ctx context.Context, model string, params GenerateContentParams) (*GenerateContentResponse, error) {
	if model == "" {
		return nil, errors.New("model should't be empty")
	}
	return RawRequest[*GenerateContentResponse](ctx, c, http.MethodPost, "/models/"+model+":generateContent", params)
}
