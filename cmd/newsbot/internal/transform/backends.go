// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transform

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"strings"

	"go.astrophena.name/newsbot/internal/api/openai"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Default models of the backends.
const (
	DefaultOpenAIModel = "gpt-4o"
	DefaultGeminiModel = "gemini-1.5-flash"
)

// OpenAI is a [Backend] using the OpenAI Chat Completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures an [OpenAI] backend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points the backend to an OpenAI-compatible server.
	BaseURL string
	// Model defaults to DefaultOpenAIModel.
	Model      string
	HTTPClient *http.Client
	Scrubber   *strings.Replacer
}

// NewOpenAI returns a new OpenAI backend.
func NewOpenAI(c OpenAIConfig) *OpenAI {
	return &OpenAI{
		client: &openai.Client{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			HTTPClient: c.HTTPClient,
			Scrubber:   c.Scrubber,
		},
		model: cmp.Or(c.Model, DefaultOpenAIModel),
	}
}

// Complete implements the [Backend] interface.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	res, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionParams{
		Model:       cmp.Or(req.Model, o.model),
		Messages:    []*openai.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", err
	}
	return res.Text()
}

// Gemini is a [Backend] using the Google Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// GeminiConfig configures a [Gemini] backend.
type GeminiConfig struct {
	APIKey string
	// Model defaults to DefaultGeminiModel.
	Model      string
	HTTPClient *http.Client
}

// NewGemini connects to the Gemini API. Close must be called to release the
// connection.
func NewGemini(ctx context.Context, c GeminiConfig) (*Gemini, error) {
	base := cmp.Or(c.HTTPClient, http.DefaultClient)
	// The client ignores option.WithAPIKey when given an HTTP client.
	httpc := &http.Client{
		Transport: &apiKeyTransport{key: c.APIKey, base: cmp.Or(base.Transport, http.DefaultTransport)},
		Timeout:   base.Timeout,
	}
	client, err := genai.NewClient(ctx, option.WithHTTPClient(httpc))
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, model: cmp.Or(c.Model, DefaultGeminiModel)}, nil
}

type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("x-goog-api-key", t.key)
	return t.base.RoundTrip(r)
}

// Complete implements the [Backend] interface.
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	model := g.client.GenerativeModel(cmp.Or(req.Model, g.model))
	model.SetTemperature(req.Temperature)
	model.SetCandidateCount(1)

	res, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", err
	}
	return geminiText(res)
}

// Close closes the connection to the API.
func (g *Gemini) Close() error { return g.client.Close() }

func geminiText(res *genai.GenerateContentResponse) (string, error) {
	if res == nil || len(res.Candidates) == 0 {
		return "", errors.New("gemini: response has no candidates")
	}
	c := res.Candidates[0]
	if c.Content == nil {
		return "", errors.New("gemini: candidate has no content")
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("gemini: candidate has no text")
	}
	return sb.String(), nil
}
