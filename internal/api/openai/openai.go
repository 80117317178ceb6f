// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package openai provides a very minimal client for the OpenAI Chat
// Completions API and compatible servers.
package openai

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"strings"

	"go.astrophena.name/newsbot/internal/request"
)

// DefaultBaseURL is the base URL of the OpenAI API.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client holds configuration for interacting with the API.
type Client struct {
	// APIKey is the API key used for authentication.
	APIKey string
	// BaseURL overrides DefaultBaseURL, for compatible servers.
	BaseURL string
	// HTTPClient is an optional HTTP client to use for requests. Defaults to
	// request.DefaultClient.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// ChatCompletionParams is the request body of the chat completions endpoint.
type ChatCompletionParams struct {
	Model       string     `json:"model"`
	Messages    []*Message `json:"messages"`
	Temperature float32    `json:"temperature"`
}

// Message is a single message of a conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletion is the response of the chat completions endpoint.
type ChatCompletion struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Choices []*Choice `json:"choices"`
}

// Choice is a single completion alternative.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message"`
	FinishReason string   `json:"finish_reason"`
}

// Text returns the content of the first choice.
func (c *ChatCompletion) Text() (string, error) {
	if c == nil || len(c.Choices) == 0 || c.Choices[0].Message == nil {
		return "", errors.New("openai: response has no choices")
	}
	return c.Choices[0].Message.Content, nil
}

// RawRequest sends a raw request to the API.
func RawRequest[Response any](ctx context.Context, c *Client, method string, path string, body any) (Response, error) {
	rp := request.Params{
		Method: method,
		URL:    strings.TrimSuffix(cmp.Or(c.BaseURL, DefaultBaseURL), "/") + path,
		Headers: map[string]string{
			"Authorization": "Bearer " + c.APIKey,
		},
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	}
	if body != nil {
		rp.Body = body
	}
	return request.Make[Response](ctx, rp)
}

// CreateChatCompletion asks the model to continue the conversation.
func (c *Client) CreateChatCompletion(ctx context.Context, params ChatCompletionParams) (*ChatCompletion, error) {
	if params.Model == "" {
		return nil, errors.New("openai: model shouldn't be empty")
	}
	return RawRequest[*ChatCompletion](ctx, c, http.MethodPost, "/chat/completions", params)
}
