// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram publishes articles to a channel over the Telegram Bot API.
package telegram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/newsbot/internal/request"
)

const tgAPI = "https://api.telegram.org"

// Labels of the original bot.
const (
	DefaultSourceLabel = "Манба"
	DefaultMoreLabel   = "Батафсил"
)

// ErrChannel is wrapped by every error returned from [Publisher.Publish] and
// [Publisher.Send].
var ErrChannel = errors.New("telegram: channel error")

// Config configures a [Publisher].
type Config struct {
	Token string
	// ChatID is the default chat used when a post has no chat of its own.
	ChatID string
	// SourceLabel and MoreLabel are the labels of the attribution line and
	// the link. They default to DefaultSourceLabel and DefaultMoreLabel.
	SourceLabel string
	MoreLabel   string
	// DisableLinkPreview disables link previews of published posts.
	DisableLinkPreview bool
	HTTPClient         *http.Client
	// Scrubber removes secrets from error messages. The token is always
	// removed.
	Scrubber *strings.Replacer
	Logger   *slog.Logger
}

// Publisher sends messages via Telegram Bot API.
type Publisher struct {
	token              string
	chatID             string
	sourceLabel        string
	moreLabel          string
	disableLinkPreview bool
	httpc              *http.Client
	scrubber           *strings.Replacer
	slog               *slog.Logger
}

// New returns a new Publisher.
func New(c Config) *Publisher {
	p := &Publisher{
		token:              c.Token,
		chatID:             c.ChatID,
		sourceLabel:        cmp.Or(c.SourceLabel, DefaultSourceLabel),
		moreLabel:          cmp.Or(c.MoreLabel, DefaultMoreLabel),
		disableLinkPreview: c.DisableLinkPreview,
		httpc:              c.HTTPClient,
		scrubber:           c.Scrubber,
		slog:               c.Logger,
	}
	if p.httpc == nil {
		p.httpc = request.DefaultClient
	}
	if p.scrubber == nil && p.token != "" {
		p.scrubber = strings.NewReplacer(p.token, "[EXPUNGED]")
	}
	if p.slog == nil {
		p.slog = slog.Default()
	}
	return p
}

// Post is an article ready to be published.
type Post struct {
	// ChatID overrides the default chat.
	ChatID string
	// Body is the HTML message body.
	Body string
	// Source is the name of the source shown in the attribution line.
	Source string
	// Link is the URL of the full article.
	Link string
}

// Render returns the HTML text of the message for p.
func (pub *Publisher) Render(p Post) string {
	var sb strings.Builder
	sb.WriteString(p.Body)
	sb.WriteString("\n\n<i>" + html.EscapeString(pub.sourceLabel) + ": " + html.EscapeString(p.Source) + "</i>")
	if p.Link != "" {
		sb.WriteString("\n<a href=\"" + html.EscapeString(p.Link) + "\">" + html.EscapeString(pub.moreLabel) + "</a>")
	}
	return sb.String()
}

// Publish renders p and sends it. It returns the id of the sent message.
func (pub *Publisher) Publish(ctx context.Context, p Post) (int64, error) {
	return pub.Send(ctx, cmp.Or(p.ChatID, pub.chatID), pub.Render(p), pub.disableLinkPreview)
}

type message struct {
	ChatID             string `json:"chat_id"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

type response struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters"`
}

// Send sends the HTML text to chatID and returns the id of the sent message.
// It doesn't retry.
func (pub *Publisher) Send(ctx context.Context, chatID, text string, disableLinkPreview bool) (int64, error) {
	if chatID == "" {
		return 0, fmt.Errorf("%w: chat id is empty", ErrChannel)
	}
	msg := &message{ChatID: chatID, Text: text, ParseMode: "HTML"}
	msg.LinkPreviewOptions.IsDisabled = disableLinkPreview

	res, err := request.Make[response](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        tgAPI + "/bot" + pub.token + "/sendMessage",
		Body:       msg,
		HTTPClient: pub.httpc,
		Scrubber:   pub.scrubber,
	})
	if err != nil {
		if wait, ok := retryAfter(err); ok {
			return 0, fmt.Errorf("%w: rate limited, retry after %v: %w", ErrChannel, wait, err)
		}
		return 0, fmt.Errorf("%w: %w", ErrChannel, err)
	}
	if !res.OK {
		return 0, fmt.Errorf("%w: sendMessage failed: %s", ErrChannel, pub.scrub(res.Description))
	}
	pub.slog.Debug("sent message", "chat_id", chatID, "message_id", res.Result.MessageID)
	return res.Result.MessageID, nil
}

func (pub *Publisher) scrub(s string) string {
	if pub.scrubber == nil {
		return s
	}
	return pub.scrubber.Replace(s)
}

// retryAfter reports how long Telegram asked to wait before the next message.
func retryAfter(err error) (time.Duration, bool) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	var res response
	if err := json.Unmarshal(statusErr.Body, &res); err != nil || res.Parameters.RetryAfter == 0 {
		return 0, false
	}
	return time.Duration(res.Parameters.RetryAfter) * time.Second, true
}
