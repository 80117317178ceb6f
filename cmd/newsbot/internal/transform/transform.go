// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package transform turns feed entries into message bodies, translating and
// summarizing them with a language model when one is configured.
//
// Transform never fails: without a backend, or when the backend errors, times
// out or replies in an unexpected format, it falls back to a deterministic
// rendering of the original entry.
package transform

import (
	"context"
	_ "embed"
	"errors"
	"html"
	"log/slog"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"go.astrophena.name/newsbot/cmd/newsbot/internal/feed"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultLanguage is the language entries are translated into.
	DefaultLanguage = "Uzbek"
	// DefaultTemperature is the sampling temperature of backend requests.
	DefaultTemperature = 0.5
	// DefaultTimeout bounds a single backend call.
	DefaultTimeout = 30 * time.Second
	// SummaryPlaceholder is used when an entry has no summary and no backend
	// is configured.
	SummaryPlaceholder = "Summary not available."

	// maxSummaryRunes keeps a message with its attribution lines well below
	// the Telegram limit of 4096 characters.
	maxSummaryRunes = 3000
)

// Backend is a language model that completes prompts.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is a single completion request.
type Request struct {
	Model       string
	Prompt      string
	Temperature float32
}

// Config configures a [Transformer].
type Config struct {
	// Backend is the language model. If nil, entries are rendered without
	// translation.
	Backend Backend
	// Model is passed to the backend. Empty means the backend default.
	Model string
	// Language is the target language. Defaults to DefaultLanguage.
	Language string
	// Keywords are the topics the summary should focus on, comma separated.
	Keywords string
	// Temperature defaults to DefaultTemperature.
	Temperature float32
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Transformer renders entries.
type Transformer struct {
	backend     Backend
	model       string
	language    string
	keywords    string
	temperature float32
	timeout     time.Duration
	slog        *slog.Logger
}

// New returns a new Transformer.
func New(c Config) *Transformer {
	t := &Transformer{
		backend:     c.Backend,
		model:       c.Model,
		language:    c.Language,
		keywords:    strings.TrimSpace(c.Keywords),
		temperature: c.Temperature,
		timeout:     c.Timeout,
		slog:        c.Logger,
	}
	if t.language == "" {
		t.language = DefaultLanguage
	}
	if t.temperature == 0 {
		t.temperature = DefaultTemperature
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.slog == nil {
		t.slog = slog.Default()
	}
	return t
}

// HasBackend reports whether entries are translated by a language model.
func (t *Transformer) HasBackend() bool { return t.backend != nil }

var fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "newsbot_transform_fallbacks_total",
	Help: "Number of entries rendered with the title-only fallback, by reason.",
}, []string{"reason"})

// Transform returns the HTML message body for e.
func (t *Transformer) Transform(ctx context.Context, e feed.Entry) string {
	if t.backend == nil {
		return Fallback(e)
	}

	prompt, err := t.prompt(e)
	if err != nil {
		return t.fallback(e, "prompt", err)
	}

	reply, err := t.complete(ctx, Request{
		Model:       t.model,
		Prompt:      prompt,
		Temperature: t.temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return t.fallback(e, "timeout", err)
		}
		return t.fallback(e, "error", err)
	}

	title, summary, ok := parseReply(reply)
	if !ok {
		return t.fallback(e, "malformed", errors.New("reply has no TITLE: and SUMMARY: markers"))
	}
	return render(title, summary)
}

// complete calls the backend, giving up after the timeout even if the backend
// ignores cancellation.
func (t *Transformer) complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := t.backend.Complete(ctx, req)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Transformer) fallback(e feed.Entry, reason string, err error) string {
	fallbacks.WithLabelValues(reason).Inc()
	t.slog.Warn("transform failed, using title only", "entry", e.ID, "source", e.Source, "reason", reason, "error", err)
	return TitleOnly(e)
}

// Fallback renders e without a backend: the bold title followed by the
// summary, or by [SummaryPlaceholder] when the summary is empty.
func Fallback(e feed.Entry) string {
	summary := e.Summary
	if strings.TrimSpace(summary) == "" {
		summary = SummaryPlaceholder
	}
	return render(e.Title, summary)
}

// TitleOnly renders just the bold title of e.
func TitleOnly(e feed.Entry) string { return render(e.Title, "") }

func render(title, summary string) string {
	var sb strings.Builder
	sb.WriteString("<b>" + html.EscapeString(strings.TrimSpace(title)) + "</b>")
	if summary = strings.TrimSpace(summary); summary != "" {
		sb.WriteString("\n\n" + html.EscapeString(truncate(summary, maxSummaryRunes)))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

// parseReply extracts the title and summary from a model reply of the form
// "TITLE: ... SUMMARY: ...".
func parseReply(reply string) (title, summary string, ok bool) {
	_, rest, found := strings.Cut(reply, "TITLE:")
	if !found {
		return "", "", false
	}
	title, summary, found = strings.Cut(rest, "SUMMARY:")
	if !found {
		return "", "", false
	}
	title = cleanField(title)
	summary = cleanField(summary)
	return title, summary, title != ""
}

// cleanField trims whitespace and the markdown emphasis some models wrap
// around the markers.
func cleanField(s string) string { return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*_")) }

//go:embed prompt.tmpl
var promptTemplate string

var promptTmpl = template.Must(template.New("prompt").Parse(promptTemplate))

func (t *Transformer) prompt(e feed.Entry) (string, error) {
	var sb strings.Builder
	err := promptTmpl.Execute(&sb, struct {
		Language string
		Keywords string
		Title    string
		Summary  string
	}{
		Language: t.language,
		Keywords: t.keywords,
		Title:    e.Title,
		Summary:  e.Summary,
	})
	return sb.String(), err
}
