// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feed fetches RSS and Atom feeds and turns their items into entries
// ready for publishing.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/newsbot/cmd/newsbot/internal/sources"
	"go.astrophena.name/newsbot/internal/request"
	"go.astrophena.name/newsbot/internal/version"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"
)

const (
	defaultRetries       = 3
	defaultRetryInterval = time.Second
	errorBodyLimit       = 16384 // 16 KB is enough for error messages (probably)
)

// Entry is a single item of a feed.
type Entry struct {
	// ID is the item GUID, or its link if the feed has no GUIDs.
	ID string `json:"id"`
	// Title is the item title, or its link if the title is empty.
	Title string `json:"title"`
	// Summary is the plain text description of the item. May be empty.
	Summary string `json:"summary,omitempty"`
	// Link is the URL of the article.
	Link string `json:"link"`
	// Source is the name of the source the entry came from.
	Source string `json:"source"`
}

// FetchError is returned by [Fetcher.Fetch] when a source can't be fetched
// or parsed.
type FetchError struct {
	Source string // name of the source
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %q (%s): %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config configures a [Fetcher].
type Config struct {
	// HTTPClient is used for requests. Defaults to request.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Retries is the number of retries of transient failures. Zero means the
	// default of 3; negative disables retries.
	Retries int
	// RetryInterval is the initial wait between retries. Defaults to 1s.
	RetryInterval time.Duration
}

// Fetcher fetches feeds.
type Fetcher struct {
	httpc         *http.Client
	slog          *slog.Logger
	retries       uint64
	retryInterval time.Duration
}

// New returns a new Fetcher.
func New(c Config) *Fetcher {
	f := &Fetcher{
		httpc:         c.HTTPClient,
		slog:          c.Logger,
		retryInterval: c.RetryInterval,
	}
	if f.httpc == nil {
		f.httpc = request.DefaultClient
	}
	if f.slog == nil {
		f.slog = slog.Default()
	}
	switch {
	case c.Retries == 0:
		f.retries = defaultRetries
	case c.Retries > 0:
		f.retries = uint64(c.Retries)
	}
	if f.retryInterval <= 0 {
		f.retryInterval = defaultRetryInterval
	}
	return f
}

// Fetch downloads and parses the feed of src. Entries are returned in the
// order they appear in the feed. Every error is a *[FetchError].
func (f *Fetcher) Fetch(ctx context.Context, src sources.Source) ([]Entry, error) {
	var parsed *gofeed.Feed
	attempt := 0
	op := func() error {
		attempt++
		var err error
		parsed, err = f.fetchOnce(ctx, src.FeedURL)
		if err != nil && !isPermanent(err) {
			f.slog.Debug("fetch failed, retrying", "source", src.Name, "attempt", attempt, "error", err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryInterval
	b.MaxInterval = 30 * f.retryInterval
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx)); err != nil {
		return nil, &FetchError{Source: src.Name, URL: src.FeedURL, Err: err}
	}

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		e, ok := toEntry(item)
		if !ok {
			f.slog.Warn("dropping item without guid and link", "source", src.Name, "title", item.Title)
			continue
		}
		e.Source = src.Name
		entries = append(entries, e)
	}
	f.slog.Debug("fetched feed", "source", src.Name, "items", len(parsed.Items), "entries", len(entries))
	return entries, nil
}

func isPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	res, err := f.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		serr := &request.StatusError{StatusCode: res.StatusCode, Body: body}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return nil, serr
		}
		return nil, backoff.Permanent(serr)
	}

	parsed, err := gofeed.NewParser().Parse(res.Body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return parsed, nil
}

func toEntry(item *gofeed.Item) (Entry, bool) {
	link := strings.TrimSpace(item.Link)
	if link == "" && len(item.Links) > 0 {
		link = strings.TrimSpace(item.Links[0])
	}
	id := strings.TrimSpace(item.GUID)
	if id == "" {
		id = link
	}
	if id == "" {
		return Entry{}, false
	}

	title := collapseSpace(item.Title)
	if title == "" {
		title = link
	}
	summary := item.Description
	if strings.TrimSpace(summary) == "" {
		summary = item.Content
	}
	return Entry{
		ID:      id,
		Title:   title,
		Summary: htmlToText(summary),
		Link:    link,
	}, true
}

// htmlToText extracts the text content of an HTML fragment.
func htmlToText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapseSpace(s)
	}
	doc.Find("script, style").Remove()
	return collapseSpace(doc.Text())
}

func collapseSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
