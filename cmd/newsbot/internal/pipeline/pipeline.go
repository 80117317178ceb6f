// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package pipeline runs a single news cycle: it loads sources, finds entries
// that were not published yet, transforms and publishes them and records them
// as posted.
//
// A cycle moves through the states LoadingSources, Scanning, Publishing and
// Done. It ends in Aborted if the sources can't be loaded, in which case
// nothing was fetched or published.
//
// New entries are published in reverse discovery order, so with feeds that
// list the newest item first the oldest item is published first. This is a
// heuristic: feeds don't promise any order.
//
// Entries are identified by their GUID, or by their link when the feed has no
// GUIDs. A source that changes its links between fetches will have its
// entries published again.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.astrophena.name/newsbot/cmd/newsbot/internal/feed"
	"go.astrophena.name/newsbot/cmd/newsbot/internal/sources"
	"go.astrophena.name/newsbot/cmd/newsbot/internal/telegram"
	"go.astrophena.name/newsbot/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

// DefaultPublishDelay is the minimum time between two published messages.
const DefaultPublishDelay = 10 * time.Second

// Errors returned by [Pipeline.Run]. Everything else that goes wrong during a
// cycle is logged and counted in the [Report].
var (
	ErrConfig           = errors.New("pipeline: sources can't be loaded")
	ErrPublish          = errors.New("pipeline: publishing failed")
	ErrStoreUnavailable = errors.New("pipeline: dedup store unavailable")
)

// Store is the part of [store.Store] used by the pipeline.
type Store interface {
	PostedIDs(ctx context.Context) (map[string]struct{}, error)
	Record(ctx context.Context, r store.Record) error
}

// Fetcher fetches entries of a source.
type Fetcher interface {
	Fetch(ctx context.Context, src sources.Source) ([]feed.Entry, error)
}

// Transformer renders an entry into a message body. It must not fail.
type Transformer interface {
	Transform(ctx context.Context, e feed.Entry) string
}

// Publisher publishes a post and returns its message id.
type Publisher interface {
	Publish(ctx context.Context, p telegram.Post) (int64, error)
}

// Config configures a [Pipeline].
type Config struct {
	Sources     sources.Loader
	Store       Store
	Fetcher     Fetcher
	Transformer Transformer
	// Publisher may be nil in dry-run mode.
	Publisher Publisher
	// ChatID is the chat posts are published to. Empty means the default
	// chat of the Publisher.
	ChatID string
	// PublishDelay is the minimum time between publishes. Zero means
	// DefaultPublishDelay, negative disables pacing.
	PublishDelay time.Duration
	// DryRun transforms new entries and logs them without publishing or
	// recording anything.
	DryRun bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pipeline runs news cycles.
//
// Run doesn't serialize concurrent cycles. The unique ids of the store keep
// two overlapping cycles from recording the same entry twice.
type Pipeline struct {
	c     Config
	delay time.Duration
	slog  *slog.Logger
	now   func() time.Time // used in tests
}

// New returns a new Pipeline.
func New(c Config) *Pipeline {
	p := &Pipeline{
		c:     c,
		delay: c.PublishDelay,
		slog:  c.Logger,
		now:   time.Now,
	}
	if p.delay == 0 {
		p.delay = DefaultPublishDelay
	}
	if p.slog == nil {
		p.slog = slog.Default()
	}
	return p
}

// Run runs one cycle. The returned report is never nil; on error it describes
// the work done before the cycle stopped.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	r := &Report{
		ID:        uuid.NewString(),
		DryRun:    p.c.DryRun,
		StartTime: p.now(),
	}
	log := p.slog.With("cycle", r.ID)

	err := p.run(ctx, log, r)
	r.Duration = p.now().Sub(r.StartTime)
	if err != nil {
		r.Error = err.Error()
	}
	observe(r, err)

	if err != nil {
		log.Error("cycle failed", "state", r.State, "published", r.Published, "error", err)
		return r, err
	}
	log.Info("cycle done", "new", r.NewFound, "published", r.Published, "source_errors", len(r.SourceErrors), "duration", r.Duration)
	return r, nil
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, r *Report) error {
	setState := func(s State) {
		r.State = s
		log.Debug("state changed", "state", s)
	}

	setState(LoadingSources)
	srcs, err := p.c.Sources.Load(ctx)
	if err != nil {
		setState(Aborted)
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	r.Sources = len(srcs)
	if name, dup := duplicateName(srcs); dup {
		setState(Aborted)
		return fmt.Errorf("%w: source name %q is used more than once", ErrConfig, name)
	}

	setState(Scanning)
	posted, err := p.c.Store.PostedIDs(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	log.Debug("loaded posted ids", "count", len(posted))

	var discovered []discovery
	for _, src := range srcs {
		entries, err := p.c.Fetcher.Fetch(ctx, src)
		if err != nil {
			log.Warn("fetch failed", "source", src.Name, "error", err)
			r.addSourceError(src.Name, err)
			continue
		}
		r.Fetched += len(entries)
		for _, e := range entries {
			e.Source = src.Name
			discovered = append(discovered, discovery{Entry: e, label: src.Label()})
		}
	}

	fresh := lo.UniqBy(lo.Filter(discovered, func(d discovery, _ int) bool {
		_, ok := posted[d.ID]
		return !ok
	}), func(d discovery) string { return d.ID })
	r.NewFound = len(fresh)
	log.Info("scanned sources", "sources", r.Sources, "fetched", r.Fetched, "new", r.NewFound)

	setState(Publishing)
	var limiter *rate.Limiter
	if p.delay > 0 {
		limiter = rate.NewLimiter(rate.Every(p.delay), 1)
	}
	for _, d := range slices.Backward(fresh) {
		if err := p.publish(ctx, log, limiter, d.label, d.Entry, r); err != nil {
			return err
		}
	}

	setState(Done)
	return nil
}

// discovery is an entry found during scanning, with the label of its source.
type discovery struct {
	feed.Entry
	label string
}

func duplicateName(srcs []sources.Source) (string, bool) {
	seen := make(map[string]bool, len(srcs))
	for _, src := range srcs {
		if seen[src.Name] {
			return src.Name, true
		}
		seen[src.Name] = true
	}
	return "", false
}

func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, limiter *rate.Limiter, label string, e feed.Entry, r *Report) error {
	log = log.With("entry", e.ID, "source", e.Source)
	body := p.c.Transformer.Transform(ctx, e)
	post := telegram.Post{ChatID: p.c.ChatID, Body: body, Source: label, Link: e.Link}

	if p.c.DryRun {
		log.Info("dry run: would publish", "body", body, "link", e.Link)
		return nil
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: waiting to publish %q: %w", ErrPublish, e.ID, err)
		}
	}

	msgID, err := p.c.Publisher.Publish(ctx, post)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrPublish, e.ID, err)
	}
	r.Published++
	published.Inc()
	log.Info("published", "title", e.Title, "message_id", msgID)

	err = p.c.Store.Record(ctx, store.Record{
		ID:        e.ID,
		Title:     e.Title,
		URL:       e.Link,
		Source:    e.Source,
		MessageID: msgID,
	})
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		r.SkippedDuplicate++
		log.Warn("entry was recorded by another cycle", "error", err)
	case err != nil:
		return fmt.Errorf("%w: recording %q: %w", ErrStoreUnavailable, e.ID, err)
	}
	return nil
}
