// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.astrophena.name/newsbot/cmd/newsbot/internal/feed"
	"go.astrophena.name/newsbot/cmd/newsbot/internal/pipeline"
	"go.astrophena.name/newsbot/cmd/newsbot/internal/sources"
	"go.astrophena.name/newsbot/cmd/newsbot/internal/telegram"
	"go.astrophena.name/newsbot/cmd/newsbot/internal/transform"
	"go.astrophena.name/newsbot/internal/cli"
	"go.astrophena.name/newsbot/internal/filelock"
	"go.astrophena.name/newsbot/internal/httplogger"
	"go.astrophena.name/newsbot/internal/logger"
	"go.astrophena.name/newsbot/internal/request"
	"go.astrophena.name/newsbot/internal/store"
	"go.astrophena.name/newsbot/internal/syncx"
	"go.astrophena.name/newsbot/internal/systemd"
)

const errorTemplate = "❌ <b>newsbot cycle failed</b>\n\n<pre>%s</pre>"

var errAlreadyRunning = errors.New("already running")

func main() { cli.Main(new(app)) }

type app struct {
	running atomic.Bool

	// flags
	dry      bool
	json     bool
	envFile  string
	interval time.Duration
	addr     string
	backend  string

	// set in tests
	httpc *http.Client

	// initialized by setup
	c         *config
	slog      *slog.Logger
	store     store.Store
	publisher *telegram.Publisher
	pipeline  *pipeline.Pipeline
	closers   []func() error
	last      *syncx.Protected[*cycleStatus]
}

type cycleStatus struct {
	report *pipeline.Report
	err    error
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.BoolVar(&a.dry, "dry", false, "Enable dry-run mode: log new entries, but don't publish or record them.")
	fs.BoolVar(&a.json, "json", false, "Output in JSON format (honored in supported commands).")
	fs.StringVar(&a.envFile, "env-file", "", "Read environment variables from `file`.")
	fs.DurationVar(&a.interval, "interval", 0, "Time between cycles of the loop and serve commands (default 15m for loop).")
	fs.StringVar(&a.addr, "addr", "", "Listen on `host:port` in the serve command (default "+defaultAddr+").")
	fs.StringVar(&a.backend, "backend", "", "Language model `backend`: openai, gemini or none (default: guessed from API keys).")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	command := env.Args[0]

	c, err := a.loadConfig(env)
	if err != nil {
		return err
	}
	a.c = c

	l := logger.Get(ctx)
	// Enable debug logging in dry-run mode.
	if a.dry {
		l.Level.Set(slog.LevelDebug)
	}
	a.slog = l.Logger

	switch command {
	case "sources":
		return a.listSources(ctx, env.Stdout)
	case "posted":
		limit := 20
		if len(env.Args) > 1 {
			if limit, err = strconv.Atoi(env.Args[1]); err != nil {
				return fmt.Errorf("%w: posted expects a number of records, got %q", cli.ErrInvalidArgs, env.Args[1])
			}
		}
		return a.listPosted(ctx, env.Stdout, limit)
	case "run", "loop", "serve":
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}

	if err := c.validateBot(a.dry); err != nil {
		return err
	}
	if command == "serve" && c.runToken == "" {
		return fmt.Errorf("%w: RUN_TOKEN is required by the serve command", cli.ErrInvalidArgs)
	}
	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.close()

	switch command {
	case "run":
		report, err := a.runCycle(ctx)
		if report != nil {
			if perr := a.printReport(env.Stdout, report); perr != nil {
				return errors.Join(err, perr)
			}
		}
		return err
	case "loop":
		if a.c.interval == 0 {
			a.c.interval = defaultInterval
		}
		return a.loop(ctx)
	default:
		return a.serve(ctx)
	}
}

// setup builds the pipeline and everything it depends on.
func (a *app) setup(ctx context.Context) error {
	a.last = syncx.Protect(&cycleStatus{})

	scrubber := a.c.scrubber()
	base := cmp.Or(a.httpc, request.DefaultClient)
	httpc := &http.Client{
		Transport: httplogger.New(base.Transport, a.slog, scrubber),
		Timeout:   base.Timeout,
	}

	s, err := store.Open(ctx, a.c.databaseURL)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	backend, err := a.newBackend(ctx, httpc, scrubber)
	if err != nil {
		a.close()
		return err
	}
	tr := transform.New(transform.Config{
		Backend:  backend,
		Language: a.c.language,
		Keywords: a.c.keywords,
		Logger:   a.slog,
	})

	a.publisher = telegram.New(telegram.Config{
		Token:              a.c.tgToken,
		ChatID:             a.c.chatID,
		DisableLinkPreview: a.c.disableLinkPreview,
		HTTPClient:         httpc,
		Scrubber:           scrubber,
		Logger:             a.slog,
	})

	a.pipeline = pipeline.New(pipeline.Config{
		Sources:      sources.File{Path: a.c.sourcesFile},
		Store:        a.store,
		Fetcher:      feed.New(feed.Config{HTTPClient: httpc, Logger: a.slog}),
		Transformer:  tr,
		Publisher:    a.publisher,
		PublishDelay: a.c.publishDelay,
		DryRun:       a.dry,
		Logger:       a.slog,
	})
	return nil
}

func (a *app) newBackend(ctx context.Context, httpc *http.Client, scrubber *strings.Replacer) (transform.Backend, error) {
	switch a.c.backend {
	case "openai":
		return transform.NewOpenAI(transform.OpenAIConfig{
			APIKey:     a.c.openAIKey,
			BaseURL:    a.c.openAIBaseURL,
			Model:      a.c.openAIModel,
			HTTPClient: httpc,
			Scrubber:   scrubber,
		}), nil
	case "gemini":
		g, err := transform.NewGemini(ctx, transform.GeminiConfig{
			APIKey:     a.c.geminiKey,
			Model:      a.c.geminiModel,
			HTTPClient: httpc,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to Gemini: %w", err)
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	}
	a.slog.Info("no language model configured, entries will be published untranslated")
	return nil, nil
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// cycle runs one cycle unless another one is in progress in this or another
// process.
func (a *app) cycle(ctx context.Context) (*pipeline.Report, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, errAlreadyRunning
	}
	defer a.running.Store(false)

	lock, err := filelock.Acquire(filepath.Join(a.c.stateDir, "newsbot.lock"))
	if errors.Is(err, filelock.ErrAlreadyLocked) {
		return nil, errAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	defer lock.Release()

	return a.pipeline.Run(ctx)
}

// runCycle runs a cycle, remembers its result and reports failures to the
// error chat.
func (a *app) runCycle(ctx context.Context) (*pipeline.Report, error) {
	report, err := a.cycle(ctx)
	if errors.Is(err, errAlreadyRunning) {
		return nil, err
	}
	a.last.WriteAccess(func(s *cycleStatus) {
		s.report, s.err = report, err
	})
	if err != nil {
		if nerr := a.errNotify(ctx, err); nerr != nil {
			a.slog.Error("sending error notification failed", "error", nerr)
		}
	}
	return report, err
}

func (a *app) errNotify(ctx context.Context, err error) error {
	if a.c.errorChatID == "" || a.dry {
		return nil
	}
	_, nerr := a.publisher.Send(context.WithoutCancel(ctx), a.c.errorChatID, fmt.Sprintf(errorTemplate, html.EscapeString(err.Error())), true)
	return nerr
}

func (a *app) loop(ctx context.Context) error {
	a.slog.Info("running cycles", "interval", a.c.interval)
	ticker := time.NewTicker(a.c.interval)
	defer ticker.Stop()

	go systemd.WatchdogLoop(ctx, a.slog)
	systemd.Notify(a.slog, systemd.Ready)
	defer systemd.Notify(a.slog, systemd.Stopping)

	for {
		if _, err := a.runCycle(ctx); err != nil && ctx.Err() == nil {
			a.slog.Warn("cycle failed, waiting for the next one", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) printReport(w io.Writer, r *pipeline.Report) error {
	if a.json {
		return printJSON(w, r)
	}
	_, err := fmt.Fprintln(w, r)
	return err
}

func (a *app) listSources(ctx context.Context, w io.Writer) error {
	list, err := sources.File{Path: a.c.sourcesFile}.Load(ctx)
	if err != nil {
		return err
	}
	if a.json {
		return printJSON(w, list)
	}
	for _, src := range list {
		fmt.Fprintf(w, "%-20s %-20s %s\n", src.Name, src.Label(), src.FeedURL)
	}
	return nil
}

func (a *app) listPosted(ctx context.Context, w io.Writer, limit int) error {
	s, err := store.Open(ctx, a.c.databaseURL)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.List(ctx, limit)
	if err != nil {
		return err
	}
	if a.json {
		return printJSON(w, records)
	}
	for _, r := range records {
		fmt.Fprintf(w, "%s  %-12s %s\n    %s\n", r.PostedAt.Local().Format(time.DateTime), r.Source, r.Title, r.URL)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
