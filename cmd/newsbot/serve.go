// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/newsbot/internal/systemd"
	"go.astrophena.name/newsbot/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.c.interval > 0 {
		wg.Go(func() { a.loop(ctx) })
	} else {
		wg.Go(func() { systemd.WatchdogLoop(ctx, a.slog) })
	}
	err := web.ListenAndServe(ctx, &web.ListenAndServeConfig{
		Addr: a.c.addr,
		Mux:  a.mux(),
		Ready: func(net.Addr) {
			systemd.Notify(a.slog, systemd.Ready)
		},
	})
	cancel()
	wg.Wait()
	return err
}

func (a *app) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", a.handleRun)
	mux.Handle("GET /metrics", promhttp.Handler())

	health := web.Health(mux)
	health.RegisterFunc("store", func() (string, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := a.store.List(ctx, 1); err != nil {
			return err.Error(), false
		}
		return "ok", true
	})
	health.RegisterFunc("last_cycle", func() (status string, ok bool) {
		a.last.ReadAccess(func(s *cycleStatus) {
			switch {
			case s.report == nil && s.err == nil:
				status, ok = "no cycles yet", true
			case s.err != nil:
				status, ok = s.err.Error(), false
			default:
				status, ok = fmt.Sprintf("%s, published %d", s.report.State, s.report.Published), true
			}
		})
		return status, ok
	})
	return mux
}

func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		web.RespondJSONError(w, r, web.ErrUnauthorized)
		return
	}

	// The cycle outlives a disconnected client.
	report, err := a.runCycle(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, errAlreadyRunning):
		web.RespondJSONError(w, r, fmt.Errorf("%w: cycle %w", web.ErrConflict, err))
		return
	case err != nil && report == nil:
		web.RespondJSONError(w, r, err)
		return
	case err != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
	}
	web.RespondJSON(w, report)
}

func (a *app) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(a.c.runToken)) == 1
}
