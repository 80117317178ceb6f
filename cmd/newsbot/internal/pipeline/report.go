// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State is a state of a cycle.
type State int

// States of a cycle.
const (
	LoadingSources State = iota
	Scanning
	Publishing
	Done
	Aborted
)

var stateNames = [...]string{
	LoadingSources: "loading_sources",
	Scanning:       "scanning",
	Publishing:     "publishing",
	Done:           "done",
	Aborted:        "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(b []byte) error {
	i := slices.Index(stateNames[:], string(b))
	if i < 0 {
		return fmt.Errorf("unknown cycle state %q", b)
	}
	*s = State(i)
	return nil
}

// Report describes a finished cycle.
type Report struct {
	ID     string `json:"id"`
	State  State  `json:"state"`
	DryRun bool   `json:"dry_run,omitempty"`
	// Sources is the number of loaded sources.
	Sources int `json:"sources"`
	// Fetched is the number of entries fetched from all sources.
	Fetched int `json:"fetched"`
	// NewFound is the number of entries that weren't posted before.
	NewFound int `json:"new_found"`
	// Published is the number of sent messages.
	Published int `json:"published"`
	// SkippedDuplicate is the number of published entries that another
	// cycle recorded first.
	SkippedDuplicate int `json:"skipped_duplicate"`
	// SourceErrors maps names of failed sources to their errors.
	SourceErrors map[string]string `json:"source_errors,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	Duration     time.Duration     `json:"duration"`
	// Error is the error that stopped the cycle.
	Error string `json:"error,omitempty"`
}

func (r *Report) addSourceError(name string, err error) {
	if r.SourceErrors == nil {
		r.SourceErrors = make(map[string]string)
	}
	r.SourceErrors[name] = err.Error()
	fetchErrors.WithLabelValues(name).Inc()
}

// String returns a human-readable summary of the report.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cycle %s: %s in %v", r.ID, r.State, r.Duration.Round(time.Millisecond))
	if r.DryRun {
		sb.WriteString(" (dry run)")
	}
	fmt.Fprintf(&sb, "\nsources: %d (%d failed)", r.Sources, len(r.SourceErrors))
	fmt.Fprintf(&sb, "\nfetched: %d, new: %d, published: %d, skipped as duplicates: %d", r.Fetched, r.NewFound, r.Published, r.SkippedDuplicate)
	for _, name := range slices.Sorted(maps.Keys(r.SourceErrors)) {
		fmt.Fprintf(&sb, "\n  %s: %s", name, r.SourceErrors[name])
	}
	if r.Error != "" {
		fmt.Fprintf(&sb, "\nerror: %s", r.Error)
	}
	return sb.String()
}

var (
	cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsbot_cycles_total",
		Help: "Number of finished news cycles by result.",
	}, []string{"result"})
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "newsbot_published_total",
		Help: "Number of published messages.",
	})
	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newsbot_fetch_errors_total",
		Help: "Number of failed source fetches by source.",
	}, []string{"source"})
	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newsbot_last_success_timestamp_seconds",
		Help: "Time of the last successful cycle.",
	})
)

func observe(r *Report, err error) {
	switch {
	case r.State == Aborted:
		cycles.WithLabelValues("aborted").Inc()
	case err != nil:
		cycles.WithLabelValues("failed").Inc()
	default:
		cycles.WithLabelValues("done").Inc()
		lastSuccess.Set(float64(r.StartTime.Add(r.Duration).Unix()))
	}
}
