// Package watcher re-runs fetch cycles with an escalating idle interval,
// for long runs where the remote queue sets the pace.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmoslab/era-fetcher/internal/fetcher"
	"github.com/atmoslab/era-fetcher/internal/logging"
)

// Cycle is one pass over all chunks. *fetcher.Fetcher implements it.
type Cycle interface {
	RunOnce(ctx context.Context) (fetcher.Summary, error)
}

// DefaultIntervals is the idle ladder used when none is configured.
var DefaultIntervals = []time.Duration{
	10 * time.Second,
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

type Watcher struct {
	cycle     Cycle
	intervals []time.Duration
	log       *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(cycle Cycle, intervals []time.Duration) *Watcher {
	if len(intervals) == 0 {
		intervals = DefaultIntervals
	}
	return &Watcher{
		cycle:     cycle,
		intervals: intervals,
		log:       logging.Component("watcher"),
		sleep:     sleepCtx,
	}
}

// Run cycles until every chunk is terminal. Consecutive passes without a
// transition climb the interval ladder, any state change drops back to
// the first rung.
func (w *Watcher) Run(ctx context.Context) (fetcher.Summary, error) {
	idle := 0
	for {
		sum, err := w.cycle.RunOnce(ctx)
		if err != nil {
			return sum, err
		}
		if sum.Done() {
			w.log.Info("all chunks terminal",
				"downloaded", sum.Downloaded,
				"abandoned", sum.Abandoned)
			return sum, nil
		}

		if sum.Changed {
			idle = 0
		}
		wait := w.intervals[idle]
		if !sum.Changed && idle < len(w.intervals)-1 {
			idle++
		}

		w.log.Debug("waiting for remote progress",
			"sleep", wait.String(),
			"outstanding", sum.Outstanding,
			"completed", sum.Completed,
			"pending", sum.Pending)
		if err := w.sleep(ctx, wait); err != nil {
			return sum, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
