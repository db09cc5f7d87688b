// Package fetcher drives every chunk of a run through its lifecycle:
// submit the request, poll the remote job, download the result. A single
// loop owns all chunks, the remote side provides the concurrency.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atmoslab/era-fetcher/internal/catalog"
	"github.com/atmoslab/era-fetcher/internal/cds"
	"github.com/atmoslab/era-fetcher/internal/logging"
	"github.com/atmoslab/era-fetcher/internal/metrics"
	"github.com/atmoslab/era-fetcher/internal/plan"
	"github.com/atmoslab/era-fetcher/internal/sink"
	"github.com/atmoslab/era-fetcher/internal/state"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// maxFetchFailures bounds download attempts for a completed job before
// the chunk is resubmitted from scratch.
const maxFetchFailures = 3

// Options configures a run.
type Options struct {
	RunID          string
	MaxOutstanding int
	RetryCeiling   int
	PollInterval   time.Duration
	Backoff        Policy
	MaxQueuedAge   time.Duration // 0 disables the stale queue guard
}

// Summary is the state of the run after a pass over all chunks.
type Summary struct {
	Pending     int // pending, failed and expired chunks awaiting resubmission
	Outstanding int // submitted, queued and running remote jobs
	Completed   int // remote results awaiting download
	Downloaded  int
	Abandoned   int
	Changed     bool // whether the pass moved any chunk
}

// Done reports whether every chunk reached a terminal state.
func (s Summary) Done() bool {
	return s.Pending == 0 && s.Outstanding == 0 && s.Completed == 0
}

// pollState throttles per-chunk polling. misses counts consecutive polls
// without progress and drives the backoff.
type pollState struct {
	misses      int
	nextPoll    time.Time
	submittedAt time.Time
}

// Fetcher owns the chunk lifecycle for one run.
//
// It is not safe for concurrent use. All chunks are driven from the
// single RunOnce loop, which is also the only writer of the tracker.
type Fetcher struct {
	client    cds.JobClient
	tracker   *state.Tracker
	sink      sink.Store
	catalog   catalog.Writer
	byID      map[string]plan.ChunkSpec
	opts      Options
	log       *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	polls     map[string]*pollState
	permanent map[string]bool // chunks whose last failure will not heal on retry
}

// New creates a fetcher for the planned chunks. The tracker should be
// loaded before the call so an interrupted run resumes where it stopped.
func New(client cds.JobClient, tracker *state.Tracker, store sink.Store, cat catalog.Writer, chunks []plan.ChunkSpec, opts Options) *Fetcher {
	byID := make(map[string]plan.ChunkSpec, len(chunks))
	for _, spec := range chunks {
		byID[spec.ID] = spec
	}

	f := &Fetcher{
		client:    client,
		tracker:   tracker,
		sink:      store,
		catalog:   cat,
		byID:      byID,
		opts:      opts,
		log:       logging.Component("fetcher"),
		now:       time.Now,
		sleep:     sleepCtx,
		polls:     make(map[string]*pollState),
		permanent: make(map[string]bool),
	}

	for _, spec := range chunks {
		tracker.Ensure(spec.ID)
	}
	// Records from an earlier plan stay in the state file but are not
	// orchestrated. A changed plan should run under a new run id.
	for _, id := range tracker.ChunkIDs() {
		if _, ok := byID[id]; !ok {
			f.log.Warn("state carries a chunk outside the current plan, leaving it untouched", "chunk_id", id)
		}
	}
	return f
}

// Run cycles RunOnce until every chunk is terminal or ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context) (Summary, error) {
	f.log.Info("starting run",
		"run_id", f.opts.RunID,
		"chunks", len(f.byID),
		"max_outstanding", f.opts.MaxOutstanding,
		"retry_ceiling", f.opts.RetryCeiling)

	for {
		sum, err := f.RunOnce(ctx)
		if err != nil {
			return sum, err
		}
		if sum.Done() {
			f.log.Info("run complete", "downloaded", sum.Downloaded, "abandoned", sum.Abandoned)
			return sum, nil
		}
		if err := f.sleep(ctx, f.opts.PollInterval); err != nil {
			return sum, err
		}
	}
}

// RunOnce makes one pass over all chunks: settle failures, poll jobs in
// flight, download finished results, then fill free submission slots.
// Remote trouble is absorbed into chunk state, a returned error means
// the run itself cannot continue.
func (f *Fetcher) RunOnce(ctx context.Context) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return f.summarize(false), err
	}

	changed := false

	// Failed and expired chunks get another attempt, or are abandoned
	// once the retry ceiling is hit.
	for _, st := range []state.Status{state.StatusFailed, state.StatusExpired} {
		for _, id := range f.inStatus(st) {
			c, err := f.settleChunk(id)
			if err != nil {
				return f.summarize(changed), err
			}
			changed = changed || c
		}
	}

	var outstanding []string
	for _, st := range []state.Status{state.StatusSubmitted, state.StatusQueued, state.StatusRunning} {
		outstanding = append(outstanding, f.inStatus(st)...)
	}
	sort.Strings(outstanding)
	for _, id := range outstanding {
		if err := ctx.Err(); err != nil {
			return f.summarize(changed), err
		}
		if f.now().Before(f.pollStateFor(id).nextPoll) {
			continue
		}
		c, err := f.pollChunk(ctx, id)
		if err != nil {
			return f.summarize(changed), err
		}
		changed = changed || c
	}

	for _, id := range f.inStatus(state.StatusCompleted) {
		if err := ctx.Err(); err != nil {
			return f.summarize(changed), err
		}
		if f.now().Before(f.pollStateFor(id).nextPoll) {
			continue
		}
		c, err := f.downloadChunk(ctx, id)
		if err != nil {
			return f.summarize(changed), err
		}
		changed = changed || c
	}

	for _, id := range f.inStatus(state.StatusPending) {
		if f.outstandingCount() >= f.opts.MaxOutstanding {
			break
		}
		if err := ctx.Err(); err != nil {
			return f.summarize(changed), err
		}
		c, err := f.submitChunk(ctx, id)
		if err != nil {
			return f.summarize(changed), err
		}
		changed = changed || c
	}

	return f.summarize(changed), nil
}

// settleChunk decides the fate of a failed or expired chunk.
func (f *Fetcher) settleChunk(id string) (bool, error) {
	rec, ok := f.tracker.Record(id)
	if !ok {
		return false, fmt.Errorf("no record for chunk %s", id)
	}

	if f.permanent[id] || (f.opts.RetryCeiling > 0 && rec.AttemptCount >= f.opts.RetryCeiling) {
		f.log.Error("abandoning chunk",
			"chunk_id", id,
			"attempts", rec.AttemptCount,
			"last_error", rec.LastError)
		if m := metrics.Get(); m != nil {
			m.IncChunksAbandoned(metrics.Labels{Product: f.byID[id].Product})
		}
		delete(f.polls, id)
		return true, f.transition(id, state.StatusAbandoned, "")
	}

	f.log.Info("requeueing chunk", "chunk_id", id, "attempts", rec.AttemptCount)
	return true, f.transition(id, state.StatusPending, "")
}

// pollChunk asks the remote side about one in-flight job and applies the
// answer to the chunk.
func (f *Fetcher) pollChunk(ctx context.Context, id string) (bool, error) {
	rec, _ := f.tracker.Record(id)
	spec := f.byID[id]

	info, err := f.client.Poll(ctx, rec.RemoteHandle)
	if m := metrics.Get(); m != nil {
		m.IncPolls(metrics.Labels{Product: spec.Product})
	}
	if err != nil {
		switch {
		case errors.Is(err, cds.ErrJobNotFound):
			f.log.Warn("remote job evicted", "chunk_id", id, "handle", rec.RemoteHandle)
			if m := metrics.Get(); m != nil {
				m.IncExpiries(metrics.Labels{Product: spec.Product})
			}
			return true, f.transition(id, state.StatusExpired, "remote job evicted")
		case errors.Is(err, cds.ErrPersistent):
			f.permanent[id] = true
			return true, f.transition(id, state.StatusFailed, err.Error())
		default:
			f.log.Warn("poll failed, will retry", "chunk_id", id, "error", err)
			f.bumpPoll(id)
			return false, nil
		}
	}

	switch info.Status {
	case cds.JobQueued:
		if rec.Status == state.StatusSubmitted {
			f.resetPoll(id)
			return true, f.transition(id, state.StatusQueued, "")
		}
		if rec.Status == state.StatusQueued && f.opts.MaxQueuedAge > 0 &&
			f.now().Sub(rec.LastTransition) > f.opts.MaxQueuedAge {
			f.log.Warn("job stuck in remote queue", "chunk_id", id, "queued_for", f.now().Sub(rec.LastTransition).String())
			if m := metrics.Get(); m != nil {
				m.IncExpiries(metrics.Labels{Product: spec.Product})
			}
			return true, f.transition(id, state.StatusExpired,
				fmt.Sprintf("queued for more than %s", f.opts.MaxQueuedAge))
		}
		f.bumpPoll(id)
		return false, nil

	case cds.JobRunning:
		if rec.Status != state.StatusRunning {
			f.resetPoll(id)
			return true, f.transition(id, state.StatusRunning, "")
		}
		f.bumpPoll(id)
		return false, nil

	case cds.JobCompleted:
		f.resetPoll(id)
		if m := metrics.Get(); m != nil {
			m.ObserveQueueWait(metrics.Labels{Product: spec.Product},
				f.now().Sub(f.pollStateFor(id).submittedAt).Seconds())
		}
		return true, f.transition(id, state.StatusCompleted, "")

	case cds.JobFailed:
		detail := info.Message
		if detail == "" {
			detail = "remote job failed"
		}
		return true, f.transition(id, state.StatusFailed, detail)
	}

	return false, nil
}

// downloadChunk fetches the result of a completed job into the sink.
func (f *Fetcher) downloadChunk(ctx context.Context, id string) (bool, error) {
	rec, _ := f.tracker.Record(id)
	spec := f.byID[id]
	start := f.now()

	body, info, err := f.client.Fetch(ctx, rec.RemoteHandle)
	if err != nil {
		switch {
		case errors.Is(err, cds.ErrJobNotFound):
			f.log.Warn("results evicted before download", "chunk_id", id)
			if m := metrics.Get(); m != nil {
				m.IncExpiries(metrics.Labels{Product: spec.Product})
			}
			return true, f.transition(id, state.StatusExpired, "results no longer available")
		case errors.Is(err, cds.ErrPersistent):
			// The handle is useless if its results cannot be read,
			// resubmitting is the only way forward.
			return true, f.transition(id, state.StatusExpired, err.Error())
		default:
			f.log.Warn("fetch failed, will retry", "chunk_id", id, "error", err)
			f.bumpPoll(id)
			return false, nil
		}
	}

	path, written, werr := f.sink.Write(ctx, spec, body, sink.Transfer{
		Size:     info.Size,
		Checksum: info.Checksum,
		Gzip:     info.Gzip,
	})
	body.Close()
	if werr != nil {
		f.bumpPoll(id)
		if f.pollStateFor(id).misses >= maxFetchFailures {
			f.log.Error("download keeps failing, forcing resubmission", "chunk_id", id, "error", werr)
			f.resetPoll(id)
			return true, f.transition(id, state.StatusExpired, werr.Error())
		}
		f.log.Warn("download failed, will retry", "chunk_id", id, "error", werr)
		return false, nil
	}

	if err := f.transition(id, state.StatusDownloaded, ""); err != nil {
		return false, err
	}
	rec, _ = f.tracker.Record(id)

	elapsed := f.now().Sub(start)
	if m := metrics.Get(); m != nil {
		l := metrics.Labels{Product: spec.Product}
		m.IncDownloads(l)
		m.AddDownloadBytes(l, float64(written))
		m.ObserveDownloadDuration(l, elapsed.Seconds())
		m.ObserveChunkBytes(l, float64(written))
	}

	if err := f.catalog.RecordDownload(ctx, catalog.ChunkDownload{
		RunID:        f.opts.RunID,
		ChunkID:      id,
		Product:      spec.Product,
		Dataset:      spec.Dataset,
		Start:        spec.Start,
		End:          spec.End,
		Path:         path,
		ByteSize:     written,
		Checksum:     info.Checksum,
		AttemptCount: rec.AttemptCount,
		DurationMs:   elapsed.Milliseconds(),
		DownloadedAt: f.now().UTC(),
	}); err != nil {
		// The download itself succeeded, a catalog miss is not fatal.
		f.log.Warn("failed to record download in catalog", "chunk_id", id, "error", err)
	}

	delete(f.polls, id)
	f.log.Info("chunk downloaded", "chunk_id", id, "path", path, "bytes", written)
	return true, nil
}

// submitChunk sends the retrieval request for one pending chunk.
func (f *Fetcher) submitChunk(ctx context.Context, id string) (bool, error) {
	spec := f.byID[id]

	handle, info, err := f.client.Submit(ctx, spec)
	if err != nil {
		if errors.Is(err, cds.ErrPersistent) {
			f.log.Error("submission rejected", "chunk_id", id, "error", err)
			f.permanent[id] = true
			return true, f.transition(id, state.StatusFailed, err.Error())
		}
		f.log.Warn("submission failed, will retry", "chunk_id", id, "error", err)
		return false, nil
	}

	if m := metrics.Get(); m != nil {
		m.IncSubmissions(metrics.Labels{Product: spec.Product})
	}
	if err := f.transition(id, state.StatusSubmitted, handle); err != nil {
		return false, err
	}

	ps := f.pollStateFor(id)
	ps.misses = 0
	ps.submittedAt = f.now()
	ps.nextPoll = f.now().Add(f.opts.Backoff.Delay(1))

	next := state.StatusQueued
	var detail string
	switch info.Status {
	case cds.JobRunning:
		next = state.StatusRunning
	case cds.JobCompleted:
		next = state.StatusCompleted
		ps.nextPoll = time.Time{}
	case cds.JobFailed:
		next = state.StatusFailed
		detail = info.Message
		if detail == "" {
			detail = "remote job failed"
		}
	}

	f.log.Info("chunk submitted", "chunk_id", id, "handle", handle, "status", string(info.Status))
	return true, f.transition(id, next, detail)
}

// transition applies a lifecycle edge and persists the state document.
func (f *Fetcher) transition(id string, next state.Status, detail string) error {
	if err := f.tracker.Transition(id, next, detail); err != nil {
		return err
	}
	if err := f.tracker.Persist(); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}
	return nil
}

// inStatus returns the planned chunks currently in st, in chunk id order.
func (f *Fetcher) inStatus(st state.Status) []string {
	var ids []string
	for _, id := range f.tracker.InStatus(st) {
		if _, ok := f.byID[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Fetcher) outstandingCount() int {
	n := 0
	for id := range f.byID {
		if rec, ok := f.tracker.Record(id); ok && rec.Status.Outstanding() {
			n++
		}
	}
	return n
}

func (f *Fetcher) counts() map[state.Status]int {
	counts := make(map[state.Status]int)
	for id := range f.byID {
		if rec, ok := f.tracker.Record(id); ok {
			counts[rec.Status]++
		}
	}
	return counts
}

func (f *Fetcher) summarize(changed bool) Summary {
	counts := f.counts()
	s := Summary{
		Pending:     counts[state.StatusPending] + counts[state.StatusFailed] + counts[state.StatusExpired],
		Outstanding: counts[state.StatusSubmitted] + counts[state.StatusQueued] + counts[state.StatusRunning],
		Completed:   counts[state.StatusCompleted],
		Downloaded:  counts[state.StatusDownloaded],
		Abandoned:   counts[state.StatusAbandoned],
		Changed:     changed,
	}
	if m := metrics.Get(); m != nil {
		for _, st := range state.Statuses {
			m.SetChunksInState(string(st), float64(counts[st]))
		}
		m.SetOutstandingJobs(float64(s.Outstanding))
	}
	return s
}

func (f *Fetcher) pollStateFor(id string) *pollState {
	ps, ok := f.polls[id]
	if !ok {
		ps = &pollState{submittedAt: f.now()}
		f.polls[id] = ps
	}
	return ps
}

func (f *Fetcher) resetPoll(id string) {
	ps := f.pollStateFor(id)
	ps.misses = 0
	ps.nextPoll = time.Time{}
}

func (f *Fetcher) bumpPoll(id string) {
	ps := f.pollStateFor(id)
	ps.misses++
	ps.nextPoll = f.now().Add(f.opts.Backoff.Delay(ps.misses))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
