package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atmoslab/era-fetcher/internal/catalog"
	"github.com/atmoslab/era-fetcher/internal/cds"
	"github.com/atmoslab/era-fetcher/internal/config"
	"github.com/atmoslab/era-fetcher/internal/fetcher"
	"github.com/atmoslab/era-fetcher/internal/journal"
	"github.com/atmoslab/era-fetcher/internal/logging"
	"github.com/atmoslab/era-fetcher/internal/metrics"
	"github.com/atmoslab/era-fetcher/internal/plan"
	"github.com/atmoslab/era-fetcher/internal/product"
	"github.com/atmoslab/era-fetcher/internal/sink"
	"github.com/atmoslab/era-fetcher/internal/state"
	"github.com/atmoslab/era-fetcher/internal/watcher"
)

// Exit codes. Operator scripts key on these, keep them stable.
const (
	exitOK          = 0
	exitAbandoned   = 1 // at least one chunk was given up on
	exitConfig      = 2 // configuration or startup error
	exitInterrupted = 3 // run cancelled by signal, state saved for resume
	exitWaiting     = 4 // exit-when-waiting with work still in flight
	exitRunFailed   = 5 // internal fault, see log
)

func main() {
	code := run()
	time.Sleep(100 * time.Millisecond)
	os.Exit(code)
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] era-fetcher %s (%s)", fetcher.Version, fetcher.GitSHA)

	args := os.Args[1:]
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("era-fetcher "+command, flag.ExitOnError)
	var (
		configPath      = fs.String("config", "", "YAML configuration file")
		caseName        = fs.String("case", "", "case name (overrides config)")
		startDay        = fs.String("start", "", "first day, YYYY-MM-DD (overrides config)")
		endDay          = fs.String("end", "", "last day inclusive, YYYY-MM-DD (overrides config)")
		products        = fs.String("products", "", "comma separated product names (overrides config)")
		outputRoot      = fs.String("output", "", "output directory (overrides config)")
		runID           = fs.String("run-id", "", "run identifier, defaults to the case name")
		maxOutstanding  = fs.Int("max-outstanding", 0, "remote jobs held open at once (overrides config)")
		retryCeiling    = fs.Int("retry-ceiling", 0, "attempts per chunk before giving up (overrides config)")
		exitWhenWaiting = fs.Bool("exit-when-waiting", false, "single pass, exit while the archive works")
	)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `era-fetcher downloads reanalysis data in resumable chunks.

Usage:
  era-fetcher [run|watch|plan|status] [flags]

Commands:
  run     submit, poll and download every chunk, then exit (default)
  watch   like run, but sleep on an escalating ladder while the queue works
  plan    print the chunk plan without touching the remote API
  status  print the saved state of a run

Flags:
`)
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[main] %v", err)
		return exitConfig
	}
	if *caseName != "" {
		cfg.Case.Name = *caseName
	}
	if *startDay != "" {
		cfg.Case.Start = *startDay
	}
	if *endDay != "" {
		cfg.Case.End = *endDay
	}
	if *products != "" {
		cfg.Case.Products = strings.Split(*products, ",")
	}
	if *outputRoot != "" {
		cfg.Sink.Root = *outputRoot
	}
	if *maxOutstanding > 0 {
		cfg.Orchestrator.MaxOutstanding = *maxOutstanding
	}
	if *retryCeiling > 0 {
		cfg.Orchestrator.RetryCeiling = *retryCeiling
	}
	if *exitWhenWaiting {
		cfg.Orchestrator.ExitWhenWaiting = true
	}
	if *runID != "" {
		cfg.RunID = *runID
	}

	logging.Setup(cfg.Logging)

	switch command {
	case "run", "watch":
		return runFetch(cfg, command == "watch")
	case "plan":
		return printPlan(cfg)
	case "status":
		return printStatus(cfg)
	default:
		log.Printf("[main] unknown command %q", command)
		fs.Usage()
		return exitConfig
	}
}

// resolveRunID picks the identifier the state file and journal are keyed
// by. A stable id is what makes interrupted runs resumable.
func resolveRunID(cfg config.Config) string {
	if cfg.RunID != "" {
		return cfg.RunID
	}
	return cfg.Case.Name
}

func buildPlan(cfg config.Config) ([]plan.ChunkSpec, error) {
	catalogue, err := product.NewCatalog(cfg.Products)
	if err != nil {
		return nil, err
	}
	defs, err := catalogue.Resolve(cfg.Case.Products)
	if err != nil {
		return nil, err
	}
	start, end, err := cfg.Case.Range()
	if err != nil {
		return nil, err
	}

	chunks, err := plan.Plan(plan.Request{
		Case:      cfg.Case.Name,
		Start:     start,
		End:       end,
		Products:  defs,
		Times:     cfg.Request.Times,
		Area:      cfg.Request.ResolvedArea(),
		Grid:      cfg.Request.Grid,
		Format:    cfg.Request.Format,
		ChunkDays: cfg.Request.ChunkDays,
		MaxFields: cfg.Request.MaxFields,
	})
	if err != nil {
		return nil, err
	}
	plan.SortByID(chunks)
	return chunks, nil
}

func runFetch(cfg config.Config, watch bool) int {
	if err := cfg.Validate(); err != nil {
		log.Printf("[main] invalid configuration: %v", err)
		return exitConfig
	}
	if cfg.Remote.Token == "" {
		log.Printf("[main] remote.token is required (or set CDSAPI_KEY)")
		return exitConfig
	}

	chunks, err := buildPlan(cfg)
	if err != nil {
		log.Printf("[main] planning failed: %v", err)
		return exitConfig
	}
	id := resolveRunID(cfg)
	log.Printf("[main] run %s: %d chunks for case %s (%s to %s)",
		id, len(chunks), cfg.Case.Name, cfg.Case.Start, cfg.Case.End)

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	jw, err := journal.Open(cfg.State.Dir, id)
	if err != nil {
		log.Printf("[main] failed to open journal: %v", err)
		return exitConfig
	}
	defer jw.Close()

	tracker, err := state.NewTracker(cfg.State.Dir, id, jw)
	if err != nil {
		log.Printf("[main] failed to create state tracker: %v", err)
		return exitConfig
	}
	if err := tracker.Load(); err != nil {
		log.Printf("[main] failed to load state: %v", err)
		return exitConfig
	}

	snk, err := sink.New(ctx, cfg.Sink.Root, cfg.Sink.MirrorURL)
	if err != nil {
		log.Printf("[main] failed to create sink: %v", err)
		return exitConfig
	}
	defer snk.Close()

	cat, err := catalog.NewWriter(catalog.Config{PostgresDSN: cfg.Catalog.PostgresDSN})
	if err != nil {
		log.Printf("[main] failed to open catalog: %v", err)
		return exitConfig
	}
	defer cat.Close()

	client := cds.NewClient(cds.Options{
		BaseURL:         cfg.Remote.BaseURL,
		Token:           cfg.Remote.Token,
		Timeout:         time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		RetryAttempts:   cfg.Remote.RetryAttempts,
		RetryBackoff:    time.Duration(cfg.Remote.RetryBackoffMs) * time.Millisecond,
		RetryMaxBackoff: time.Duration(cfg.Remote.RetryMaxBackoffMs) * time.Millisecond,
		RateLimit:       cfg.Remote.RateLimit,
		RateBurst:       cfg.Remote.RateBurst,
	})

	f := fetcher.New(client, tracker, snk, cat, chunks, fetcher.Options{
		RunID:          id,
		MaxOutstanding: cfg.Orchestrator.MaxOutstanding,
		RetryCeiling:   cfg.Orchestrator.RetryCeiling,
		PollInterval:   cfg.Orchestrator.PollInterval(),
		Backoff: fetcher.Policy{
			Base:   time.Duration(cfg.Orchestrator.BackoffBaseSeconds) * time.Second,
			Cap:    time.Duration(cfg.Orchestrator.BackoffCapSeconds) * time.Second,
			Jitter: true,
		},
		MaxQueuedAge: cfg.Orchestrator.MaxQueuedAge(),
	})

	var sum fetcher.Summary
	switch {
	case cfg.Orchestrator.ExitWhenWaiting:
		sum, err = f.RunOnce(ctx)
	case watch:
		sum, err = watcher.New(f, cfg.Orchestrator.WatchIntervals()).Run(ctx)
	default:
		sum, err = f.Run(ctx)
	}

	if err != nil {
		if ctx.Err() != nil {
			log.Printf("[shutdown] run interrupted, state saved for resume")
			return exitInterrupted
		}
		log.Printf("[main] run failed: %v", err)
		return exitRunFailed
	}

	if sum.Abandoned > 0 {
		for _, rec := range tracker.Abandoned() {
			log.Printf("[main] abandoned %s after %d attempts: %s",
				rec.ChunkID, rec.AttemptCount, rec.LastError)
		}
		log.Printf("[main] finished with %d downloaded, %d abandoned", sum.Downloaded, sum.Abandoned)
		return exitAbandoned
	}
	if !sum.Done() {
		log.Printf("[main] %d chunks still working remotely, %d waiting to submit, resume later",
			sum.Outstanding+sum.Completed, sum.Pending)
		return exitWaiting
	}

	log.Printf("[main] all %d chunks downloaded", sum.Downloaded)
	return exitOK
}

// printPlan shows the chunk decomposition without any remote interaction.
func printPlan(cfg config.Config) int {
	if err := cfg.Validate(); err != nil {
		log.Printf("[main] invalid configuration: %v", err)
		return exitConfig
	}
	chunks, err := buildPlan(cfg)
	if err != nil {
		log.Printf("[main] planning failed: %v", err)
		return exitConfig
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHUNK\tDAYS\tFIELDS\tPATH")
	for _, c := range chunks {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.ID, c.Days(), c.Fields(), c.TargetPath)
	}
	w.Flush()
	fmt.Printf("%d chunks\n", len(chunks))
	return exitOK
}

// printStatus shows the saved lifecycle state of a run.
func printStatus(cfg config.Config) int {
	id := resolveRunID(cfg)
	if id == "" {
		log.Printf("[main] status needs a run id (set -run-id, run_id or case.name)")
		return exitConfig
	}

	tracker, err := state.NewTracker(cfg.State.Dir, id, nil)
	if err != nil {
		log.Printf("[main] failed to open state: %v", err)
		return exitConfig
	}
	if err := tracker.Load(); err != nil {
		log.Printf("[main] failed to load state: %v", err)
		return exitConfig
	}

	ids := tracker.ChunkIDs()
	if len(ids) == 0 {
		fmt.Printf("run %s: no chunks recorded\n", id)
		return exitOK
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHUNK\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, chunkID := range ids {
		rec, _ := tracker.Record(chunkID)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rec.ChunkID, rec.Status, rec.AttemptCount, rec.LastError)
	}
	w.Flush()

	counts := tracker.Counts()
	var parts []string
	for _, st := range state.Statuses {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	fmt.Printf("run %s: %s\n", id, strings.Join(parts, ", "))

	if counts[state.StatusAbandoned] > 0 {
		return exitAbandoned
	}
	if !tracker.AllTerminal() || counts[state.StatusDownloaded] != len(ids) {
		return exitWaiting
	}
	return exitOK
}
