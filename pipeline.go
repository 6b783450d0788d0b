package auditspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// ErrPipelineClosed is returned when spooling through a closed Pipeline.
var ErrPipelineClosed = errors.New("auditspool: pipeline closed")

// Pipeline connects the spooler, the processor and the scheduler for a set
// of destinations. It is safe for concurrent use.
type Pipeline struct {
	cfg     Config
	table   *Table
	dests   []Destination
	byName  map[string]int
	spooler *Spooler
	proc    *Processor
	sched   *Scheduler

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a Pipeline from the default configuration and opts.
// An Emitter is required.
func New(opts ...Option) (*Pipeline, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	if cfg.Emitter == nil {
		return nil, errors.New("auditspool: an emitter is required")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("auditspool: invalid flush interval %v", cfg.FlushInterval)
	}
	if cfg.MinFileAge < 0 {
		cfg.MinFileAge = 0
	}
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("auditspool")
	}

	dests, err := prepareDestinations(cfg.SpoolRoot, cfg.Destinations)
	if err != nil {
		return nil, err
	}
	cfg.Destinations = dests

	p := &Pipeline{
		cfg:    cfg,
		table:  cfg.Table,
		dests:  dests,
		byName: make(map[string]int, len(dests)),
	}
	for i, d := range dests {
		p.byName[d.Name] = i
	}
	p.proc = newProcessor(&p.cfg, p.table, dests)
	p.spooler = newSpooler(&p.cfg, p.table, dests, p.proc)
	p.sched = newScheduler(&p.cfg, p.proc, dests)

	cfg.Logger.Info("auditspool: pipeline created",
		slog.Int("destinations", len(dests)),
		slog.Duration("flush_interval", cfg.FlushInterval),
		slog.Duration("min_file_age", cfg.MinFileAge))
	return p, nil
}

// Spool records one event. See Spooler.Spool.
func (p *Pipeline) Spool(ctx context.Context, eventCode string, header Record, details ...Record) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	return p.spooler.Spool(ctx, eventCode, header, details)
}

// Process runs the processor on a single file of the named destination.
func (p *Pipeline) Process(ctx context.Context, destination string, f SpoolFile) (Outcome, error) {
	d, ok := p.Destination(destination)
	if !ok {
		return OutcomeRetained, fmt.Errorf("%w: %q", ErrUnknownDestination, destination)
	}
	return p.proc.Process(ctx, d, f)
}

// Flush runs one processing pass over the named destination, leaving files
// younger than the configured minimum file age alone.
func (p *Pipeline) Flush(ctx context.Context, destination string) (FlushStats, error) {
	if p.closed.Load() {
		return FlushStats{}, ErrPipelineClosed
	}
	d, ok := p.Destination(destination)
	if !ok {
		return FlushStats{}, fmt.Errorf("%w: %q", ErrUnknownDestination, destination)
	}
	return p.sched.Flush(ctx, d, p.cfg.MinFileAge)
}

// FlushAll runs one pass over every installed destination concurrently.
// The stats are keyed by destination name; errors of single destinations
// are joined.
func (p *Pipeline) FlushAll(ctx context.Context) (map[string]FlushStats, error) {
	var (
		mu    sync.Mutex
		stats = make(map[string]FlushStats, len(p.dests))
		errs  []error
		g     errgroup.Group
	)
	for _, d := range p.dests {
		if !d.Installed {
			continue
		}
		g.Go(func() error {
			st, err := p.sched.Flush(ctx, d, p.cfg.MinFileAge)
			mu.Lock()
			defer mu.Unlock()
			stats[d.Name] = st
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, errors.Join(errs...)
}

// Start launches the scheduled passes. They stop when ctx is done or the
// pipeline is closed.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	p.sched.Start(ctx)
	return nil
}

// Close stops the scheduled passes and waits for running ones. Spool calls
// after Close fail with ErrPipelineClosed. Files left in the spool are
// delivered by the next pipeline using the same directories.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.sched.Close()
		p.cfg.Logger.Info("auditspool: pipeline closed")
	})
	return nil
}

// Destinations returns the configured destinations with defaults applied.
func (p *Pipeline) Destinations() []Destination {
	return append([]Destination(nil), p.dests...)
}

// Destination returns the destination with the given name.
func (p *Pipeline) Destination(name string) (Destination, bool) {
	i, ok := p.byName[name]
	if !ok {
		return Destination{}, false
	}
	return p.dests[i], true
}

// Table returns the event type table in use.
func (p *Pipeline) Table() *Table { return p.table }

// Pending lists the live spool files of the named destination regardless
// of their age.
func (p *Pipeline) Pending(destination string) ([]SpoolFile, error) {
	d, ok := p.Destination(destination)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDestination, destination)
	}
	return ScanDir(d.SpoolDir, 0)
}

// Quarantined lists the quarantined files of the named destination.
func (p *Pipeline) Quarantined(destination string) ([]SpoolFile, error) {
	d, ok := p.Destination(destination)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDestination, destination)
	}
	return ScanQuarantined(d.SpoolDir)
}

// Requeue moves every quarantined file of the named destination back into
// its live spool and returns the live files. It stops at the first rename
// that fails.
func (p *Pipeline) Requeue(destination string) ([]SpoolFile, error) {
	files, err := p.Quarantined(destination)
	if err != nil {
		return nil, err
	}
	live := make([]SpoolFile, 0, len(files))
	for _, f := range files {
		lf, err := Requeue(f)
		if err != nil {
			return live, err
		}
		live = append(live, lf)
	}
	if len(live) > 0 {
		p.cfg.Logger.Info("auditspool: requeued quarantined files",
			slog.String("destination", destination),
			slog.Int("files", len(live)))
	}
	return live, nil
}
