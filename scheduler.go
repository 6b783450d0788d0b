package auditspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FlushStats counts the outcomes of one processing pass over a destination.
type FlushStats struct {
	Scanned     int  `json:"scanned"`
	Delivered   int  `json:"delivered"`
	Retained    int  `json:"retained"`
	Quarantined int  `json:"quarantined"`
	NotReady    int  `json:"notReady"`
	Gone        int  `json:"gone"`
	Skipped     bool `json:"skipped,omitempty"` // another pass was already running
}

func (s *FlushStats) add(o Outcome) {
	switch o {
	case OutcomeDelivered:
		s.Delivered++
	case OutcomeRetained:
		s.Retained++
	case OutcomeQuarantined:
		s.Quarantined++
	case OutcomeNotReady:
		s.NotReady++
	case OutcomeGone:
		s.Gone++
	}
}

// Scheduler runs periodic processing passes, one loop per installed
// destination. Passes of one destination never overlap.
type Scheduler struct {
	cfg   *Config
	proc  *Processor
	dests []Destination
	locks map[string]*sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newScheduler(cfg *Config, proc *Processor, dests []Destination) *Scheduler {
	locks := make(map[string]*sync.Mutex, len(dests))
	for _, d := range dests {
		locks[d.Name] = new(sync.Mutex)
	}
	return &Scheduler{cfg: cfg, proc: proc, dests: dests, locks: locks}
}

// Flush processes the files of d that are at least minAge old, oldest
// first. Each file is handled on its own, so one unprocessable file never
// blocks the others. If a pass for d is already running, Flush returns at
// once with Skipped set.
func (s *Scheduler) Flush(ctx context.Context, d Destination, minAge time.Duration) (FlushStats, error) {
	var stats FlushStats
	lock, ok := s.locks[d.Name]
	if !ok {
		return stats, fmt.Errorf("%w: %q", ErrUnknownDestination, d.Name)
	}
	if !lock.TryLock() {
		stats.Skipped = true
		return stats, nil
	}
	defer lock.Unlock()

	files, err := ScanDir(d.SpoolDir, minAge)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(files)
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			stats.Retained += len(files) - i
			return stats, err
		}
		outcome, err := s.proc.Process(ctx, d, f)
		stats.add(outcome)
		if errors.Is(err, ErrCircuitOpen) {
			stats.Retained += len(files) - i - 1
			break
		}
	}
	if stats.Delivered > 0 || stats.Quarantined > 0 || stats.Retained > 0 {
		s.cfg.Logger.Info("auditspool: flushed spool directory",
			slog.String("destination", d.Name),
			slog.Int("scanned", stats.Scanned),
			slog.Int("delivered", stats.Delivered),
			slog.Int("retained", stats.Retained),
			slog.Int("quarantined", stats.Quarantined))
	}
	return stats, nil
}

// Start launches the periodic loops. Each loop runs a first pass at once so
// that files left by a previous run are picked up. Calling Start on a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, d := range s.dests {
		if !d.Installed {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, d)
	}
}

func (s *Scheduler) loop(ctx context.Context, d Destination) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		s.runPass(ctx, d)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runPass runs one scheduled pass and keeps a panicking emitter from
// stopping the loop.
func (s *Scheduler) runPass(ctx context.Context, d Destination) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("auditspool: flush of %s panicked: %v", d.Name, r)
			s.cfg.Logger.Error(err.Error(), slog.String("destination", d.Name))
			s.cfg.reportError(err, d.Name)
		}
	}()
	if _, err := s.Flush(ctx, d, s.cfg.MinFileAge); err != nil && ctx.Err() == nil {
		s.cfg.Logger.Error("auditspool: scheduled flush failed", slog.String("destination", d.Name), slog.Any("error", err))
		s.cfg.reportError(err, d.Name)
	}
}

// Close stops the loops and waits for running passes to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
}
