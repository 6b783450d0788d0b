package auditspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ErrNoRecords is returned by Spool for an event without a header record.
var ErrNoRecords = errors.New("auditspool: no records to spool")

// Spooler writes events to the spool directories of the destinations that
// accept them.
type Spooler struct {
	cfg   *Config
	table *Table
	dests []Destination
	proc  *Processor
}

func newSpooler(cfg *Config, table *Table, dests []Destination, proc *Processor) *Spooler {
	return &Spooler{cfg: cfg, table: table, dests: dests, proc: proc}
}

// Spool records one event for every installed destination that does not
// suppress it. header describes the event, details carry its per-instance
// records; duplicate details are dropped.
//
// Only caller errors are returned: an unknown event code, an empty header,
// or a header that violates the schema of the event class. Failures to
// write or deliver for a single destination are logged and passed to the
// ErrorFunc, and never affect the other destinations.
func (s *Spooler) Spool(ctx context.Context, eventCode string, header Record, details []Record) error {
	desc, err := s.table.Resolve(eventCode)
	if err != nil {
		return err
	}
	if header.IsZero() {
		return fmt.Errorf("%w: %s", ErrNoRecords, eventCode)
	}
	if err := s.table.ValidateHeader(desc, header); err != nil {
		return err
	}

	principal := callingPrincipal(header)
	targets := s.targets(desc, principal)
	if len(targets) == 0 {
		return nil
	}
	details = dedupDetails(details)

	var g errgroup.Group
	for _, d := range targets {
		g.Go(func() error {
			if err := s.spoolTo(ctx, d, desc, principal, header, details); err != nil {
				s.cfg.Metrics.SpoolFailed(d.Name, desc.Code)
				s.cfg.Logger.Error("auditspool: failed to spool event",
					slog.String("destination", d.Name),
					slog.String("event_code", desc.Code),
					slog.Any("error", err))
				s.cfg.reportError(err, d.Name)
			}
			return nil
		})
	}
	return g.Wait()
}

// targets returns the destinations that accept events of type desc from
// principal.
func (s *Spooler) targets(desc EventTypeDescriptor, principal string) []Destination {
	var out []Destination
	for i := range s.dests {
		if !IsSuppressed(desc, principal, &s.dests[i]) {
			out = append(out, s.dests[i])
		}
	}
	return out
}

func (s *Spooler) spoolTo(ctx context.Context, d Destination, desc EventTypeDescriptor, principal string, header Record, details []Record) error {
	if d.Batched() && desc.Aggregatable {
		key := AggregationKey(desc.Code, principal, header.CalledUserID, header.StudyUID)
		mu := s.proc.files.get(SpoolFile{Dir: d.SpoolDir, Name: key}.Path())
		mu.Lock()
		f, isNew, err := aggregate(d.SpoolDir, key, header, details)
		mu.Unlock()
		if err != nil {
			return err
		}
		s.cfg.Metrics.FileSpooled(d.Name, desc.Code)
		s.cfg.Logger.Debug("auditspool: aggregated event",
			slog.String("destination", d.Name),
			slog.String("file", f.Path()),
			slog.Bool("new", isNew),
			slog.Int("details", len(details)))
		return nil
	}

	f, err := CreateHeader(d.SpoolDir, desc.Code, header)
	if err != nil {
		return err
	}
	for _, rec := range details {
		if err := AppendDetail(f, rec); err != nil {
			return err
		}
	}
	s.cfg.Metrics.FileSpooled(d.Name, desc.Code)
	// Failures are logged by the processor and retried by the scheduler.
	_, _ = s.proc.Process(ctx, d, f)
	return nil
}

// callingPrincipal is the user ID of the calling side, or its host when
// the user ID is unknown.
func callingPrincipal(header Record) string {
	if header.CallingUserID != "" {
		return header.CallingUserID
	}
	return header.CallingHost
}

// dedupDetails drops repeated records, keeping the first occurrence and
// the original order.
func dedupDetails(details []Record) []Record {
	if len(details) < 2 {
		return details
	}
	seen := make(map[Record]struct{}, len(details))
	out := make([]Record, 0, len(details))
	for _, rec := range details {
		if _, ok := seen[rec]; ok {
			continue
		}
		seen[rec] = struct{}{}
		out = append(out, rec)
	}
	return out
}
