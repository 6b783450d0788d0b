package auditspool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Outcome is the result of processing one spool file.
type Outcome int

const (
	// OutcomeDelivered means the record was accepted and the file retired.
	OutcomeDelivered Outcome = iota
	// OutcomeRetained means delivery failed or was skipped, or the file grew
	// while its record was delivered; the file stays for the next pass.
	OutcomeRetained
	// OutcomeQuarantined means the file could not be turned into a record
	// and was renamed with QuarantineSuffix.
	OutcomeQuarantined
	// OutcomeNotReady means the file is still being written.
	OutcomeNotReady
	// OutcomeGone means the file was retired by someone else.
	OutcomeGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetained:
		return "retained"
	case OutcomeQuarantined:
		return "quarantined"
	case OutcomeNotReady:
		return "not-ready"
	case OutcomeGone:
		return "gone"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// recordNamespace scopes the name-based record IDs.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:auditspool:record"))

// RecordID returns the ID of the record built from the spool file name for
// destination with the given modification time. Redelivering an unchanged
// file yields the same ID.
func RecordID(destination, name string, mod time.Time) string {
	key := destination + "\x00" + name + "\x00" + mod.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// Processor turns spool files into audit records and hands them to the
// emitter. It is safe for concurrent use; two calls for the same file may
// both deliver, which collectors tolerate through the record ID.
type Processor struct {
	cfg      *Config
	table    *Table
	breakers *breakers
	limiters map[string]*rate.Limiter
	files    *fileLocks
}

// fileLocks serializes appends to an aggregation file with its deletion
// after delivery. Paths share a fixed set of mutexes.
type fileLocks [64]sync.Mutex

func (l *fileLocks) get(path string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(path))
	return &l[h.Sum32()%uint32(len(l))]
}

func newProcessor(cfg *Config, table *Table, dests []Destination) *Processor {
	p := &Processor{
		cfg:      cfg,
		table:    table,
		breakers: newBreakers(cfg.CircuitTimeout, cfg.CircuitMaxFails),
		limiters: make(map[string]*rate.Limiter),
		files:    new(fileLocks),
	}
	for _, d := range dests {
		if d.RateLimit <= 0 {
			continue
		}
		burst := d.RateBurst
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(d.RateLimit)))
		}
		p.limiters[d.Name] = rate.NewLimiter(rate.Limit(d.RateLimit), burst)
	}
	return p
}

// Process delivers the record stored in f to dest.
//
// The returned error describes why a file was retained or quarantined; it
// is nil for OutcomeDelivered, OutcomeNotReady and OutcomeGone unless a
// delivered file could not be retired. A file that grew during delivery is
// kept and reported as OutcomeRetained with a nil error; the next pass sends
// all of its details again, including those already delivered, under a new
// record ID.
func (p *Processor) Process(ctx context.Context, dest Destination, f SpoolFile) (Outcome, error) {
	code := f.EventCode()
	ctx, span := p.cfg.Tracer.Start(ctx, "auditspool.Process", trace.WithAttributes(
		attribute.String("audit.destination", dest.Name),
		attribute.String("audit.event_code", code),
		attribute.String("audit.file", f.Name),
	))
	defer span.End()

	outcome, err := p.process(ctx, span, dest, f, code)
	span.SetAttributes(attribute.String("audit.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (p *Processor) process(ctx context.Context, span trace.Span, dest Destination, f SpoolFile, code string) (Outcome, error) {
	log := p.cfg.Logger.With(
		slog.String("destination", dest.Name),
		slog.String("file", f.Path()),
		slog.String("event_code", code),
	)

	// mod must not be newer than the content read below; retire relies on it.
	mod, err := ModTime(f)
	if errors.Is(err, fs.ErrNotExist) {
		return OutcomeGone, nil
	}
	if err != nil {
		return OutcomeRetained, fmt.Errorf("%w: stat %s: %v", ErrSpoolIO, f, err)
	}

	header, details, err := Read(f)
	switch {
	case errors.Is(err, ErrNotReady):
		log.Debug("auditspool: skipping spool file still being written")
		return OutcomeNotReady, nil
	case errors.Is(err, fs.ErrNotExist):
		return OutcomeGone, nil
	case errors.Is(err, ErrCorruptRecord):
		return p.poison(log, dest, f, code, err)
	case err != nil:
		log.Warn("auditspool: failed to read spool file", slog.Any("error", err))
		return OutcomeRetained, fmt.Errorf("%w: read %s: %v", ErrSpoolIO, f, err)
	}

	desc, err := p.table.Resolve(code)
	if err != nil {
		return p.poison(log, dest, f, code, err)
	}
	rec, err := BuildRecord(desc, header, details, mod, p.cfg.Local, dest.Hostname)
	if err != nil {
		return p.poison(log, dest, f, code, err)
	}
	rec.ID = RecordID(dest.Name, f.Name, mod)
	span.SetAttributes(attribute.String("audit.record_id", rec.ID))

	if !p.breakers.get(dest.Name).Allow() {
		p.cfg.Metrics.EmitFailed(dest.Name, code)
		return OutcomeRetained, fmt.Errorf("%w: %s", ErrCircuitOpen, dest.Name)
	}
	if lim := p.limiters[dest.Name]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return OutcomeRetained, fmt.Errorf("auditspool: rate limit wait for %s: %w", dest.Name, err)
		}
	}

	start := time.Now()
	err = p.cfg.Emitter.Emit(ctx, dest.Name, rec)
	p.cfg.Metrics.EmitLatency(dest.Name, code, time.Since(start))
	if err != nil {
		p.breakers.get(dest.Name).RecordFailure()
		p.cfg.Metrics.EmitFailed(dest.Name, code)
		log.Warn("auditspool: delivery failed, keeping spool file", slog.String("record_id", rec.ID), slog.Any("error", err))
		return OutcomeRetained, fmt.Errorf("auditspool: emit %s to %s: %w", f.Name, dest.Name, err)
	}
	p.breakers.get(dest.Name).RecordSuccess()
	p.cfg.Metrics.RecordEmitted(dest.Name, code)

	retired, err := p.retire(f, mod)
	if err != nil {
		log.Error("auditspool: failed to retire delivered spool file", slog.Any("error", err))
		p.cfg.reportError(err, dest.Name)
		return OutcomeDelivered, err
	}
	if !retired {
		log.Info("auditspool: spool file grew during delivery, keeping it; its details are sent again with the next pass",
			slog.String("record_id", rec.ID))
		return OutcomeRetained, nil
	}
	log.Debug("auditspool: delivered", slog.String("record_id", rec.ID))
	return OutcomeDelivered, nil
}

// retire deletes f unless it was modified after mod. A modified file holds
// details that were not part of the delivered record.
func (p *Processor) retire(f SpoolFile, mod time.Time) (bool, error) {
	mu := p.files.get(f.Path())
	mu.Lock()
	defer mu.Unlock()
	if cur, err := ModTime(f); err == nil && !cur.Equal(mod) {
		return false, nil
	}
	return true, Retire(f)
}

// poison sets f aside after it could not be turned into a record.
func (p *Processor) poison(log *slog.Logger, dest Destination, f SpoolFile, code string, cause error) (Outcome, error) {
	if err := Quarantine(f); err != nil {
		log.Error("auditspool: failed to quarantine unprocessable spool file", slog.Any("cause", cause), slog.Any("error", err))
		p.cfg.reportError(err, dest.Name)
		return OutcomeRetained, err
	}
	p.cfg.Metrics.FileQuarantined(dest.Name, code)
	log.Error("auditspool: quarantined unprocessable spool file", slog.Any("error", cause))
	err := fmt.Errorf("auditspool: quarantined %s: %w", f, cause)
	p.cfg.reportError(err, dest.Name)
	return OutcomeQuarantined, err
}
