package auditspool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingEmitter records delivered records and fails the first failures
// attempts.
type recordingEmitter struct {
	mu       sync.Mutex
	failures int
	attempts int
	records  []*AuditRecord
	dests    []string
}

func (e *recordingEmitter) Emit(_ context.Context, destination string, rec *AuditRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.failures > 0 {
		e.failures--
		return errors.New("collector unavailable")
	}
	e.records = append(e.records, rec)
	e.dests = append(e.dests, destination)
	return nil
}

func (e *recordingEmitter) delivered() []*AuditRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*AuditRecord(nil), e.records...)
}

func (e *recordingEmitter) attemptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, e Emitter, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{
		WithSpoolRoot(t.TempDir()),
		WithEmitter(e),
		WithLogger(discardLogger()),
		WithDeviceName("ARCHIVE"),
		WithHostname("archive.example.org"),
		WithMinFileAge(0),
		WithCircuitBreaker(0, 0),
	}
	p, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func spoolDir(t *testing.T, p *Pipeline, name string) string {
	t.Helper()
	d, ok := p.Destination(name)
	if !ok {
		t.Fatalf("Destination %q not configured", name)
	}
	return d.SpoolDir
}

func liveFiles(t *testing.T, dir string) []SpoolFile {
	t.Helper()
	files, err := ScanDir(dir, 0)
	if err != nil {
		t.Fatalf("Failed to scan %s: %v", dir, err)
	}
	return files
}

func storeHeader() Record {
	return Record{
		CallingHost:   "10.0.0.5",
		CallingUserID: "STATIONA",
		CalledUserID:  "ARCHIVE",
		StudyUID:      "1.2.3",
	}
}

func TestNewRequiresEmitter(t *testing.T) {
	if _, err := New(WithSpoolRoot(t.TempDir())); err == nil {
		t.Fatal("Expected error for pipeline without emitter")
	}
}

func TestNewRejectsInvalidDestinations(t *testing.T) {
	e := &recordingEmitter{}
	cases := map[string][]Destination{
		"no name":      {{Installed: true}},
		"duplicate":    {{Name: "a"}, {Name: "a"}},
		"bad mode":     {{Name: "a", Mode: "later"}},
		"bad pattern":  {{Name: "a", Suppress: []SuppressRule{{Principals: []string{"[unclosed"}}}}},
		"bad express.": {{Name: "a", Suppress: []SuppressRule{{Expression: "code +"}}}},
		"shared dir":   {{Name: "a", SpoolDir: "/var/spool/audit/arr"}, {Name: "b", SpoolDir: "/var/spool/audit/arr/"}},
		"default dir":  {{Name: "a b"}, {Name: "a_b"}},
		"mixed dir":    {{Name: "arr"}, {Name: "b", SpoolDir: "$ROOT/arr"}},
	}
	for name, dests := range cases {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			for i := range dests {
				dests[i].SpoolDir = strings.Replace(dests[i].SpoolDir, "$ROOT", root, 1)
			}
			_, err := New(WithSpoolRoot(root), WithEmitter(e), WithLogger(discardLogger()), WithDestinations(dests...))
			if err == nil {
				t.Errorf("Expected error for %s", name)
			}
		})
	}
}

func TestNewAppliesDestinationDefaults(t *testing.T) {
	root := t.TempDir()
	p, err := New(WithSpoolRoot(root), WithEmitter(&recordingEmitter{}), WithLogger(discardLogger()),
		WithDestinations(Destination{Name: "Central ARR", Installed: true}))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	defer p.Close()
	d, ok := p.Destination("Central ARR")
	if !ok {
		t.Fatal("Destination not found")
	}
	if d.Mode != ModeImmediate {
		t.Errorf("Expected default mode %q, got %q", ModeImmediate, d.Mode)
	}
	if want := filepath.Join(root, "Central_ARR"); d.SpoolDir != want {
		t.Errorf("Expected spool dir %s, got %s", want, d.SpoolDir)
	}
}

// A store from STATIONA to ARCHIVE delivered to an immediate destination.
func TestStoreEventToImmediateDestination(t *testing.T) {
	e := &recordingEmitter{}
	p := newTestPipeline(t, e, WithDestinations(Destination{Name: "arr", Installed: true}))

	detail := Record{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", SOPInstanceUID: "1.2.3.4"}
	if err := p.Spool(context.Background(), CodeStoreCreate, storeHeader(), detail); err != nil {
		t.Fatalf("Spool failed: %v", err)
	}

	recs := e.delivered()
	if len(recs) != 1 {
		t.Fatalf("Expected 1 emitted record, got %d", len(recs))
	}
	rec := recs[0]
	if len(rec.ActiveParticipants) != 2 {
		t.Fatalf("Expected 2 active participants, got %d", len(rec.ActiveParticipants))
	}
	if got := rec.ActiveParticipants[0].UserID; got != "STATIONA" {
		t.Errorf("Expected first participant STATIONA, got %s", got)
	}
	if got := rec.ActiveParticipants[1].UserID; got != "ARCHIVE" {
		t.Errorf("Expected second participant ARCHIVE, got %s", got)
	}
	study := rec.Study()
	if study == nil || study.ID != "1.2.3" {
		t.Fatalf("Expected study 1.2.3, got %+v", study)
	}
	classes := study.Description.SOPClasses
	if len(classes) != 1 || classes[0].UID != detail.SOPClassUID || classes[0].NumberOfInstances != 1 {
		t.Errorf("Expected one SOP class with one instance, got %+v", classes)
	}
	if rec.ID == "" {
		t.Error("Expected record ID to be set")
	}
	if files := liveFiles(t, spoolDir(t, p, "arr")); len(files) != 0 {
		t.Errorf("Expected spool file to be deleted after delivery, found %v", files)
	}
}

func TestAtLeastOnceDelivery(t *testing.T) {
	const failures = 3
	e := &recordingEmitter{failures: failures}
	p := newTestPipeline(t, e, WithDestinations(Destination{Name: "arr", Installed: true}))
	dir := spoolDir(t, p, "arr")
	ctx := context.Background()

	if err := p.Spool(ctx, CodeStoreCreate, storeHeader(), Record{SOPClassUID: "1.2", SOPInstanceUID: "1.2.3.4"}); err != nil {
		t.Fatalf("Spool failed: %v", err)
	}
	for i := 1; i < failures; i++ {
		if files := liveFiles(t, dir); len(files) != 1 {
			t.Fatalf("Expected spool file to be kept after failure %d, found %d files", i, len(files))
		}
		stats, err := p.Flush(ctx, "arr")
		if err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if stats.Retained != 1 {
			t.Errorf("Expected 1 retained file, got %+v", stats)
		}
	}
	stats, err := p.Flush(ctx, "arr")
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("Expected 1 delivered file, got %+v", stats)
	}
	if got := e.attemptCount(); got != failures+1 {
		t.Errorf("Expected %d emit attempts, got %d", failures+1, got)
	}
	if files := liveFiles(t, dir); len(files) != 0 {
		t.Errorf("Expected spool file to be deleted after success, found %v", files)
	}
	if len(e.delivered()) != 1 {
		t.Errorf("Expected exactly one delivered record, got %d", len(e.delivered()))
	}
}

func TestRedeliveryKeepsRecordID(t *testing.T) {
	e := &recordingEmitter{failures: 1}
	var firstID string
	first := EmitterFunc(func(ctx context.Context, dest string, rec *AuditRecord) error {
		if firstID == "" {
			firstID = rec.ID
		}
		return e.Emit(ctx, dest, rec)
	})
	p := newTestPipeline(t, first, WithDestinations(Destination{Name: "arr", Installed: true}))
	if err := p.Spool(context.Background(), CodeStoreCreate, storeHeader()); err != nil {
		t.Fatalf("Spool failed: %v", err)
	}
	if _, err := p.Flush(context.Background(), "arr"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	recs := e.delivered()
	if len(recs) != 1 {
		t.Fatalf("Expected 1 delivered record, got %d", len(recs))
	}
	if recs[0].ID != firstID {
		t.Errorf("Expected redelivery to keep record ID %s, got %s", firstID, recs[0].ID)
	}
}

func TestPoisonIsolation(t *testing.T) {
	e := &recordingEmitter{}
	p := newTestPipeline(t, e, WithDestinations(Destination{Name: "arr", Installed: true, Mode: ModeBatched}))
	dir := spoolDir(t, p, "arr")

	valid, err := CreateHeader(dir, CodeStoreCreate, storeHeader())
	if err != nil {
		t.Fatalf("Failed to create spool file: %v", err)
	}
	bad := filepath.Join(dir, CodeStoreCreate+"-corrupt")
	if err := os.WriteFile(bad, []byte("not a spool record\n"), 0o644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	var reported []string
	p.cfg.ErrorFunc = func(err error, dest string) { reported = append(reported, dest) }

	stats, err := p.Flush(context.Background(), "arr")
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if stats.Delivered != 1 || stats.Quarantined != 1 {
		t.Errorf("Expected 1 delivered and 1 quarantined, got %+v", stats)
	}
	if _, err := os.Stat(valid.Path()); !os.IsNotExist(err) {
		t.Errorf("Expected valid file to be deleted, stat error: %v", err)
	}
	if _, err := os.Stat(bad + QuarantineSuffix); err != nil {
		t.Errorf("Expected quarantined file: %v", err)
	}
	if len(reported) != 1 || reported[0] != "arr" {
		t.Errorf("Expected quarantine reported for arr, got %v", reported)
	}

	q, err := p.Quarantined("arr")
	if err != nil {
		t.Fatalf("Quarantined failed: %v", err)
	}
	if len(q) != 1 {
		t.Fatalf("Expected 1 quarantined file, got %v", q)
	}

	// A second pass leaves the quarantined file alone.
	stats, err = p.Flush(context.Background(), "arr")
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if stats.Scanned != 0 {
		t.Errorf("Expected quarantined file to be skipped, got %+v", stats)
	}
}

func TestRequeueQuarantined(t *testing.T) {
	e := &recordingEmitter{}
	p := newTestPipeline(t, e, WithDestinations(Destination{Name: "arr", Installed: true, Mode: ModeBatched}))
	dir := spoolDir(t, p, "arr")

	f, err := CreateHeader(dir, CodeStoreCreate, storeHeader())
	if err != nil {
		t.Fatalf("Failed to create spool file: %v", err)
	}
	if err := Quarantine(f); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	live, err := p.Requeue("arr")
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if len(live) != 1 || live[0].Name != f.Name {
		t.Fatalf("Expected %s to be requeued, got %v", f.Name, live)
	}
	stats, err := p.Flush(context.Background(), "arr")
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("Expected requeued file to be delivered, got %+v", stats)
	}
}

func TestFlushAll(t *testing.T) {
	e := &recordingEmitter{}
	p := newTestPipeline(t, e, WithDestinations(
		Destination{Name: "a", Installed: true, Mode: ModeBatched},
		Destination{Name: "b", Installed: true, Mode: ModeBatched},
		Destination{Name: "off", Installed: false, Mode: ModeBatched},
	))
	ctx := context.Background()
	if err := p.Spool(ctx, CodeStoreCreate, storeHeader(), Record{SOPClassUID: "1.2", SOPInstanceUID: "1.2.3.4"}); err != nil {
		t.Fatalf("Spool failed: %v", err)
	}
	if n := len(e.delivered()); n != 0 {
		t.Fatalf("Expected batched destinations to defer delivery, got %d records", n)
	}
	stats, err := p.FlushAll(ctx)
	if err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if len(stats) != 2 {
		t.Errorf("Expected stats for 2 installed destinations, got %v", stats)
	}
	for _, name := range []string{"a", "b"} {
		if stats[name].Delivered != 1 {
			t.Errorf("Expected 1 delivery for %s, got %+v", name, stats[name])
		}
	}
	if _, err := p.Flush(ctx, "missing"); !errors.Is(err, ErrUnknownDestination) {
		t.Errorf("Expected ErrUnknownDestination, got %v", err)
	}
}

func TestStartDeliversBatchedFiles(t *testing.T) {
	e := &recordingEmitter{}
	p := newTestPipeline(t, e,
		WithDestinations(Destination{Name: "arr", Installed: true, Mode: ModeBatched}),
		WithFlushInterval(10*time.Millisecond))

	if err := p.Spool(context.Background(), CodeStoreCreate, storeHeader(), Record{SOPClassUID: "1.2", SOPInstanceUID: "1.2.3.4"}); err != nil {
		t.Fatalf("Spool failed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(e.delivered()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(e.delivered()) != 1 {
		t.Fatalf("Expected scheduler to deliver 1 record, got %d", len(e.delivered()))
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Spool(context.Background(), CodeStoreCreate, storeHeader()); !errors.Is(err, ErrPipelineClosed) {
		t.Errorf("Expected ErrPipelineClosed after Close, got %v", err)
	}
}
