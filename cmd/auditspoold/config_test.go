package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dr4tinymous/auditspool"
)

const sampleConfig = `
spoolRoot: /var/spool/audit
flushInterval: 1m
minFileAge: 0s
local:
  deviceName: dcm4chee-arc
  enterpriseSiteID: Radiology
admin:
  addr: 0.0.0.0:9000
destinations:
  - name: central-arr
    installed: true
    mode: batched
    suppress:
      - eventCodes: [QUERY_QIDO]
    emitter:
      kafka:
        brokers: [kafka-1:9092, kafka-2:9092]
        retryDelay: 250ms
  - name: records-db
    installed: true
    emitter:
      sql:
        driver: postgres
        dsn: postgres://audit@db/audit
  - name: archive-log
    installed: false
    emitter:
      file:
        path: /var/log/audit/records.log
  - name: stream
    installed: true
    emitter:
      redis:
        addr: localhost:6379
        maxLen: 10000
`

func TestParseDaemonConfig(t *testing.T) {
	cfg, err := parseDaemonConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parseDaemonConfig failed: %v", err)
	}
	if cfg.SpoolRoot != "/var/spool/audit" || cfg.FlushInterval != time.Minute {
		t.Errorf("Unexpected spool settings %s %v", cfg.SpoolRoot, cfg.FlushInterval)
	}
	if cfg.MinFileAge == nil || *cfg.MinFileAge != 0 {
		t.Errorf("Expected explicit zero min file age, got %v", cfg.MinFileAge)
	}
	if cfg.Admin.Addr != "0.0.0.0:9000" || cfg.Local.DeviceName != "dcm4chee-arc" {
		t.Errorf("Unexpected admin %+v or local %+v", cfg.Admin, cfg.Local)
	}
	if len(cfg.Destinations) != 4 {
		t.Fatalf("Expected 4 destinations, got %d", len(cfg.Destinations))
	}
	arr := cfg.Destinations[0]
	if arr.Name != "central-arr" || arr.Mode != auditspool.ModeBatched || len(arr.Suppress) != 1 {
		t.Errorf("Unexpected destination %+v", arr.Destination)
	}
	if arr.Emitter.Kafka == nil || len(arr.Emitter.Kafka.Brokers) != 2 || arr.Emitter.Kafka.RetryDelay != 250*time.Millisecond {
		t.Errorf("Unexpected kafka emitter %+v", arr.Emitter.Kafka)
	}
	if db := cfg.Destinations[1].Emitter.SQL; db == nil || db.Driver != "postgres" {
		t.Errorf("Unexpected sql emitter %+v", db)
	}
	if f := cfg.Destinations[2].Emitter.File; f == nil || f.FilePath != "/var/log/audit/records.log" {
		t.Errorf("Unexpected file emitter %+v", f)
	}
	if r := cfg.Destinations[3].Emitter.Redis; r == nil || r.MaxLen != 10000 {
		t.Errorf("Unexpected redis emitter %+v", r)
	}
}

func TestParseDaemonConfigDefaults(t *testing.T) {
	cfg, err := parseDaemonConfig([]byte("spoolRoot: /tmp/spool\n"))
	if err != nil {
		t.Fatalf("parseDaemonConfig failed: %v", err)
	}
	if cfg.Admin.Addr != "127.0.0.1:8089" {
		t.Errorf("Expected default admin address, got %s", cfg.Admin.Addr)
	}
	if cfg.MinFileAge != nil {
		t.Errorf("Expected unset min file age, got %v", *cfg.MinFileAge)
	}
}

func TestParseDaemonConfigRequiresOneEmitter(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"none", "destinations:\n  - name: a\n"},
		{"two", "destinations:\n  - name: a\n    emitter:\n      file: {}\n      redis: {addr: x}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseDaemonConfig([]byte(tt.yaml)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestBuildRouter(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	dests := []destinationConfig{
		{
			Destination: auditspool.Destination{Name: "db", Installed: true},
			Emitter:     emitterConfig{SQL: &sqlConfig{Driver: "sqlite3", DSN: filepath.Join(dir, "audit.db")}},
		},
		{
			Destination: auditspool.Destination{Name: "log", Installed: true},
			Emitter:     emitterConfig{File: &auditspool.FileConfig{FilePath: filepath.Join(dir, "records.log")}},
		},
		{
			Destination: auditspool.Destination{Name: "stream", Installed: true},
			Emitter:     emitterConfig{Redis: &redisConfig{Addr: mr.Addr()}},
		},
	}
	router, closers, err := buildRouter(dests)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if err != nil {
		t.Fatalf("buildRouter failed: %v", err)
	}
	if len(closers) != 3 {
		t.Errorf("Expected 3 closers, got %d", len(closers))
	}

	p, err := auditspool.New(
		auditspool.WithSpoolRoot(dir),
		auditspool.WithDestinations(dests[0].Destination, dests[1].Destination, dests[2].Destination),
		auditspool.WithEmitter(router),
		auditspool.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Close()

	header := auditspool.Record{CallingHost: "10.0.0.5", CallingUserID: "STATIONA", CalledUserID: "ARCHIVE", StudyUID: "1.2.3"}
	detail := auditspool.Record{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SOPInstanceUID: "1.2.3.4"}
	if err := p.Spool(t.Context(), auditspool.CodeStoreCreate, header, detail); err != nil {
		t.Fatalf("Spool failed: %v", err)
	}
	for _, d := range dests {
		files, err := p.Pending(d.Name)
		if err != nil {
			t.Fatalf("Pending failed: %v", err)
		}
		if len(files) != 0 {
			t.Errorf("Expected %s to be delivered, %d files left", d.Name, len(files))
		}
	}
	if keys := mr.Keys(); len(keys) != 1 || keys[0] != "audit:stream" {
		t.Errorf("Unexpected redis keys %v", keys)
	}
}

func TestBuildRouterRejectsUnknownDriver(t *testing.T) {
	_, _, err := buildRouter([]destinationConfig{{
		Destination: auditspool.Destination{Name: "db", Installed: true},
		Emitter:     emitterConfig{SQL: &sqlConfig{Driver: "oracle"}},
	}})
	if err == nil || !strings.Contains(err.Error(), `destination "db"`) {
		t.Errorf("Expected unsupported driver error, got %v", err)
	}
}

func TestAdminRouter(t *testing.T) {
	registry := prometheus.NewRegistry()
	p, err := auditspool.New(
		auditspool.WithSpoolRoot(t.TempDir()),
		auditspool.WithDestination(auditspool.Destination{Name: "arr", Installed: true, Mode: auditspool.ModeBatched}),
		auditspool.WithEmitter(auditspool.EmitterFunc(func(_ context.Context, _ string, _ *auditspool.AuditRecord) error { return nil })),
		auditspool.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		auditspool.WithMetricsRegisterer(registry),
		auditspool.WithMinFileAge(0),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Close()

	header := auditspool.Record{CallingHost: "10.0.0.5", CallingUserID: "STATIONA", CalledUserID: "ARCHIVE", StudyUID: "1.2.3"}
	if err := p.Spool(t.Context(), auditspool.CodeStoreCreate, header, auditspool.Record{SOPInstanceUID: "1.2.3.4"}); err != nil {
		t.Fatalf("Spool failed: %v", err)
	}

	srv := httptest.NewServer(newAdminRouter(p, registry, slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/destinations")
	if err != nil {
		t.Fatalf("GET /destinations failed: %v", err)
	}
	var statuses []destinationStatus
	err = json.NewDecoder(resp.Body).Decode(&statuses)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to decode destinations: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "arr" || statuses[0].Pending != 1 {
		t.Errorf("Unexpected destinations %+v", statuses)
	}

	resp, err = http.Post(srv.URL+"/destinations/arr/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("POST flush failed: %v", err)
	}
	var stats auditspool.FlushStats
	err = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK || stats.Delivered != 1 {
		t.Errorf("Unexpected flush response %d %+v", resp.StatusCode, stats)
	}

	for path, want := range map[string]int{
		"/healthz":                 http.StatusOK,
		"/metrics":                 http.StatusOK,
		"/destinations/nope/flush": http.StatusMethodNotAllowed,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}

	resp, err = http.Post(srv.URL+"/destinations/nope/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("POST flush failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown destination, got %d", resp.StatusCode)
	}
}
