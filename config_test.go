package auditspool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const destinationsYAML = `
destinations:
  - name: central-arr
    installed: true
    mode: batched
    hostname: archive.dmz.example.org
    rateLimit: 50
    suppress:
      - eventCodes: [QUERY_QIDO, QUERY__EVT]
      - principals: ["MOD_*"]
        expression: 'class == "store_wado"'
  - name: backup
    installed: false
    spoolDirectory: /var/spool/audit/backup
`

func TestParseDestinations(t *testing.T) {
	dests, err := ParseDestinations([]byte(destinationsYAML))
	if err != nil {
		t.Fatalf("ParseDestinations failed: %v", err)
	}
	if len(dests) != 2 {
		t.Fatalf("Expected 2 destinations, got %d", len(dests))
	}
	arr := dests[0]
	if arr.Name != "central-arr" || !arr.Installed || arr.Mode != ModeBatched || arr.Hostname != "archive.dmz.example.org" || arr.RateLimit != 50 {
		t.Errorf("Unexpected destination %+v", arr)
	}
	if len(arr.Suppress) != 2 || len(arr.Suppress[0].EventCodes) != 2 || arr.Suppress[1].Expression == "" {
		t.Errorf("Unexpected suppression rules %+v", arr.Suppress)
	}
	if dests[1].SpoolDir != "/var/spool/audit/backup" || dests[1].Installed {
		t.Errorf("Unexpected destination %+v", dests[1])
	}

	if _, err := ParseDestinations([]byte("destinations: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "destinations.yaml")
	if err := os.WriteFile(file, []byte(destinationsYAML), 0o644); err != nil {
		t.Fatalf("Failed to write destinations file: %v", err)
	}
	t.Setenv("AUDIT_SPOOL_ROOT", root)
	t.Setenv("AUDIT_FLUSH_INTERVAL", "1m")
	t.Setenv("AUDIT_MIN_FILE_AGE", "not-a-duration")
	t.Setenv("AUDIT_DEVICE_NAME", "dcm4chee-arc")
	t.Setenv("AUDIT_HOSTNAME", "archive.example.org")
	t.Setenv("AUDIT_DESTINATIONS_FILE", file)

	cfg := DefaultConfig()
	for _, opt := range LoadConfigFromEnv() {
		opt(&cfg)
	}
	if cfg.err != nil {
		t.Fatalf("Unexpected configuration error: %v", cfg.err)
	}
	if cfg.SpoolRoot != root || cfg.FlushInterval != time.Minute {
		t.Errorf("Unexpected root %s or interval %v", cfg.SpoolRoot, cfg.FlushInterval)
	}
	if cfg.MinFileAge != DefaultConfig().MinFileAge {
		t.Errorf("Expected malformed min age to be ignored, got %v", cfg.MinFileAge)
	}
	if cfg.Local.DeviceName != "dcm4chee-arc" || cfg.Local.Hostname != "archive.example.org" {
		t.Errorf("Unexpected local system %+v", cfg.Local)
	}
	if len(cfg.Destinations) != 2 {
		t.Errorf("Expected destinations from file, got %d", len(cfg.Destinations))
	}
}

func TestMissingDestinationsFileFailsNew(t *testing.T) {
	_, err := New(
		WithEmitter(&recordingEmitter{}),
		WithLogger(discardLogger()),
		WithDestinationsFile(filepath.Join(t.TempDir(), "missing.yaml")),
	)
	if err == nil {
		t.Error("Expected New to fail for a missing destinations file")
	}
}

func TestWithLocalSystemKeepsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	WithLocalSystem(LocalSystem{DeviceName: "dcm4chee-arc", SiteID: "Radiology"})(&cfg)
	if cfg.Local.DeviceName != "dcm4chee-arc" || cfg.Local.SiteID != "Radiology" {
		t.Errorf("Unexpected local system %+v", cfg.Local)
	}
	if cfg.Local.ProcessID == "" {
		t.Error("Expected process ID default to be kept")
	}
}

func TestReportError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.reportError(os.ErrClosed, "arr")

	var got string
	cfg.ErrorFunc = func(err error, dest string) { got = dest }
	cfg.reportError(nil, "ignored")
	cfg.reportError(os.ErrClosed, "arr")
	if got != "arr" {
		t.Errorf("Expected ErrorFunc to be called for arr, got %q", got)
	}
}
