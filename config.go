package auditspool

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"gopkg.in/yaml.v3"
)

// Config holds the parameters of a Pipeline.
type Config struct {
	SpoolRoot       string              // Parent of the per-destination spool directories.
	Destinations    []Destination       // Configured collectors.
	Local           LocalSystem         // Identity of the local archive.
	Table           *Table              // Event type catalog; DefaultTable() when nil.
	Emitter         Emitter             // Delivers records to collectors.
	FlushInterval   time.Duration       // Interval between scheduled processing passes.
	MinFileAge      time.Duration       // Files younger than this are left to their writers.
	CircuitTimeout  time.Duration       // Duration before an open circuit allows attempts again.
	CircuitMaxFails int                 // Consecutive emitter failures that open a destination's circuit.
	Logger          *slog.Logger        // Operator log.
	Metrics         SpoolMetrics        // Interface for collecting pipeline metrics.
	ErrorFunc       func(error, string) // Called with the destination name for failures that are not returned.
	Tracer          trace.Tracer        // Tracer for processing spans.
	err             error               // First configuration error reported by an option.
}

// DefaultConfig returns a Config with sensible default values. The local
// host name and process ID are taken from the running process.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Local: LocalSystem{
			Hostname:  host,
			ProcessID: strconv.Itoa(os.Getpid()),
		},
		FlushInterval:   30 * time.Second,
		MinFileAge:      5 * time.Second,
		CircuitTimeout:  30 * time.Second,
		CircuitMaxFails: 5,
		Logger:          slog.Default(),
		Metrics:         nopMetrics{},
		Tracer:          noop.NewTracerProvider().Tracer("auditspool"),
	}
}

// Option defines a functional option for configuring a Pipeline.
type Option func(*Config)

// WithSpoolRoot sets the parent directory of the destinations' spool
// directories. Destinations with an explicit SpoolDir ignore it.
func WithSpoolRoot(dir string) Option {
	return func(cfg *Config) { cfg.SpoolRoot = dir }
}

// WithDestinations replaces the configured destinations.
func WithDestinations(dests ...Destination) Option {
	return func(cfg *Config) { cfg.Destinations = append([]Destination(nil), dests...) }
}

// WithDestination adds one destination.
func WithDestination(d Destination) Option {
	return func(cfg *Config) { cfg.Destinations = append(cfg.Destinations, d) }
}

// WithLocalSystem sets the identity of the local archive. Empty host name
// and process ID keep their defaults.
func WithLocalSystem(local LocalSystem) Option {
	return func(cfg *Config) {
		if local.Hostname == "" {
			local.Hostname = cfg.Local.Hostname
		}
		if local.ProcessID == "" {
			local.ProcessID = cfg.Local.ProcessID
		}
		cfg.Local = local
	}
}

// WithDeviceName sets the name of the local archive device.
func WithDeviceName(name string) Option {
	return func(cfg *Config) { cfg.Local.DeviceName = name }
}

// WithHostname sets the local host name reported in audit records.
func WithHostname(host string) Option {
	return func(cfg *Config) { cfg.Local.Hostname = host }
}

// WithEventTypeTable sets the event type catalog.
func WithEventTypeTable(t *Table) Option {
	return func(cfg *Config) { cfg.Table = t }
}

// WithEmitter sets the Emitter that delivers records. It is mandatory.
func WithEmitter(e Emitter) Option {
	return func(cfg *Config) { cfg.Emitter = e }
}

// WithFlushInterval sets the interval of the scheduled processing passes.
func WithFlushInterval(d time.Duration) Option {
	return func(cfg *Config) { cfg.FlushInterval = d }
}

// WithMinFileAge sets how long a spool file must stay unmodified before a
// scheduled pass processes it. Aggregation files keep growing until then.
func WithMinFileAge(d time.Duration) Option {
	return func(cfg *Config) { cfg.MinFileAge = d }
}

// WithCircuitBreaker configures the per-destination circuit breaker.
//
//   - timeout: The duration after which an open circuit lets attempts through again.
//   - maxFails: The number of consecutive failures that open the circuit; 0 disables it.
func WithCircuitBreaker(timeout time.Duration, maxFails int) Option {
	return func(cfg *Config) {
		cfg.CircuitTimeout = timeout
		cfg.CircuitMaxFails = maxFails
	}
}

// WithLogger sets the operator logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m SpoolMetrics) Option {
	return func(cfg *Config) { cfg.Metrics = m }
}

// WithMetricsRegisterer creates Prometheus metrics registered with
// registerer and sets them via WithMetrics.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(cfg *Config) { cfg.Metrics = NewPrometheusMetrics(registerer) }
}

// WithErrorFunc sets a callback for failures that are logged but never
// returned to a caller, such as a spool write for one destination or a
// quarantined file.
func WithErrorFunc(f func(err error, destination string)) Option {
	return func(cfg *Config) { cfg.ErrorFunc = f }
}

// WithTracer sets the tracer used for processing spans.
func WithTracer(t trace.Tracer) Option {
	return func(cfg *Config) { cfg.Tracer = t }
}

// WithDestinationsFile loads destinations from a YAML file and adds them.
func WithDestinationsFile(path string) Option {
	return func(cfg *Config) {
		dests, err := LoadDestinations(path)
		if err != nil {
			if cfg.err == nil {
				cfg.err = err
			}
			return
		}
		cfg.Destinations = append(cfg.Destinations, dests...)
	}
}

// destinationsFile is the YAML layout read by LoadDestinations.
type destinationsFile struct {
	Destinations []Destination `yaml:"destinations"`
}

// LoadDestinations reads destinations from a YAML file of the form
//
//	destinations:
//	  - name: central-arr
//	    installed: true
//	    mode: batched
func LoadDestinations(path string) ([]Destination, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auditspool: read destinations file: %w", err)
	}
	return ParseDestinations(data)
}

// ParseDestinations decodes destinations from YAML.
func ParseDestinations(data []byte) ([]Destination, error) {
	var f destinationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("auditspool: parse destinations: %w", err)
	}
	return f.Destinations, nil
}

// LoadConfigFromEnv loads configuration options from environment variables.
// Malformed or unset variables are ignored, except for an unreadable
// destinations file, which makes New fail.
//
// Supported environment variables:
//   - AUDIT_SPOOL_ROOT: Parent directory of the spool directories (string).
//   - AUDIT_FLUSH_INTERVAL: Interval of scheduled passes (duration, e.g. "30s").
//   - AUDIT_MIN_FILE_AGE: Minimum file age for scheduled passes (duration).
//   - AUDIT_DEVICE_NAME: Name of the local archive device (string).
//   - AUDIT_HOSTNAME: Local host name reported in records (string).
//   - AUDIT_DESTINATIONS_FILE: YAML file with destinations (path).
func LoadConfigFromEnv() []Option {
	var opts []Option
	if v := os.Getenv("AUDIT_SPOOL_ROOT"); v != "" {
		opts = append(opts, WithSpoolRoot(v))
	}
	if v := os.Getenv("AUDIT_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithFlushInterval(d))
		}
	}
	if v := os.Getenv("AUDIT_MIN_FILE_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithMinFileAge(d))
		}
	}
	if v := os.Getenv("AUDIT_DEVICE_NAME"); v != "" {
		opts = append(opts, WithDeviceName(v))
	}
	if v := os.Getenv("AUDIT_HOSTNAME"); v != "" {
		opts = append(opts, WithHostname(v))
	}
	if v := os.Getenv("AUDIT_DESTINATIONS_FILE"); v != "" {
		opts = append(opts, WithDestinationsFile(v))
	}
	return opts
}

// reportError passes err to the configured ErrorFunc, if any.
func (cfg *Config) reportError(err error, destination string) {
	if cfg.ErrorFunc != nil && err != nil {
		cfg.ErrorFunc(err, destination)
	}
}
