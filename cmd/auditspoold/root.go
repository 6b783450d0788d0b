package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/spf13/cobra"

	"github.com/dr4tinymous/auditspool"
)

var (
	// Persistent flags available to all subcommands
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "auditspoold",
	Short: "auditspoold delivers spooled audit records to remote collectors",
	Long: `auditspoold processes the audit spool directories of an archive and delivers
the records to the configured collectors. Files stay on disk until delivery
succeeds; files that cannot be decoded are quarantined.

Configuration is read from a YAML file (--config). AUDIT_* environment
variables override the spool settings of that file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/auditspool/auditspoold.yaml", "Daemon configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}

// newLogger builds the operator logger from the persistent flags.
func newLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q", logLevel)
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), closer, nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", logFormat)
	}
}

// daemon bundles a pipeline with the resources its emitters hold open.
type daemon struct {
	cfg      *daemonConfig
	pipeline *auditspool.Pipeline
	logger   *slog.Logger
	closers  []io.Closer
}

// openDaemon loads the configuration file and builds the pipeline.
// extra options are applied last.
func openDaemon(extra ...auditspool.Option) (*daemon, error) {
	logger, logCloser, err := newLogger()
	if err != nil {
		return nil, err
	}
	d := &daemon{logger: logger}
	if logCloser != nil {
		d.closers = append(d.closers, logCloser)
	}

	d.cfg, err = loadDaemonConfig(configPath)
	if err != nil {
		d.Close()
		return nil, err
	}
	router, closers, err := buildRouter(d.cfg.Destinations)
	d.closers = append(d.closers, closers...)
	if err != nil {
		d.Close()
		return nil, err
	}

	opts := append(d.cfg.options(), auditspool.WithEmitter(router), auditspool.WithLogger(logger))
	opts = append(opts, auditspool.LoadConfigFromEnv()...)
	opts = append(opts, extra...)
	d.pipeline, err = auditspool.New(opts...)
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Close stops the pipeline and releases the emitters, newest first.
func (d *daemon) Close() error {
	var errs []error
	if d.pipeline != nil {
		errs = append(errs, d.pipeline.Close())
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	return errors.Join(errs...)
}
