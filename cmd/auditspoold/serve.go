package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dr4tinymous/auditspool"
)

var serveAdminAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the admin API until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		d, err := openDaemon(auditspool.WithMetricsRegisterer(registry))
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.pipeline.Start(ctx); err != nil {
			return err
		}

		addr := d.cfg.Admin.Addr
		if serveAdminAddr != "" {
			addr = serveAdminAddr
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           newAdminRouter(d.pipeline, registry, d.logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			d.logger.Info("admin API listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case <-ctx.Done():
		case err := <-errc:
			if err != nil {
				return err
			}
		}
		d.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAdminAddr, "admin-addr", "", "Admin API listen address (overrides the config file)")
	rootCmd.AddCommand(serveCmd)
}

// adminHandler serves the operator endpoints of a running pipeline.
type adminHandler struct {
	pipeline *auditspool.Pipeline
	logger   *slog.Logger
}

// newAdminRouter mounts the admin endpoints and the metrics of gatherer.
func newAdminRouter(p *auditspool.Pipeline, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	h := &adminHandler{pipeline: p, logger: logger}
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/destinations", h.handleDestinations)
	r.Post("/destinations/{name}/flush", h.handleFlush)
	return r
}

func (h *adminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type destinationStatus struct {
	auditspool.Destination
	Pending     int `json:"pending"`
	Quarantined int `json:"quarantined"`
}

// handleDestinations handles GET /destinations.
func (h *adminHandler) handleDestinations(w http.ResponseWriter, r *http.Request) {
	dests := h.pipeline.Destinations()
	out := make([]destinationStatus, 0, len(dests))
	for _, d := range dests {
		st := destinationStatus{Destination: d}
		if files, err := h.pipeline.Pending(d.Name); err == nil {
			st.Pending = len(files)
		} else {
			h.logger.WarnContext(r.Context(), "failed to list pending files", "destination", d.Name, "error", err)
		}
		if files, err := h.pipeline.Quarantined(d.Name); err == nil {
			st.Quarantined = len(files)
		} else {
			h.logger.WarnContext(r.Context(), "failed to list quarantined files", "destination", d.Name, "error", err)
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFlush handles POST /destinations/{name}/flush.
func (h *adminHandler) handleFlush(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := h.pipeline.Flush(r.Context(), name)
	switch {
	case errors.Is(err, auditspool.ErrUnknownDestination):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, auditspool.ErrPipelineClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		h.logger.ErrorContext(r.Context(), "flush failed", "destination", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
