// Package api serves the cached readings, chart series and refresh controls
// as JSON.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/meteodash/internal/ingest"
	"github.com/lox/meteodash/internal/series"
	"github.com/lox/meteodash/internal/store"
)

const (
	DefaultTableRows = 300
	// chartFetchFactor is how many rows per chart point are read before
	// thinning.
	chartFetchFactor = 3
)

type Options struct {
	Addr      string
	TableRows int
	Chart     series.Options
}

type Server struct {
	store     *store.Store
	scheduler *ingest.Scheduler
	opts      Options
	logger    *slog.Logger

	// baseCtx parents the auto-refresh loop started over HTTP.
	baseCtx context.Context
}

func NewServer(st *store.Store, sched *ingest.Scheduler, opts Options, logger *slog.Logger) *Server {
	if opts.TableRows <= 0 {
		opts.TableRows = DefaultTableRows
	}
	if opts.Chart.MaxPoints <= 0 {
		opts.Chart.MaxPoints = series.DefaultMaxPoints
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		scheduler: sched,
		opts:      opts,
		logger:    logger.With("component", "api"),
		baseCtx:   context.Background(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/stations", s.handleStations)
	mux.HandleFunc("GET /api/raw", s.handleRaw)
	mux.HandleFunc("GET /api/consolidated", s.handleConsolidated)
	mux.HandleFunc("GET /api/chart", s.handleChart)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/export.csv", s.handleExport)
	mux.HandleFunc("GET /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/ingest/{id}/payload", s.handlePayload)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/auto", s.handleAuto)
	mux.HandleFunc("POST /api/cache/clear", s.handleClear)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", "addr", s.opts.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
