package api

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/lox/meteodash/internal/export"
	"github.com/lox/meteodash/internal/metrics"
	"github.com/lox/meteodash/internal/series"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	stations, err := s.store.Stations(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	status := s.scheduler.Status()
	health := HealthStatus{
		Status:           "ok",
		MigrationVersion: version,
		Stations:         len(stations),
		AutoRefresh:      s.scheduler.Running(),
		LastRefreshAt:    status.At,
		LastError:        status.Err,
	}

	// Fetch failures are transient; the process is still serving its cache.
	if !status.OK() {
		health.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.Stations(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stations == nil {
		stations = []string{}
	}
	s.writeJSON(w, http.StatusOK, stations)
}

// queryLimit reads ?limit=, falling back to def. Values above max are
// clamped.
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, max), nil
}

const maxRows = 10000

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, s.opts.TableRows, maxRows)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.store.RecentRaw(r.Context(), limit, r.URL.Query().Get("station"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]RawReading, len(rows))
	for i, row := range rows {
		out[i] = newRawReading(row)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConsolidated(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, s.opts.TableRows, maxRows)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.store.RecentConsolidated(r.Context(), limit, r.URL.Query().Get("station"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]ConsolidatedRow, len(rows))
	for i, row := range rows {
		out[i] = newConsolidatedRow(row)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleChart returns series only when the data changed since the
// fingerprint passed as ?since=.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	station := r.URL.Query().Get("station")
	since := series.Fingerprint(r.URL.Query().Get("since"))

	rows, err := s.store.RecentConsolidated(r.Context(), s.opts.Chart.MaxPoints*chartFetchFactor, station)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	next, changed := series.Redraw(since, rows)
	resp := ChartResponse{
		Station:     station,
		Fingerprint: next,
		Changed:     changed,
	}
	if !changed {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	result := series.Build(rows, station, s.opts.Chart)
	if result.Skipped > 0 {
		metrics.SkippedTimestamps.Add(float64(result.Skipped))
	}

	resp.Series = make([]Series, len(result.Series))
	for i, sr := range result.Series {
		resp.Series[i] = newSeries(sr)
	}
	if result.Latest != nil {
		latest := newConsolidatedRow(*result.Latest)
		resp.Latest = &latest
	}
	resp.Skipped = result.Skipped
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	resp := StatusResponse{
		Status:      status,
		AutoRefresh: s.scheduler.Running(),
	}
	if !status.At.IsZero() {
		resp.LastRefresh = humanize.Time(status.At)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	station := r.URL.Query().Get("station")
	rows, err := s.store.ExportConsolidated(r.Context(), station)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, rows); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	name := "lecturas_consolidadas.csv"
	if station != "" {
		name = "lecturas_consolidadas_" + fileSafe(station) + ".csv"
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(buf.Bytes())
}

func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid days %q", raw))
			return
		}
		days = n
	}

	ctx := r.Context()
	health, err := s.store.GetIngestHealth(ctx, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	recent, err := s.store.GetRecentIngestErrors(ctx, 20)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := IngestResponse{
		Days:         days,
		Health:       health,
		RecentErrors: make([]IngestError, len(recent)),
	}
	for i, run := range recent {
		resp.RecentErrors[i] = newIngestError(run)
	}

	stats, err := s.store.GetRawPayloadStats(ctx)
	if err != nil {
		s.logger.Warn("raw payload stats", "error", err)
	} else {
		resp.Payloads = stats
		resp.PayloadSize = humanize.Bytes(uint64(stats.CompressedBytes))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handlePayload serves the archived response body of one ingest run.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid ingest run id %q", r.PathValue("id")))
		return
	}

	payload, err := s.store.GetRawPayload(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no payload archived for run %d", id))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.scheduler.TriggerRefresh(r.Context())
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("enabled must be true or false"))
		return
	}

	if enabled {
		s.scheduler.Start(s.baseCtx)
	} else {
		s.scheduler.Stop()
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"auto_refresh": s.scheduler.Running()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.scheduler.SetStatusLine("cache cleared")
	s.logger.Info("cache cleared")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cache cleared"})
}
