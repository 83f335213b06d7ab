package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lox/meteodash/internal/api"
	"github.com/lox/meteodash/internal/ingest"
	"github.com/lox/meteodash/internal/series"
	"github.com/lox/meteodash/internal/store"

	_ "modernc.org/sqlite"
)

const sampleBody = `[
	{"lecturaId": 1, "valor": 21, "timestamp": "2024-05-01T10:00:00Z", "sensorNombre": "BMP280", "unidadMedicion": "°C", "estacionNombre": "A"},
	{"lecturaId": 2, "valor": 1010, "timestamp": "2024-05-01T10:00:00Z", "sensorNombre": "BMP280", "unidadMedicion": "hPa", "estacionNombre": "A"},
	{"lecturaId": 3, "valor": 22, "timestamp": "2024-05-01T10:00:10Z", "sensorNombre": "BMP280", "unidadMedicion": "°C", "estacionNombre": "A"},
	{"lecturaId": 4, "valor": 7, "timestamp": "2024-05-01T10:00:00Z", "sensorNombre": "MQ8", "unidadMedicion": "%", "estacionNombre": "B"}
]`

type staticSource struct{ body string }

func (s staticSource) Fetch(ctx context.Context) (*ingest.Batch, error) {
	return ingest.DecodeBatch([]byte(s.body))
}

type fixture struct {
	store *store.Store
	sched *ingest.Scheduler
	srv   *api.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupWithBody(t, sampleBody)
}

func setupWithBody(t *testing.T, body string) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, nil)
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}

	sched := ingest.NewScheduler(st, staticSource{body: body}, "http://test/lecturas", time.Minute, nil)
	t.Cleanup(sched.Stop)

	srv := api.NewServer(st, sched, api.Options{Chart: series.Options{MaxPoints: 100}}, nil)
	return &fixture{store: st, sched: sched, srv: srv}
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	if status := f.sched.RefreshOnce(context.Background(), ingest.TriggerCLI); !status.OK() {
		t.Fatalf("refresh: %s", status.Err)
	}
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)

	w := f.do(t, "GET", "/health")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	health := decode[api.HealthStatus](t, w)
	if health.Status != "ok" {
		t.Errorf("Status = %q", health.Status)
	}
	if health.MigrationVersion < 1 {
		t.Errorf("MigrationVersion = %d", health.MigrationVersion)
	}
}

func TestHealthEndpoint_DegradedAfterFailedCycle(t *testing.T) {
	t.Parallel()
	f := setupWithBody(t, `{"not": "a list"}`)

	if status := f.sched.RefreshOnce(context.Background(), ingest.TriggerCLI); status.OK() {
		t.Fatal("expected the refresh to fail")
	}

	w := f.do(t, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	health := decode[api.HealthStatus](t, w)
	if health.Status != "degraded" || health.LastError == "" {
		t.Errorf("health = %+v, want degraded with last error", health)
	}
}

func TestStationsEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)

	w := f.do(t, "GET", "/api/stations")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty stations = %s, want []", got)
	}

	f.refresh(t)
	stations := decode[[]string](t, f.do(t, "GET", "/api/stations"))
	if len(stations) != 2 || stations[0] != "A" || stations[1] != "B" {
		t.Errorf("stations = %v, want [A B]", stations)
	}
}

func TestRawEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	rows := decode[[]api.RawReading](t, f.do(t, "GET", "/api/raw?station=A&limit=2"))
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	last := rows[len(rows)-1]
	if last.Timestamp != "2024-05-01T10:00:10Z" || last.Value == nil || *last.Value != 22 {
		t.Errorf("newest row = %+v", last)
	}

	if w := f.do(t, "GET", "/api/raw?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit code = %d, want 400", w.Code)
	}
}

func TestConsolidatedEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	rows := decode[[]api.ConsolidatedRow](t, f.do(t, "GET", "/api/consolidated"))
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Station == "A" && r.Timestamp == "2024-05-01T10:00:00Z" {
			if r.Temperature == nil || *r.Temperature != 21 || r.Pressure == nil || *r.Pressure != 1010 {
				t.Errorf("merged row = %+v", r)
			}
			if r.AirQuality != nil {
				t.Errorf("AirQuality = %v, want null", *r.AirQuality)
			}
		}
	}
}

func TestChartEndpoint_FingerprintGate(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	first := decode[api.ChartResponse](t, f.do(t, "GET", "/api/chart?station=A"))
	if !first.Changed {
		t.Fatal("first chart request should be changed")
	}
	if first.Fingerprint != "2|2024-05-01T10:00:10Z" {
		t.Errorf("Fingerprint = %q", first.Fingerprint)
	}
	points := map[string]int{}
	for _, sr := range first.Series {
		points[sr.Quantity] = len(sr.Points)
	}
	if points["temperature"] != 2 || points["pressure"] != 1 || points["altitude"] != 0 {
		t.Errorf("points per quantity = %v", points)
	}
	if first.Latest == nil || first.Latest.Temperature == nil || *first.Latest.Temperature != 22 {
		t.Errorf("Latest = %+v", first.Latest)
	}

	second := decode[api.ChartResponse](t, f.do(t, "GET", "/api/chart?station=A&since="+string(first.Fingerprint)))
	if second.Changed {
		t.Error("unchanged data reported as changed")
	}
	if len(second.Series) != 0 {
		t.Errorf("unchanged response carried %d series", len(second.Series))
	}
}

func TestChartEndpoint_AllStations(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	resp := decode[api.ChartResponse](t, f.do(t, "GET", "/api/chart"))
	stations := map[string]bool{}
	for _, s := range resp.Series {
		stations[s.Station] = true
	}
	if !stations["A"] || !stations["B"] {
		t.Errorf("series stations = %v, want A and B", stations)
	}
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	w := f.do(t, "GET", "/api/export.csv?station=B")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header + 1", len(lines))
	}
	if lines[1] != "2024-05-01,10:00:00,B,,,,7,2024-05-01T10:00:00Z" {
		t.Errorf("row = %q", lines[1])
	}
}

func TestRefreshEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)

	w := f.do(t, "POST", "/api/refresh")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.HasPrefix(f.sched.Status().Line, "ok") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	status := decode[api.StatusResponse](t, f.do(t, "GET", "/api/status"))
	if status.Line != "ok: raw +4, consolidated +3" {
		t.Errorf("Line = %q", status.Line)
	}
	if status.LastRefresh == "" {
		t.Error("LastRefresh should be set")
	}

	if w := f.do(t, "GET", "/api/refresh"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/refresh = %d, want 405", w.Code)
	}
}

func TestAutoEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)

	w := f.do(t, "POST", "/api/auto?enabled=true")
	if got := decode[map[string]bool](t, w); !got["auto_refresh"] {
		t.Error("auto refresh should be on")
	}
	if !f.sched.Running() {
		t.Error("scheduler not running")
	}

	w = f.do(t, "POST", "/api/auto?enabled=false")
	if got := decode[map[string]bool](t, w); got["auto_refresh"] {
		t.Error("auto refresh should be off")
	}

	if w := f.do(t, "POST", "/api/auto?enabled=maybe"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid toggle = %d, want 400", w.Code)
	}
}

func TestClearEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	if w := f.do(t, "POST", "/api/cache/clear"); w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	rows := decode[[]api.ConsolidatedRow](t, f.do(t, "GET", "/api/consolidated"))
	if len(rows) != 0 {
		t.Errorf("rows after clear = %d", len(rows))
	}
	if line := f.sched.Status().Line; line != "cache cleared" {
		t.Errorf("status line = %q", line)
	}

	f.refresh(t)
	rows = decode[[]api.ConsolidatedRow](t, f.do(t, "GET", "/api/consolidated"))
	if len(rows) != 3 {
		t.Errorf("rows after re-refresh = %d, want 3", len(rows))
	}
}

func TestIngestEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	resp := decode[api.IngestResponse](t, f.do(t, "GET", "/api/ingest?days=1"))
	if len(resp.Health) != 1 || resp.Health[0].SuccessRuns != 1 {
		t.Errorf("Health = %+v", resp.Health)
	}
	if len(resp.RecentErrors) != 0 {
		t.Errorf("RecentErrors = %+v", resp.RecentErrors)
	}

	if w := f.do(t, "GET", "/api/ingest?days=-1"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid days = %d, want 400", w.Code)
	}
}

func TestPayloadEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.refresh(t)

	w := f.do(t, "GET", "/api/ingest/1/payload")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != sampleBody {
		t.Errorf("payload = %q, want the fetched body", w.Body.String())
	}

	tests := []struct {
		target string
		code   int
	}{
		{"/api/ingest/99/payload", http.StatusNotFound},
		{"/api/ingest/abc/payload", http.StatusBadRequest},
		{"/api/ingest/0/payload", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := f.do(t, "GET", tt.target); w.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.target, w.Code, tt.code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := setup(t)

	w := f.do(t, "GET", "/metrics")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "meteodash_readings_fetched_total") {
		t.Error("expected meteodash metrics in exposition")
	}
}
