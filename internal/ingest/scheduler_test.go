package ingest

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/meteodash/internal/models"
	"github.com/lox/meteodash/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, nil)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

type fakeSource struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int
}

func (f *fakeSource) Fetch(ctx context.Context) (*Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	batch, err := DecodeBatch([]byte(f.body))
	if err != nil {
		return nil, err
	}
	batch.HTTPStatus = 200
	return batch, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu   sync.Mutex
	rows []models.ConsolidatedRow
}

func (p *recordingPublisher) Publish(ctx context.Context, rows []models.ConsolidatedRow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = append(p.rows, rows...)
	return nil
}

const cycleBody = `[
	{"valor": 21, "timestamp": "2024-05-01T10:00:00Z", "sensorNombre": "BMP280", "unidadMedicion": "°C", "estacionNombre": "A"},
	{"valor": 1010, "timestamp": "2024-05-01T10:00:00Z", "sensorNombre": "BMP280", "unidadMedicion": "hPa", "estacionNombre": "A"},
	{"valor": 650, "timestamp": "2024-05-01T10:00:00Z", "sensorNombre": "BMP280", "unidadMedicion": "m", "estacionNombre": "A"},
	{"valor": 7, "timestamp": "2024-05-01T10:00:00Z", "sensorNombre": "MQ8", "unidadMedicion": "%", "estacionNombre": "B"}
]`

func TestRefreshOnce_TwiceIsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	pub := &recordingPublisher{}
	s := NewScheduler(st, &fakeSource{body: cycleBody}, "http://test/lecturas", time.Minute, nil)
	s.SetPublisher(pub)
	ctx := context.Background()

	first := s.RefreshOnce(ctx, TriggerCLI)
	if !first.OK() {
		t.Fatalf("first cycle failed: %s", first.Err)
	}
	if first.Line != "ok: raw +4, consolidated +2" {
		t.Errorf("first Line = %q", first.Line)
	}

	second := s.RefreshOnce(ctx, TriggerCLI)
	if second.Line != "ok: raw +0, consolidated +0" {
		t.Errorf("second Line = %q", second.Line)
	}
	if second.CycleID == first.CycleID {
		t.Error("cycle ids should differ")
	}

	if len(pub.rows) != 2 {
		t.Errorf("published %d rows, want 2", len(pub.rows))
	}

	runs, err := st.GetIngestHealth(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].SuccessRuns != 2 || runs[0].RawAdded != 4 {
		t.Errorf("ingest health = %+v", runs)
	}

	payload, err := st.GetRawPayload(ctx, 1)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(payload) != cycleBody {
		t.Error("archived payload does not match response body")
	}
}

func TestRefreshOnce_SourceError(t *testing.T) {
	st := setupTestStore(t)
	src := &fakeSource{err: &TransportError{StatusCode: 503, Err: errors.New("Service Unavailable")}}
	s := NewScheduler(st, src, "http://test/lecturas", time.Minute, nil)
	ctx := context.Background()

	status := s.RefreshOnce(ctx, TriggerManual)
	if status.OK() {
		t.Fatal("expected failed cycle")
	}
	if !strings.HasPrefix(status.Line, "error: ") {
		t.Errorf("Line = %q, want error prefix", status.Line)
	}
	if s.Status().Line != status.Line {
		t.Errorf("Status().Line = %q, want %q", s.Status().Line, status.Line)
	}

	errs, err := st.GetRecentIngestErrors(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].HTTPStatus.Int64 != 503 {
		t.Errorf("ingest errors = %+v", errs)
	}

	rows, err := st.RecentRaw(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("raw rows = %d, want 0", len(rows))
	}
}

func TestRefreshOnce_FormatError(t *testing.T) {
	st := setupTestStore(t)
	s := NewScheduler(st, &fakeSource{body: `{"not": "a list"}`}, "http://test/lecturas", time.Minute, nil)

	status := s.RefreshOnce(context.Background(), TriggerCLI)
	if !strings.Contains(status.Line, "not an array") {
		t.Errorf("Line = %q", status.Line)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	st := setupTestStore(t)
	src := &fakeSource{body: cycleBody}
	s := NewScheduler(st, src, "http://test/lecturas", 10*time.Millisecond, nil)

	if s.Running() {
		t.Fatal("should not be running before Start")
	}
	s.Start(context.Background())
	s.Start(context.Background())
	if !s.Running() {
		t.Fatal("should be running after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if s.Running() {
		t.Error("should not be running after Stop")
	}
	if src.Calls() < 3 {
		t.Errorf("calls = %d, want at least 3", src.Calls())
	}

	calls := src.Calls()
	time.Sleep(30 * time.Millisecond)
	if src.Calls() != calls {
		t.Error("cycles continued after Stop")
	}
	s.Stop()
}

// blockingSource holds every fetch until its context ends.
type blockingSource struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingSource) Fetch(ctx context.Context) (*Batch, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, &TransportError{Err: ctx.Err()}
}

func TestScheduler_StopMidCycleIsNotAFailure(t *testing.T) {
	st := setupTestStore(t)
	src := &blockingSource{started: make(chan struct{})}
	s := NewScheduler(st, src, "http://test/lecturas", time.Minute, nil)

	s.Start(context.Background())
	select {
	case <-src.started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}
	s.Stop()

	if got := s.Status(); !got.OK() || got.Line != "ready" {
		t.Errorf("Status = %+v, want the pre-cycle status", got)
	}

	ctx := context.Background()
	errs, err := st.GetRecentIngestErrors(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 0 {
		t.Errorf("recent errors = %+v, want none", errs)
	}
	health, err := st.GetIngestHealth(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(health) != 0 {
		t.Errorf("health = %+v, want no recorded runs", health)
	}
}

func TestScheduler_TriggerRefresh(t *testing.T) {
	st := setupTestStore(t)
	src := &fakeSource{body: cycleBody}
	s := NewScheduler(st, src, "http://test/lecturas", time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.TriggerRefresh(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.HasPrefix(s.Status().Line, "ok") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Status(); got.Line != "ok: raw +4, consolidated +2" || got.Trigger != TriggerManual {
		t.Errorf("Status = %+v", got)
	}
}
