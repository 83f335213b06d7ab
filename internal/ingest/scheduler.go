package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/lox/meteodash/internal/consolidate"
	"github.com/lox/meteodash/internal/metrics"
	"github.com/lox/meteodash/internal/models"
	"github.com/lox/meteodash/internal/store"
)

const DefaultInterval = 10 * time.Second

const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
	TriggerCLI    = "cli"
)

// Publisher receives consolidated rows that a cycle newly persisted.
type Publisher interface {
	Publish(ctx context.Context, rows []models.ConsolidatedRow) error
}

// Status describes the most recent refresh cycle.
type Status struct {
	Line              string    `json:"line"`
	CycleID           string    `json:"cycle_id,omitempty"`
	Trigger           string    `json:"trigger,omitempty"`
	At                time.Time `json:"at,omitzero"`
	Fetched           int       `json:"fetched"`
	ParseErrors       int       `json:"parse_errors"`
	RawAdded          int       `json:"raw_added"`
	ConsolidatedAdded int       `json:"consolidated_added"`
	Err               string    `json:"error,omitempty"`
}

// OK reports whether the cycle completed without error.
func (s Status) OK() bool {
	return s.Err == ""
}

type Scheduler struct {
	store     *store.Store
	source    Source
	endpoint  string
	interval  time.Duration
	logger    *slog.Logger
	publisher Publisher

	payloadRetentionDays int

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScheduler(st *store.Store, source Source, endpoint string, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		source:   source,
		endpoint: endpoint,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		status:   Status{Line: "ready"},
	}
}

// SetPublisher configures where newly consolidated rows are announced.
func (s *Scheduler) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetPayloadRetention enables hourly pruning of archived payloads older than
// days. Zero keeps them forever.
func (s *Scheduler) SetPayloadRetention(days int) {
	s.payloadRetentionDays = days
}

// Start launches the periodic loop: one cycle immediately, then one per
// interval until Stop or ctx is cancelled. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx, s.done)
}

// Stop cancels the periodic loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the periodic loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.logger.Info("auto refresh started", "interval", s.interval)
	s.RefreshOnce(ctx, TriggerAuto)

	ticker := time.NewTicker(s.interval)
	cleanupTicker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auto refresh stopped")
			s.mu.Lock()
			if s.done == done {
				s.running = false
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.RefreshOnce(ctx, TriggerAuto)
		case <-cleanupTicker.C:
			s.cleanupPayloads(ctx)
		}
	}
}

// TriggerRefresh runs one cycle on its own goroutine. It may overlap the
// periodic loop; inserts are idempotent so both cycles are safe.
func (s *Scheduler) TriggerRefresh(ctx context.Context) {
	go s.RefreshOnce(context.WithoutCancel(ctx), TriggerManual)
}

// Status returns the most recent cycle status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatusLine replaces the status line, keeping the last cycle details.
func (s *Scheduler) SetStatusLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Line = line
}

// RefreshOnce runs a full cycle synchronously: fetch, persist raw readings,
// consolidate, persist consolidated rows, publish what was new.
func (s *Scheduler) RefreshOnce(ctx context.Context, trigger string) Status {
	cycleID := uuid.NewString()
	logger := s.logger.With("cycle_id", cycleID, "trigger", trigger)
	prev := s.Status()
	s.SetStatusLine("fetching…")

	status := Status{CycleID: cycleID, Trigger: trigger, At: time.Now()}

	run, err := s.store.StartIngestRun(ctx, cycleID, trigger, s.endpoint)
	if err != nil {
		logger.Warn("start ingest run", "error", err)
	}

	err = s.cycle(ctx, logger, run, &status)
	if err != nil && ctx.Err() != nil {
		// Stopped mid-cycle; the previous result stands.
		logger.Info("refresh canceled", "error", err)
		metrics.RefreshCycles.WithLabelValues(trigger, "canceled").Inc()
		if run != nil {
			if err := s.store.DiscardIngestRun(context.WithoutCancel(ctx), run); err != nil {
				logger.Warn("discard ingest run", "error", err)
			}
		}
		s.mu.Lock()
		s.status = prev
		s.mu.Unlock()
		status.Line = "canceled"
		return status
	}
	if err != nil {
		status.Err = err.Error()
		status.Line = "error: " + err.Error()
		logger.Warn("refresh failed", "error", err)
		metrics.RefreshCycles.WithLabelValues(trigger, "error").Inc()
	} else {
		status.Line = fmt.Sprintf("ok: raw +%d, consolidated +%d", status.RawAdded, status.ConsolidatedAdded)
		logger.Info("refresh complete",
			"fetched", humanize.Comma(int64(status.Fetched)),
			"raw_added", status.RawAdded,
			"consolidated_added", status.ConsolidatedAdded)
		metrics.RefreshCycles.WithLabelValues(trigger, "ok").Inc()
	}

	if run != nil {
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if err := s.store.CompleteIngestRun(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn("complete ingest run", "error", err)
		}
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	return status
}

func (s *Scheduler) cycle(ctx context.Context, logger *slog.Logger, run *store.IngestRun, status *Status) error {
	batch, err := s.source.Fetch(ctx)
	if err != nil {
		var te *TransportError
		if run != nil && errors.As(err, &te) && te.StatusCode > 0 {
			run.HTTPStatus = sql.NullInt64{Int64: int64(te.StatusCode), Valid: true}
		}
		return err
	}

	status.Fetched = len(batch.Readings)
	status.ParseErrors = batch.ParseErrors
	if batch.ParseErrors > 0 {
		logger.Warn("skipped undecodable readings", "count", batch.ParseErrors, "first", batch.ParseError)
	}

	if run != nil {
		run.HTTPStatus = sql.NullInt64{Int64: int64(batch.HTTPStatus), Valid: batch.HTTPStatus > 0}
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(batch.Size()), Valid: true}
		run.RecordsParsed = sql.NullInt64{Int64: int64(len(batch.Readings)), Valid: true}
		run.ParseErrors = sql.NullInt64{Int64: int64(batch.ParseErrors), Valid: true}

		if len(batch.Body) > 0 {
			stored, err := s.store.StoreRawPayload(ctx, run.ID, s.endpoint, batch.Body)
			if err != nil {
				logger.Warn("archive payload", "error", err)
			} else if stored {
				logger.Debug("archived payload", "size", humanize.Bytes(uint64(batch.Size())))
			}
		}
	}

	rawAdded, err := s.store.InsertRaw(ctx, batch.Readings)
	if err != nil {
		return fmt.Errorf("store raw readings: %w", err)
	}
	status.RawAdded = rawAdded

	added, err := s.store.InsertConsolidated(ctx, consolidate.Consolidate(batch.Readings))
	if err != nil {
		return fmt.Errorf("store consolidated rows: %w", err)
	}
	status.ConsolidatedAdded = len(added)

	if run != nil {
		run.RawAdded = sql.NullInt64{Int64: int64(rawAdded), Valid: true}
		run.ConsolidatedAdded = sql.NullInt64{Int64: int64(len(added)), Valid: true}
	}

	if s.publisher != nil && len(added) > 0 {
		if err := s.publisher.Publish(ctx, added); err != nil {
			logger.Warn("publish consolidated rows", "error", err)
		}
	}
	return nil
}

func (s *Scheduler) cleanupPayloads(ctx context.Context) {
	if s.payloadRetentionDays <= 0 {
		return
	}
	n, err := s.store.CleanupOldRawPayloads(ctx, s.payloadRetentionDays)
	if err != nil {
		s.logger.Warn("cleanup raw payloads", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned raw payloads", "count", n)
	}
}
