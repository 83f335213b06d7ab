package api

import (
	"database/sql"
	"time"

	"github.com/lox/meteodash/internal/ingest"
	"github.com/lox/meteodash/internal/models"
	"github.com/lox/meteodash/internal/series"
	"github.com/lox/meteodash/internal/store"
)

type RawReading struct {
	ID        int64    `json:"id"`
	LecturaID *int64   `json:"lectura_id"`
	Timestamp string   `json:"timestamp"`
	Station   string   `json:"station"`
	Location  string   `json:"location,omitempty"`
	Sensor    string   `json:"sensor"`
	Type      string   `json:"type"`
	Unit      string   `json:"unit"`
	Value     *float64 `json:"value"`
}

func newRawReading(r models.RawReading) RawReading {
	v := RawReading{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Station:   r.StationName,
		Location:  r.StationLocation,
		Sensor:    r.SensorName,
		Type:      r.SensorType,
		Unit:      r.Unit,
		Value:     floatPtr(r.Value),
	}
	if r.LecturaID.Valid {
		id := r.LecturaID.Int64
		v.LecturaID = &id
	}
	return v
}

type ConsolidatedRow struct {
	Timestamp   string   `json:"timestamp"`
	Date        string   `json:"date"`
	Time        string   `json:"time"`
	Station     string   `json:"station"`
	Temperature *float64 `json:"temperature"`
	Pressure    *float64 `json:"pressure"`
	Altitude    *float64 `json:"altitude"`
	AirQuality  *float64 `json:"air_quality"`
}

func newConsolidatedRow(r models.ConsolidatedRow) ConsolidatedRow {
	return ConsolidatedRow{
		Timestamp:   r.Timestamp,
		Date:        r.Date,
		Time:        r.Time,
		Station:     r.StationName,
		Temperature: floatPtr(r.Temperature),
		Pressure:    floatPtr(r.Pressure),
		Altitude:    floatPtr(r.Altitude),
		AirQuality:  floatPtr(r.AirQuality),
	}
}

// Series is one chart line. Points are [unix seconds, value] pairs.
type Series struct {
	Station  string       `json:"station"`
	Quantity string       `json:"quantity"`
	Unit     string       `json:"unit"`
	Stride   int          `json:"stride"`
	Points   [][2]float64 `json:"points"`
}

func newSeries(s series.Series) Series {
	points := make([][2]float64, len(s.X))
	for i := range s.X {
		points[i] = [2]float64{s.X[i], s.Y[i]}
	}
	return Series{
		Station:  s.Station,
		Quantity: s.Quantity.String(),
		Unit:     s.Quantity.Unit(),
		Stride:   s.Stride,
		Points:   points,
	}
}

type ChartResponse struct {
	Station     string             `json:"station,omitempty"`
	Fingerprint series.Fingerprint `json:"fingerprint"`
	Changed     bool               `json:"changed"`
	Series      []Series           `json:"series,omitempty"`
	Latest      *ConsolidatedRow   `json:"latest,omitempty"`
	Skipped     int                `json:"skipped_timestamps,omitempty"`
}

type StatusResponse struct {
	ingest.Status
	AutoRefresh bool   `json:"auto_refresh"`
	LastRefresh string `json:"last_refresh,omitempty"`
}

type HealthStatus struct {
	Status           string    `json:"status"`
	MigrationVersion int       `json:"migration_version"`
	Stations         int       `json:"stations"`
	AutoRefresh      bool      `json:"auto_refresh"`
	LastRefreshAt    time.Time `json:"last_refresh_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

type IngestError struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	HTTPStatus *int64    `json:"http_status,omitempty"`
	Error      string    `json:"error"`
}

func newIngestError(r store.IngestRun) IngestError {
	e := IngestError{
		ID:        r.ID,
		CycleID:   r.CycleID,
		Trigger:   r.Trigger,
		StartedAt: r.StartedAt,
		Error:     r.ErrorMessage.String,
	}
	if r.HTTPStatus.Valid {
		code := r.HTTPStatus.Int64
		e.HTTPStatus = &code
	}
	return e
}

type IngestResponse struct {
	Days         int                         `json:"days"`
	Health       []store.IngestHealthSummary `json:"health"`
	RecentErrors []IngestError               `json:"recent_errors"`
	Payloads     *store.RawPayloadStats      `json:"payloads,omitempty"`
	PayloadSize  string                      `json:"payload_size,omitempty"`
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
