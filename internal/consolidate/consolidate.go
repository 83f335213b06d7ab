// Package consolidate reshapes a flat stream of per-sensor readings into one
// row per (timestamp, station).
package consolidate

import (
	"sort"
	"strings"
	"time"

	"github.com/lox/meteodash/internal/models"
	"github.com/lox/meteodash/internal/series"
)

// AirQualitySensor is the sensor name that always reports air quality,
// whatever unit it declares.
const AirQualitySensor = "mq8"

var temperatureUnits = map[string]bool{"°c": true, "c": true, "celsius": true}

// Classify returns the quantity slot a reading fills. Rules are checked in
// order and the first match wins.
func Classify(r models.RawReading) models.Quantity {
	unit := strings.ToLower(strings.TrimSpace(r.Unit))
	switch {
	case temperatureUnits[unit]:
		return models.Temperature
	case unit == "hpa":
		return models.Pressure
	case unit == "m":
		return models.Altitude
	case unit == "%",
		strings.Contains(strings.ToLower(r.SensorType), "calidad"),
		strings.EqualFold(strings.TrimSpace(r.SensorName), AirQualitySensor):
		return models.AirQuality
	}
	return models.Unclassified
}

type bucketKey struct {
	timestamp string
	station   string
}

// Consolidate groups readings by (timestamp, station) and merges each group
// into a single row. Readings without a timestamp or station are ignored, as
// are readings that Classify cannot place. Within a group a later reading of
// the same quantity replaces an earlier one.
func Consolidate(readings []models.RawReading) []models.ConsolidatedRow {
	buckets := make(map[bucketKey]*models.ConsolidatedRow)
	var order []bucketKey

	for _, r := range readings {
		if r.Timestamp == "" || r.StationName == "" {
			continue
		}
		key := bucketKey{timestamp: r.Timestamp, station: r.StationName}
		row, ok := buckets[key]
		if !ok {
			date, clock := SplitTimestamp(r.Timestamp)
			row = &models.ConsolidatedRow{
				Timestamp:   r.Timestamp,
				Date:        date,
				Time:        clock,
				StationName: r.StationName,
			}
			buckets[key] = row
			order = append(order, key)
		}
		if q := Classify(r); q != models.Unclassified {
			row.Set(q, r.Value)
		}
	}

	rows := make([]models.ConsolidatedRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, *buckets[key])
	}
	SortRows(rows)
	return rows
}

// SplitTimestamp derives the calendar date and time of day from an ISO-8601
// timestamp, in the timestamp's own offset. When the string does not parse it
// falls back to slicing: the first 10 characters for the date and characters
// 11-19 for the time.
func SplitTimestamp(ts string) (date, clock string) {
	if t, ok := parse(ts); ok {
		return t.Format("2006-01-02"), t.Format("15:04:05")
	}
	date = ts
	if len(date) > 10 {
		date = date[:10]
	}
	if len(ts) >= 19 {
		clock = ts[11:19]
	}
	return date, clock
}

// SortRows orders rows ascending by timestamp, then station. Timestamps that
// parse are compared as instants so mixed offsets still sort correctly; rows
// whose timestamp does not parse follow them in plain string order.
func SortRows(rows []models.ConsolidatedRow) {
	type keyed struct {
		t  time.Time
		ok bool
	}
	keys := make(map[string]keyed, len(rows))
	for _, r := range rows {
		if _, seen := keys[r.Timestamp]; !seen {
			t, ok := parse(r.Timestamp)
			keys[r.Timestamp] = keyed{t: t, ok: ok}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		ka, kb := keys[a.Timestamp], keys[b.Timestamp]
		if ka.ok != kb.ok {
			return ka.ok
		}
		if ka.ok && !ka.t.Equal(kb.t) {
			return ka.t.Before(kb.t)
		}
		if !ka.ok && a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.StationName != b.StationName {
			return a.StationName < b.StationName
		}
		return a.Timestamp < b.Timestamp
	})
}

func parse(ts string) (time.Time, bool) {
	t, err := series.ParseTimestamp(ts)
	return t, err == nil
}
