// Package series turns consolidated rows into bounded numeric time series
// for charts, and fingerprints result sets so unchanged data is not redrawn.
package series

import (
	"sort"
	"time"

	"github.com/lox/meteodash/internal/models"
)

// DefaultMaxPoints bounds each chart series.
const DefaultMaxPoints = 300

// Series is one quantity for one station. X holds Unix seconds.
type Series struct {
	Station  string
	Quantity models.Quantity
	X        []float64
	Y        []float64
	Stride   int
}

// Options controls Build.
type Options struct {
	MaxPoints int
	// SharedAxis thins each station's rows once and reuses the kept rows for
	// every quantity, keeping quantities aligned on X. Otherwise each series
	// is thinned on its own non-null points.
	SharedAxis bool
	TimePolicy TimePolicy
	// Now is used for SubstituteNow; zero means time.Now().
	Now time.Time
}

// Result is everything a chart needs for one station scope.
type Result struct {
	Series []Series
	// Latest is the newest row in scope, for summary cards.
	Latest *models.ConsolidatedRow
	// Skipped counts rows left off the time axis because their timestamp
	// did not parse.
	Skipped int
}

// Build prepares chart series from rows ordered oldest first. With a station
// selected every row is treated as belonging to it; with station empty rows
// are grouped by station and each station gets its own series per quantity.
func Build(rows []models.ConsolidatedRow, station string, opts Options) Result {
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultMaxPoints
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	var res Result
	if len(rows) == 0 {
		return res
	}
	latest := rows[len(rows)-1]
	res.Latest = &latest

	if station != "" {
		res.add(buildStation(station, rows, opts))
		return res
	}

	groups := make(map[string][]models.ConsolidatedRow)
	for _, r := range rows {
		groups[r.StationName] = append(groups[r.StationName], r)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res.add(buildStation(name, groups[name], opts))
	}
	return res
}

func (r *Result) add(series []Series, skipped int) {
	r.Series = append(r.Series, series...)
	r.Skipped += skipped
}

func buildStation(station string, rows []models.ConsolidatedRow, opts Options) ([]Series, int) {
	stamps := make([]string, len(rows))
	for i, r := range rows {
		stamps[i] = r.Timestamp
	}
	axis := ParseTimeAxis(stamps, opts.TimePolicy, opts.Now)

	keep := make([]int, len(axis.Index))
	for i := range keep {
		keep[i] = i
	}
	stride := 1
	if opts.SharedAxis {
		stride = Stride(len(axis.Values), opts.MaxPoints)
		if idx := ThinIndex(len(axis.Values), opts.MaxPoints); idx != nil {
			keep = idx
		}
	}

	out := make([]Series, 0, len(models.Quantities))
	for _, q := range models.Quantities {
		s := Series{Station: station, Quantity: q, Stride: stride}
		for _, k := range keep {
			v := rows[axis.Index[k]].Value(q)
			if !v.Valid {
				continue
			}
			s.X = append(s.X, axis.Values[k])
			s.Y = append(s.Y, v.Float64)
		}
		if !opts.SharedAxis {
			s.Stride = Stride(len(s.X), opts.MaxPoints)
			s.X, s.Y = Thin(s.X, s.Y, opts.MaxPoints)
		}
		out = append(out, s)
	}
	return out, axis.Skipped
}
