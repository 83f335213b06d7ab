package models

import "database/sql"

// RawReading is one sensor observation as delivered by the reading source.
type RawReading struct {
	ID              int64
	LecturaID       sql.NullInt64 // upstream id, not unique
	Value           sql.NullFloat64
	Timestamp       string
	SensorName      string
	SensorType      string
	Unit            string
	StationName     string
	StationLocation string
	RawJSON         string
}

// ConsolidatedRow is one station's instrument snapshot at one timestamp.
type ConsolidatedRow struct {
	ID          int64
	Timestamp   string
	Date        string // YYYY-MM-DD
	Time        string // HH:MM:SS
	StationName string
	Temperature sql.NullFloat64
	Pressure    sql.NullFloat64
	Altitude    sql.NullFloat64
	AirQuality  sql.NullFloat64
}

// Value returns the slot for q. Unclassified yields an invalid value.
func (r ConsolidatedRow) Value(q Quantity) sql.NullFloat64 {
	switch q {
	case Temperature:
		return r.Temperature
	case Pressure:
		return r.Pressure
	case Altitude:
		return r.Altitude
	case AirQuality:
		return r.AirQuality
	}
	return sql.NullFloat64{}
}

// Set stores v in the slot for q.
func (r *ConsolidatedRow) Set(q Quantity, v sql.NullFloat64) {
	switch q {
	case Temperature:
		r.Temperature = v
	case Pressure:
		r.Pressure = v
	case Altitude:
		r.Altitude = v
	case AirQuality:
		r.AirQuality = v
	}
}

// Quantity is the physical quantity slot a reading consolidates into.
type Quantity int

const (
	Unclassified Quantity = iota
	Temperature
	Pressure
	Altitude
	AirQuality
)

// Quantities lists the classified slots in display order.
var Quantities = []Quantity{Temperature, Pressure, Altitude, AirQuality}

func (q Quantity) String() string {
	switch q {
	case Temperature:
		return "temperature"
	case Pressure:
		return "pressure"
	case Altitude:
		return "altitude"
	case AirQuality:
		return "air_quality"
	}
	return "unclassified"
}

// Unit is the display unit used for charts and export headers.
func (q Quantity) Unit() string {
	switch q {
	case Temperature:
		return "°C"
	case Pressure:
		return "hPa"
	case Altitude:
		return "m"
	case AirQuality:
		return "%"
	}
	return ""
}
