package ingest

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lox/meteodash/internal/models"
)

// DecodeBatch splits a JSON array of reading objects. Elements that are not
// objects are counted as parse errors and skipped; each kept reading holds
// its element's bytes verbatim.
func DecodeBatch(body []byte) (*Batch, error) {
	if !gjson.ValidBytes(body) {
		return nil, &FormatError{Reason: "payload is not valid JSON"}
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, &FormatError{Reason: fmt.Sprintf("payload is a JSON %s, not an array", kind(root))}
	}

	batch := &Batch{Body: body}
	idx := 0
	root.ForEach(func(_, el gjson.Result) bool {
		r, err := decodeReading(el)
		if err != nil {
			batch.ParseErrors++
			if batch.ParseError == "" {
				batch.ParseError = fmt.Sprintf("element %d: %v", idx, err)
			}
		} else {
			batch.Readings = append(batch.Readings, r)
		}
		idx++
		return true
	})
	return batch, nil
}

func decodeReading(el gjson.Result) (models.RawReading, error) {
	if !el.IsObject() {
		return models.RawReading{}, fmt.Errorf("expected object, got %s", kind(el))
	}

	r := models.RawReading{
		Timestamp:       text(el.Get("timestamp")),
		SensorName:      text(el.Get("sensorNombre")),
		SensorType:      text(el.Get("tipoSensor")),
		Unit:            text(el.Get("unidadMedicion")),
		StationName:     text(el.Get("estacionNombre")),
		StationLocation: text(el.Get("estacionUbicacion")),
		RawJSON:         el.Raw,
	}

	if id := el.Get("lecturaId"); id.Type == gjson.Number {
		r.LecturaID = sql.NullInt64{Int64: id.Int(), Valid: true}
	}

	switch v := el.Get("valor"); v.Type {
	case gjson.Number:
		r.Value = sql.NullFloat64{Float64: v.Float(), Valid: true}
	case gjson.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			r.Value = sql.NullFloat64{Float64: f, Valid: true}
		}
	}

	return r, nil
}

// text returns strings as-is, numbers in their source form, and "" for
// null or missing fields.
func text(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	}
	return ""
}

func kind(v gjson.Result) string {
	switch {
	case v.IsArray():
		return "array"
	case v.IsObject():
		return "object"
	case v.Type == gjson.String:
		return "string"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.True, v.Type == gjson.False:
		return "boolean"
	}
	return "null"
}
