// Package export writes consolidated rows as CSV to a local file or an FTP
// server.
package export

import (
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/lox/meteodash/internal/models"
)

// Header is the first CSV record.
var Header = []string{
	"Fecha", "Hora", "Estacion",
	"Temperatura(°C)", "Presion(hPa)", "Altitud(m)", "CalidadAire(%)",
	"Timestamp",
}

// WriteCSV writes the header and one record per row. Missing values are
// empty fields.
func WriteCSV(w io.Writer, rows []models.ConsolidatedRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.Date,
			r.Time,
			r.StationName,
			formatValue(r.Temperature),
			formatValue(r.Pressure),
			formatValue(r.Altitude),
			formatValue(r.AirQuality),
			r.Timestamp,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}
