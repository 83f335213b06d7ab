package series

import (
	"testing"

	"github.com/lox/meteodash/internal/models"
)

func rowsAt(stamps ...string) []models.ConsolidatedRow {
	rows := make([]models.ConsolidatedRow, len(stamps))
	for i, s := range stamps {
		rows[i] = models.ConsolidatedRow{Timestamp: s, StationName: "A"}
	}
	return rows
}

func TestFingerprintRows(t *testing.T) {
	if got := FingerprintRows(nil); got != EmptyFingerprint {
		t.Errorf("FingerprintRows(nil) = %q, want %q", got, EmptyFingerprint)
	}
	got := FingerprintRows(rowsAt("2024-01-01T10:00:00Z", "2024-01-01T10:01:00Z"))
	if got != "2|2024-01-01T10:01:00Z" {
		t.Errorf("FingerprintRows = %q", got)
	}
}

func TestRedraw_StableThenChanged(t *testing.T) {
	rows := rowsAt("2024-01-01T10:00:00Z", "2024-01-01T10:01:00Z")

	fp, changed := Redraw("", rows)
	if !changed {
		t.Fatal("first draw should report changed")
	}
	fp2, changed := Redraw(fp, rows)
	if changed {
		t.Error("unchanged rows should not report changed")
	}
	if fp2 != fp {
		t.Errorf("fingerprint drifted: %q -> %q", fp, fp2)
	}

	rows = append(rows, models.ConsolidatedRow{Timestamp: "2024-01-01T10:02:00Z", StationName: "A"})
	if _, changed := Redraw(fp2, rows); !changed {
		t.Error("appending a row should change the fingerprint")
	}
}

func TestRedraw_SameCountAndLastIsUnchanged(t *testing.T) {
	a := rowsAt("2024-01-01T09:00:00Z", "2024-01-01T10:00:00Z")
	b := rowsAt("2024-01-01T09:30:00Z", "2024-01-01T10:00:00Z")
	fp, _ := Redraw("", a)
	if _, changed := Redraw(fp, b); changed {
		t.Error("sets with equal count and last timestamp are treated as unchanged")
	}
}

func TestRedraw_EmptyAfterEmpty(t *testing.T) {
	fp, changed := Redraw("", nil)
	if !changed || fp != EmptyFingerprint {
		t.Errorf("Redraw(\"\", nil) = %q, %v", fp, changed)
	}
	if _, changed := Redraw(fp, nil); changed {
		t.Error("empty after empty should be unchanged")
	}
}
