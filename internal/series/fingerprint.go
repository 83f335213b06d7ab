package series

import (
	"strconv"

	"github.com/lox/meteodash/internal/models"
)

// Fingerprint is a cheap digest of a consolidated result set: its size and
// the timestamp of its last row. Two sets with the same size and last
// timestamp are considered equal.
type Fingerprint string

// EmptyFingerprint identifies an empty result set.
const EmptyFingerprint Fingerprint = "0|0"

// FingerprintRows computes the fingerprint of rows (ordered oldest first).
func FingerprintRows(rows []models.ConsolidatedRow) Fingerprint {
	if len(rows) == 0 {
		return EmptyFingerprint
	}
	return Fingerprint(strconv.Itoa(len(rows)) + "|" + rows[len(rows)-1].Timestamp)
}

// HasChanged reports whether next differs from last. An empty last means
// nothing has been drawn yet.
func HasChanged(next, last Fingerprint) bool {
	return last == "" || next != last
}

// Redraw fingerprints rows and compares against prev. The caller keeps next
// and passes it back on the following call.
func Redraw(prev Fingerprint, rows []models.ConsolidatedRow) (next Fingerprint, changed bool) {
	next = FingerprintRows(rows)
	return next, HasChanged(next, prev)
}
