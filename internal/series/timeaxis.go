package series

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TimeParseError reports a timestamp that matched none of the accepted layouts.
type TimeParseError struct {
	Value string
	Err   error
}

func (e *TimeParseError) Error() string {
	return fmt.Sprintf("parse timestamp %q: %v", e.Value, e.Err)
}

func (e *TimeParseError) Unwrap() error { return e.Err }

const fallbackLayout = "2006-01-02T15:04:05"

// ParseTimestamp accepts strict ISO-8601 (with or without offset, a trailing
// Z meaning UTC, T or a space between date and time), then retries the first
// 19 characters as a plain date-time. Offset-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", strings.TrimSuffix(s, "Z")); err == nil {
		return t, nil
	}
	if len(s) < len(fallbackLayout) {
		return time.Time{}, &TimeParseError{Value: s, Err: fmt.Errorf("too short")}
	}
	t, err := time.Parse(fallbackLayout, s[:len(fallbackLayout)])
	if err != nil {
		return time.Time{}, &TimeParseError{Value: s, Err: err}
	}
	return t, nil
}

// TimePolicy decides what happens to timestamps that cannot be parsed.
type TimePolicy int

const (
	// SkipUnparsable drops the point and counts it in Axis.Skipped.
	SkipUnparsable TimePolicy = iota
	// SubstituteNow places the point at the supplied current instant.
	SubstituteNow
)

// ParseTimePolicy maps a config value ("skip" or "now") to a TimePolicy.
func ParseTimePolicy(s string) (TimePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return SkipUnparsable, nil
	case "now":
		return SubstituteNow, nil
	}
	return SkipUnparsable, fmt.Errorf("invalid time policy %q (allowed: skip, now)", s)
}

// Axis is a numeric time axis. Values are Unix seconds; Index[i] is the
// position in the input that produced Values[i].
type Axis struct {
	Values  []float64
	Index   []int
	Skipped int
}

// ParseTimeAxis converts timestamps to Unix seconds.
func ParseTimeAxis(stamps []string, policy TimePolicy, now time.Time) Axis {
	axis := Axis{
		Values: make([]float64, 0, len(stamps)),
		Index:  make([]int, 0, len(stamps)),
	}
	for i, s := range stamps {
		t, err := ParseTimestamp(s)
		if err != nil {
			if policy != SubstituteNow {
				axis.Skipped++
				continue
			}
			t = now
		}
		axis.Values = append(axis.Values, UnixSeconds(t))
		axis.Index = append(axis.Index, i)
	}
	return axis
}

// UnixSeconds converts t to fractional seconds since the Unix epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds is the inverse of UnixSeconds, in UTC.
func FromUnixSeconds(v float64) time.Time {
	sec := math.Floor(v)
	return time.Unix(int64(sec), int64(math.Round((v-sec)*1e9))).UTC()
}
