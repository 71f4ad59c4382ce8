package period

import (
	"errors"
	"time"
)

var ErrInvalidGranularity = errors.New("invalid granularity")

// Granularity is a time-bucket size over which a counter accumulates.
type Granularity string

const (
	Minute   Granularity = "minute"
	Hour     Granularity = "hour"
	Day      Granularity = "day"
	Week     Granularity = "week"
	Month    Granularity = "month"
	Year     Granularity = "year"
	Eternity Granularity = "eternity"
)

// All lists every granularity from finest to coarsest.
var All = []Granularity{Minute, Hour, Day, Week, Month, Year, Eternity}

// ServiceGranularities are the rollups kept for service-wide counters.
var ServiceGranularities = []Granularity{Eternity, Month, Week, Day, Hour}

// ApplicationGranularities are the rollups kept for application and
// application+user counters. The minute counter exists only to answer
// near-real-time usage checks and carries a short TTL (see TTL).
var ApplicationGranularities = []Granularity{Eternity, Year, Month, Week, Day, Hour, Minute}

// Valid reports whether g names a known granularity.
func Valid(g Granularity) bool {
	switch g {
	case Minute, Hour, Day, Week, Month, Year, Eternity:
		return true
	}
	return false
}

// Parse converts a period string into a Granularity.
func Parse(s string) (Granularity, error) {
	g := Granularity(s)
	if !Valid(g) {
		return "", ErrInvalidGranularity
	}
	return g, nil
}

// Truncate returns the canonical start of the bucket containing ts, in UTC.
// Eternity truncates to the zero time: all timestamps share one bucket.
// Weeks start on Monday 00:00 UTC.
func (g Granularity) Truncate(ts time.Time) time.Time {
	t := ts.UTC()
	switch g {
	case Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case Eternity:
		return time.Time{}
	}
	return t
}

// Next returns the start of the bucket after the one containing ts. For
// eternity there is no next bucket and the zero time is returned.
func (g Granularity) Next(ts time.Time) time.Time {
	start := g.Truncate(ts)
	switch g {
	case Minute:
		return start.Add(time.Minute)
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	case Year:
		return start.AddDate(1, 0, 0)
	}
	return time.Time{}
}

// Bucket renders the compact bucket string for the bucket containing ts.
// The format is part of the external counter-key contract: minute
// "200601021504", hour "2006010215", day "20060102", week uses the
// day-compact form of the Monday starting it, month "200601", year "2006".
// Eternity has no bucket string.
func (g Granularity) Bucket(ts time.Time) string {
	start := g.Truncate(ts)
	switch g {
	case Minute:
		return start.Format("200601021504")
	case Hour:
		return start.Format("2006010215")
	case Day, Week:
		return start.Format("20060102")
	case Month:
		return start.Format("200601")
	case Year:
		return start.Format("2006")
	}
	return ""
}

// TTL returns the expiry applied to counters of this granularity on first
// increment. Zero means the counter persists until explicitly deleted.
func (g Granularity) TTL() time.Duration {
	if g == Minute {
		return time.Minute
	}
	return 0
}
