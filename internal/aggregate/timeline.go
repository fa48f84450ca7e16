package aggregate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Unit int

const (
	Day Unit = iota
	Month
)

// WindowSpec is a rolling window of Count units ending with the unit that
// contains the anchor.
type WindowSpec struct {
	Unit  Unit
	Count int
}

var (
	Last7Days   = WindowSpec{Unit: Day, Count: 7}
	Last6Months = WindowSpec{Unit: Month, Count: 6}
)

// ParseWindow reads forms like "7d" and "6m".
func ParseWindow(s string) (WindowSpec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return WindowSpec{}, fmt.Errorf("invalid window %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 || n > 366 {
		return WindowSpec{}, fmt.Errorf("invalid window %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return WindowSpec{Unit: Day, Count: n}, nil
	case 'm':
		return WindowSpec{Unit: Month, Count: n}, nil
	}
	return WindowSpec{}, fmt.Errorf("invalid window unit in %q, want d or m", s)
}

func (w WindowSpec) String() string {
	if w.Unit == Month {
		return strconv.Itoa(w.Count) + "m"
	}
	return strconv.Itoa(w.Count) + "d"
}

// Bucket is one step of a timeline. Groups is set by BucketByTimeGrouped.
type Bucket struct {
	Label  string         `json:"label" yaml:"label"`
	Start  time.Time      `json:"start" yaml:"start"`
	End    time.Time      `json:"end" yaml:"end"`
	Count  int            `json:"count" yaml:"count"`
	Groups map[string]int `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Buckets lays out the empty window around anchor, oldest first, in the
// anchor's location.
func (w WindowSpec) Buckets(anchor time.Time) []Bucket {
	if w.Count <= 0 {
		return nil
	}
	loc := anchor.Location()
	out := make([]Bucket, 0, w.Count)

	switch w.Unit {
	case Month:
		first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, loc)
		for i := w.Count - 1; i >= 0; i-- {
			start := first.AddDate(0, -i, 0)
			label := start.Format("Jan")
			if w.Count > 12 {
				label = start.Format("Jan 2006")
			}
			out = append(out, Bucket{Label: label, Start: start, End: start.AddDate(0, 1, 0)})
		}
	default:
		today := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)
		for i := w.Count - 1; i >= 0; i-- {
			start := today.AddDate(0, 0, -i)
			label := start.Format("Mon")
			if w.Count > 7 {
				label = start.Format("Jan 2")
			}
			out = append(out, Bucket{Label: label, Start: start, End: start.AddDate(0, 0, 1)})
		}
	}
	return out
}

// BucketByTime counts rows per time bucket using the timestamp in field.
// Rows with a missing or unparseable timestamp, or outside the window, are
// ignored.
func BucketByTime(rows []Row, field string, w WindowSpec, anchor time.Time) []Bucket {
	return bucketRows(rows, field, "", w, anchor)
}

// BucketByTimeGrouped is BucketByTime with a per-bucket breakdown by the
// value of groupField, e.g. report severity.
func BucketByTimeGrouped(rows []Row, field, groupField string, w WindowSpec, anchor time.Time) []Bucket {
	return bucketRows(rows, field, groupField, w, anchor)
}

func bucketRows(rows []Row, field, groupField string, w WindowSpec, anchor time.Time) []Bucket {
	buckets := w.Buckets(anchor)
	if len(buckets) == 0 {
		return buckets
	}
	if groupField != "" {
		for i := range buckets {
			buckets[i].Groups = make(map[string]int)
		}
	}

	loc := anchor.Location()
	lo, hi := buckets[0].Start, buckets[len(buckets)-1].End
	for _, row := range rows {
		ts, ok := ParseTime(row[field], loc)
		if !ok || ts.Before(lo) || !ts.Before(hi) {
			continue
		}
		i := indexOf(buckets, ts)
		if i < 0 {
			continue
		}
		buckets[i].Count++
		if groupField != "" {
			buckets[i].Groups[categoryOf(row, groupField)]++
		}
	}
	return buckets
}

func indexOf(buckets []Bucket, ts time.Time) int {
	for i, b := range buckets {
		if !ts.Before(b.Start) && ts.Before(b.End) {
			return i
		}
	}
	return -1
}

// AveragePerDay is the mean number of rows per day over the window.
func AveragePerDay(rows []Row, field string, w WindowSpec, anchor time.Time) float64 {
	buckets := w.Buckets(anchor)
	if len(buckets) == 0 {
		return 0
	}
	total := 0
	for _, b := range bucketRows(rows, field, "", w, anchor) {
		total += b.Count
	}
	start, end := buckets[0].Start, buckets[len(buckets)-1].End
	days := calendarDays(start, end)
	if days <= 0 {
		return 0
	}
	return float64(total) / float64(days)
}

// calendarDays counts days between two local midnights, ignoring DST shifts.
func calendarDays(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours() / 24)
}

// millisThreshold separates Unix seconds from Unix milliseconds.
const millisThreshold = 1e12

// maxUnixMillis is the last millisecond of year 9999. Larger numbers are not
// timestamps and would overflow int64 conversion.
const maxUnixMillis = 253402300799999

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime reads a timestamp from a row value: time.Time, RFC 3339 and
// similar strings, or Unix seconds (milliseconds above 1e12). Strings
// without a zone are read in loc.
func ParseTime(v any, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range layouts {
			if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}

	f, ok := number(v)
	if !ok || f <= 0 || f > maxUnixMillis {
		return time.Time{}, false
	}
	if f >= millisThreshold {
		return time.UnixMilli(int64(f)).In(loc), true
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(loc), true
}
