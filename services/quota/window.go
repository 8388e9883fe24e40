package quota

import (
	"fmt"
	"time"
)

// Period is a fixed, epoch-aligned quota window
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodDay    Period = "day"
	PeriodMonth  Period = "month"
)

// Periods lists every window admission checks, shortest first
var Periods = []Period{PeriodMinute, PeriodDay, PeriodMonth}

// Limits holds the maximum admitted calls per window
type Limits struct {
	PerMinute int `json:"per_minute" toml:"per_minute" yaml:"per_minute"`
	PerDay    int `json:"per_day" toml:"per_day" yaml:"per_day"`
	PerMonth  int `json:"per_month" toml:"per_month" yaml:"per_month"`
}

// For returns the limit of one period
func (l Limits) For(p Period) int {
	switch p {
	case PeriodMinute:
		return l.PerMinute
	case PeriodDay:
		return l.PerDay
	case PeriodMonth:
		return l.PerMonth
	}
	return 0
}

// Validate rejects non-positive limits
func (l Limits) Validate() error {
	for _, p := range Periods {
		if l.For(p) <= 0 {
			return fmt.Errorf("%s limit must be positive, got %d", p, l.For(p))
		}
	}
	return nil
}

// Bucket is the current window of one period. Key changes exactly when the
// window rolls over, so stores reset a counter whenever the key differs.
type Bucket struct {
	Period Period
	Key    string
	Start  time.Time
	End    time.Time
	Limit  int
}

// BucketFor computes the window containing now. Minute windows are aligned to
// the epoch; day and month windows to local midnight in loc.
func BucketFor(p Period, now time.Time, loc *time.Location, limit int) Bucket {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)

	var start, end time.Time
	var key string
	switch p {
	case PeriodMinute:
		start = t.Truncate(time.Minute)
		end = start.Add(time.Minute)
		// wall-clock minutes repeat on a DST fall-back, so key on UTC
		key = start.UTC().Format("2006-01-02T15:04Z")
	case PeriodDay:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 1)
		key = start.Format("2006-01-02")
	case PeriodMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 1, 0)
		key = start.Format("2006-01")
	}

	return Bucket{Period: p, Key: key, Start: start, End: end, Limit: limit}
}

// BucketsFor returns the minute, day and month windows containing now
func BucketsFor(limits Limits, now time.Time, loc *time.Location) []Bucket {
	buckets := make([]Bucket, len(Periods))
	for i, p := range Periods {
		buckets[i] = BucketFor(p, now, loc, limits.For(p))
	}
	return buckets
}

// DayKey formats the calendar day used for usage aggregation
func DayKey(t time.Time, loc *time.Location) string {
	return BucketFor(PeriodDay, t, loc, 0).Key
}
