package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBucketFor(t *testing.T) {
	now := time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC)

	t.Run("minute window", func(t *testing.T) {
		b := BucketFor(PeriodMinute, now, time.UTC, 60)

		assert.Equal(t, time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC), b.Start)
		assert.Equal(t, time.Date(2024, 1, 15, 14, 31, 0, 0, time.UTC), b.End)
		assert.Equal(t, "2024-01-15T14:30Z", b.Key)
		assert.Equal(t, 60, b.Limit)
	})

	t.Run("day window", func(t *testing.T) {
		b := BucketFor(PeriodDay, now, time.UTC, 1500)

		assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), b.Start)
		assert.Equal(t, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), b.End)
		assert.Equal(t, "2024-01-15", b.Key)
	})

	t.Run("month window", func(t *testing.T) {
		b := BucketFor(PeriodMonth, now, time.UTC, 45000)

		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), b.Start)
		assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), b.End)
		assert.Equal(t, "2024-01", b.Key)
	})

	t.Run("december rolls into next year", func(t *testing.T) {
		b := BucketFor(PeriodMonth, time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC), time.UTC, 1)
		assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), b.End)
	})

	t.Run("day aligned to configured zone", func(t *testing.T) {
		loc := time.FixedZone("UTC-5", -5*3600)
		b := BucketFor(PeriodDay, now, loc, 1)

		assert.Equal(t, "2024-01-15", b.Key)
		assert.Equal(t, time.Date(2024, 1, 15, 5, 0, 0, 0, time.UTC), b.Start.UTC())

		early := time.Date(2024, 1, 15, 3, 0, 0, 0, time.UTC)
		assert.Equal(t, "2024-01-14", BucketFor(PeriodDay, early, loc, 1).Key)
	})

	t.Run("nil location means UTC", func(t *testing.T) {
		assert.Equal(t, "2024-01-15", BucketFor(PeriodDay, now, nil, 1).Key)
	})
}

func TestBucketFor_KeyChangesAtBoundary(t *testing.T) {
	before := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	after := before.Add(time.Second)

	for _, p := range Periods {
		t.Run(string(p), func(t *testing.T) {
			assert.NotEqual(t, BucketFor(p, before, time.UTC, 1).Key, BucketFor(p, after, time.UTC, 1).Key)
		})
	}
}

func TestBucketFor_MinuteAcrossFallBack(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 01:30 EDT and 01:30 EST on 2026-11-01
	first := time.Date(2026, 11, 1, 5, 30, 10, 0, time.UTC)
	second := first.Add(time.Hour)
	require.Equal(t, first.In(loc).Format("15:04"), second.In(loc).Format("15:04"))

	a := BucketFor(PeriodMinute, first, loc, 1)
	b := BucketFor(PeriodMinute, second, loc, 1)
	assert.NotEqual(t, a.Key, b.Key)
	assert.Equal(t, time.Hour, b.Start.Sub(a.Start))
	assert.Equal(t, a.Key, BucketFor(PeriodMinute, first.Add(40*time.Second), loc, 1).Key)

	t.Run("tracker admits again an hour later", func(t *testing.T) {
		now := first
		tracker := NewTracker(
			map[string]Limits{"groq_llama": {PerMinute: 1, PerDay: 100, PerMonth: 1000}},
			NewMemoryCounterStore(), zap.NewNop(),
			WithLocation(loc), WithClock(func() time.Time { return now }),
		)

		ok, err := tracker.Admit(context.Background(), "groq_llama")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tracker.Admit(context.Background(), "groq_llama")
		require.NoError(t, err)
		assert.False(t, ok)

		now = second
		ok, err = tracker.Admit(context.Background(), "groq_llama")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestBucketsFor(t *testing.T) {
	limits := Limits{PerMinute: 60, PerDay: 1500, PerMonth: 45000}
	buckets := BucketsFor(limits, time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC), time.UTC)

	require.Len(t, buckets, 3)
	assert.Equal(t, PeriodMinute, buckets[0].Period)
	assert.Equal(t, 60, buckets[0].Limit)
	assert.Equal(t, 1500, buckets[1].Limit)
	assert.Equal(t, 45000, buckets[2].Limit)
}

func TestLimits_Validate(t *testing.T) {
	assert.NoError(t, Limits{PerMinute: 1, PerDay: 1, PerMonth: 1}.Validate())
	assert.Error(t, Limits{PerMinute: 0, PerDay: 1, PerMonth: 1}.Validate())
	assert.Error(t, Limits{PerMinute: 1, PerDay: -1, PerMonth: 1}.Validate())
	assert.Equal(t, 0, Limits{}.For(Period("hour")))
}
