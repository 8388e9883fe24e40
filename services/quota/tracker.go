package quota

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
)

// UsageSink receives every recorded usage record, typically for persistence.
// Submit must not block the caller.
type UsageSink interface {
	Submit(record models.UsageRecord)
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLocation sets the zone that day and month windows are aligned to
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.location = loc
		}
	}
}

// WithSink forwards records to a persistent usage log
func WithSink(sink UsageSink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// Tracker enforces per-provider minute/day/month admission limits and keeps
// the usage log for successful calls.
type Tracker struct {
	limits   map[string]Limits
	store    CounterStore
	location *time.Location
	now      func() time.Time
	sink     UsageSink
	logger   *zap.Logger

	mu      sync.RWMutex
	records []models.UsageRecord
	daily   map[string]map[string]*models.UsageSummary // day key -> provider -> summary
}

// NewTracker creates a tracker for the given providers
func NewTracker(limits map[string]Limits, store CounterStore, logger *zap.Logger, opts ...Option) *Tracker {
	if store == nil {
		store = NewMemoryCounterStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		limits:   make(map[string]Limits, len(limits)),
		store:    store,
		location: time.UTC,
		now:      time.Now,
		logger:   logger,
		daily:    make(map[string]map[string]*models.UsageSummary),
	}
	for name, l := range limits {
		t.limits[name] = l
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) limitsFor(provider string) (Limits, error) {
	l, ok := t.limits[provider]
	if !ok {
		return Limits{}, services.ErrUnknownProvider.WithDetail("provider", provider)
	}
	return l, nil
}

// Limits returns the configured limits of a provider
func (t *Tracker) Limits(provider string) (Limits, bool) {
	l, ok := t.limits[provider]
	return l, ok
}

// Admit reserves one call against every window of provider. It returns false
// without changing any counter when a window is already at its limit.
func (t *Tracker) Admit(ctx context.Context, provider string) (bool, error) {
	limits, err := t.limitsFor(provider)
	if err != nil {
		return false, err
	}

	admitted, err := t.store.Admit(ctx, provider, BucketsFor(limits, t.now(), t.location))
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", provider, err)
	}
	if !admitted {
		t.logger.Debug("quota admission denied", zap.String("provider", provider))
	}
	return admitted, nil
}

// Record appends a usage record for one successful call. ID and Timestamp are
// filled in when zero.
func (t *Tracker) Record(ctx context.Context, record models.UsageRecord) error {
	if _, err := t.limitsFor(record.Provider); err != nil {
		return err
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = t.now()
	}

	t.mu.Lock()
	t.records = append(t.records, record)
	if n := len(t.records); n > 1 && record.Timestamp.Before(t.records[n-2].Timestamp) {
		sort.SliceStable(t.records, func(i, j int) bool {
			return t.records[i].Timestamp.Before(t.records[j].Timestamp)
		})
	}
	t.addLocked(&record)
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Submit(record)
	}
	return nil
}

func (t *Tracker) addLocked(r *models.UsageRecord) {
	day := DayKey(r.Timestamp, t.location)
	byProvider, ok := t.daily[day]
	if !ok {
		byProvider = make(map[string]*models.UsageSummary)
		t.daily[day] = byProvider
	}
	summary, ok := byProvider[r.Provider]
	if !ok {
		summary = &models.UsageSummary{Provider: r.Provider}
		byProvider[r.Provider] = summary
	}
	summary.Add(r)
}

// Restore rebuilds usage aggregates from a persisted log, e.g. at startup.
func (t *Tracker) Restore(records []models.UsageRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range records {
		t.records = append(t.records, records[i])
		t.addLocked(&records[i])
	}
	sort.SliceStable(t.records, func(i, j int) bool {
		return t.records[i].Timestamp.Before(t.records[j].Timestamp)
	})
}

// UsageToday returns requests, tokens and cost recorded for provider today
func (t *Tracker) UsageToday(provider string) models.UsageSummary {
	return t.usageOn(provider, DayKey(t.now(), t.location))
}

func (t *Tracker) usageOn(provider, day string) models.UsageSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.daily[day][provider]; ok {
		return *s
	}
	return models.UsageSummary{Provider: provider}
}

// Snapshot returns today's usage for every configured provider
func (t *Tracker) Snapshot() map[string]models.UsageSummary {
	day := DayKey(t.now(), t.location)
	out := make(map[string]models.UsageSummary, len(t.limits))
	for name := range t.limits {
		out[name] = t.usageOn(name, day)
	}
	return out
}

// MonthUsage sums the recorded usage of the current month
func (t *Tracker) MonthUsage(provider string) models.UsageSummary {
	month := BucketFor(PeriodMonth, t.now(), t.location, 0).Key

	t.mu.RLock()
	defer t.mu.RUnlock()

	total := models.UsageSummary{Provider: provider}
	for day, byProvider := range t.daily {
		if !strings.HasPrefix(day, month) {
			continue
		}
		if s, ok := byProvider[provider]; ok {
			total.Requests += s.Requests
			total.Tokens += s.Tokens
			total.Cost += s.Cost
		}
	}
	return total
}

// Records returns a copy of the in-memory log entries at or after since
func (t *Tracker) Records(since time.Time) []models.UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := sort.Search(len(t.records), func(i int) bool {
		return !t.records[i].Timestamp.Before(since)
	})
	out := make([]models.UsageRecord, len(t.records)-idx)
	copy(out, t.records[idx:])
	return out
}

// WindowStatus describes admission state for one period
type WindowStatus struct {
	Period    Period    `json:"period"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// ProviderStatus describes every window of one provider
type ProviderStatus struct {
	Provider   string         `json:"provider"`
	Windows    []WindowStatus `json:"windows"`
	CanRequest bool           `json:"can_request"`
}

// Status reports used/limit/remaining per window without admitting anything
func (t *Tracker) Status(ctx context.Context, provider string) (*ProviderStatus, error) {
	limits, err := t.limitsFor(provider)
	if err != nil {
		return nil, err
	}

	buckets := BucketsFor(limits, t.now(), t.location)
	counts, err := t.store.Counts(ctx, provider, buckets)
	if err != nil {
		return nil, fmt.Errorf("read counters for %s: %w", provider, err)
	}

	status := &ProviderStatus{Provider: provider, CanRequest: true}
	for i, b := range buckets {
		remaining := b.Limit - counts[i]
		if remaining <= 0 {
			remaining = 0
			status.CanRequest = false
		}
		status.Windows = append(status.Windows, WindowStatus{
			Period:    b.Period,
			Used:      counts[i],
			Limit:     b.Limit,
			Remaining: remaining,
			ResetAt:   b.End,
		})
	}
	return status, nil
}

// NextAvailable returns when provider can next be admitted: now if it can be
// admitted already, otherwise the latest reset among its exhausted windows.
func (t *Tracker) NextAvailable(ctx context.Context, provider string) (time.Time, error) {
	status, err := t.Status(ctx, provider)
	if err != nil {
		return time.Time{}, err
	}

	next := t.now()
	for _, w := range status.Windows {
		if w.Remaining == 0 && w.ResetAt.After(next) {
			next = w.ResetAt
		}
	}
	return next, nil
}

// Forecast projects monthly usage from recent daily averages
type Forecast struct {
	Provider       string  `json:"provider"`
	AverageDaily   float64 `json:"average_daily"`
	MonthToDate    int     `json:"month_to_date"`
	MonthlyLimit   int     `json:"monthly_limit"`
	ProjectedMonth int     `json:"projected_month"`
	DaysUntilLimit float64 `json:"days_until_limit"` // -1 when there is no usage to project from
	WillExceed     bool    `json:"will_exceed"`
}

// Forecast averages the last days calendar days (today included) and projects
// them over the rest of the month.
func (t *Tracker) Forecast(provider string, days int) (*Forecast, error) {
	limits, err := t.limitsFor(provider)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 7
	}

	now := t.now().In(t.location)
	total := 0
	for i := 0; i < days; i++ {
		total += t.usageOn(provider, DayKey(now.AddDate(0, 0, -i), t.location)).Requests
	}

	f := &Forecast{
		Provider:       provider,
		AverageDaily:   float64(total) / float64(days),
		MonthToDate:    t.MonthUsage(provider).Requests,
		MonthlyLimit:   limits.PerMonth,
		DaysUntilLimit: -1,
	}

	month := BucketFor(PeriodMonth, now, t.location, 0)
	daysLeft := month.End.Sub(now).Hours() / 24
	f.ProjectedMonth = f.MonthToDate + int(f.AverageDaily*daysLeft)
	f.WillExceed = f.ProjectedMonth > f.MonthlyLimit

	if f.AverageDaily > 0 {
		remaining := f.MonthlyLimit - f.MonthToDate
		if remaining < 0 {
			remaining = 0
		}
		f.DaysUntilLimit = float64(remaining) / f.AverageDaily
	}
	return f, nil
}

// Prune drops in-memory records and daily aggregates older than cutoff
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := sort.Search(len(t.records), func(i int) bool {
		return !t.records[i].Timestamp.Before(cutoff)
	})
	t.records = append([]models.UsageRecord(nil), t.records[idx:]...)

	cutoffDay := DayKey(cutoff, t.location)
	for day := range t.daily {
		if day < cutoffDay {
			delete(t.daily, day)
		}
	}
	return idx
}

// StartCleanupWorker prunes records older than retention every interval
// until ctx is done.
func (t *Tracker) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("started usage cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			removed := t.Prune(t.now().Add(-retention))
			if removed > 0 {
				t.logger.Info("pruned usage records", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			t.logger.Info("stopping usage cleanup worker")
			return
		}
	}
}
