package registry

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func strPtr(s string) *string { return &s }

func testProviders() []domain.Provider {
	return []domain.Provider{
		{ID: "b", Kind: domain.TransportWebhook, Active: true, Priority: 5, Weight: 1},
		{ID: "a", Kind: domain.TransportSMTP, Active: true, Priority: 10, Weight: 1, FallbackProviderID: strPtr("b")},
		{ID: "c", Kind: domain.TransportLog, Active: true, Priority: 5, Weight: 3},
		{ID: "off", Kind: domain.TransportLog, Active: false, Priority: 20, Weight: 1},
		{ID: "canary", Kind: domain.TransportLog, Active: true, Status: domain.ProviderTesting, Priority: 30, Weight: 1},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg, err := New(testProviders(), DefaultPolicy(), WithClock(clock.Now))
	require.NoError(t, err)
	return reg, clock
}

func TestNewRejectsInvalidCatalog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers []domain.Provider
	}{
		{name: "empty", providers: nil},
		{name: "missing id", providers: []domain.Provider{{Kind: domain.TransportLog}}},
		{name: "unknown kind", providers: []domain.Provider{{ID: "x", Kind: "carrier-pigeon"}}},
		{
			name: "duplicate id",
			providers: []domain.Provider{
				{ID: "x", Kind: domain.TransportLog},
				{ID: "x", Kind: domain.TransportLog},
			},
		},
		{
			name:      "unknown fallback",
			providers: []domain.Provider{{ID: "x", Kind: domain.TransportLog, FallbackProviderID: strPtr("ghost")}},
		},
		{
			name:      "self fallback",
			providers: []domain.Provider{{ID: "x", Kind: domain.TransportLog, FallbackProviderID: strPtr("x")}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.providers, DefaultPolicy())
			require.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	reg, err := New([]domain.Provider{{ID: "x", Kind: domain.TransportLog, Active: true}}, Policy{})
	require.NoError(t, err)

	p, ok := reg.Get("x")
	require.True(t, ok)
	assert.Equal(t, domain.ProviderActive, p.Status)
	assert.Equal(t, 1, p.Weight)
	assert.Equal(t, float64(100), p.SuccessRate)
	assert.Equal(t, DefaultPolicy(), reg.Policy())
}

func TestListEligible(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	ids := func(ps []domain.Provider) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "c", "b"}, ids(reg.ListEligible(nil)))
	assert.Equal(t, []string{"c", "b"}, ids(reg.ListEligible([]string{"a"})))
}

func TestSuccessRateMatchesCounters(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	outcomes := []bool{true, false, true, true, false, false, true, false, true, true, true}
	for _, ok := range outcomes {
		if ok {
			require.NoError(t, reg.RecordSuccess("b", 40*time.Millisecond))
		} else {
			_, err := reg.RecordFailure("b", "boom")
			require.NoError(t, err)
		}

		p, _ := reg.Get("b")
		want := float64(p.SentCount) / float64(p.SentCount+p.FailedCount) * 100
		assert.InDelta(t, want, p.SuccessRate, 1e-9)
	}

	p, _ := reg.Get("b")
	assert.Equal(t, int64(7), p.SentCount)
	assert.Equal(t, int64(4), p.FailedCount)
	assert.Equal(t, int64(7), p.DailySent)
	assert.Equal(t, int64(7), p.MonthlySent)
	assert.Equal(t, 0, p.ConsecutiveFailures)
}

func TestRecordFailureOpensBreaker(t *testing.T) {
	t.Parallel()

	reg, clock := newTestRegistry(t)
	policy := reg.Policy()

	for i := 1; i < policy.BreakerThreshold; i++ {
		state, err := reg.RecordFailure("a", "timeout")
		require.NoError(t, err)
		assert.NotEqual(t, BreakerOpen, state)

		p, _ := reg.Get("a")
		assert.NotEqual(t, domain.ProviderError, p.Status)
	}

	state, err := reg.RecordFailure("a", "timeout")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, state)

	p, _ := reg.Get("a")
	assert.Equal(t, domain.ProviderError, p.Status)
	assert.Equal(t, "timeout", p.LastError)
	require.NotNil(t, p.LastHealthCheckAt)

	clock.Advance(policy.BreakerTimeout - time.Second)
	p, _ = reg.Get("a")
	assert.Equal(t, BreakerOpen, policy.Breaker(p, clock.Now()))

	clock.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, policy.Breaker(p, clock.Now()))
}

func TestRecordSuccessClosesBreaker(t *testing.T) {
	t.Parallel()

	reg, clock := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		_, err := reg.RecordFailure("a", "down")
		require.NoError(t, err)
	}

	require.NoError(t, reg.RecordSuccess("a", 120*time.Millisecond))

	p, _ := reg.Get("a")
	assert.Equal(t, 0, p.ConsecutiveFailures)
	assert.Equal(t, domain.ProviderActive, p.Status)
	assert.Empty(t, p.LastError)
	assert.Equal(t, float64(120), p.AvgResponseMs)
	assert.NotEqual(t, BreakerOpen, reg.Policy().Breaker(p, clock.Now()))
}

func TestRecordProbe(t *testing.T) {
	t.Parallel()

	reg, clock := newTestRegistry(t)
	policy := reg.Policy()

	require.NoError(t, reg.RecordProbe("b", false, "dial tcp: refused"))
	p, _ := reg.Get("b")
	assert.Equal(t, domain.ProviderDegraded, p.Status)
	assert.Equal(t, BreakerDegraded, policy.Breaker(p, clock.Now()))

	require.NoError(t, reg.RecordProbe("b", true, ""))
	p, _ = reg.Get("b")
	assert.Equal(t, domain.ProviderActive, p.Status)
	assert.Equal(t, BreakerHealthy, policy.Breaker(p, clock.Now()))

	for i := 0; i < policy.BreakerThreshold; i++ {
		_, err := reg.RecordFailure("b", "down")
		require.NoError(t, err)
	}
	require.NoError(t, reg.RecordProbe("b", true, ""))
	p, _ = reg.Get("b")
	assert.Equal(t, 0, p.ConsecutiveFailures)
	assert.Equal(t, domain.ProviderActive, p.Status)
}

func TestRecordUnknownProvider(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	require.ErrorIs(t, reg.RecordSuccess("ghost", time.Millisecond), domain.ErrNotFound)
	_, err := reg.RecordFailure("ghost", "x")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.RecordSuccess("c", time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.RecordFailure("c", "x")
		}()
	}
	wg.Wait()

	p, _ := reg.Get("c")
	assert.Equal(t, int64(50), p.SentCount)
	assert.Equal(t, int64(50), p.FailedCount)
	assert.InDelta(t, 50, p.SuccessRate, 1e-9)
}

func TestHasCapacity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)
	policy := DefaultPolicy()

	tests := []struct {
		name     string
		provider domain.Provider
		priority domain.Priority
		want     bool
	}{
		{name: "no limits", provider: domain.Provider{}, priority: domain.PriorityNormal, want: true},
		{name: "below margin", provider: domain.Provider{DailySent: 89, DailyLimit: 100}, priority: domain.PriorityNormal, want: true},
		{name: "at daily margin", provider: domain.Provider{DailySent: 90, DailyLimit: 100}, priority: domain.PriorityNormal, want: false},
		{name: "urgent uses hard daily limit", provider: domain.Provider{DailySent: 95, DailyLimit: 100}, priority: domain.PriorityUrgent, want: true},
		{name: "urgent at hard daily limit", provider: domain.Provider{DailySent: 100, DailyLimit: 100}, priority: domain.PriorityUrgent, want: false},
		{name: "at monthly margin", provider: domain.Provider{MonthlySent: 900, MonthlyLimit: 1000}, priority: domain.PriorityHigh, want: false},
		{name: "urgent uses hard monthly limit", provider: domain.Provider{MonthlySent: 950, MonthlyLimit: 1000}, priority: domain.PriorityUrgent, want: true},
		{
			name:     "rate limited",
			provider: domain.Provider{Status: domain.ProviderRateLimited, RateLimitedUntil: &later},
			priority: domain.PriorityUrgent,
			want:     false,
		},
		{
			name:     "rate limit expired",
			provider: domain.Provider{Status: domain.ProviderRateLimited, RateLimitedUntil: &earlier},
			priority: domain.PriorityNormal,
			want:     true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, policy.HasCapacity(tt.provider, tt.priority, now))
		})
	}
}

func TestResetCounters(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.RecordSuccess("a", time.Millisecond))
	require.NoError(t, reg.RecordSuccess("b", time.Millisecond))

	reg.ResetDaily()
	p, _ := reg.Get("a")
	assert.Equal(t, int64(0), p.DailySent)
	assert.Equal(t, int64(1), p.MonthlySent)

	reg.ResetMonthly()
	p, _ = reg.Get("b")
	assert.Equal(t, int64(0), p.MonthlySent)
	assert.Equal(t, int64(1), p.SentCount)
}

func TestRestoreKeepsCatalogFields(t *testing.T) {
	t.Parallel()

	reg, clock := newTestRegistry(t)
	checked := clock.Now().Add(-time.Minute)

	reg.Restore([]domain.Provider{
		{
			ID:                  "a",
			Priority:            1,
			SentCount:           8,
			FailedCount:         2,
			SuccessRate:         80,
			ConsecutiveFailures: 5,
			DailySent:           3,
			Status:              domain.ProviderError,
			LastHealthCheckAt:   &checked,
		},
		{ID: "ghost", SentCount: 1},
	})

	p, _ := reg.Get("a")
	assert.Equal(t, 10, p.Priority)
	assert.Equal(t, int64(8), p.SentCount)
	assert.Equal(t, float64(80), p.SuccessRate)
	assert.Equal(t, domain.ProviderError, p.Status)
	assert.Equal(t, BreakerOpen, reg.Policy().Breaker(p, clock.Now()))
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.MarkRateLimited("b", reg.Now().Add(time.Minute)))

	stats := reg.Statistics()
	require.Len(t, stats, 5)

	byID := make(map[string]ProviderStats, len(stats))
	for _, s := range stats {
		byID[s.ID] = s
	}
	assert.False(t, byID["b"].HasCapacity)
	assert.Equal(t, domain.ProviderRateLimited, byID["b"].Status)
	assert.True(t, byID["a"].HasCapacity)
	assert.Equal(t, BreakerHealthy, byID["a"].Breaker)
	assert.False(t, math.IsNaN(byID["a"].DailyUsage))
}
