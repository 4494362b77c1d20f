package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/observability"
	"github.com/kursadbilgin/delivery-router/internal/provider"
	"github.com/kursadbilgin/delivery-router/internal/registry"
)

func TestHealthMonitorProbeAll(t *testing.T) {
	t.Parallel()

	broken := testProvider("broken", 10)
	recovering := testProvider("recovering", 5)
	recovering.Status = domain.ProviderError
	recovering.ConsecutiveFailures = 5
	idle := testProvider("idle", 1)
	idle.Active = false

	reg, err := registry.New([]domain.Provider{broken, recovering, idle}, registry.DefaultPolicy())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	idleAdapter := &fakeAdapter{healthFn: func(context.Context) error {
		t.Error("inactive provider must not be probed")
		return nil
	}}
	adapters := provider.NewSetFromAdapters(map[string]provider.Adapter{
		"broken":     &fakeAdapter{healthFn: func(context.Context) error { return errBoom }},
		"recovering": &fakeAdapter{},
		"idle":       idleAdapter,
	})

	monitor, err := NewHealthMonitor(reg, adapters, time.Minute, time.Second, nil)
	if err != nil {
		t.Fatalf("NewHealthMonitor() error = %v", err)
	}
	monitor.SetMetrics(observability.NewMetrics())

	if err := monitor.ProbeAll(context.Background()); err != nil {
		t.Fatalf("ProbeAll() error = %v", err)
	}

	b, _ := reg.Get("broken")
	if b.Status != domain.ProviderDegraded || b.LastHealthOK || b.LastHealthCheckAt == nil {
		t.Fatalf("broken = status %s ok %v, want degraded and failing", b.Status, b.LastHealthOK)
	}
	r, _ := reg.Get("recovering")
	if r.Status != domain.ProviderActive || r.ConsecutiveFailures != 0 {
		t.Fatalf("recovering = status %s failures %d, want active with breaker closed", r.Status, r.ConsecutiveFailures)
	}
	i, _ := reg.Get("idle")
	if i.LastHealthCheckAt != nil {
		t.Fatal("inactive provider should not have a health check recorded")
	}
}

func TestHealthMonitorProbeTimeout(t *testing.T) {
	t.Parallel()

	reg, err := registry.New([]domain.Provider{testProvider("slow", 1)}, registry.DefaultPolicy())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	adapters := provider.NewSetFromAdapters(map[string]provider.Adapter{
		"slow": &fakeAdapter{healthFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})

	monitor, err := NewHealthMonitor(reg, adapters, time.Minute, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewHealthMonitor() error = %v", err)
	}
	if err := monitor.ProbeAll(context.Background()); err != nil {
		t.Fatalf("ProbeAll() error = %v", err)
	}

	p, _ := reg.Get("slow")
	if p.LastHealthOK || p.LastError == "" {
		t.Fatalf("slow provider = ok %v error %q, want failed probe", p.LastHealthOK, p.LastError)
	}
}

type countingResets struct {
	mu      sync.Mutex
	daily   int
	monthly int
}

func (c *countingResets) ResetDaily() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daily++
}

func (c *countingResets) ResetMonthly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monthly++
}

func TestNextUTCMidnight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid day",
			in:   time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exact midnight moves to next day",
			in:   time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month end",
			in:   time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC),
			want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non utc input",
			in:   time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("UTC-3", -3*3600)),
			want: time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NextUTCMidnight(tt.in); !got.Equal(tt.want) {
				t.Fatalf("NextUTCMidnight(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCounterResetterResetsOnBoundaries(t *testing.T) {
	t.Parallel()

	counters := &countingResets{}
	resetter := NewCounterResetter(counters, nil)

	resetter.reset(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	if counters.daily != 1 || counters.monthly != 0 {
		t.Fatalf("after mid-month reset daily=%d monthly=%d, want 1/0", counters.daily, counters.monthly)
	}

	resetter.reset(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if counters.daily != 2 || counters.monthly != 1 {
		t.Fatalf("after month start reset daily=%d monthly=%d, want 2/1", counters.daily, counters.monthly)
	}
}

func TestCounterResetterStartFiresAtMidnight(t *testing.T) {
	t.Parallel()

	counters := &countingResets{}
	resetter := NewCounterResetter(counters, nil)

	start := time.Date(2026, 6, 30, 23, 59, 0, 0, time.UTC)
	var mu sync.Mutex
	current := start
	resetter.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{})
	var waits []time.Duration
	resetter.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		if len(waits) > 1 {
			close(fired)
			return make(chan time.Time)
		}
		current = current.Add(d)
		ch := make(chan time.Time, 1)
		ch <- current
		return ch
	}

	done := make(chan error, 1)
	go func() { done <- resetter.Start(ctx) }()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("resetter did not fire")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if waits[0] != time.Minute {
		t.Fatalf("first wait = %v, want 1m", waits[0])
	}
	if waits[1] != 24*time.Hour {
		t.Fatalf("second wait = %v, want 24h", waits[1])
	}
	counters.mu.Lock()
	defer counters.mu.Unlock()
	if counters.daily != 1 || counters.monthly != 1 {
		t.Fatalf("daily=%d monthly=%d, want 1/1 at July 1st", counters.daily, counters.monthly)
	}
}

func TestProviderSyncSaveAndRestore(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	lastMonth := now.AddDate(0, -1, 0)
	today := now.Add(-time.Hour)

	store := &memoryProviderStore{saved: []domain.Provider{
		{ID: "a", SentCount: 10, DailySent: 4, MonthlySent: 9, LastUsedAt: &yesterday},
		{ID: "b", SentCount: 7, DailySent: 3, MonthlySent: 7, LastUsedAt: &lastMonth},
		{ID: "c", SentCount: 2, DailySent: 2, MonthlySent: 2, LastUsedAt: &today, ConsecutiveFailures: 1},
	}}

	reg, err := registry.New([]domain.Provider{testProvider("a", 3), testProvider("b", 2), testProvider("c", 1)}, registry.DefaultPolicy())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	ps, err := NewProviderSync(store, reg, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewProviderSync() error = %v", err)
	}
	ps.now = func() time.Time { return now }

	if err := ps.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	tests := []struct {
		id          string
		wantDaily   int64
		wantMonthly int64
	}{
		{id: "a", wantDaily: 0, wantMonthly: 9},
		{id: "b", wantDaily: 0, wantMonthly: 0},
		{id: "c", wantDaily: 2, wantMonthly: 2},
	}
	for _, tt := range tests {
		p, _ := reg.Get(tt.id)
		if p.DailySent != tt.wantDaily || p.MonthlySent != tt.wantMonthly {
			t.Fatalf("%s daily=%d monthly=%d, want %d/%d", tt.id, p.DailySent, p.MonthlySent, tt.wantDaily, tt.wantMonthly)
		}
	}

	if err := reg.RecordSuccess("c", 10*time.Millisecond); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := ps.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	for _, p := range store.saved {
		if p.ID == "c" && p.SentCount != 3 {
			t.Fatalf("saved c sentCount = %d, want 3", p.SentCount)
		}
	}
}

func TestProviderSyncStartSavesOnShutdown(t *testing.T) {
	t.Parallel()

	store := &memoryProviderStore{}
	reg, err := registry.New([]domain.Provider{testProvider("a", 1)}, registry.DefaultPolicy())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	ps, err := NewProviderSync(store, reg, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewProviderSync() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ps.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if store.saves != 1 || len(store.saved) != 1 {
		t.Fatalf("saves = %d saved = %d, want one final save", store.saves, len(store.saved))
	}
}

func TestProviderSyncRestoreError(t *testing.T) {
	t.Parallel()

	reg, err := registry.New([]domain.Provider{testProvider("a", 1)}, registry.DefaultPolicy())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	ps, err := NewProviderSync(&memoryProviderStore{err: errBoom}, reg, 0, nil)
	if err != nil {
		t.Fatalf("NewProviderSync() error = %v", err)
	}
	if err := ps.Restore(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("Restore() error = %v, want errBoom", err)
	}
}
