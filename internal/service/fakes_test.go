package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/provider"
	"github.com/kursadbilgin/delivery-router/internal/queue"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"gorm.io/gorm"
)

// memoryMessages is a stateful MessageRepository that applies the same
// status preconditions as the gorm repository.
type memoryMessages struct {
	mu       sync.Mutex
	rows     map[string]*domain.Message
	order    []string
	history  map[string][]domain.Status
	createFn func(m *domain.Message) error
}

var _ repository.MessageRepository = (*memoryMessages)(nil)

func newMemoryMessages() *memoryMessages {
	return &memoryMessages{
		rows:    make(map[string]*domain.Message),
		history: make(map[string][]domain.Status),
	}
}

func (r *memoryMessages) setStatus(m *domain.Message, status domain.Status) {
	m.Status = status
	r.history[m.ID] = append(r.history[m.ID], status)
}

func (r *memoryMessages) Statuses(id string) []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.history[id]...)
}

func (r *memoryMessages) Snapshot(id string) domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

func (r *memoryMessages) Create(_ context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createFn != nil {
		if err := r.createFn(m); err != nil {
			return err
		}
	}
	if m.IdempotencyKey != nil {
		for _, row := range r.rows {
			if row.IdempotencyKey != nil && *row.IdempotencyKey == *m.IdempotencyKey {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	if _, exists := r.rows[m.ID]; exists {
		return gorm.ErrDuplicatedKey
	}

	row := *m
	r.rows[m.ID] = &row
	r.order = append(r.order, m.ID)
	r.history[m.ID] = []domain.Status{m.Status}
	return nil
}

func (r *memoryMessages) GetByID(_ context.Context, id string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *row
	return &out, nil
}

func (r *memoryMessages) GetByIdempotencyKey(_ context.Context, key string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.IdempotencyKey != nil && *row.IdempotencyKey == key {
			out := *row
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memoryMessages) List(_ context.Context, params repository.ListParams) ([]domain.Message, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, id := range r.order {
		row := r.rows[id]
		if params.Status != nil && row.Status != *params.Status {
			continue
		}
		out = append(out, *row)
	}
	return out, int64(len(out)), nil
}

func (r *memoryMessages) ClaimForProcessing(_ context.Context, id string, now time.Time) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !row.IsDue(now) {
		return nil, nil
	}
	next, err := domain.Transition(row.Status, domain.EventDispatch)
	if err != nil {
		return nil, nil
	}
	r.setStatus(row, next)
	row.QueuedAt = nil
	row.UpdatedAt = now
	out := *row
	return &out, nil
}

func (r *memoryMessages) processing(id string) (*domain.Message, error) {
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if row.Status != domain.StatusProcessing {
		return nil, domain.ErrConflict
	}
	return row, nil
}

func (r *memoryMessages) SetProvider(_ context.Context, id string, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, err := r.processing(id)
	if err != nil {
		return err
	}
	row.ProviderID = &providerID
	return nil
}

func (r *memoryMessages) MarkSent(_ context.Context, id string, providerID string, providerMessageID *string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, err := r.processing(id)
	if err != nil {
		return err
	}
	r.setStatus(row, domain.StatusSent)
	row.ProviderID = &providerID
	row.ProviderMessageID = providerMessageID
	row.SentAt = &sentAt
	row.NextRetryAt = nil
	row.LastError = nil
	return nil
}

func (r *memoryMessages) MarkRetry(_ context.Context, id string, update repository.RetryUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, err := r.processing(id)
	if err != nil {
		return err
	}
	r.setStatus(row, domain.StatusRetry)
	row.RetryCount = update.RetryCount
	next := update.NextRetryAt
	row.NextRetryAt = &next
	lastError := update.LastError
	row.LastError = &lastError
	row.LastErrorDetail = update.LastErrorDetail
	row.QueuedAt = nil
	if update.ProviderID != nil {
		row.ProviderID = update.ProviderID
	}
	return nil
}

func (r *memoryMessages) MarkFailed(_ context.Context, id string, lastError string, detail *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, err := r.processing(id)
	if err != nil {
		return err
	}
	r.setStatus(row, domain.StatusFailed)
	row.LastError = &lastError
	row.LastErrorDetail = detail
	row.NextRetryAt = nil
	return nil
}

func (r *memoryMessages) Cancel(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if row.Status.IsTerminal() {
		return false, nil
	}
	r.setStatus(row, domain.StatusCancelled)
	row.NextRetryAt = nil
	row.QueuedAt = nil
	return true, nil
}

func (r *memoryMessages) Reschedule(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if _, err := domain.Transition(row.Status, domain.EventSchedule); err != nil {
		return domain.ErrConflict
	}
	r.setStatus(row, domain.StatusScheduled)
	row.ScheduledAt = &at
	row.NextRetryAt = nil
	row.QueuedAt = nil
	return nil
}

func (r *memoryMessages) MarkQueued(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	if _, err := domain.Transition(row.Status, domain.EventDispatch); err != nil {
		return false, nil
	}
	row.QueuedAt = &at
	return true, nil
}

func (r *memoryMessages) due(params repository.DueParams, match func(m *domain.Message) bool) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, id := range r.order {
		row := r.rows[id]
		if row.Priority != params.Priority || !match(row) {
			continue
		}
		if row.QueuedAt != nil && row.QueuedAt.After(params.QueuedBefore) {
			continue
		}
		out = append(out, *row)
		if len(out) == params.Limit {
			break
		}
	}
	return out
}

func (r *memoryMessages) GetDueScheduled(_ context.Context, params repository.DueParams) ([]domain.Message, error) {
	return r.due(params, func(m *domain.Message) bool {
		return (m.Status == domain.StatusPending || m.Status == domain.StatusScheduled) && m.IsDue(params.Now)
	}), nil
}

func (r *memoryMessages) GetDueRetries(_ context.Context, params repository.DueParams) ([]domain.Message, error) {
	return r.due(params, func(m *domain.Message) bool {
		return m.Status == domain.StatusRetry && m.IsDue(params.Now)
	}), nil
}

func (r *memoryMessages) RecoverStale(_ context.Context, before, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == domain.StatusProcessing && row.UpdatedAt.Before(before) {
			r.setStatus(row, domain.StatusRetry)
			row.NextRetryAt = &now
			row.QueuedAt = nil
			row.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
}

func (r *memoryRecorder) Record(_ context.Context, e domain.DeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memoryRecorder) List(_ context.Context, messageID string) ([]domain.DeliveryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryEvent
	for _, e := range r.events {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryRecorder) Types(messageID string) []domain.EventType {
	events, _ := r.List(context.Background(), messageID)
	types := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

type fakeSuppressions struct {
	mu        sync.Mutex
	addresses map[string]bool
	err       error
}

func newFakeSuppressions(addresses ...string) *fakeSuppressions {
	s := &fakeSuppressions{addresses: make(map[string]bool)}
	for _, a := range addresses {
		s.addresses[domain.NormalizeAddress(a)] = true
	}
	return s
}

func (s *fakeSuppressions) IsSuppressed(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.addresses[domain.NormalizeAddress(address)], nil
}

func (s *fakeSuppressions) Suppress(_ context.Context, address string, reason domain.SuppressionReason, source string) (*domain.Suppression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	normalized := domain.NormalizeAddress(address)
	s.addresses[normalized] = true
	return &domain.Suppression{Address: normalized, Reason: reason, Source: source}, nil
}

func (s *fakeSuppressions) Unsuppress(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	normalized := domain.NormalizeAddress(address)
	if !s.addresses[normalized] {
		return domain.ErrNotFound
	}
	delete(s.addresses, normalized)
	return nil
}

type publishedMessage struct {
	lane string
	msg  queue.DispatchMessage
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	publishFn func(lane string, msg queue.DispatchMessage) error
}

func (p *recordingPublisher) Publish(_ context.Context, lane string, msg queue.DispatchMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishFn != nil {
		if err := p.publishFn(lane, msg); err != nil {
			return err
		}
	}
	p.published = append(p.published, publishedMessage{lane: lane, msg: msg})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.published))
	for _, m := range p.published {
		ids = append(ids, m.msg.MessageID)
	}
	return ids
}

type fakeConsumer struct{}

func (fakeConsumer) Consume(ctx context.Context, _ string, _ queue.MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (fakeConsumer) Close() error { return nil }

type fakeAdapter struct {
	mu       sync.Mutex
	calls    int
	sendFn   func(ctx context.Context, e provider.Envelope) (*provider.Result, error)
	healthFn func(ctx context.Context) error
}

func (a *fakeAdapter) Send(ctx context.Context, e provider.Envelope) (*provider.Result, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.sendFn != nil {
		return a.sendFn(ctx, e)
	}
	return &provider.Result{Accepted: true, ProviderMessageID: "pm-" + e.MessageID}, nil
}

func (a *fakeAdapter) HealthCheck(ctx context.Context) error {
	if a.healthFn != nil {
		return a.healthFn(ctx)
	}
	return nil
}

func (a *fakeAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type memoryProviderStore struct {
	mu    sync.Mutex
	saved []domain.Provider
	err   error
	saves int
}

func (s *memoryProviderStore) SaveAll(_ context.Context, providers []domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.saved = append([]domain.Provider(nil), providers...)
	return nil
}

func (s *memoryProviderStore) LoadAll(_ context.Context) ([]domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := append([]domain.Provider(nil), s.saved...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var errTransient = &provider.SendError{Kind: provider.FailureTransient, StatusCode: 503, Message: "service unavailable"}

var errBoom = errors.New("boom")
