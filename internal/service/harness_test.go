package service

import (
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/provider"
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"github.com/kursadbilgin/delivery-router/internal/render"
	"github.com/kursadbilgin/delivery-router/internal/router"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	clock        *testClock
	messages     *memoryMessages
	recorder     *memoryRecorder
	suppressions *fakeSuppressions
	publisher    *recordingPublisher
	registry     *registry.Registry
	adapters     map[string]*fakeAdapter
	templates    *render.Store
	delivery     *DeliveryService
	dispatcher   *Dispatcher
}

func testProvider(id string, priority int) domain.Provider {
	return domain.Provider{
		ID:       id,
		Name:     id,
		Kind:     domain.TransportLog,
		Active:   true,
		Priority: priority,
		Weight:   1,
	}
}

func newHarness(t *testing.T, providers ...domain.Provider) *harness {
	t.Helper()

	reg, err := registry.New(providers, registry.DefaultPolicy())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	selector, err := router.NewSelector(reg, nil)
	if err != nil {
		t.Fatalf("router.NewSelector() error = %v", err)
	}

	adapters := make(map[string]*fakeAdapter, len(providers))
	set := make(map[string]provider.Adapter, len(providers))
	for _, p := range providers {
		a := &fakeAdapter{}
		adapters[p.ID] = a
		set[p.ID] = a
	}

	h := &harness{
		clock:        newTestClock(),
		messages:     newMemoryMessages(),
		recorder:     &memoryRecorder{},
		suppressions: newFakeSuppressions(),
		publisher:    &recordingPublisher{},
		registry:     reg,
		adapters:     adapters,
		templates:    render.NewStore(),
	}

	h.delivery, err = NewDeliveryService(h.messages, h.recorder, h.suppressions, h.publisher, reg, 3, nil)
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}
	h.delivery.now = h.clock.Now

	h.dispatcher, err = NewDispatcher(DispatcherDeps{
		Messages:     h.messages,
		Consumer:     fakeConsumer{},
		Health:       reg,
		Selector:     selector,
		Adapters:     provider.NewSetFromAdapters(set),
		Renderer:     h.templates,
		Suppressions: h.suppressions,
		Recorder:     h.recorder,
	}, DispatcherConfig{NoProviderDelay: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	h.dispatcher.now = h.clock.Now

	return h
}

func newTestMessage(priority domain.Priority) *domain.Message {
	return &domain.Message{
		Recipient: "guest@example.com",
		Subject:   "Booking confirmed",
		TextBody:  "See you soon",
		Priority:  priority,
		Category:  domain.CategoryTransactional,
	}
}
