package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/observability"
	"github.com/kursadbilgin/delivery-router/internal/provider"
	"github.com/kursadbilgin/delivery-router/internal/queue"
	"github.com/kursadbilgin/delivery-router/internal/ratelimit"
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"github.com/kursadbilgin/delivery-router/internal/render"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"github.com/kursadbilgin/delivery-router/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendTimeout     = 15 * time.Second
	defaultNoProviderDelay = time.Minute
	defaultMaxDeferAge     = 24 * time.Hour
	defaultRateLimitPause  = time.Minute
	maxErrorDetailLength   = 2000
)

// retryBackoff is indexed by min(retryCount, len-1).
var retryBackoff = []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute}

// ProviderHealth is the write side of the provider registry used while
// dispatching.
type ProviderHealth interface {
	RecordSuccess(id string, duration time.Duration) error
	RecordFailure(id string, errMsg string) (registry.BreakerState, error)
	MarkRateLimited(id string, until time.Time) error
}

// ProviderSelector chooses the provider for a message.
type ProviderSelector interface {
	Select(req router.Request) (domain.Provider, error)
	Fallback(failedID string, req router.Request) (domain.Provider, error)
}

// AdapterSource resolves the transport adapter of a provider.
type AdapterSource interface {
	Get(providerID string) (provider.Adapter, bool)
}

// SuppressionChecker is the read side of the suppression list.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, address string) (bool, error)
}

type DispatcherConfig struct {
	Workers         map[domain.Priority]int
	SendTimeout     time.Duration
	NoProviderDelay time.Duration
	// MaxDeferAge bounds how long a message may keep being deferred without
	// an attempt before it fails.
	MaxDeferAge time.Duration
}

type DispatcherDeps struct {
	Messages     repository.MessageRepository
	Consumer     queue.Consumer
	Health       ProviderHealth
	Selector     ProviderSelector
	Adapters     AdapterSource
	Renderer     render.Renderer
	Suppressions SuppressionChecker
	Limiter      ratelimit.RateLimiter
	Recorder     EventRecorder
}

// Dispatcher runs the per-lane worker pools and processes one message per
// dispatch trigger.
type Dispatcher struct {
	messages     repository.MessageRepository
	consumer     queue.Consumer
	health       ProviderHealth
	selector     ProviderSelector
	adapters     AdapterSource
	renderer     render.Renderer
	suppressions SuppressionChecker
	limiter      ratelimit.RateLimiter
	recorder     EventRecorder
	metrics      *observability.Metrics
	logger       *zap.Logger

	workers         map[domain.Priority]int
	sendTimeout     time.Duration
	noProviderDelay time.Duration
	maxDeferAge     time.Duration
	now             func() time.Time
}

func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig, logger *zap.Logger) (*Dispatcher, error) {
	switch {
	case deps.Messages == nil:
		return nil, fmt.Errorf("message repository is required")
	case deps.Consumer == nil:
		return nil, fmt.Errorf("consumer is required")
	case deps.Health == nil:
		return nil, fmt.Errorf("provider health is required")
	case deps.Selector == nil:
		return nil, fmt.Errorf("provider selector is required")
	case deps.Adapters == nil:
		return nil, fmt.Errorf("adapter source is required")
	case deps.Suppressions == nil:
		return nil, fmt.Errorf("suppression checker is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("event recorder is required")
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewLocalLimiter()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.NoProviderDelay <= 0 {
		cfg.NoProviderDelay = defaultNoProviderDelay
	}
	if cfg.MaxDeferAge <= 0 {
		cfg.MaxDeferAge = defaultMaxDeferAge
	}

	workers := make(map[domain.Priority]int, len(domain.Priorities()))
	for _, priority := range domain.Priorities() {
		workers[priority] = max(cfg.Workers[priority], 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		messages:        deps.Messages,
		consumer:        deps.Consumer,
		health:          deps.Health,
		selector:        deps.Selector,
		adapters:        deps.Adapters,
		renderer:        deps.Renderer,
		suppressions:    deps.Suppressions,
		limiter:         deps.Limiter,
		recorder:        deps.Recorder,
		logger:          logger,
		workers:         workers,
		sendTimeout:     cfg.SendTimeout,
		noProviderDelay: cfg.NoProviderDelay,
		maxDeferAge:     cfg.MaxDeferAge,
		now:             time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Start consumes every lane with its configured number of workers until ctx
// is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	workerID := 0
	for _, priority := range domain.Priorities() {
		lane := queue.LaneName(priority)
		for i := 0; i < d.workers[priority]; i++ {
			workerID++
			id := workerID

			g.Go(func() error {
				d.logger.Info("worker started",
					zap.Int("workerId", id),
					zap.String("lane", lane),
				)

				if err := d.consumer.Consume(groupCtx, lane, d.handle); err != nil {
					d.logger.Error("worker stopped with error",
						zap.Int("workerId", id),
						zap.String("lane", lane),
						zap.Error(err),
					)
					return err
				}

				d.logger.Info("worker stopped",
					zap.Int("workerId", id),
					zap.String("lane", lane),
				)
				return nil
			})
		}
	}

	return g.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, msg queue.DispatchMessage) error {
	ctx = observability.WithFields(ctx, zap.String("lane", msg.Priority.String()))
	if msg.CorrelationID != "" {
		ctx = observability.WithFields(ctx, zap.String(observability.CorrelationIDField, msg.CorrelationID))
	}
	return d.Process(ctx, msg.MessageID)
}

// Process runs one delivery attempt for a message. Only infrastructure
// failures and sends interrupted by ctx are returned; delivery outcomes are
// written to the message.
func (d *Dispatcher) Process(ctx context.Context, messageID string) error {
	ctx = observability.WithFields(ctx, zap.String("messageId", messageID))
	logger := observability.ContextLogger(d.logger, ctx)

	current, err := d.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("message not found, skipping")
			return nil
		}
		return fmt.Errorf("failed to load message: %w", err)
	}
	if current.Status.IsTerminal() {
		return nil
	}
	// A waiting message for a suppressed recipient goes straight to
	// cancelled. An outage here falls through to the check after the claim.
	if current.Status != domain.StatusProcessing {
		if suppressed, err := d.suppressions.IsSuppressed(ctx, current.Recipient); err == nil && suppressed {
			return d.cancelSuppressed(ctx, logger, current)
		}
	}

	msg, err := d.messages.ClaimForProcessing(ctx, messageID, d.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("message not found during claim, skipping")
			return nil
		}
		return fmt.Errorf("failed to claim message: %w", err)
	}
	// Nil means not due yet, already claimed or terminal; ack and skip.
	if msg == nil {
		return nil
	}

	lane := msg.Priority.String()
	if d.metrics != nil {
		d.metrics.IncWorkerInFlight(lane)
		defer d.metrics.DecWorkerInFlight(lane)
	}

	suppressed, err := d.suppressions.IsSuppressed(ctx, msg.Recipient)
	if err != nil {
		logger.Warn("suppression check failed, deferring", zap.Error(err))
		return d.deferMessage(ctx, logger, msg, "suppression check failed", "suppression_unavailable")
	}
	if suppressed {
		return d.cancelSuppressed(ctx, logger, msg)
	}

	envelope, err := d.buildEnvelope(msg)
	if err != nil {
		logger.Warn("template render failed", zap.Error(err))
		return d.fail(ctx, logger, msg, nil, "template render failed", err, "template_error")
	}

	req := router.Request{
		Priority:  msg.Priority,
		Category:  msg.Category,
		Preferred: msg.PreferredProviders,
	}
	chosen, err := d.pick(ctx, logger, msg, req)
	if err != nil {
		if errors.Is(err, domain.ErrNoProviderAvailable) {
			if d.metrics != nil {
				d.metrics.IncNoProvider(lane)
			}
			logger.Info("no provider available, deferring")
			return d.deferMessage(ctx, logger, msg, domain.ErrNoProviderAvailable.Error(), "no_provider")
		}
		return err
	}

	if err := d.messages.SetProvider(ctx, msg.ID, chosen.ID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("message changed status before send, skipping")
			return nil
		}
		return fmt.Errorf("failed to set provider: %w", err)
	}

	return d.send(ctx, logger, msg, chosen, req, envelope)
}

// pick selects a provider, preferring the one assigned by a previous
// fallback, and skips providers whose burst ceiling is exhausted.
func (d *Dispatcher) pick(ctx context.Context, logger *zap.Logger, msg *domain.Message, req router.Request) (domain.Provider, error) {
	if msg.ProviderID != nil && msg.RetryCount > 0 {
		assigned := req
		assigned.Preferred = []string{*msg.ProviderID}
		if p, err := d.selector.Select(assigned); err == nil && p.ID == *msg.ProviderID {
			if d.allowBurst(ctx, logger, p) {
				return p, nil
			}
			req.Exclude = append(req.Exclude, p.ID)
		}
	}

	for {
		p, err := d.selector.Select(req)
		if err != nil {
			return domain.Provider{}, err
		}
		if d.allowBurst(ctx, logger, p) {
			return p, nil
		}
		logger.Debug("provider burst ceiling reached, reselecting", zap.String("providerId", p.ID))
		req.Exclude = append(req.Exclude, p.ID)
	}
}

func (d *Dispatcher) allowBurst(ctx context.Context, logger *zap.Logger, p domain.Provider) bool {
	if p.BurstPerSecond <= 0 {
		return true
	}
	allowed, err := d.limiter.Allow(ctx, p.ID, p.BurstPerSecond)
	if err != nil {
		logger.Warn("rate limiter unavailable, allowing send",
			zap.String("providerId", p.ID),
			zap.Error(err),
		)
		return true
	}
	return allowed
}

func (d *Dispatcher) send(
	ctx context.Context,
	logger *zap.Logger,
	msg *domain.Message,
	p domain.Provider,
	req router.Request,
	envelope provider.Envelope,
) error {
	logger = logger.With(zap.String("providerId", p.ID))
	attempt := msg.RetryCount + 1

	if envelope.From == "" {
		envelope.From = p.FromAddress
	}
	if envelope.FromName == "" {
		envelope.FromName = p.FromName
	}
	if envelope.ReplyTo == "" {
		envelope.ReplyTo = p.ReplyTo
	}

	start := d.now()
	result, sendErr := d.deliver(ctx, p.ID, envelope)
	duration := d.now().Sub(start)

	// The worker is shutting down. The provider is not at fault and the
	// message stays in processing until stale recovery or a redelivery.
	if sendErr != nil && ctx.Err() != nil {
		logger.Warn("send interrupted by shutdown", zap.Error(sendErr))
		return fmt.Errorf("send interrupted: %w", ctx.Err())
	}
	if d.metrics != nil {
		d.metrics.ObserveSendDuration(p.ID, duration)
	}

	providerID := p.ID
	if sendErr == nil {
		// The backend accepted the message; record it even if ctx ends now.
		ctx = context.WithoutCancel(ctx)
		if err := d.health.RecordSuccess(p.ID, duration); err != nil {
			logger.Warn("failed to record provider success", zap.Error(err))
		}
		if d.metrics != nil {
			d.metrics.IncMessageSent(p.ID)
			d.metrics.SetBreakerOpen(p.ID, false)
		}
		d.record(ctx, domain.DeliveryEvent{
			MessageID:  msg.ID,
			Type:       domain.EventTypeSent,
			ProviderID: &providerID,
			Attempt:    attempt,
			Duration:   duration,
		})

		var providerMessageID *string
		if result != nil && strings.TrimSpace(result.ProviderMessageID) != "" {
			value := result.ProviderMessageID
			providerMessageID = &value
		}
		if err := d.messages.MarkSent(ctx, msg.ID, p.ID, providerMessageID, d.now().UTC()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				logger.Warn("message cancelled while sending, keeping cancelled status")
				return nil
			}
			return fmt.Errorf("failed to mark message as sent: %w", err)
		}
		logger.Info("message sent", zap.Int("attempt", attempt), zap.Duration("duration", duration))
		return nil
	}

	errMsg := sendErr.Error()
	state, err := d.health.RecordFailure(p.ID, errMsg)
	if err != nil {
		logger.Warn("failed to record provider failure", zap.Error(err))
	}
	if d.metrics != nil {
		d.metrics.SetBreakerOpen(p.ID, state == registry.BreakerOpen)
	}
	kind := provider.Classify(sendErr)
	if kind == provider.FailureRateLimited {
		pause := defaultRateLimitPause
		if retryAfter, ok := provider.RetryAfter(sendErr); ok {
			pause = retryAfter
		}
		if err := d.health.MarkRateLimited(p.ID, d.now().Add(pause)); err != nil {
			logger.Warn("failed to mark provider rate limited", zap.Error(err))
		}
	}

	eventType := domain.EventTypeFailed
	if kind == provider.FailureBounce {
		eventType = domain.EventTypeBounced
	}
	d.record(ctx, domain.DeliveryEvent{
		MessageID:  msg.ID,
		Type:       eventType,
		ProviderID: &providerID,
		Attempt:    attempt,
		Duration:   duration,
		Error:      &errMsg,
	})

	logger = logger.With(zap.Stringer("failure", kind), zap.Error(sendErr))
	switch {
	case kind == provider.FailureBounce:
		logger.Warn("recipient bounced")
		return d.fail(ctx, logger, msg, &providerID, "recipient bounced", sendErr, "bounce")
	case msg.RetryCount >= msg.MaxRetries:
		logger.Warn("retries exhausted", zap.Int("attempt", attempt))
		return d.fail(ctx, logger, msg, &providerID, "retries exhausted", sendErr, "retry_exhausted")
	}

	// A provider-level rejection such as a revoked API key spends a retry
	// and moves to the fallback like any other attempt failure.
	var next *string
	if fallback, err := d.selector.Fallback(p.ID, req); err == nil {
		next = &fallback.ID
	}

	delay := RetryDelay(msg.RetryCount)
	detail := truncate(errMsg, maxErrorDetailLength)
	update := repository.RetryUpdate{
		ProviderID:      next,
		RetryCount:      msg.RetryCount + 1,
		NextRetryAt:     d.now().UTC().Add(delay),
		LastError:       "send failed via " + p.ID,
		LastErrorDetail: &detail,
	}
	if err := d.messages.MarkRetry(ctx, msg.ID, update); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("message cancelled while sending, skipping retry")
			return nil
		}
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if d.metrics != nil {
		d.metrics.IncRetryScheduled(msg.Priority.String(), kind.String())
	}

	fields := []zap.Field{
		zap.Int("attempt", attempt),
		zap.Duration("retryIn", delay),
	}
	if next != nil {
		fields = append(fields, zap.String("fallbackProviderId", *next))
	}
	logger.Info("send failed, retry scheduled", fields...)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, providerID string, envelope provider.Envelope) (*provider.Result, error) {
	adapter, ok := d.adapters.Get(providerID)
	if !ok {
		return nil, &provider.SendError{
			Kind:    provider.FailureTransient,
			Message: fmt.Sprintf("no adapter configured for provider %q", providerID),
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return adapter.Send(sendCtx, envelope)
}

func (d *Dispatcher) buildEnvelope(msg *domain.Message) (provider.Envelope, error) {
	envelope := provider.Envelope{
		MessageID:  msg.ID,
		TrackingID: msg.TrackingID,
		Category:   msg.Category,
		To:         msg.Recipient,
		ToName:     msg.RecipientName,
		From:       msg.FromAddress,
		FromName:   msg.FromName,
		ReplyTo:    msg.ReplyTo,
		Subject:    msg.Subject,
		HTML:       msg.HTMLBody,
		Text:       msg.TextBody,
	}
	if !msg.HasTemplate() {
		return envelope, nil
	}
	if d.renderer == nil {
		return envelope, fmt.Errorf("%w: no template store configured", domain.ErrTemplateRender)
	}

	content, err := d.renderer.Render(msg.TemplateRef, msg.TemplateVars)
	if err != nil {
		return envelope, err
	}
	if content.Subject != "" {
		envelope.Subject = content.Subject
	}
	envelope.HTML = content.HTML
	envelope.Text = content.Text
	return envelope, nil
}

func (d *Dispatcher) cancelSuppressed(ctx context.Context, logger *zap.Logger, msg *domain.Message) error {
	cancelled, err := d.messages.Cancel(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel suppressed message: %w", err)
	}
	if cancelled {
		reason := suppressedReason
		d.record(ctx, domain.DeliveryEvent{MessageID: msg.ID, Type: domain.EventTypeCancelled, Error: &reason})
		logger.Info("recipient suppressed, message cancelled")
	}
	return nil
}

// deferMessage puts a message back into retry without spending a retry.
// Once the message has waited longer than maxDeferAge it fails instead.
func (d *Dispatcher) deferMessage(ctx context.Context, logger *zap.Logger, msg *domain.Message, reason, metricReason string) error {
	if since := deferAnchor(msg); !since.IsZero() && d.now().Sub(since) > d.maxDeferAge {
		logger.Warn("message deferred too long, failing",
			zap.String("reason", reason),
			zap.Duration("maxDeferAge", d.maxDeferAge),
		)
		return d.fail(ctx, logger, msg, nil, reason, fmt.Errorf("%s for longer than %s", reason, d.maxDeferAge), metricReason)
	}

	update := repository.RetryUpdate{
		RetryCount:  msg.RetryCount,
		NextRetryAt: d.now().UTC().Add(d.noProviderDelay),
		LastError:   reason,
	}
	if err := d.messages.MarkRetry(ctx, msg.ID, update); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("message changed status before deferral")
			return nil
		}
		return fmt.Errorf("failed to defer message: %w", err)
	}

	d.record(ctx, domain.DeliveryEvent{
		MessageID: msg.ID,
		Type:      domain.EventTypeDeferred,
		Attempt:   msg.RetryCount,
		Error:     &reason,
	})
	if d.metrics != nil {
		d.metrics.IncRetryScheduled(msg.Priority.String(), metricReason)
	}
	return nil
}

// deferAnchor is the time a message became eligible to send.
func deferAnchor(msg *domain.Message) time.Time {
	if msg.ScheduledAt != nil && msg.ScheduledAt.After(msg.CreatedAt) {
		return *msg.ScheduledAt
	}
	return msg.CreatedAt
}

func (d *Dispatcher) fail(
	ctx context.Context,
	logger *zap.Logger,
	msg *domain.Message,
	providerID *string,
	reason string,
	cause error,
	metricReason string,
) error {
	detail := truncate(cause.Error(), maxErrorDetailLength)
	if err := d.messages.MarkFailed(ctx, msg.ID, reason, &detail); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("message changed status before failure was recorded")
			return nil
		}
		return fmt.Errorf("failed to mark message as failed: %w", err)
	}

	if providerID == nil {
		d.record(ctx, domain.DeliveryEvent{
			MessageID: msg.ID,
			Type:      domain.EventTypeFailed,
			Attempt:   msg.RetryCount,
			Error:     &detail,
		})
	}
	if d.metrics != nil {
		label := "none"
		if providerID != nil {
			label = *providerID
		}
		d.metrics.IncMessageFailed(label, metricReason)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, event domain.DeliveryEvent) {
	if err := d.recorder.Record(ctx, event); err != nil {
		d.logger.Error("failed to record delivery event",
			zap.String("messageId", event.MessageID),
			zap.String("eventType", event.Type.String()),
			zap.Error(err),
		)
	}
}

// RetryDelay returns the backoff before the next attempt of a message that
// has already been retried retryCount times.
func RetryDelay(retryCount int) time.Duration {
	idx := min(max(retryCount, 0), len(retryBackoff)-1)
	return retryBackoff[idx]
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
