// Package steering turns classified chat requests into immediate, delayed or
// human-gated executions.
//
// Admin requests execute inline. Trusted requests are announced with a
// countdown whose length follows the requester's sovereignty score, and run
// when it expires unless they are redirected, blessed early or aborted.
// General requests are queued as suggestions until an admin blesses them.
package steering

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/eventbus"
	"github.com/jordanhubbard/steerloop/internal/metrics"
)

const (
	tracerName = "github.com/jordanhubbard/steerloop/internal/steering"

	reasonShutdown = "Steering loop shut down"
)

// countdown is the cancellable timer behind a trusted-tier prediction.
// cancelled is only read and written under Loop.mu, so the timer body can
// observe a cancellation even if the runtime timer already fired.
type countdown struct {
	timer     *clock.Timer
	cancelled bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces the wall clock, mainly for simulated time in tests.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithSovereignty sets the score source used for trusted-tier countdowns.
func WithSovereignty(source SovereigntySource) Option {
	return func(l *Loop) { l.sovereignty = source }
}

// WithEventBus publishes lifecycle events to eb.
func WithEventBus(eb *eventbus.EventBus) Option {
	return func(l *Loop) { l.events = eb }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithTracer overrides the tracer taken from the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) {
		if t != nil {
			l.tracer = t
		}
	}
}

// Loop owns the registry of predictions and their countdowns.
type Loop struct {
	mu  sync.Mutex
	cfg Config

	executor    Executor
	messenger   Messenger
	sovereignty SovereigntySource

	clock   clock.Clock
	logger  *zap.Logger
	events  *eventbus.EventBus
	metrics *metrics.Metrics
	tracer  trace.Tracer

	entries map[string]*entry
	order   []string
	timers  map[string]*countdown

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	closed   bool
}

// New creates a Loop. Executor and Messenger are required.
func New(cfg Config, executor Executor, messenger Messenger, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, ErrNoExecutor
	}
	if messenger == nil {
		return nil, ErrNoMessenger
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		cfg:       cfg,
		executor:  executor,
		messenger: messenger,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		entries:   make(map[string]*entry),
		timers:    make(map[string]*countdown),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("steering")
	return l, nil
}

// Config returns the policy currently in effect.
func (l *Loop) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// UpdateConfig swaps the policy used for future requests. Countdowns already
// running keep their original length.
func (l *Loop) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	l.logger.Info("Steering policy updated",
		zap.Duration("ask_predict_timeout", cfg.AskPredictTimeout),
		zap.Duration("redirect_grace_period", cfg.RedirectGracePeriod),
		zap.Int("max_concurrent_predictions", cfg.MaxConcurrentPredictions),
		zap.Bool("use_sovereignty_timeouts", cfg.UseSovereigntyTimeouts))
	return nil
}

// HandleMessage accepts a classified request. Admin requests are executed
// before returning; trusted and general requests return while still pending.
// An error is returned only for invalid requests, a shut-down loop, or a
// failed post (in which case the returned prediction is already aborted).
func (l *Loop) HandleMessage(ctx context.Context, req Request) (Prediction, error) {
	if !req.Tier.Valid() {
		return Prediction{}, fmt.Errorf("%w: %q", ErrUnknownTier, req.Tier)
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return Prediction{}, ErrEmptyActor
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Prediction{}, ErrEmptyPrompt
	}
	if req.Requester == "" {
		req.Requester = req.ActorID
	}

	if req.Tier == TierAdmin {
		return l.executeNow(ctx, req)
	}
	return l.announce(ctx, req)
}

// executeNow runs an admin request inline without posting anything.
func (l *Loop) executeNow(ctx context.Context, req Request) (Prediction, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Prediction{}, ErrLoopClosed
	}
	e := l.registerLocked(req, Countdown{})
	e.markExecuting(l.clock.Now())
	l.inflight.Add(1)
	p := e.snapshot()
	l.mu.Unlock()
	defer l.inflight.Done()

	l.publish(eventbus.EventTypePredictionCreated, p, nil)
	l.logger.Info("Executing admin request", zap.String("prediction_id", p.ID), zap.String("actor_id", p.ActorID))

	ok := l.runExecute(ctx, p)
	final, _ := l.settle(e, ok)
	return final, nil
}

// announce posts a prediction or suggestion and, for trusted requests, arms
// the countdown once the message handle is known.
func (l *Loop) announce(ctx context.Context, req Request) (Prediction, error) {
	l.mu.Lock()
	cfg := l.cfg
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return Prediction{}, ErrLoopClosed
	}

	var cd Countdown
	if req.Tier == TierTrusted {
		cd = chooseCountdown(cfg, l.sovereignty, req.ActorID)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Prediction{}, ErrLoopClosed
	}
	active := l.countPendingLocked()
	e := l.registerLocked(req, cd)
	p := e.snapshot()
	l.mu.Unlock()

	if active >= cfg.MaxConcurrentPredictions {
		l.logger.Warn(fmt.Sprintf("Active predictions at or above soft limit of %d; accepting anyway", cfg.MaxConcurrentPredictions),
			zap.Int("active", active),
			zap.Int("max_concurrent_predictions", cfg.MaxConcurrentPredictions),
			zap.String("prediction_id", p.ID))
		l.metrics.RecordCapacityWarning()
		l.publish(eventbus.EventTypeCapacityExceeded, p, map[string]interface{}{
			"active":                     active,
			"max_concurrent_predictions": cfg.MaxConcurrentPredictions,
		})
	}

	var text string
	if req.Tier == TierTrusted {
		text = predictionMessage(p, cd)
		l.metrics.RecordCountdown(cd.Label, cd.Timeout)
	} else {
		text = suggestionMessage(p)
	}

	handle, err := l.messenger.Post(ctx, p.ChannelID, text)
	if err != nil {
		l.logger.Error("Failed to post message", zap.String("prediction_id", p.ID), zap.Error(err))
		final, settled := l.abortEntry(e, ReasonPostFailed)
		if settled {
			l.publish(eventbus.EventTypePredictionAborted, final, nil)
		}
		return final, fmt.Errorf("post message for %s: %w", p.ID, err)
	}

	l.mu.Lock()
	e.MessageHandle = handle
	stillPending := e.pending()
	if stillPending && req.Tier == TierTrusted && !l.closed {
		l.armLocked(e)
	}
	p = e.snapshot()
	l.mu.Unlock()

	if !stillPending {
		// Aborted while the post was in flight; make the message say so.
		l.edit(ctx, p, abortedMessage(p, p.AbortReason))
		return p, nil
	}

	l.publish(eventbus.EventTypePredictionCreated, p, nil)
	l.logger.Info("Prediction announced",
		zap.String("prediction_id", p.ID),
		zap.String("tier", string(p.Tier)),
		zap.String("actor_id", p.ActorID),
		zap.Duration("timeout", p.Timeout),
		zap.String("trust_label", p.TrustLabel))
	return p, nil
}

// Redirect replaces the actor's most recent pending trusted countdown with a
// new prompt. It returns nil when there is nothing to redirect or when the
// countdown is inside the redirect grace period.
func (l *Loop) Redirect(ctx context.Context, actorID, newPrompt, source string) *Prediction {
	next, err := l.TryRedirect(ctx, actorID, newPrompt, source)
	if err != nil {
		return nil
	}
	return next
}

// TryRedirect is Redirect with the reason for a refusal:
// ErrNothingToRedirect, ErrInsideGracePeriod, ErrEmptyPrompt or ErrLoopClosed.
// If the replacement cannot be posted, the aborted replacement is returned
// together with the post error.
func (l *Loop) TryRedirect(ctx context.Context, actorID, newPrompt, source string) (*Prediction, error) {
	if strings.TrimSpace(newPrompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if source == "" {
		source = "chat"
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLoopClosed
	}
	e := l.latestRedirectableLocked(actorID)
	if e == nil {
		l.mu.Unlock()
		l.metrics.RecordRedirect("none")
		l.logger.Debug("Nothing to redirect", zap.String("actor_id", actorID))
		return nil, ErrNothingToRedirect
	}
	if grace := l.cfg.RedirectGracePeriod; grace > 0 && !e.deadline.IsZero() {
		remaining := e.deadline.Sub(l.clock.Now())
		if remaining <= grace {
			id := e.ID
			l.mu.Unlock()
			l.metrics.RecordRedirect("grace_period")
			l.logger.Warn("Redirect rejected inside grace period",
				zap.String("prediction_id", id),
				zap.Duration("remaining", remaining),
				zap.Duration("grace_period", grace))
			return nil, fmt.Errorf("%w: %s remaining", ErrInsideGracePeriod, remaining)
		}
	}
	l.cancelTimerLocked(e.ID)
	reason := "Redirected via " + source
	l.markAbortedLocked(e, reason)
	old := e.snapshot()
	l.mu.Unlock()

	l.metrics.RecordRedirect("redirected")
	l.edit(ctx, old, redirectedMessage(old, newPrompt, source))
	l.publish(eventbus.EventTypePredictionRedirected, old, map[string]interface{}{
		"source":     source,
		"new_prompt": newPrompt,
	})
	l.logger.Info("Prediction redirected", zap.String("prediction_id", old.ID), zap.String("source", source))

	next, err := l.announce(ctx, Request{
		Tier:      TierTrusted,
		ActorID:   old.ActorID,
		ChannelID: old.ChannelID,
		Prompt:    newPrompt,
		Requester: old.Requester,
	})
	if err != nil {
		l.logger.Error("Failed to announce redirected prediction", zap.String("previous_id", old.ID), zap.Error(err))
		if next.ID == "" {
			return nil, err
		}
		return &next, err
	}
	return &next, nil
}

// AdminBless executes the pending prediction whose message matches handle,
// as its original requester. It returns false when no such prediction exists.
func (l *Loop) AdminBless(ctx context.Context, handle, adminActorID string) bool {
	if handle == "" {
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	var e *entry
	for _, id := range l.order {
		candidate := l.entries[id]
		if candidate != nil && candidate.MessageHandle == handle && candidate.pending() && !candidate.executing {
			e = candidate
			break
		}
	}
	if e == nil {
		l.mu.Unlock()
		l.metrics.RecordBlessing("unknown")
		l.logger.Debug("No pending prediction for blessing", zap.String("message_handle", handle))
		return false
	}
	l.cancelTimerLocked(e.ID)
	e.markExecuting(l.clock.Now())
	l.inflight.Add(1)
	p := e.snapshot()
	l.mu.Unlock()
	defer l.inflight.Done()

	l.metrics.RecordBlessing("blessed")
	l.logger.Info("Prediction blessed", zap.String("prediction_id", p.ID), zap.String("admin_id", adminActorID))
	l.edit(ctx, p, blessedMessage(p, adminActorID))
	l.publish(eventbus.EventTypePredictionBlessed, p, map[string]interface{}{"admin_id": adminActorID})

	ok := l.runExecute(ctx, p)
	final, settled := l.settle(e, ok)
	if settled {
		l.edit(ctx, final, outcomeMessage(final, ok))
	}
	return true
}

// AbortAll cancels every countdown and aborts every pending prediction.
// It returns the number of predictions aborted.
func (l *Loop) AbortAll(ctx context.Context) int {
	l.mu.Lock()
	aborted := l.abortAllLocked(ReasonEmergencyAbort)
	l.mu.Unlock()

	l.finishAborts(ctx, aborted, ReasonEmergencyAbort)
	l.metrics.RecordEmergencyAbort(len(aborted))
	if len(aborted) > 0 {
		l.logger.Warn("Emergency abort", zap.Int("aborted", len(aborted)))
	}
	return len(aborted)
}

// Shutdown aborts everything, refuses new work and waits for in-flight
// executions to return or ctx to expire.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	aborted := l.abortAllLocked(reasonShutdown)
	l.mu.Unlock()

	l.finishAborts(ctx, aborted, reasonShutdown)

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("waiting for in-flight executions: %w", ctx.Err())
	}
}

// GetActivePredictions returns pending predictions in insertion order.
func (l *Loop) GetActivePredictions() []Prediction {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := make([]Prediction, 0)
	for _, id := range l.order {
		if e := l.entries[id]; e != nil && e.pending() {
			active = append(active, e.snapshot())
		}
	}
	return active
}

// HasPendingPrediction reports whether the actor has at least one pending prediction.
func (l *Loop) HasPendingPrediction(actorID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.ActorID == actorID && e.pending() {
			return true
		}
	}
	return false
}

// Get returns a snapshot of one prediction.
func (l *Loop) Get(id string) (Prediction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return Prediction{}, false
	}
	return e.snapshot(), true
}

// List returns every prediction still held by the loop, in insertion order.
func (l *Loop) List() []Prediction {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := make([]Prediction, 0, len(l.order))
	for _, id := range l.order {
		if e := l.entries[id]; e != nil {
			all = append(all, e.snapshot())
		}
	}
	return all
}

// Prune drops settled predictions that settled more than olderThan ago and
// returns how many were removed. Pending predictions are never pruned.
func (l *Loop) Prune(olderThan time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-olderThan)
	kept := l.order[:0]
	removed := 0
	for _, id := range l.order {
		e := l.entries[id]
		if e != nil && !e.pending() && !e.settledAt.After(cutoff) {
			delete(l.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return removed
}

// fire is the countdown body. The cancellation flag and status are checked
// under the lock before anything else happens.
func (l *Loop) fire(id string, cd *countdown) {
	l.mu.Lock()
	if cd.cancelled || l.closed {
		l.mu.Unlock()
		return
	}
	if l.timers[id] == cd {
		delete(l.timers, id)
	}
	e := l.entries[id]
	if e == nil || !e.pending() || e.executing {
		l.mu.Unlock()
		return
	}
	e.markExecuting(l.clock.Now())
	l.inflight.Add(1)
	p := e.snapshot()
	l.mu.Unlock()
	defer l.inflight.Done()

	ctx := l.baseCtx
	l.logger.Info("Countdown elapsed, executing", zap.String("prediction_id", p.ID), zap.String("actor_id", p.ActorID))
	l.edit(ctx, p, executingMessage(p))
	l.publish(eventbus.EventTypePredictionExecuting, p, nil)

	ok := l.runExecute(ctx, p)
	final, settled := l.settle(e, ok)
	if settled {
		l.edit(ctx, final, outcomeMessage(final, ok))
	}
}

// runExecute calls the executor once. Errors and panics count as failure.
func (l *Loop) runExecute(ctx context.Context, p Prediction) (ok bool) {
	ctx, span := l.tracer.Start(ctx, "steering.execute", trace.WithAttributes(
		attribute.String("prediction.id", p.ID),
		attribute.String("prediction.tier", string(p.Tier)),
		attribute.String("actor.id", p.ActorID),
	))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Executor panicked", zap.String("prediction_id", p.ID), zap.Any("panic", r))
			ok = false
		}
		l.metrics.RecordExecution(string(p.Tier), ok, time.Since(start))
		span.SetAttributes(attribute.Bool("execution.success", ok))
		if !ok {
			span.SetStatus(codes.Error, ReasonExecutionFailed)
		}
		span.End()
	}()

	success, err := l.executor.Execute(ctx, p.ActorID, p.Prompt)
	if err != nil {
		span.RecordError(err)
		l.logger.Warn("Execution returned an error", zap.String("prediction_id", p.ID), zap.Error(err))
		return false
	}
	if !success {
		l.logger.Warn("Execution reported failure", zap.String("prediction_id", p.ID))
	}
	return success
}

// settle moves a still-pending entry to its final status. It reports false
// when the entry was already aborted, in which case the outcome is discarded.
func (l *Loop) settle(e *entry, ok bool) (Prediction, bool) {
	l.mu.Lock()
	if !e.pending() {
		p := e.snapshot()
		l.mu.Unlock()
		l.logger.Info("Discarding execution outcome for aborted prediction",
			zap.String("prediction_id", p.ID), zap.Bool("success", ok))
		return p, false
	}
	if ok {
		e.Status = StatusCompleted
		e.settledAt = l.clock.Now()
		l.metrics.RecordSettled(string(e.Tier), string(StatusCompleted))
	} else {
		l.markAbortedLocked(e, ReasonExecutionFailed)
	}
	p := e.snapshot()
	l.mu.Unlock()

	if ok {
		l.publish(eventbus.EventTypePredictionCompleted, p, nil)
	} else {
		l.publish(eventbus.EventTypePredictionAborted, p, nil)
	}
	return p, true
}

func (l *Loop) abortEntry(e *entry, reason string) (Prediction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !e.pending() {
		return e.snapshot(), false
	}
	l.cancelTimerLocked(e.ID)
	l.markAbortedLocked(e, reason)
	return e.snapshot(), true
}

func (l *Loop) finishAborts(ctx context.Context, aborted []Prediction, reason string) {
	for _, p := range aborted {
		l.edit(ctx, p, abortedMessage(p, reason))
		l.publish(eventbus.EventTypePredictionAborted, p, nil)
	}
}

func (l *Loop) registerLocked(req Request, cd Countdown) *entry {
	e := &entry{Prediction: Prediction{
		ID:         "pred-" + uuid.NewString(),
		Tier:       req.Tier,
		ActorID:    req.ActorID,
		ChannelID:  req.ChannelID,
		Requester:  req.Requester,
		Prompt:     req.Prompt,
		Status:     StatusPending,
		Timeout:    cd.Timeout,
		TrustLabel: cd.Label,
		CreatedAt:  l.clock.Now(),
	}}
	if len(req.Tags) > 0 {
		e.Tags = append([]string(nil), req.Tags...)
	}
	l.entries[e.ID] = e
	l.order = append(l.order, e.ID)
	l.metrics.RecordCreated(string(e.Tier))
	return e
}

func (l *Loop) armLocked(e *entry) {
	cd := &countdown{}
	id := e.ID
	e.deadline = l.clock.Now().Add(e.Timeout)
	l.timers[id] = cd
	cd.timer = l.clock.AfterFunc(e.Timeout, func() { l.fire(id, cd) })
}

func (l *Loop) cancelTimerLocked(id string) {
	cd, ok := l.timers[id]
	if !ok {
		return
	}
	cd.cancelled = true
	if cd.timer != nil {
		cd.timer.Stop()
	}
	delete(l.timers, id)
}

func (l *Loop) markAbortedLocked(e *entry, reason string) {
	e.Status = StatusAborted
	e.AbortReason = reason
	e.settledAt = l.clock.Now()
	l.metrics.RecordSettled(string(e.Tier), string(StatusAborted))
}

func (l *Loop) abortAllLocked(reason string) []Prediction {
	for id := range l.timers {
		l.cancelTimerLocked(id)
	}
	aborted := make([]Prediction, 0)
	for _, id := range l.order {
		e := l.entries[id]
		if e == nil || !e.pending() {
			continue
		}
		l.markAbortedLocked(e, reason)
		aborted = append(aborted, e.snapshot())
	}
	return aborted
}

func (l *Loop) countPendingLocked() int {
	n := 0
	for _, e := range l.entries {
		if e.pending() {
			n++
		}
	}
	return n
}

func (l *Loop) latestRedirectableLocked(actorID string) *entry {
	for i := len(l.order) - 1; i >= 0; i-- {
		e := l.entries[l.order[i]]
		if e == nil || e.ActorID != actorID {
			continue
		}
		if e.Tier == TierTrusted && e.pending() && !e.executing {
			return e
		}
	}
	return nil
}

// edit updates a posted message; entries without a message are skipped.
func (l *Loop) edit(ctx context.Context, p Prediction, text string) {
	if p.MessageHandle == "" {
		return
	}
	if err := l.messenger.Edit(ctx, p.ChannelID, p.MessageHandle, text); err != nil {
		l.logger.Warn("Failed to edit message",
			zap.String("prediction_id", p.ID),
			zap.String("message_handle", p.MessageHandle),
			zap.Error(err))
	}
}

func (l *Loop) publish(eventType eventbus.EventType, p Prediction, extra map[string]interface{}) {
	if l.events == nil {
		return
	}
	data := map[string]interface{}{
		"tier":       string(p.Tier),
		"status":     string(p.Status),
		"channel_id": p.ChannelID,
		"prompt":     p.Prompt,
		"timeout_ms": p.TimeoutMs(),
	}
	if p.MessageHandle != "" {
		data["message_handle"] = p.MessageHandle
	}
	if p.AbortReason != "" {
		data["abort_reason"] = p.AbortReason
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := l.events.PublishPredictionEvent(eventType, p.ID, p.ActorID, data); err != nil {
		l.logger.Debug("Dropped lifecycle event", zap.String("type", string(eventType)), zap.Error(err))
	}
}
