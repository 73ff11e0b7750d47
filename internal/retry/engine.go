// Package retry implements the operation retry engine: exponential backoff
// with a bounded attempt count, per-operation bookkeeping, and a circuit
// breaker that suspends all mutating work after repeated exhaustion.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantpool/capital-engine/internal/errs"
)

// Status of a tracked operation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Operation is the transient record of one mutating call. Created on submit,
// deleted on success or on exhaustion of retries.
type Operation struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Attempts  int       `json:"attempts"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Policy bounds the backoff schedule.
// Delay for attempt n is min(InitialDelay * Multiplier^(n-1), MaxDelay).
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultPolicy returns the standard schedule: 3 attempts, 1s initial delay,
// ×2 multiplier, 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// BreakerConfig bounds the circuit breaker.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// DefaultBreaker returns the standard breaker: trips after 5 consecutive
// exhausted operations, auto-closes after 60s.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 60 * time.Second}
}

// Engine tracks in-flight operations and enforces the breaker.
type Engine struct {
	// OnExhausted is invoked after an operation is removed because its
	// retries are exhausted (or its error is not retryable). Optional.
	OnExhausted func(op Operation, err error)

	// OnBreakerOpen is invoked once each time the breaker trips. Optional.
	OnBreakerOpen func(consecutiveFailures int)

	mu        sync.Mutex
	policy    Policy
	breaker   BreakerConfig
	pending   map[string]*Operation
	failures  int       // consecutive exhausted operations
	openUntil time.Time // zero when closed

	now func() time.Time
}

// NewEngine creates an engine. Zero-valued policy/breaker fields fall back
// to the defaults.
func NewEngine(policy Policy, breaker BreakerConfig) *Engine {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	defB := DefaultBreaker()
	if breaker.Threshold <= 0 {
		breaker.Threshold = defB.Threshold
	}
	if breaker.Cooldown <= 0 {
		breaker.Cooldown = defB.Cooldown
	}
	return &Engine{
		policy:  policy,
		breaker: breaker,
		pending: make(map[string]*Operation),
		now:     time.Now,
	}
}

// Submit registers a new operation. It fails with KindCircuitOpen while the
// breaker is open; once the cool-down has elapsed the breaker closes and the
// failure counter resets.
func (e *Engine) Submit(opType, agentID string) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.openUntil.IsZero() {
		if e.now().Before(e.openUntil) {
			return Operation{}, errs.E(errs.KindCircuitOpen,
				"circuit breaker open until %s", e.openUntil.Format(time.RFC3339))
		}
		e.openUntil = time.Time{}
		e.failures = 0
	}

	op := &Operation{
		ID:        uuid.New().String(),
		Type:      opType,
		AgentID:   agentID,
		Status:    StatusPending,
		CreatedAt: e.now().UTC(),
	}
	e.pending[op.ID] = op
	return *op, nil
}

// MarkSuccess removes a completed operation and resets the consecutive
// failure counter.
func (e *Engine) MarkSuccess(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
	e.failures = 0
}

// MarkFailed records a failed attempt. If the error kind is retryable and
// attempts remain, it returns the backoff delay before the next attempt and
// true. Otherwise the operation is removed, the exhaustion is counted toward
// the breaker, OnExhausted fires, and it returns false.
func (e *Engine) MarkFailed(id string, err error, kind errs.Kind) (time.Duration, bool) {
	e.mu.Lock()
	op, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return 0, false
	}

	op.Attempts++
	op.Status = StatusFailed
	if err != nil {
		op.LastError = err.Error()
	}

	if kind.Retryable() && op.Attempts < e.policy.MaxAttempts {
		delay := e.delayLocked(op.Attempts)
		e.mu.Unlock()
		return delay, true
	}

	delete(e.pending, id)
	e.failures++
	tripped := false
	if e.openUntil.IsZero() && e.failures >= e.breaker.Threshold {
		e.openUntil = e.now().Add(e.breaker.Cooldown)
		tripped = true
	}
	failures := e.failures
	exhausted := *op
	e.mu.Unlock()

	if e.OnExhausted != nil {
		e.OnExhausted(exhausted, err)
	}
	if tripped && e.OnBreakerOpen != nil {
		e.OnBreakerOpen(failures)
	}
	return 0, false
}

// delayLocked computes min(initial * multiplier^(attempts-1), max).
func (e *Engine) delayLocked(attempts int) time.Duration {
	delay := float64(e.policy.InitialDelay)
	for i := 1; i < attempts; i++ {
		delay *= e.policy.Multiplier
		if delay >= float64(e.policy.MaxDelay) {
			return e.policy.MaxDelay
		}
	}
	if delay > float64(e.policy.MaxDelay) {
		return e.policy.MaxDelay
	}
	return time.Duration(delay)
}

// Do drives fn through the full submit/backoff/bookkeeping cycle and blocks
// until success, exhaustion, or context cancellation. The returned error is
// the last error from fn (or the breaker rejection).
func (e *Engine) Do(ctx context.Context, opType, agentID string, fn func(context.Context) error) error {
	op, err := e.Submit(opType, agentID)
	if err != nil {
		return err
	}

	for {
		e.markProcessing(op.ID)
		err := fn(ctx)
		if err == nil {
			e.MarkSuccess(op.ID)
			return nil
		}

		delay, again := e.MarkFailed(op.ID, err, errs.KindOf(err))
		if !again {
			return err
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			e.drop(op.ID)
			return errs.Wrap(errs.KindTimeout, serr, "retry interrupted")
		}
	}
}

// Open reports whether the breaker currently rejects new operations.
func (e *Engine) Open() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.openUntil.IsZero() && e.now().Before(e.openUntil)
}

// Pending returns a copy of the in-flight operation set.
func (e *Engine) Pending() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	ops := make([]Operation, 0, len(e.pending))
	for _, op := range e.pending {
		ops = append(ops, *op)
	}
	return ops
}

func (e *Engine) markProcessing(id string) {
	e.mu.Lock()
	if op, ok := e.pending[id]; ok {
		op.Status = StatusProcessing
	}
	e.mu.Unlock()
}

func (e *Engine) drop(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// WithRetry runs fn up to attempts times with the standard backoff shape
// (doubling from initialDelay, capped at the default 30s) without operation
// bookkeeping. onError, if set, observes every failed attempt.
func WithRetry(ctx context.Context, attempts int, initialDelay time.Duration, fn func(context.Context) error, onError func(attempt int, err error)) error {
	if attempts <= 0 {
		attempts = DefaultPolicy().MaxAttempts
	}
	if initialDelay <= 0 {
		initialDelay = DefaultPolicy().InitialDelay
	}
	maxDelay := DefaultPolicy().MaxDelay

	var last error
	delay := initialDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if onError != nil {
			onError(attempt, last)
		}
		if attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return errs.Wrap(errs.KindTimeout, err, "retry interrupted")
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
