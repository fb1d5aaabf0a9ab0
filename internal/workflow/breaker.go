package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/qms/model"
)

// ErrStoreUnavailable is returned without touching the backend while the
// breaker is open.
var ErrStoreUnavailable = errors.New("record store unavailable: circuit open")

// BreakerState is the position of a store circuit breaker.
type BreakerState int

const (
	// BreakerClosed passes every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets calls probe the backend.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerStore fails fast while its backend is down. It trips after
// failureThreshold consecutive backend failures, stays open for cooldown and
// closes again after successThreshold consecutive probe successes. Domain
// errors such as CONFLICT come from a healthy backend and never count.
type BreakerStore struct {
	inner RecordStore
	now   func() time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(BreakerState)
}

// NewBreakerStore wraps inner. Non-positive settings fall back to 5
// failures, 1 success and a 30s cool-down.
func NewBreakerStore(inner RecordStore, failureThreshold, successThreshold int, cooldown time.Duration) *BreakerStore {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerStore{
		inner:            inner,
		now:              time.Now,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// OnStateChange registers fn to be called on every transition. It must be
// called before the store is shared.
func (b *BreakerStore) OnStateChange(fn func(BreakerState)) {
	b.onChange = fn
}

// Load delegates to the wrapped store unless the breaker is open.
func (b *BreakerStore) Load(ctx context.Context, t model.RecordType) ([]model.Record, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	records, err := b.inner.Load(ctx, t)
	b.record(err)
	return records, err
}

// SaveAll delegates to the wrapped store unless the breaker is open.
func (b *BreakerStore) SaveAll(ctx context.Context, t model.RecordType, records []model.Record) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.inner.SaveAll(ctx, t, records)
	b.record(err)
	return err
}

// Ping always reaches the backend so readiness reflects its real health.
func (b *BreakerStore) Ping(ctx context.Context) error {
	if p, ok := b.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State returns the current breaker state.
func (b *BreakerStore) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *BreakerStore) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrStoreUnavailable
	}
	return nil
}

func (b *BreakerStore) record(err error) {
	var ee *model.ErrorEnvelope
	failed := err != nil && !errors.As(err, &ee) && !errors.Is(err, context.Canceled)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		if failed {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures, b.successes = 0, 0
			b.transition(BreakerClosed)
		}
	}
}

// trip opens the breaker. Must be called with mu held.
func (b *BreakerStore) trip() {
	b.openedAt = b.now()
	b.successes = 0
	b.transition(BreakerOpen)
}

// maybeHalfOpen moves an open breaker to half-open once the cool-down has
// elapsed. Must be called with mu held.
func (b *BreakerStore) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.successes = 0
		b.transition(BreakerHalfOpen)
	}
}

func (b *BreakerStore) transition(s BreakerState) {
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
