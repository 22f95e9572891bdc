// Package retry coordinates bounded, per-entity retries of acknowledgment
// sends. Each entity ID carries its own attempt counter, so a slow or
// failing entity never delays another.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chat-relay/internal/backoff"
	"github.com/rickgao/chat-relay/internal/metrics"
)

// ErrExhausted is returned once an entity has used all its attempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// Operation is the unit of work being retried.
type Operation func(ctx context.Context) error

// Entry tracks an in-flight retry for one entity.
type Entry struct {
	EntityID    string
	Attempts    int
	LastAttempt time.Time
	NextDelay   time.Duration
}

// Coordinator runs operations with exponential backoff keyed by entity ID.
type Coordinator struct {
	policy  backoff.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Overridable in tests.
	after func(time.Duration) <-chan time.Time
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	ctx     context.Context // Cancelled by Reset
	cancel  context.CancelFunc
}

// NewCoordinator creates a Coordinator using policy for delays and the
// attempt ceiling.
func NewCoordinator(policy backoff.Policy, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		policy:  policy,
		logger:  logger,
		metrics: m,
		after:   time.After,
		now:     time.Now,
		entries: make(map[string]*Entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run performs one retry step for entityID. It fails with ErrExhausted
// (and forgets the entity) once the attempt ceiling is reached. Otherwise
// it waits the policy delay for the next attempt, increments the count and
// runs op. Success forgets the entity; failure keeps the incremented count
// for the next call.
func (c *Coordinator) Run(ctx context.Context, entityID string, op Operation) error {
	c.mu.Lock()
	entry, ok := c.entries[entityID]
	if !ok {
		entry = &Entry{EntityID: entityID}
		c.entries[entityID] = entry
	}
	if c.policy.Exceeded(entry.Attempts) {
		delete(c.entries, entityID)
		attempts := entry.Attempts
		c.mu.Unlock()

		c.metrics.IncAckExhausted()
		c.logger.Warn("retries exhausted", "entity", entityID, "attempts", attempts)
		return fmt.Errorf("%s: %w", entityID, ErrExhausted)
	}
	attempt := entry.Attempts + 1
	delay := c.policy.NextDelay(attempt)
	entry.NextDelay = delay
	resetCtx := c.ctx
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resetCtx.Done():
		return context.Canceled
	case <-c.after(delay):
	}

	c.mu.Lock()
	// Reset may have dropped the entry while we waited.
	if cur, ok := c.entries[entityID]; !ok || cur != entry {
		c.mu.Unlock()
		return context.Canceled
	}
	entry.Attempts = attempt
	entry.LastAttempt = c.now()
	c.mu.Unlock()

	c.metrics.IncAckRetries()

	if err := op(ctx); err != nil {
		c.logger.Debug("retry attempt failed",
			"entity", entityID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		return fmt.Errorf("attempt %d for %s: %w", attempt, entityID, err)
	}

	c.mu.Lock()
	if cur, ok := c.entries[entityID]; ok && cur == entry {
		delete(c.entries, entityID)
	}
	c.mu.Unlock()

	return nil
}

// Do runs op immediately and, if it fails, retries through Run until it
// succeeds, the attempts are exhausted or ctx is done. The entity's entry
// is only created by the first failure. Concurrent calls for one entity
// share that entry, so callers keep at most one Do per entity running.
func (c *Coordinator) Do(ctx context.Context, entityID string, op Operation) error {
	err := op(ctx)
	if err == nil {
		return nil
	}

	c.logger.Debug("operation failed, scheduling retries", "entity", entityID, "error", err)

	for {
		err := c.Run(ctx, entityID, op)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrExhausted),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return err
		}
	}
}

// Entry returns a copy of the entry for entityID, if one is in flight.
func (c *Coordinator) Entry(entityID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[entityID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pending returns the number of entities with an in-flight retry.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every entry and aborts retries currently waiting out a delay.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()
	c.entries = make(map[string]*Entry)
	c.ctx, c.cancel = context.WithCancel(context.Background())
}
