package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chat-relay/internal/backoff"
	"github.com/rickgao/chat-relay/internal/batch"
	"github.com/rickgao/chat-relay/internal/connection"
	"github.com/rickgao/chat-relay/internal/dedup"
	"github.com/rickgao/chat-relay/internal/metrics"
	"github.com/rickgao/chat-relay/internal/model"
	"github.com/rickgao/chat-relay/internal/retry"
	"github.com/rickgao/chat-relay/internal/transport"
)

// Config holds bridge configuration.
type Config struct {
	Batch       batch.Config
	Retry       backoff.Policy
	DedupWindow time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Batch:       batch.DefaultConfig(),
		Retry:       backoff.Policy{Base: time.Second, Max: 5 * time.Second, MaxAttempts: 3},
		DedupWindow: time.Second,
	}
}

// Stats contains bridge statistics.
type Stats struct {
	Received    int64 // Update events seen
	Malformed   int64
	Duplicates  int64 // Dropped by the dedup window
	Acked       int64
	AckFailures int64 // Acks given up on
	AckReplaced int64 // Acks superseded by a newer update before they were sent
	Syncs       int64 // sync.completed events
	Cursor      string
}

// Service relays inbound updates for one connection manager.
type Service struct {
	manager *connection.Manager
	sink    batch.Sink[model.EntityUpdate]
	batcher *batch.Batcher[model.EntityUpdate]
	retries *retry.Coordinator
	dedup   *dedup.Window
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	stats   Stats
	acking  map[string]bool               // Keys with an ack goroutine running
	nextAck map[string]model.EntityUpdate // Latest update waiting behind the running ack

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService registers the bridge's handlers on manager. Call Start to
// begin relaying.
func NewService(
	cfg Config,
	manager *connection.Manager,
	sink batch.Sink[model.EntityUpdate],
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")

	s := &Service{
		manager: manager,
		sink:    sink,
		retries: retry.NewCoordinator(cfg.Retry, m, logger),
		dedup:   dedup.NewWindow(cfg.DedupWindow),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		acking:  make(map[string]bool),
		nextAck: make(map[string]model.EntityUpdate),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.batcher = batch.New[model.EntityUpdate](cfg.Batch, batch.SinkFunc[model.EntityUpdate](s.deliver), s.onBatchError, m, logger)

	manager.Handle(model.EventContactUpdated, s.onUpdate)
	manager.Handle(model.EventMessageReceived, s.onUpdate)
	manager.Handle(model.EventSyncCompleted, s.onSyncCompleted)
	manager.OnConnected(s.requestSync)

	return s
}

// Start begins batch delivery and connects the manager.
func (s *Service) Start(ctx context.Context) error {
	if err := s.batcher.Start(ctx); err != nil {
		return err
	}
	if err := s.manager.Connect(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.watchClosed()

	return nil
}

// Stop tears down the session and waits for in-flight work.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("stopping bridge")

	var errs []error
	if err := s.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	s.cancel()
	s.retries.Reset()

	if err := s.batcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("bridge stopped")
	case <-ctx.Done():
		s.logger.Warn("bridge stop timed out")
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}

// Done is closed when the underlying session reaches Closed.
func (s *Service) Done() <-chan struct{} {
	return s.manager.Done()
}

// Stats returns current statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Cursor returns the cursor of the last completed sync.
func (s *Service) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Cursor
}

// Pending returns the number of updates waiting for the next flush.
func (s *Service) Pending() int {
	return s.batcher.Pending()
}

// watchClosed discards session state once the manager is closed.
func (s *Service) watchClosed() {
	defer s.wg.Done()

	select {
	case <-s.ctx.Done():
	case <-s.manager.Done():
	}

	s.batcher.Reset()
	s.mu.Lock()
	clear(s.nextAck)
	s.mu.Unlock()
	s.retries.Reset()
	s.dedup.Reset()
	s.logger.Debug("session state discarded")
}

func (s *Service) onUpdate(ev transport.Event) {
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	s.mu.Lock()
	s.stats.Received++
	s.mu.Unlock()

	u, err := model.ParseEntityUpdate(ev.Name, ev.Data, receivedAt)
	if err != nil {
		s.mu.Lock()
		s.stats.Malformed++
		s.mu.Unlock()
		s.logger.Warn("dropping malformed update", "event", ev.Name, "error", err)
		return
	}

	key := u.Key()
	if !s.dedup.Allow(key) {
		s.mu.Lock()
		s.stats.Duplicates++
		s.mu.Unlock()
		s.metrics.IncDedupDropped()
		s.logger.Debug("duplicate update", "key", key)
		return
	}

	s.batcher.Add(batch.Item[model.EntityUpdate]{
		Key:       key,
		Payload:   u,
		ArrivedAt: receivedAt,
		OrderedAt: u.UpdatedAt,
	})
}

func (s *Service) onSyncCompleted(ev transport.Event) {
	var sc model.SyncCompleted
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &sc); err != nil {
			s.logger.Warn("malformed sync.completed", "error", err)
		}
	}

	s.mu.Lock()
	s.stats.Syncs++
	if sc.Cursor != "" {
		s.stats.Cursor = sc.Cursor
	}
	s.mu.Unlock()

	s.logger.Info("sync completed", "cursor", sc.Cursor, "count", sc.Count)
	s.batcher.Flush()
}

// requestSync asks the server to replay everything after the last cursor.
func (s *Service) requestSync() {
	req := model.SyncRequest{Cursor: s.Cursor()}
	if err := s.manager.Send(model.EventSyncRequest, req); err != nil {
		s.logger.Warn("sync request failed", "error", err)
		return
	}
	s.logger.Debug("sync requested", "cursor", req.Cursor)
}

// deliver hands a batch to the sink and acknowledges what it accepted.
func (s *Service) deliver(ctx context.Context, items []batch.Item[model.EntityUpdate]) error {
	if err := s.sink.Deliver(ctx, items); err != nil {
		return err
	}
	for _, it := range items {
		s.ack(it.Key, it.Payload)
	}
	return nil
}

// ack sends entity.ack for u, retrying per entity until it is accepted or
// the attempts run out. At most one ack per key is in flight; updates
// delivered meanwhile collapse into the newest, which is acked next.
func (s *Service) ack(key string, u model.EntityUpdate) {
	s.mu.Lock()
	if s.acking[key] {
		if _, waiting := s.nextAck[key]; waiting {
			s.stats.AckReplaced++
		}
		s.nextAck[key] = u
		s.mu.Unlock()
		return
	}
	s.acking[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.ackLoop(key, u)
}

func (s *Service) ackLoop(key string, u model.EntityUpdate) {
	defer s.wg.Done()

	for {
		ack := model.AckFor(u)
		err := s.retries.Do(s.ctx, key, func(ctx context.Context) error {
			_, err := s.manager.Request(ctx, model.EventEntityAck, ack)
			return err
		})

		s.mu.Lock()
		switch {
		case err == nil:
			s.stats.Acked++
		case errors.Is(err, retry.ErrExhausted):
			s.stats.AckFailures++
		default:
			// Cancelled by teardown
			s.logger.Debug("ack abandoned", "key", key, "error", err)
		}

		next, ok := s.nextAck[key]
		delete(s.nextAck, key)
		if !ok || s.ctx.Err() != nil {
			delete(s.acking, key)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		u = next
	}
}

// onBatchError lets dropped keys through the dedup window again so a replay
// can redeliver them.
func (s *Service) onBatchError(_ error, _, dropped []batch.Item[model.EntityUpdate]) {
	if len(dropped) > 0 {
		s.logger.Debug("releasing dropped keys", "count", len(dropped))
	}
	for _, it := range dropped {
		s.dedup.Forget(it.Key)
	}
}
