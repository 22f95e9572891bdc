package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/chat-relay/internal/batch"
	"github.com/rickgao/chat-relay/internal/model"
)

const upsertEntity = `
	INSERT INTO relay_entities (kind, entity_id, platform, payload, ordered_at, received_at, written_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (kind, entity_id) DO UPDATE SET
		platform    = EXCLUDED.platform,
		payload     = EXCLUDED.payload,
		ordered_at  = EXCLUDED.ordered_at,
		received_at = EXCLUDED.received_at,
		written_at  = EXCLUDED.written_at
	WHERE relay_entities.ordered_at <= EXCLUDED.ordered_at
`

// BatchSender is the part of *pgxpool.Pool the writer needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WriterMetrics contains writer statistics.
type WriterMetrics struct {
	Inserts int64 // Rows inserted or replaced
	Stale   int64 // Updates older than the stored row
	Flushes int64
	Errors  int64
}

// entityRow is one relay_entities row.
type entityRow struct {
	Kind       string
	EntityID   string
	Platform   string
	Payload    []byte
	OrderedAt  int64 // Unix microseconds
	ReceivedAt int64
	WrittenAt  int64
}

// EntityWriter persists entity batches to PostgreSQL.
type EntityWriter struct {
	db     BatchSender
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	metrics WriterMetrics
}

var _ batch.Sink[model.EntityUpdate] = (*EntityWriter)(nil)

// NewEntityWriter creates a writer using db (normally a *pgxpool.Pool).
func NewEntityWriter(db BatchSender, logger *slog.Logger) *EntityWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityWriter{
		db:     db,
		logger: logger.With("component", "entity_writer"),
		now:    time.Now,
	}
}

// Deliver upserts one flushed batch. Items arrive in ordering-timestamp order.
func (w *EntityWriter) Deliver(ctx context.Context, items []batch.Item[model.EntityUpdate]) error {
	if len(items) == 0 {
		return nil
	}

	start := w.now()
	rows := make([]entityRow, 0, len(items))
	for _, it := range items {
		rows = append(rows, w.transform(it, start))
	}

	stale, err := w.batchUpsert(ctx, rows)
	if err != nil {
		w.mu.Lock()
		w.metrics.Errors++
		w.mu.Unlock()
		return fmt.Errorf("upsert %d entities: %w", len(rows), err)
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(rows) - stale)
	w.metrics.Stale += int64(stale)
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed entities",
		"count", len(rows),
		"stale", stale,
		"duration", time.Since(start),
	)
	return nil
}

// Stats returns current metrics.
func (w *EntityWriter) Stats() WriterMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

// transform converts a batch item to an entityRow.
func (w *EntityWriter) transform(it batch.Item[model.EntityUpdate], writtenAt time.Time) entityRow {
	u := it.Payload
	receivedAt := u.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = it.ArrivedAt
	}
	payload := []byte(u.Data)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return entityRow{
		Kind:       string(u.Kind),
		EntityID:   u.ID,
		Platform:   u.Platform,
		Payload:    payload,
		OrderedAt:  it.OrderKey().UnixMicro(),
		ReceivedAt: receivedAt.UnixMicro(),
		WrittenAt:  writtenAt.UnixMicro(),
	}
}

// batchUpsert writes rows with one pgx.Batch. A row the ordering guard
// rejects affects zero rows and is counted as stale.
func (w *EntityWriter) batchUpsert(ctx context.Context, rows []entityRow) (stale int, err error) {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(upsertEntity, r.Kind, r.EntityID, r.Platform, r.Payload, r.OrderedAt, r.ReceivedAt, r.WrittenAt)
	}

	results := w.db.SendBatch(ctx, b)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			stale++
		}
	}

	return stale, nil
}
