package shared

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent represents a record stored in audit_events.
type AuditEvent struct {
	ID       uuid.UUID
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditRecorder persists audit events without blocking callers. Events are
// buffered and written by a background goroutine; when the buffer is full the
// event is dropped and counted rather than stalling a mutation or decision.
type AuditRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	events  chan AuditEvent
	dropped int64
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewAuditRecorder starts the background writer.
func NewAuditRecorder(pool *pgxpool.Pool, logger *slog.Logger) *AuditRecorder {
	r := &AuditRecorder{
		pool:   pool,
		logger: logger,
		events: make(chan AuditEvent, 256),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an audit event. It never blocks.
func (r *AuditRecorder) Record(event AuditEvent) {
	if r == nil {
		return
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case r.events <- event:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Warn("audit buffer full, event dropped", slog.String("action", event.Action))
		}
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (r *AuditRecorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close drains pending events and stops the writer.
func (r *AuditRecorder) Close() {
	r.once.Do(func() {
		close(r.events)
		<-r.done
	})
}

func (r *AuditRecorder) run() {
	defer close(r.done)
	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.write(ctx, event); err != nil && r.logger != nil {
			r.logger.Error("write audit event", slog.Any("error", err))
		}
		cancel()
	}
}

// TimelineFilter narrows the audit timeline query. Zero values match all.
type TimelineFilter struct {
	Entity   string
	EntityID string
	ActorID  int64
	Limit    int
}

// Timeline returns recent audit events, newest first.
func (r *AuditRecorder) Timeline(ctx context.Context, filter TimelineFilter) ([]AuditEvent, error) {
	if r == nil || r.pool == nil {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, actor_id, action, entity, entity_id, meta, occurred_at
FROM audit_events
WHERE ($1 = '' OR entity = $1)
  AND ($2 = '' OR entity_id = $2)
  AND ($3 = 0 OR actor_id = $3)
ORDER BY occurred_at DESC
LIMIT $4`, filter.Entity, filter.EntityID, filter.ActorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []AuditEvent
	for rows.Next() {
		var event AuditEvent
		var metaJSON []byte
		if err := rows.Scan(&event.ID, &event.ActorID, &event.Action, &event.Entity, &event.EntityID, &metaJSON, &event.At); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &event.Meta); err != nil {
				return nil, err
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *AuditRecorder) write(ctx context.Context, event AuditEvent) error {
	if r.pool == nil {
		return nil
	}
	metaJSON, err := json.Marshal(event.Meta)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO audit_events (id, actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.ActorID, event.Action, event.Entity, event.EntityID, metaJSON, event.At)
	return err
}
