package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is a single notification fan-out request. Recipient is a selector
// understood by the delivery layer ("admins" or "owner:<user id>"), never a
// raw address.
type Event struct {
	Topic     string
	Recipient string
	Message   string
	Link      string
}

// Emitter receives lifecycle events for fan-out. Delivery is best-effort from
// the engine's perspective: emit failures must never roll back or block the
// state transition that produced them.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// OutboxEmitter enqueues events on the outbox table, decoupling command
// handling from delivery. A Dispatcher drains the table out of band.
type OutboxEmitter struct {
	pool *pgxpool.Pool
}

func NewOutboxEmitter(pool *pgxpool.Pool) *OutboxEmitter {
	return &OutboxEmitter{pool: pool}
}

func (e *OutboxEmitter) Emit(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return fmt.Errorf("notify: missing topic")
	}

	payload, err := json.Marshal(map[string]any{
		"recipient": ev.Recipient,
		"message":   ev.Message,
		"link":      ev.Link,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	if _, err := e.pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, ev.Topic, payload); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
