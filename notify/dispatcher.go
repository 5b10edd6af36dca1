package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Sender delivers a single notification. The concrete transport (email, push)
// lives outside this module.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// LogSender writes notifications to the log instead of delivering them.
// Useful for local runs and tests.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, ev Event) error {
	s.Log.Info().
		Str("topic", ev.Topic).
		Str("recipient", ev.Recipient).
		Str("link", ev.Link).
		Msg(ev.Message)
	return nil
}

// Dispatcher drains pending outbox rows and hands them to the Sender. Rows
// that keep failing are marked dead after MaxAttempts so they never wedge the
// queue.
type Dispatcher struct {
	pool        *pgxpool.Pool
	sender      Sender
	log         zerolog.Logger
	interval    time.Duration
	maxAttempts int
}

func NewDispatcher(pool *pgxpool.Pool, sender Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		sender:      sender,
		log:         log,
		interval:    2 * time.Second,
		maxAttempts: 5,
	}
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	d.maxAttempts = n
	return d
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.drainOne(ctx); err != nil && !errors.Is(err, pgx.ErrNoRows) {
				d.log.Warn().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

func decodeEvent(topic string, payload []byte) (Event, error) {
	var body struct {
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
		Link      string `json:"link"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, fmt.Errorf("notify: decode payload: %w", err)
	}
	return Event{
		Topic:     topic,
		Recipient: body.Recipient,
		Message:   body.Message,
		Link:      body.Link,
	}, nil
}

func (d *Dispatcher) drainOne(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const claim = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	var (
		id       string
		topic    string
		payload  []byte
		attempts int
	)
	if err := tx.QueryRow(ctx, claim).Scan(&id, &topic, &payload, &attempts); err != nil {
		return err
	}

	ev, decodeErr := decodeEvent(topic, payload)
	if decodeErr != nil {
		// A payload that does not parse will never parse. Park the row as
		// dead instead of delivering a gutted event.
		d.log.Error().Err(decodeErr).Str("id", id).Str("topic", topic).Msg("outbox payload malformed")
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='dead', attempts=attempts+1 WHERE id=$1`, id); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	sendErr := d.sender.Send(ctx, ev)

	switch {
	case sendErr == nil:
		_, err = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
	case attempts+1 >= d.maxAttempts:
		d.log.Error().Err(sendErr).Str("topic", topic).Msg("outbox message dead")
		_, err = tx.Exec(ctx, `UPDATE outbox SET status='dead', attempts=attempts+1 WHERE id=$1`, id)
	default:
		d.log.Warn().Err(sendErr).Str("topic", topic).Msg("outbox send failed")
		_, err = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
