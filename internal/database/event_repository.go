package database

import (
	"context"
	"encoding/json"
	"fmt"

	"blinkpos-broker/internal/intent"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lightningnetwork/lnd/clock"
)

// EventRepository implements intent.EventStore on Postgres. Rows are
// append-only; there is no update path.
type EventRepository struct {
	db    *pgxpool.Pool
	clock clock.Clock
}

func NewEventRepository(db *DB, clk clock.Clock) *EventRepository {
	return &EventRepository{db: db.pool, clock: clk}
}

var _ intent.EventStore = (*EventRepository)(nil)

// AppendEvent inserts one audit row. Missing ID and timestamp are filled in.
func (r *EventRepository) AppendEvent(ctx context.Context, ev intent.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clock.Now().UTC()
	}

	metaJSON, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO payment_events (
		id, payment_hash, kind, outcome, metadata, error_message, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Exec(
		ctx,
		query,
		ev.ID,
		ev.PaymentHash,
		ev.Kind,
		ev.Outcome.String(),
		metaJSON,
		ev.ErrorMessage,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s for %s: %w", ev.Kind, ev.PaymentHash, err)
	}

	return nil
}

// ListEvents returns the audit trail for one payment hash in append order.
func (r *EventRepository) ListEvents(ctx context.Context, paymentHash string) ([]intent.Event, error) {
	query := `SELECT id, payment_hash, kind, outcome, metadata, error_message, ts
		FROM payment_events WHERE payment_hash = $1 ORDER BY ts ASC, id ASC`

	rows, err := r.db.Query(ctx, query, paymentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", paymentHash, err)
	}
	defer rows.Close()

	var events []intent.Event
	for rows.Next() {
		var (
			ev       intent.Event
			outcome  string
			metaJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.PaymentHash, &ev.Kind, &outcome, &metaJSON, &ev.ErrorMessage, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Outcome = intent.ParseOutcome(outcome)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return events, nil
}
