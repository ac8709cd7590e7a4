package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// eventsRepo implements EventsRepo for PostgreSQL.
type eventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventsRepo creates a PostgreSQL events repository.
func NewEventsRepo(db *sqlx.DB, timeout time.Duration) persistence.EventsRepo {
	return &eventsRepo{db: db, timeout: timeout}
}

// Append writes one audit event. Events are never updated or deleted.
func (r *eventsRepo) Append(ctx context.Context, event persistence.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO integration_events (id, bot_id, event_type, severity, payload, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.BotID, event.EventType, event.Severity, payload, event.TraceID, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.EventType, err)
	}
	return nil
}

// ListByBot returns the bot's newest events.
func (r *eventsRepo) ListByBot(ctx context.Context, botID string, limit int) ([]persistence.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, bot_id, event_type, severity, payload, trace_id, created_at
		FROM integration_events
		WHERE bot_id = $1
		ORDER BY created_at DESC NULLS LAST, id DESC
		LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for bot %s: %w", botID, err)
	}
	defer rows.Close()

	var events []persistence.Event
	for rows.Next() {
		var ev persistence.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.BotID, &ev.EventType, &ev.Severity, &payload, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}
