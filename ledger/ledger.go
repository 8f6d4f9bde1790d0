package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/SunwellVictor/ces-site-sub001/models"

	"go.uber.org/zap"
)

// ErrAlreadyProcessed is returned when the event id has been recorded before.
var ErrAlreadyProcessed = errors.New("event already processed")

// Ledger is an append-only record of handled provider event ids. The unique
// constraint on event_id makes check-and-mark atomic: a concurrent duplicate
// delivery surfaces as ErrAlreadyProcessed instead of a second insert.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// MarkProcessed records the event id before any downstream handling. It
// returns ErrAlreadyProcessed if another delivery of the same event already
// claimed it.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, kind string, payload []byte) error {
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, kind, payload) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING",
		eventID, kind, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyProcessed
	}

	l.logger.Info("Event recorded", zap.String("event_id", eventID), zap.String("kind", kind))
	return nil
}

// Recent returns the newest ledger entries for operator inspection.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, event_id, kind, payload, processed_at FROM processed_events ORDER BY id DESC LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.ProcessedEvent
	for rows.Next() {
		var evt models.ProcessedEvent
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.Kind, &evt.Payload, &evt.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// IsProcessed reports whether the event id is already in the ledger. Callers
// must not rely on it for correctness: only MarkProcessed is race-safe.
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)",
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return exists, nil
}
