package database

import (
	"context"
	"log/slog"
	"time"

	"safemod/internal/eventhub"
	"safemod/internal/logging"
)

// AppendEvent persists one safety event
func (d *Database) AppendEvent(ctx context.Context, event eventhub.SafetyEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO safety_events (operation_id, type, severity, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.OperationID, event.Type, event.Severity, event.Detail, ts.UnixNano())
	return err
}

// EventsForOperation returns the persisted audit trail of an operation in insertion order
func (d *Database) EventsForOperation(ctx context.Context, operationID string) ([]*EventRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, operation_id, type, severity, detail, created_at
		FROM safety_events WHERE operation_id = ? ORDER BY id`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*EventRecord
	for rows.Next() {
		r := &EventRecord{}
		var detail *string
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.OperationID, &r.Type, &r.Severity, &detail, &createdAt); err != nil {
			return nil, err
		}
		r.Detail = deref(detail)
		r.CreatedAt = time.Unix(0, createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Journal persists safety events received from an event hub.
type Journal struct {
	db     *Database
	logger *slog.Logger
}

// NewJournal returns a broadcaster that writes safety events to db.
func NewJournal(db *Database, logger *slog.Logger) *Journal {
	return &Journal{db: db, logger: logging.OrDefault(logger).With("component", "database.Journal")}
}

// BroadcastEvent implements eventhub.Broadcaster. Events other than safety
// events are ignored.
func (j *Journal) BroadcastEvent(eventType string, payload interface{}) {
	event, ok := payload.(eventhub.SafetyEvent)
	if !ok {
		return
	}
	if err := j.db.AppendEvent(context.Background(), event); err != nil {
		j.logger.Warn("failed to journal safety event",
			"operation_id", event.OperationID,
			"type", event.Type,
			"error", err)
	}
}
