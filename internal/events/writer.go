// Package events appends lifecycle records to the workspace event log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the run log.
const (
	RunStarted   = "run.started"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
)

// Payload is stored as JSON next to the event.
type Payload map[string]any

// Record is one event row. RunID and EntityID may be empty.
type Record struct {
	Type       string
	RunID      string
	EntityKind string
	EntityID   string
	Payload    Payload
}

// ForRun is an event about the run itself.
func ForRun(typ, runID string, payload Payload) Record {
	return Record{Type: typ, RunID: runID, EntityKind: "run", EntityID: runID, Payload: payload}
}

// Writer appends events inside the caller's transaction so an event never
// outlives the change it describes.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if rec.Type == "" {
		return fmt.Errorf("event type is required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", rec.Type, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(ts, type, run_id, entity_kind, entity_id, payload_json) VALUES (?, ?, ?, ?, ?, ?)`,
		now().UTC().Format(time.RFC3339), rec.Type, orNull(rec.RunID), rec.EntityKind, orNull(rec.EntityID), string(data),
	); err != nil {
		return fmt.Errorf("append %s event: %w", rec.Type, err)
	}
	return nil
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
