package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends activation audit events. Events are append-only; the full
// row set for an activation is its audit trail.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry describes one audit event for a pipeline step attempt.
type Entry struct {
	Type         string
	ActivationID string
	OrgID        string
	ActorID      string
	Success      bool
	Duration     time.Duration
	Payload      EventPayload
}

// Append writes an event inside the caller's transaction. When tx is nil the
// event is written directly; callers on the failure path use that to record a
// best-effort event after a rollback.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO activation_events(activation_id,org_id,type,success,duration_ms,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?,?,?)`
	args := []any{nullable(e.ActivationID), e.OrgID, e.Type, boolInt(e.Success), e.Duration.Milliseconds(), nullable(e.ActorID), ts, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
