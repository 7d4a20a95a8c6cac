package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskpool/internal/domain"
)

// Writer appends rows to the transition audit trail.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry describes one audited transition.
type Entry struct {
	OrgID      int64
	Event      string
	OriginType domain.ResourceType
	OriginID   int64
	ActorID    *int64
	FromStatus string
	ToStatus   string
	Payload    EventPayload
}

// Append writes e with its own statement. Callers run it after the primary
// transaction has committed, so a failure here never undoes the transition.
func (w Writer) Append(ctx context.Context, e Entry) error {
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
	var actor any
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,org_id,event,origin_type,origin_id,actor_id,from_status,to_status,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, e.OrgID, e.Event, e.OriginType, e.OriginID, actor, nullable(e.FromStatus), nullable(e.ToStatus), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
