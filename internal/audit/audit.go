// Package audit records tool activity flowing between the UI and the agent in
// a local SQLite database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/naia/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

// Event types stored in audit_events.
const (
	EventToolUse          = "tool_use"
	EventToolResult       = "tool_result"
	EventApprovalRequest  = "approval_request"
	EventApprovalDecision = "approval_decision"
	EventUsage            = "usage"
	EventError            = "error"
)

// Event is one audit row.
type Event struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	RequestID  string    `json:"request_id"`
	EventType  string    `json:"event_type"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Payload    string    `json:"payload,omitempty"`
}

// Filter narrows Query. Zero values match everything.
type Filter struct {
	RequestID string
	EventType string
	Limit     int
}

// Stats summarizes stored events.
type Stats struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"by_type"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the audit database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at INTEGER NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			tool_name TEXT,
			tool_call_id TEXT,
			payload TEXT
		);`,
		"CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events(request_id);",
		"CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at);",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

// Insert stores ev. CreatedAt defaults to now; Payload is redacted.
func (s *Store) Insert(ctx context.Context, ev Event) error {
	if ev.EventType == "" {
		return fmt.Errorf("audit event type is required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_events (created_at, request_id, event_type, tool_name, tool_call_id, payload)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.CreatedAt.UnixMilli(), ev.RequestID, ev.EventType,
			nullString(ev.ToolName), nullString(ev.ToolCallID), nullString(shared.Redact(ev.Payload)))
		return err
	})
}

// MaybeLogEvent records an agent protocol message if its type is audited.
// Unknown types are ignored.
func (s *Store) MaybeLogEvent(msg map[string]any) {
	ev, ok := eventFromMessage(msg)
	if !ok {
		return
	}
	_ = s.Insert(context.Background(), ev)
}

// LogApprovalDecision records a UI approval_response before it is sent to the
// agent. Other message types are ignored.
func (s *Store) LogApprovalDecision(msg map[string]any) {
	if str(msg, "type") != "approval_response" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"decision": str(msg, "decision")})
	_ = s.Insert(context.Background(), Event{
		RequestID:  str(msg, "requestId"),
		EventType:  EventApprovalDecision,
		ToolName:   str(msg, "toolName"),
		ToolCallID: str(msg, "toolCallId"),
		Payload:    string(payload),
	})
}

func eventFromMessage(msg map[string]any) (Event, bool) {
	typ := str(msg, "type")
	ev := Event{
		RequestID:  str(msg, "requestId"),
		EventType:  typ,
		ToolName:   str(msg, "toolName"),
		ToolCallID: str(msg, "toolCallId"),
	}
	var payload map[string]any
	switch typ {
	case EventToolUse:
		payload = map[string]any{"args": msg["args"]}
	case EventToolResult:
		payload = map[string]any{"success": msg["success"], "output": msg["output"]}
	case EventApprovalRequest:
		payload = map[string]any{"args": msg["args"], "tier": msg["tier"], "description": msg["description"]}
	case EventUsage:
		payload = map[string]any{
			"inputTokens":  msg["inputTokens"],
			"outputTokens": msg["outputTokens"],
			"cost":         msg["cost"],
			"model":        msg["model"],
		}
	case EventError:
		payload = map[string]any{"message": msg["message"]}
	default:
		return Event{}, false
	}
	for k, v := range payload {
		if v == nil {
			delete(payload, k)
		}
	}
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = string(b)
		}
	}
	return ev, true
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	q := "SELECT id, created_at, request_id, event_type, tool_name, tool_call_id, payload FROM audit_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                      Event
			createdMS               int64
			tool, toolCall, payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &createdMS, &ev.RequestID, &ev.EventType, &tool, &toolCall, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(createdMS).UTC()
		ev.ToolName = tool.String
		ev.ToolCallID = toolCall.String
		ev.Payload = payload.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByType: map[string]int64{}}
	rows, err := s.db.QueryContext(ctx, "SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type")
	if err != nil {
		return st, fmt.Errorf("query audit stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ string
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return st, fmt.Errorf("scan audit stats: %w", err)
		}
		st.ByType[typ] = n
		st.Total += n
	}
	return st, rows.Err()
}

// Purge deletes events created before cutoff and returns how many were removed.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return n, nil
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
