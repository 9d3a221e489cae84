// ABOUTME: Audit log of operator logins and administrative channel actions
// ABOUTME: Records who did what to which target; listed newest first with optional filters

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction names an auditable action.
type AuditAction string

const (
	AuditLogin          AuditAction = "login"
	AuditChannelRestart AuditAction = "channel_restart"
	AuditChannelPause   AuditAction = "channel_pause"
	AuditChannelResume  AuditAction = "channel_resume"
	AuditChannelLogout  AuditAction = "channel_logout"
	AuditChannelSSO     AuditAction = "channel_sso_login"
)

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     AuditAction    `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// AuditFilter narrows ListAuditLog. Zero values match everything.
type AuditFilter struct {
	Since   time.Time
	ActorID string
	Action  AuditAction
	Limit   int // default 100, max 1000
}

// AppendAuditLog records e, filling ID and Timestamp when unset.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	var detail any
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		detail = string(data)
	}

	err := s.withRetry(ctx, "append audit log", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (id, actor_id, action, target_type, target_id, ts, detail_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.ActorID, string(e.Action), e.TargetType, e.TargetID, formatTime(e.Timestamp), detail)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT id, actor_id, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? = '' OR ts >= ?)
	  AND (? = '' OR actor_id = ?)
	  AND (? = '' OR action = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns matching entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	since := ""
	if !f.Since.IsZero() {
		since = formatTime(f.Since)
	}
	action := string(f.Action)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		f.ActorID, f.ActorID,
		action, action,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var ts string
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
