// ABOUTME: Channel session status and credential key persistence
// ABOUTME: Backs the connector's status record and the SQLite auth store backend

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveChannelSession records the latest connection status of a channel session.
func (s *SQLiteStore) SaveChannelSession(ctx context.Context, cs *ChannelSession) error {
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = s.now()
	}
	query := `
		INSERT OR REPLACE INTO channel_sessions (session_id, status, external_address, reason, last_qr, paused, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	err := s.withRetry(ctx, "save channel session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			cs.SessionID,
			cs.Status,
			nullString(cs.ExternalAddress),
			nullString(cs.Reason),
			nullString(cs.LastQR),
			boolInt(cs.Paused),
			formatTime(cs.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("saving channel session: %w", err)
	}
	return nil
}

// GetChannelSession returns the last recorded status for sessionID.
// Returns ErrNotFound if the session never reported.
func (s *SQLiteStore) GetChannelSession(ctx context.Context, sessionID string) (*ChannelSession, error) {
	var cs ChannelSession
	var address, reason, qr sql.NullString
	var paused int
	var updated string

	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, external_address, reason, last_qr, paused, updated_at
		FROM channel_sessions WHERE session_id = ?
	`, sessionID).Scan(&cs.SessionID, &cs.Status, &address, &reason, &qr, &paused, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel session: %w", err)
	}

	cs.ExternalAddress = address.String
	cs.Reason = reason.String
	cs.LastQR = qr.String
	cs.Paused = paused == 1
	if cs.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cs, nil
}

// GetAuthKey returns the encoded value stored under (sessionID, key).
// Returns ErrNotFound if absent.
func (s *SQLiteStore) GetAuthKey(ctx context.Context, sessionID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM auth_keys WHERE session_id = ? AND key_name = ?`,
		sessionID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying auth key: %w", err)
	}
	return value, nil
}

// PutAuthKey stores value under (sessionID, key), replacing any previous value.
func (s *SQLiteStore) PutAuthKey(ctx context.Context, sessionID, key, value string) error {
	err := s.withRetry(ctx, "put auth key", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO auth_keys (session_id, key_name, value, updated_at)
			VALUES (?, ?, ?, ?)
		`, sessionID, key, value, formatTime(s.now()))
		return err
	})
	if err != nil {
		return fmt.Errorf("storing auth key: %w", err)
	}
	return nil
}

// DeleteAuthKey removes one key. Removing an absent key is not an error.
func (s *SQLiteStore) DeleteAuthKey(ctx context.Context, sessionID, key string) error {
	err := s.withRetry(ctx, "delete auth key", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM auth_keys WHERE session_id = ? AND key_name = ?`, sessionID, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting auth key: %w", err)
	}
	return nil
}

// DeleteAuthKeys removes every key of a session in one statement.
func (s *SQLiteStore) DeleteAuthKeys(ctx context.Context, sessionID string) error {
	err := s.withRetry(ctx, "clear auth keys", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM auth_keys WHERE session_id = ?`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("clearing auth keys: %w", err)
	}
	s.logger.Info("cleared channel credentials", "session_id", sessionID)
	return nil
}
