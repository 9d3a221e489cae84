// ABOUTME: Client persistence keyed by the channel's external address
// ABOUTME: Upserts keep the latest display name and avatar seen on inbound messages

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UpsertClient creates the client for externalID or refreshes its profile
// and last-seen time. Empty displayName/avatarURL keep the stored values.
func (s *SQLiteStore) UpsertClient(ctx context.Context, externalID, displayName, avatarURL string) (*Client, error) {
	if externalID == "" {
		return nil, fmt.Errorf("upserting client: external id is required")
	}
	now := formatTime(s.now())

	query := `
		INSERT INTO clients (id, external_id, display_name, avatar_url, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE clients.display_name END,
			avatar_url   = COALESCE(excluded.avatar_url, clients.avatar_url),
			last_seen_at = excluded.last_seen_at
	`

	err := s.withRetry(ctx, "upsert client", func() error {
		_, err := s.db.ExecContext(ctx, query,
			uuid.New().String(),
			externalID,
			displayName,
			nullString(avatarURL),
			now,
			now,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upserting client: %w", err)
	}

	return s.GetClientByExternalID(ctx, externalID)
}

// GetClient retrieves a client by ID.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	return s.getClient(ctx, s.db, `WHERE id = ?`, id)
}

// GetClientByExternalID retrieves a client by its channel address.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) GetClientByExternalID(ctx context.Context, externalID string) (*Client, error) {
	return s.getClient(ctx, s.db, `WHERE external_id = ?`, externalID)
}

func (s *SQLiteStore) getClient(ctx context.Context, q queryer, where string, arg any) (*Client, error) {
	query := `
		SELECT id, external_id, display_name, avatar_url, last_seen_at, created_at
		FROM clients
	` + where

	c, err := scanClient(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var c Client
	var avatar sql.NullString
	var lastSeen, created string

	if err := row.Scan(&c.ID, &c.ExternalID, &c.DisplayName, &avatar, &lastSeen, &created); err != nil {
		return nil, err
	}
	c.AvatarURL = avatar.String

	var err error
	if c.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}
