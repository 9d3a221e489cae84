// ABOUTME: Conversation lifecycle persistence with conditional state transitions
// ABOUTME: Assign, close and transfer are single guarded updates so concurrent callers cannot both win

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const conversationColumns = `
	c.id, c.client_id, c.status, c.assigned_operator_id, c.sector, c.unread_count,
	c.last_message_at, c.created_at, c.updated_at, c.closed_at
`

// FindOrCreateOpenConversation returns the client's pending or active
// conversation, creating a pending one when none exists. created reports
// whether a new conversation was inserted.
func (s *SQLiteStore) FindOrCreateOpenConversation(ctx context.Context, clientID string) (conv *Conversation, created bool, err error) {
	err = s.inTx(ctx, "find or create conversation", func(tx *sql.Tx) error {
		conv, created, err = s.findOrCreateOpen(ctx, tx, clientID)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("finding open conversation: %w", err)
	}

	if created {
		s.logger.Debug("created conversation", "id", conv.ID, "client_id", clientID)
	}
	return conv, created, nil
}

// findOrCreateOpen runs inside tx so callers can chain further writes that
// rely on the conversation staying open.
func (s *SQLiteStore) findOrCreateOpen(ctx context.Context, tx *sql.Tx, clientID string) (*Conversation, bool, error) {
	existing, err := s.openConversation(ctx, tx, clientID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := formatTime(s.now())
	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, client_id, status, unread_count, last_message_at, created_at, updated_at)
		VALUES (?, ?, 'pending', 0, ?, ?, ?)
	`, id, clientID, now, now, now)
	if err != nil {
		if isConstraintViolation(err) {
			// Unknown client (foreign key) or a concurrent insert won.
			if existing, gerr := s.openConversation(ctx, tx, clientID); gerr == nil {
				return existing, false, nil
			}
			return nil, false, fmt.Errorf("inserting conversation for client %s: %w", clientID, ErrNotFound)
		}
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	conv, err := s.getConversation(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// GetOpenConversation returns the client's pending or active conversation
// without creating one. Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetOpenConversation(ctx context.Context, clientID string) (*Conversation, error) {
	conv, err := s.openConversation(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	conv.TransferHistory, err = s.transferHistory(ctx, s.db, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) openConversation(ctx context.Context, q queryer, clientID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.client_id = ? AND c.status IN ('pending', 'active')
	`
	conv, err := scanConversation(q.QueryRowContext(ctx, query, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation with its transfer history.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

func (s *SQLiteStore) getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = ?`

	conv, err := scanConversation(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.TransferHistory, err = s.transferHistory(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// TryAssign atomically assigns a pending (or unowned) conversation to
// operatorID, marks it active and clears its unread counter. It returns
// false when another operator already holds it, it is closed, or it does
// not exist.
func (s *SQLiteStore) TryAssign(ctx context.Context, conversationID, operatorID string) (bool, error) {
	query := `
		UPDATE conversations
		SET status = 'active', assigned_operator_id = ?, unread_count = 0, updated_at = ?
		WHERE id = ?
		  AND (status = 'pending' OR (status = 'active' AND assigned_operator_id IS NULL))
	`
	return s.conditionalUpdate(ctx, "assign conversation", query, operatorID, formatTime(s.now()), conversationID)
}

// TryClose atomically closes an active conversation held by operatorID.
// It returns false when the conversation is not active or belongs to
// someone else.
func (s *SQLiteStore) TryClose(ctx context.Context, conversationID, operatorID string) (bool, error) {
	now := formatTime(s.now())
	query := `
		UPDATE conversations
		SET status = 'closed', closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND assigned_operator_id = ?
	`
	return s.conditionalUpdate(ctx, "close conversation", query, now, now, conversationID, operatorID)
}

func (s *SQLiteStore) conditionalUpdate(ctx context.Context, op, query string, args ...any) (bool, error) {
	var affected int64
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected == 1, nil
}

// TransferToSector returns the conversation to the pending queue of sector,
// clearing its operator, and appends a transfer record. Closed conversations
// are reopened unless the client already has another open conversation.
func (s *SQLiteStore) TransferToSector(ctx context.Context, conversationID, sector, fromOperatorID string) (*Conversation, error) {
	update := `
		UPDATE conversations
		SET status = 'pending', assigned_operator_id = NULL, sector = ?, closed_at = NULL, updated_at = ?
		WHERE id = ?
	`
	rec := TransferRecord{
		Kind:           TransferToSector,
		FromOperatorID: fromOperatorID,
		ToSector:       sector,
	}
	return s.transfer(ctx, conversationID, rec, update, nullString(sector), formatTime(s.now()), conversationID)
}

// TransferToOperator assigns the conversation directly to toOperatorID,
// making it active, and appends a transfer record.
func (s *SQLiteStore) TransferToOperator(ctx context.Context, conversationID, toOperatorID, fromOperatorID string) (*Conversation, error) {
	if toOperatorID == "" {
		return nil, fmt.Errorf("transferring conversation: target operator is required")
	}
	update := `
		UPDATE conversations
		SET status = 'active', assigned_operator_id = ?, closed_at = NULL, updated_at = ?
		WHERE id = ?
	`
	rec := TransferRecord{
		Kind:           TransferToOperator,
		FromOperatorID: fromOperatorID,
		ToOperatorID:   toOperatorID,
	}
	return s.transfer(ctx, conversationID, rec, update, toOperatorID, formatTime(s.now()), conversationID)
}

func (s *SQLiteStore) transfer(ctx context.Context, conversationID string, rec TransferRecord, update string, args ...any) (*Conversation, error) {
	var conv *Conversation
	err := s.inTx(ctx, "transfer conversation", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, update, args...)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrOpenConversationExists
			}
			return fmt.Errorf("updating conversation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}

		rec.ID = uuid.New().String()
		rec.ConversationID = conversationID
		rec.CreatedAt = s.now()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_transfers (id, conversation_id, kind, from_operator_id, to_operator_id, to_sector, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.ConversationID, string(rec.Kind), nullString(rec.FromOperatorID),
			nullString(rec.ToOperatorID), nullString(rec.ToSector), formatTime(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting transfer record: %w", err)
		}

		conv, err = s.getConversation(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transferring conversation %s: %w", conversationID, err)
	}

	s.logger.Info("conversation transferred",
		"conversation_id", conversationID,
		"kind", rec.Kind,
		"from", rec.FromOperatorID,
		"to_operator", rec.ToOperatorID,
		"to_sector", rec.ToSector,
	)
	return conv, nil
}

func (s *SQLiteStore) transferHistory(ctx context.Context, q queryer, conversationID string) ([]TransferRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conversation_id, kind, from_operator_id, to_operator_id, to_sector, created_at
		FROM conversation_transfers
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying transfer history: %w", err)
	}
	defer rows.Close()

	var history []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var kind, created string
		var from, toOp, toSector sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &kind, &from, &toOp, &toSector, &created); err != nil {
			return nil, fmt.Errorf("scanning transfer row: %w", err)
		}
		rec.Kind = TransferKind(kind)
		rec.FromOperatorID = from.String
		rec.ToOperatorID = toOp.String
		rec.ToSector = toSector.String
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing transfer created_at: %w", err)
		}
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transfer rows: %w", err)
	}
	return history, nil
}

// MarkRead clears the unread counter and flags client messages as read,
// but only when operatorID is the conversation's assigned operator.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, operatorID string) (bool, error) {
	var ok bool
	err := s.inTx(ctx, "mark read", func(tx *sql.Tx) error {
		ok = false
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET unread_count = 0, updated_at = ?
			WHERE id = ? AND assigned_operator_id = ?
		`, formatTime(s.now()), conversationID, operatorID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET read_by_operator = 1
			WHERE conversation_id = ? AND sender_type = 'client' AND read_by_operator = 0
		`, conversationID)
		if err != nil {
			return fmt.Errorf("flagging messages read: %w", err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("marking conversation read: %w", err)
	}
	return ok, nil
}

// ListConversations returns conversation summaries matching filter, most
// recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ListFilter) ([]*ConversationSummary, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		where = append(where, "c.status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.OperatorID != "" {
		where = append(where, "c.assigned_operator_id = ?")
		args = append(args, filter.OperatorID)
	}
	if len(filter.Sectors) > 0 {
		clause := "c.sector IN (" + placeholders(len(filter.Sectors)) + ")"
		if filter.IncludeUnsectored {
			clause = "(" + clause + " OR c.sector IS NULL)"
		}
		where = append(where, clause)
		for _, sec := range filter.Sectors {
			args = append(args, sec)
		}
	}

	query := `SELECT ` + conversationColumns + `,
			cl.id, cl.external_id, cl.display_name, cl.avatar_url, cl.last_seen_at, cl.created_at
		FROM conversations c
		JOIN clients cl ON cl.id = c.client_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.last_message_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var summaries []*ConversationSummary
	for rows.Next() {
		conv, client, err := scanConversationWithClient(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		summaries = append(summaries, &ConversationSummary{Conversation: conv, Client: client})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	rows.Close()

	for _, sum := range summaries {
		last, err := s.lastMessage(ctx, sum.Conversation.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		sum.LastMessage = last
	}

	return summaries, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status, lastMsg, created, updated string
	var operator, sector, closed sql.NullString

	if err := row.Scan(&c.ID, &c.ClientID, &status, &operator, &sector, &c.UnreadCount,
		&lastMsg, &created, &updated, &closed); err != nil {
		return nil, err
	}
	if err := fillConversation(&c, status, operator, sector, closed, lastMsg, created, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConversationWithClient(row rowScanner) (*Conversation, *Client, error) {
	var c Conversation
	var cl Client
	var status, lastMsg, created, updated string
	var operator, sector, closed, avatar sql.NullString
	var clLastSeen, clCreated string

	if err := row.Scan(&c.ID, &c.ClientID, &status, &operator, &sector, &c.UnreadCount,
		&lastMsg, &created, &updated, &closed,
		&cl.ID, &cl.ExternalID, &cl.DisplayName, &avatar, &clLastSeen, &clCreated); err != nil {
		return nil, nil, err
	}
	if err := fillConversation(&c, status, operator, sector, closed, lastMsg, created, updated); err != nil {
		return nil, nil, err
	}

	cl.AvatarURL = avatar.String
	var err error
	if cl.LastSeenAt, err = parseTime(clLastSeen); err != nil {
		return nil, nil, fmt.Errorf("parsing client last_seen_at: %w", err)
	}
	if cl.CreatedAt, err = parseTime(clCreated); err != nil {
		return nil, nil, fmt.Errorf("parsing client created_at: %w", err)
	}
	return &c, &cl, nil
}

func fillConversation(c *Conversation, status string, operator, sector, closed sql.NullString, lastMsg, created, updated string) error {
	c.Status = ConversationStatus(status)
	c.AssignedOperatorID = operator.String
	c.Sector = sector.String

	var err error
	if c.LastMessageAt, err = parseTime(lastMsg); err != nil {
		return fmt.Errorf("parsing last_message_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return fmt.Errorf("parsing updated_at: %w", err)
	}
	if closed.Valid {
		t, err := parseTime(closed.String)
		if err != nil {
			return fmt.Errorf("parsing closed_at: %w", err)
		}
		c.ClosedAt = &t
	}
	return nil
}
