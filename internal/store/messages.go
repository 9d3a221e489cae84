// ABOUTME: Message persistence with idempotent inbound inserts keyed by external message id
// ABOUTME: Operator messages are guarded by the conversation's state at insert time

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `
	id, conversation_id, external_message_id, sender_type, sender_id, content, media_ref,
	timestamp, read_by_operator, read_by_client
`

// AppendMessage persists msg and bumps the conversation's activity.
// A message whose ExternalMessageID is already stored is not inserted again:
// the existing row is returned with created=false. Client messages fail with
// ErrConversationClosed once the conversation is closed.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, bool, error) {
	s.prepareMessage(msg)

	var stored *Message
	var created bool
	err := s.inTx(ctx, "append message", func(tx *sql.Tx) error {
		created = false
		if msg.ExternalMessageID != "" {
			existing, err := s.messageByExternalID(ctx, tx, msg.ExternalMessageID)
			if err == nil {
				stored = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		if msg.SenderType == SenderClient {
			if err := s.requireNotClosed(ctx, tx, msg.ConversationID); err != nil {
				return err
			}
		}
		if err := s.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		stored = msg
		created = true
		return nil
	})
	if err != nil {
		if isConstraintViolation(err) && msg.ExternalMessageID != "" {
			if existing, gerr := s.messageByExternalID(ctx, s.db, msg.ExternalMessageID); gerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("appending message: %w", err)
	}

	if !created {
		s.logger.Debug("duplicate message ignored", "external_id", msg.ExternalMessageID, "id", stored.ID)
	}
	return stored, created, nil
}

// InboundResult is what AppendInboundMessage resolved and stored.
type InboundResult struct {
	Conversation        *Conversation
	ConversationCreated bool
	Message             *Message
	MessageCreated      bool
}

// AppendInboundMessage stores a client message in the client's open
// conversation, creating a pending one if needed. Lookup and insert share one
// transaction, so a close racing with the message cannot leave it in the
// closed conversation: either the close lands first and a new conversation
// is opened, or the message lands first. Redeliveries return the stored row
// with MessageCreated=false and the conversation the message belongs to.
func (s *SQLiteStore) AppendInboundMessage(ctx context.Context, clientID string, msg *Message) (*InboundResult, error) {
	msg.SenderType = SenderClient
	s.prepareMessage(msg)

	var res *InboundResult
	err := s.inTx(ctx, "append inbound message", func(tx *sql.Tx) error {
		res = &InboundResult{}
		if msg.ExternalMessageID != "" {
			existing, err := s.messageByExternalID(ctx, tx, msg.ExternalMessageID)
			if err == nil {
				conv, err := s.getConversation(ctx, tx, existing.ConversationID)
				if err != nil {
					return err
				}
				res.Conversation, res.Message = conv, existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		conv, created, err := s.findOrCreateOpen(ctx, tx, clientID)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID
		if err := s.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		res.Conversation, res.ConversationCreated = conv, created
		res.Message, res.MessageCreated = msg, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("appending inbound message: %w", err)
	}

	if res.ConversationCreated {
		s.logger.Debug("created conversation", "id", res.Conversation.ID, "client_id", clientID)
	}
	if !res.MessageCreated {
		s.logger.Debug("duplicate message ignored", "external_id", msg.ExternalMessageID, "id", res.Message.ID)
	}
	return res, nil
}

// requireNotClosed checks the conversation's state inside tx.
func (s *SQLiteStore) requireNotClosed(ctx context.Context, tx *sql.Tx, conversationID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying conversation state: %w", err)
	}
	if ConversationStatus(status) == StatusClosed {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrConversationClosed)
	}
	return nil
}

// AppendOperatorMessage persists a message authored by msg.SenderID, failing
// with ErrPreconditionFailed unless that operator holds the conversation and
// it is active at the moment of insert.
func (s *SQLiteStore) AppendOperatorMessage(ctx context.Context, msg *Message) (*Message, error) {
	msg.SenderType = SenderOperator
	s.prepareMessage(msg)

	err := s.inTx(ctx, "append operator message", func(tx *sql.Tx) error {
		var status string
		var operator sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT status, assigned_operator_id FROM conversations WHERE id = ?`,
			msg.ConversationID,
		).Scan(&status, &operator)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation state: %w", err)
		}
		if ConversationStatus(status) != StatusActive || operator.String != msg.SenderID {
			return ErrPreconditionFailed
		}
		return s.insertMessage(ctx, tx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("appending operator message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) prepareMessage(msg *Message) {
	if msg.ID == "" {
		msg.ID = s.ids.Generate().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	// Messages written by the service side are read by definition.
	if msg.SenderType != SenderClient {
		msg.ReadByOperator = true
	}
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sql.Tx, msg *Message) error {
	ts := formatTime(msg.Timestamp)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, external_message_id, sender_type, sender_id, content,
			media_ref, timestamp, read_by_operator, read_by_client)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, nullString(msg.ExternalMessageID), string(msg.SenderType),
		nullString(msg.SenderID), msg.Content, nullString(msg.MediaRef), ts,
		boolInt(msg.ReadByOperator), boolInt(msg.ReadByClient))
	if err != nil {
		if isConstraintViolation(err) && !s.conversationExists(ctx, tx, msg.ConversationID) {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	unread := 0
	if msg.SenderType == SenderClient {
		unread = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = MAX(last_message_at, ?), unread_count = unread_count + ?, updated_at = ?
		WHERE id = ?
	`, ts, unread, formatTime(s.now()), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) conversationExists(ctx context.Context, q queryer, id string) bool {
	var one int
	return q.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one) == nil
}

// GetMessageByExternalID retrieves a message by the channel's message id.
// Returns ErrNotFound if no such message was stored.
func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	return s.messageByExternalID(ctx, s.db, externalID)
}

func (s *SQLiteStore) messageByExternalID(ctx context.Context, q queryer, externalID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE external_message_id = ?`
	msg, err := scanMessage(q.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a conversation in
// chronological order, skipping the offset most recent ones. Equal
// timestamps keep insertion order. A limit of 0 returns everything.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if offset < 0 {
		offset = 0
	}
	var query string
	var args []any

	if limit > 0 {
		// Take the requested page from the newest end, then flip it back.
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT rowid AS seq, ` + messageColumns + `
				FROM messages
				WHERE conversation_id = ?
				ORDER BY timestamp DESC, rowid DESC
				LIMIT ? OFFSET ?
			)
			ORDER BY timestamp ASC, seq ASC
		`
		args = []any{conversationID, limit, offset}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) lastMessage(ctx context.Context, conversationID string) (*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages WHERE conversation_id = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying last message: %w", err)
	}
	return msg, nil
}

// MarkReadByClient flags outbound messages sent at or before upTo as read
// by the client and returns how many changed.
func (s *SQLiteStore) MarkReadByClient(ctx context.Context, conversationID string, upTo time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "mark read by client", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET read_by_client = 1
			WHERE conversation_id = ? AND sender_type != 'client' AND read_by_client = 0 AND timestamp <= ?
		`, conversationID, formatTime(upTo))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("marking messages read by client: %w", err)
	}
	return n, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var external, senderID, media sql.NullString
	var senderType, ts string
	var readOp, readClient int

	if err := row.Scan(&m.ID, &m.ConversationID, &external, &senderType, &senderID, &m.Content,
		&media, &ts, &readOp, &readClient); err != nil {
		return nil, err
	}
	m.ExternalMessageID = external.String
	m.SenderType = SenderType(senderType)
	m.SenderID = senderID.String
	m.MediaRef = media.String
	m.ReadByOperator = readOp == 1
	m.ReadByClient = readClient == 1

	var err error
	if m.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &m, nil
}
