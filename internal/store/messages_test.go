// ABOUTME: Tests for message persistence
// ABOUTME: Covers idempotent inbound inserts, guarded operator messages, ordering and paging

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMessage_DuplicateExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")

	first, created, err := s.AppendMessage(ctx, &Message{
		ConversationID:    conv.ID,
		ExternalMessageID: "$evt1",
		SenderType:        SenderClient,
		SenderID:          "@ana:example.org",
		Content:           "oi",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	dup, created, err := s.AppendMessage(ctx, &Message{
		ConversationID:    conv.ID,
		ExternalMessageID: "$evt1",
		SenderType:        SenderClient,
		Content:           "oi (redelivered)",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, "oi", dup.Content)

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount, "duplicates do not count as unread")
}

func TestAppendMessage_ConcurrentDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, _, err := s.AppendMessage(ctx, &Message{
				ConversationID:    conv.ID,
				ExternalMessageID: "$same",
				SenderType:        SenderClient,
				Content:           "hello",
			})
			if assert.NoError(t, err) {
				ids[i] = msg.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.AppendMessage(context.Background(), &Message{
		ConversationID: "missing",
		SenderType:     SenderBot,
		Content:        "x",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_UpdatesActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")

	ts := time.Now().Add(time.Hour).UTC()
	msg, _, err := s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		SenderType:     SenderBot,
		Content:        "auto reply",
		Timestamp:      ts,
	})
	require.NoError(t, err)
	assert.True(t, msg.ReadByOperator)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.LastMessageAt.Equal(ts))
	assert.Equal(t, 0, got.UnreadCount, "bot messages are not unread")
}

func TestAppendMessage_ClientRejectedOnceClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")

	// The conversation closes after it was resolved but before the insert.
	_, err := s.TryAssign(ctx, conv.ID, "op-1")
	require.NoError(t, err)
	_, err = s.TryClose(ctx, conv.ID, "op-1")
	require.NoError(t, err)

	_, _, err = s.AppendMessage(ctx, &Message{
		ConversationID:    conv.ID,
		ExternalMessageID: "$late",
		SenderType:        SenderClient,
		Content:           "ainda estou aqui",
	})
	assert.ErrorIs(t, err, ErrConversationClosed)

	_, err = s.GetMessageByExternalID(ctx, "$late")
	assert.ErrorIs(t, err, ErrNotFound)

	// System notices may still follow a close.
	_, created, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderType: SenderSystem, Content: "encerrado"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAppendInboundMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")

	res, err := s.AppendInboundMessage(ctx, conv.ClientID, &Message{ExternalMessageID: "$1", Content: "oi"})
	require.NoError(t, err)
	assert.True(t, res.MessageCreated)
	assert.False(t, res.ConversationCreated)
	assert.Equal(t, conv.ID, res.Conversation.ID)
	assert.Equal(t, SenderClient, res.Message.SenderType)

	dup, err := s.AppendInboundMessage(ctx, conv.ClientID, &Message{ExternalMessageID: "$1", Content: "oi"})
	require.NoError(t, err)
	assert.False(t, dup.MessageCreated)
	assert.Equal(t, res.Message.ID, dup.Message.ID)
	assert.Equal(t, conv.ID, dup.Conversation.ID)

	_, err = s.TryAssign(ctx, conv.ID, "op-1")
	require.NoError(t, err)
	_, err = s.TryClose(ctx, conv.ID, "op-1")
	require.NoError(t, err)

	next, err := s.AppendInboundMessage(ctx, conv.ClientID, &Message{ExternalMessageID: "$2", Content: "voltei"})
	require.NoError(t, err)
	assert.True(t, next.ConversationCreated)
	assert.NotEqual(t, conv.ID, next.Conversation.ID)
	assert.Equal(t, StatusPending, next.Conversation.Status)

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "closed conversation keeps only the earlier message")
}

func TestAppendInboundMessage_ConcurrentWithClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")
	_, err := s.TryAssign(ctx, conv.ID, "op-1")
	require.NoError(t, err)

	var res *InboundResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.TryClose(ctx, conv.ID, "op-1")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		var err error
		res, err = s.AppendInboundMessage(ctx, conv.ClientID, &Message{ExternalMessageID: "$race", Content: "oi"})
		assert.NoError(t, err)
	}()
	wg.Wait()
	require.NotNil(t, res)

	// Whichever side won, the message went into a conversation that was
	// open at the time: the old one only if it was written before the close.
	closed, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	if res.Conversation.ID == conv.ID {
		assert.False(t, res.ConversationCreated)
		assert.Equal(t, StatusActive, res.Conversation.Status)
	} else {
		assert.True(t, res.ConversationCreated)
		assert.Equal(t, StatusPending, res.Conversation.Status)
	}
}

func TestAppendOperatorMessage_Guard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")

	_, err := s.AppendOperatorMessage(ctx, &Message{ConversationID: conv.ID, SenderID: "op-1", Content: "hi"})
	assert.ErrorIs(t, err, ErrPreconditionFailed, "pending conversation")

	_, err = s.TryAssign(ctx, conv.ID, "op-1")
	require.NoError(t, err)

	_, err = s.AppendOperatorMessage(ctx, &Message{ConversationID: conv.ID, SenderID: "op-2", Content: "hi"})
	assert.ErrorIs(t, err, ErrPreconditionFailed, "wrong operator")

	msg, err := s.AppendOperatorMessage(ctx, &Message{ConversationID: conv.ID, SenderID: "op-1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, SenderOperator, msg.SenderType)

	_, err = s.TryClose(ctx, conv.ID, "op-1")
	require.NoError(t, err)
	_, err = s.AppendOperatorMessage(ctx, &Message{ConversationID: conv.ID, SenderID: "op-1", Content: "late"})
	assert.ErrorIs(t, err, ErrPreconditionFailed, "closed conversation")

	_, err = s.AppendOperatorMessage(ctx, &Message{ConversationID: "missing", SenderID: "op-1", Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMessages_OrderingAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		_, _, err := s.AppendMessage(ctx, &Message{
			ConversationID: conv.ID,
			SenderType:     SenderClient,
			Content:        fmt.Sprintf("m%d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	// Same timestamp as m4: insertion order breaks the tie.
	_, _, err := s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		SenderType:     SenderBot,
		Content:        "m5",
		Timestamp:      base.Add(4 * time.Minute),
	})
	require.NoError(t, err)

	all, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, m := range all {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}

	latest, err := s.ListMessages(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "m4", latest[0].Content)
	assert.Equal(t, "m5", latest[1].Content)

	older, err := s.ListMessages(ctx, conv.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "m2", older[0].Content)
	assert.Equal(t, "m3", older[1].Content)
}

func TestMarkReadByClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s, "!a:example.org")
	_, err := s.TryAssign(ctx, conv.ID, "op-1")
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	_, err = s.AppendOperatorMessage(ctx, &Message{ConversationID: conv.ID, SenderID: "op-1", Content: "a", Timestamp: base})
	require.NoError(t, err)
	_, err = s.AppendOperatorMessage(ctx, &Message{ConversationID: conv.ID, SenderID: "op-1", Content: "b", Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)

	n, err := s.MarkReadByClient(ctx, conv.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.True(t, msgs[0].ReadByClient)
	assert.False(t, msgs[1].ReadByClient)

	msg, err := s.GetMessageByExternalID(ctx, "$nope")
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrNotFound)
}
