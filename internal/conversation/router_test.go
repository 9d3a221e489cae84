// ABOUTME: Tests for inbound routing against a real SQLite store and hub
// ABOUTME: Covers auto-replies, redelivery, forwarding, read receipts and the event loop

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub/hubtest"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/responder"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

const wait = 2 * time.Second

var monday9am = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// fakeChannel records what the router sends.
type fakeChannel struct {
	events chan channel.Event

	mu      sync.Mutex
	sent    []channel.OutboundMessage
	typing  []bool
	paused  bool
	sendErr error
	status  channel.Snapshot
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan channel.Event, 16),
		status: channel.Snapshot{SessionID: "default", Status: channel.StatusConnected, Address: "@notary:example.org"},
	}
}

func (f *fakeChannel) Events() <-chan channel.Event { return f.events }

func (f *fakeChannel) Send(_ context.Context, msg channel.OutboundMessage) (channel.DeliveryReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return channel.DeliveryReceipt{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return channel.DeliveryReceipt{MessageID: fmt.Sprintf("$out%d", len(f.sent)), At: time.Now()}, nil
}

func (f *fakeChannel) SetTyping(_ context.Context, _ string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeChannel) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeChannel) Status() channel.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) Sent() []channel.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.OutboundMessage(nil), f.sent...)
}

func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

type fakeDirectory struct {
	operators map[string]bool
	sectors   map[string]bool
}

func (d fakeDirectory) OperatorExists(id string) bool { return d.operators[id] }
func (d fakeDirectory) SectorExists(id string) bool   { return d.sectors[id] }

type fakeMedia map[string]*channel.Attachment

func (m fakeMedia) Resolve(_ context.Context, ref string) (*channel.Attachment, error) {
	if a, ok := m[ref]; ok {
		return a, nil
	}
	return nil, errors.New("no such file")
}

type testEnv struct {
	router *Router
	store  *store.SQLiteStore
	ch     *fakeChannel
	hub    *hub.Hub
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEnv(t *testing.T, rules responder.StaticRules, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store: createTestStore(t),
		ch:    newFakeChannel(),
		hub:   hub.New(nil),
	}
	t.Cleanup(env.hub.Close)

	var auto AutoResponder
	if rules != nil {
		auto = responder.New(rules, nil, time.UTC, nil)
	}
	dir := fakeDirectory{
		operators: map[string]bool{"op-a": true, "op-b": true, "op-c": true},
		sectors:   map[string]bool{"billing": true, "deeds": true},
	}
	media := fakeMedia{"http://media.local/media/contrato.pdf": {Data: []byte("%PDF"), ContentType: "application/pdf", FileName: "contrato.pdf"}}
	env.router = New(cfg, env.store, env.ch, env.hub, auto, nil,
		WithDirectory(dir), WithMedia(media), WithClock(func() time.Time { return monday9am }))
	t.Cleanup(func() { env.router.seen.Close() })
	env.hub.SetHandler(env.router)
	return env
}

func (e *testEnv) connect(id string, sectors ...string) (*hubtest.Conn, *hub.Session) {
	conn := hubtest.NewConn()
	s := e.hub.Register(hub.Identity{OperatorID: id, Name: id, Sectors: sectors}, conn)
	return conn, s
}

func (e *testEnv) observe() (*hubtest.Conn, *hub.Session) {
	conn := hubtest.NewConn()
	s := e.hub.Register(hub.Identity{OperatorID: "admin", Name: "admin", Observer: true}, conn)
	return conn, s
}

func inbound(id, from, text string, at time.Time) channel.InboundMessage {
	return channel.InboundMessage{
		ID:         id,
		From:       from,
		SenderID:   "@maria:example.org",
		SenderName: "Maria Souza",
		Text:       text,
		Timestamp:  at,
	}
}

// pendingConversation stores one client message and returns its conversation.
func (e *testEnv) pendingConversation(t *testing.T, from string) *store.Conversation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.router.HandleInbound(ctx, inbound("$"+from, from, "preciso de ajuda", monday9am.Add(-time.Minute))))
	client, err := e.store.GetClientByExternalID(ctx, from)
	require.NoError(t, err)
	conv, err := e.store.GetOpenConversation(ctx, client.ID)
	require.NoError(t, err)
	return conv
}

var greetingRules = responder.StaticRules{
	{Key: "greeting", Triggers: []string{"bom dia", "oi"}, Response: "{greeting}, {first_name}! Como podemos ajudar?", Priority: 10},
}

func TestInboundCreatesPendingConversationAndAutoReplies(t *testing.T) {
	env := newTestEnv(t, greetingRules, Config{})
	opConn, _ := env.connect("op-a")
	obsConn, _ := env.observe()
	ctx := context.Background()

	require.NoError(t, env.router.HandleInbound(ctx, inbound("$m1", "!room1:example.org", "Oi, bom dia", monday9am.Add(-time.Second))))
	env.router.replies.Wait()

	client, err := env.store.GetClientByExternalID(ctx, "!room1:example.org")
	require.NoError(t, err)
	assert.Equal(t, "Maria Souza", client.DisplayName)

	conv, err := env.store.GetOpenConversation(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, conv.Status)
	assert.Empty(t, conv.AssignedOperatorID)

	msgs, err := env.store.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderClient, msgs[0].SenderType)
	assert.Equal(t, "$m1", msgs[0].ExternalMessageID)
	assert.Equal(t, store.SenderBot, msgs[1].SenderType)
	assert.Equal(t, "Bom dia, Maria! Como podemos ajudar?", msgs[1].Content)

	sent := env.ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "!room1:example.org", sent[0].To)
	assert.Equal(t, msgs[1].Content, sent[0].Text)

	var pending hub.PendingConversation
	require.True(t, opConn.Wait(hub.TypePendingConversation, &pending, wait))
	assert.Equal(t, conv.ID, pending.Conversation.ID)
	assert.Equal(t, "pending", pending.Conversation.Status)
	assert.Nil(t, pending.Conversation.AssignedOperatorID)
	require.True(t, obsConn.Wait(hub.TypePendingConversation, nil, wait))
}

func TestAutoReplyShowsTypingBeforeSending(t *testing.T) {
	rules := responder.StaticRules{
		{Key: "hours", Triggers: []string{"horario"}, Response: "Atendemos das 9h as 18h.", TypingDelay: responder.Duration(20 * time.Millisecond)},
	}
	env := newTestEnv(t, rules, Config{})

	require.NoError(t, env.router.HandleInbound(context.Background(), inbound("$h1", "!room:example.org", "qual o horario?", monday9am)))
	env.router.replies.Wait()

	env.ch.mu.Lock()
	defer env.ch.mu.Unlock()
	assert.Equal(t, []bool{true, false}, env.ch.typing)
	assert.Len(t, env.ch.sent, 1)
}

func TestNoAutoReplyWhenPaused(t *testing.T) {
	env := newTestEnv(t, greetingRules, Config{})
	env.ch.paused = true

	conv := env.pendingConversation(t, "!room:example.org")
	require.NoError(t, env.router.HandleInbound(context.Background(), inbound("$m2", "!room:example.org", "oi", monday9am)))
	env.router.replies.Wait()

	msgs, err := env.store.ListMessages(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, store.SenderClient, m.SenderType)
	}
	assert.Empty(t, env.ch.Sent())
}

func TestNoAutoReplyForActiveConversation(t *testing.T) {
	env := newTestEnv(t, greetingRules, Config{})
	opConn, _ := env.connect("op-a")
	ctx := context.Background()

	conv := env.pendingConversation(t, "!room:example.org")
	require.True(t, env.router.TakeChat(ctx, conv.ID, "op-a").Success)

	require.NoError(t, env.router.HandleInbound(ctx, inbound("$m2", "!room:example.org", "oi de novo", monday9am)))
	env.router.replies.Wait()
	assert.Empty(t, env.ch.Sent())

	var nm hub.NewMessage
	require.True(t, opConn.Wait(hub.TypeNewMessage, &nm, wait))
	assert.Equal(t, conv.ID, nm.ConversationID)
	assert.Equal(t, "oi de novo", nm.Message.Content)
}

func TestRedeliveredMessageIsStoredOnce(t *testing.T) {
	env := newTestEnv(t, nil, Config{})
	ctx := context.Background()
	msg := inbound("$dup", "!room:example.org", "segunda via", monday9am)

	require.NoError(t, env.router.HandleInbound(ctx, msg))
	require.NoError(t, env.router.HandleInbound(ctx, msg))

	// A router with a cold cache still relies on the store.
	cold := New(Config{}, env.store, env.ch, env.hub, nil, nil)
	t.Cleanup(func() { cold.seen.Close() })
	require.NoError(t, cold.HandleInbound(ctx, msg))

	stored, err := env.store.GetMessageByExternalID(ctx, "$dup")
	require.NoError(t, err)
	conv, err := env.store.GetConversation(ctx, stored.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)

	msgs, err := env.store.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessagesAfterCloseOpenNewConversation(t *testing.T) {
	env := newTestEnv(t, nil, Config{})
	ctx := context.Background()

	first := env.pendingConversation(t, "!room:example.org")
	require.True(t, env.router.TakeChat(ctx, first.ID, "op-a").Success)
	require.True(t, env.router.EndChat(ctx, first.ID, "op-a").Success)

	require.NoError(t, env.router.HandleInbound(ctx, inbound("$later", "!room:example.org", "voltei", monday9am)))
	stored, err := env.store.GetMessageByExternalID(ctx, "$later")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, stored.ConversationID)

	closed, err := env.store.GetConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, closed.Status)
}

// closingStore ends a conversation while an inbound message is in flight.
type closingStore struct {
	*store.SQLiteStore
	convID, operatorID string
}

func (c *closingStore) UpsertClient(ctx context.Context, externalID, displayName, avatarURL string) (*store.Client, error) {
	client, err := c.SQLiteStore.UpsertClient(ctx, externalID, displayName, avatarURL)
	if err != nil {
		return nil, err
	}
	if _, err := c.SQLiteStore.TryClose(ctx, c.convID, c.operatorID); err != nil {
		return nil, err
	}
	return client, nil
}

func TestInboundDuringCloseOpensNewConversation(t *testing.T) {
	env := newTestEnv(t, nil, Config{})
	ctx := context.Background()

	first := env.pendingConversation(t, "!room:example.org")
	require.True(t, env.router.TakeChat(ctx, first.ID, "op-a").Success)

	racing := New(Config{}, &closingStore{SQLiteStore: env.store, convID: first.ID, operatorID: "op-a"}, env.ch, env.hub, nil, nil)
	t.Cleanup(func() { racing.seen.Close() })
	require.NoError(t, racing.HandleInbound(ctx, inbound("$mid", "!room:example.org", "ainda aqui", monday9am)))

	stored, err := env.store.GetMessageByExternalID(ctx, "$mid")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, stored.ConversationID)

	conv, err := env.store.GetConversation(ctx, stored.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, conv.Status)

	msgs, err := env.store.ListMessages(ctx, first.ID, 0, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, "$mid", m.ExternalMessageID)
	}
}

func TestRuleForwardsToSector(t *testing.T) {
	rules := responder.StaticRules{
		{Key: "billing", Triggers: []string{"boleto"}, Response: "Encaminhando ao financeiro.", ForwardToSector: "billing"},
	}
	env := newTestEnv(t, rules, Config{})
	billing, _ := env.connect("op-a", "billing")
	deeds, _ := env.connect("op-b", "deeds")
	ctx := context.Background()

	require.NoError(t, env.router.HandleInbound(ctx, inbound("$b1", "!room:example.org", "segunda via do boleto", monday9am)))
	env.router.replies.Wait()

	stored, err := env.store.GetMessageByExternalID(ctx, "$b1")
	require.NoError(t, err)
	conv, err := env.store.GetConversation(ctx, stored.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, conv.Status)
	assert.Equal(t, "billing", conv.Sector)
	require.Len(t, conv.TransferHistory, 1)
	assert.Equal(t, BotSenderID, conv.TransferHistory[0].FromOperatorID)

	var pending hub.PendingConversation
	require.True(t, billing.Wait(hub.TypePendingConversation, &pending, wait))
	require.NotNil(t, pending.Conversation.Sector)
	assert.Equal(t, "billing", *pending.Conversation.Sector)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, deeds.Count(hub.TypePendingConversation), "other sectors are not offered the conversation")
}

func TestReadReceiptMarksOutboundMessages(t *testing.T) {
	env := newTestEnv(t, nil, Config{})
	ctx := context.Background()

	conv := env.pendingConversation(t, "!room:example.org")
	require.True(t, env.router.TakeChat(ctx, conv.ID, "op-a").Success)
	res := env.router.SendMessage(ctx, "op-a", SendRequest{ConversationID: conv.ID, Text: "Pode enviar o documento?"})
	require.True(t, res.Success)

	require.NoError(t, env.router.HandleReadReceipt(ctx, channel.ReadReceipt{From: "!room:example.org", UpTo: monday9am.Add(time.Minute)}))

	msgs, err := env.store.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.SenderType == store.SenderOperator {
			assert.True(t, m.ReadByClient)
		} else {
			assert.False(t, m.ReadByClient)
		}
	}

	assert.NoError(t, env.router.HandleReadReceipt(ctx, channel.ReadReceipt{From: "!unknown:example.org", UpTo: monday9am}))
}

func TestRunRoutesEvents(t *testing.T) {
	env := newTestEnv(t, nil, Config{Workers: 4})
	opConn, _ := env.connect("op-a")
	obsConn, _ := env.observe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.router.Run(ctx) }()

	env.ch.events <- channel.StatusEvent{Snapshot: channel.Snapshot{Status: channel.StatusDisconnected, Reason: "timeout"}}
	env.ch.events <- channel.QREvent{Payload: "https://matrix.example.org/sso"}
	for i := range 10 {
		from := fmt.Sprintf("!room%d:example.org", i%3)
		env.ch.events <- channel.MessageEvent{Message: inbound(fmt.Sprintf("$run%d", i), from, "mensagem", monday9am.Add(time.Duration(i)*time.Second))}
	}

	var status hub.StatusUpdate
	require.True(t, opConn.Wait(hub.TypeStatusUpdate, &status, wait))
	assert.Equal(t, "disconnected", status.Status)
	assert.Equal(t, "timeout", status.Reason)
	require.True(t, obsConn.Wait(hub.TypeStatusUpdate, nil, wait))

	var qr hub.QRCode
	require.True(t, obsConn.Wait(hub.TypeQRCode, &qr, wait))
	assert.Equal(t, "https://matrix.example.org/sso", qr.Payload)
	assert.Zero(t, opConn.Count(hub.TypeQRCode), "login codes go to observers only")

	require.Eventually(t, func() bool {
		convs, err := env.store.ListConversations(context.Background(), store.ListFilter{})
		if err != nil || len(convs) != 3 {
			return false
		}
		total := 0
		for _, c := range convs {
			total += c.Conversation.UnreadCount
		}
		return total == 10
	}, wait, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("router did not stop")
	}
}

func TestShardForIsStable(t *testing.T) {
	a := shardFor("!room:example.org", 8)
	for range 10 {
		assert.Equal(t, a, shardFor("!room:example.org", 8))
	}
	assert.Less(t, a, 8)
	assert.Equal(t, 0, shardFor("anything", 1))
}
