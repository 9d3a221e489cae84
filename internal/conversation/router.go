// ABOUTME: Router connects the channel, the conversation store, the auto-responder and the hub
// ABOUTME: Consumes connector events on sharded workers so each client's messages stay ordered

package conversation

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/dedupe"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/responder"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

const (
	// workerQueueSize is the per-shard backlog before the event loop blocks.
	workerQueueSize = 64

	// BotSenderID is recorded as the author of automated replies and as the
	// source of rule-driven transfers.
	BotSenderID = "bot"

	closedListLimit = 100
)

// Store is the persistence the router needs.
type Store interface {
	UpsertClient(ctx context.Context, externalID, displayName, avatarURL string) (*store.Client, error)
	GetClient(ctx context.Context, id string) (*store.Client, error)
	GetClientByExternalID(ctx context.Context, externalID string) (*store.Client, error)

	GetOpenConversation(ctx context.Context, clientID string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, filter store.ListFilter) ([]*store.ConversationSummary, error)

	TryAssign(ctx context.Context, conversationID, operatorID string) (bool, error)
	TryClose(ctx context.Context, conversationID, operatorID string) (bool, error)
	TransferToSector(ctx context.Context, conversationID, sector, fromOperatorID string) (*store.Conversation, error)
	TransferToOperator(ctx context.Context, conversationID, toOperatorID, fromOperatorID string) (*store.Conversation, error)
	MarkRead(ctx context.Context, conversationID, operatorID string) (bool, error)

	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	AppendInboundMessage(ctx context.Context, clientID string, msg *store.Message) (*store.InboundResult, error)
	AppendOperatorMessage(ctx context.Context, msg *store.Message) (*store.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*store.Message, error)
	MarkReadByClient(ctx context.Context, conversationID string, upTo time.Time) (int64, error)
}

// Channel is the connector side the router drives.
type Channel interface {
	Events() <-chan channel.Event
	Send(ctx context.Context, msg channel.OutboundMessage) (channel.DeliveryReceipt, error)
	SetTyping(ctx context.Context, to string, typing bool) error
	Paused() bool
	Status() channel.Snapshot
}

// Notifier delivers events to connected operators and observers.
type Notifier interface {
	NotifyOperator(operatorID string, ev hub.Event) error
	BroadcastOperators(ev hub.Event, opts ...hub.BroadcastOption) int
	BroadcastObservers(ev hub.Event) int
}

// AutoResponder decides on automated replies.
type AutoResponder interface {
	Evaluate(ctx context.Context, conv *store.Conversation, client *store.Client, text string, now time.Time) (responder.Decision, error)
}

// Directory answers who and what can be transfer targets.
type Directory interface {
	OperatorExists(id string) bool
	SectorExists(id string) bool
}

// MediaResolver loads an uploaded file referenced by an operator message.
type MediaResolver interface {
	Resolve(ctx context.Context, ref string) (*channel.Attachment, error)
}

// Config tunes a Router.
type Config struct {
	ClosingMessage string
	Workers        int
	HistoryLimit   int
	DedupeTTL      time.Duration
	DedupeSize     int
}

// Router owns conversation routing. Inbound traffic arrives through Run;
// operator actions are plain method calls returning an ActionResult.
type Router struct {
	cfg       Config
	store     Store
	channel   Channel
	notifier  Notifier
	responder AutoResponder
	directory Directory
	media     MediaResolver
	seen      *dedupe.Cache
	observe   func(channel.Snapshot)
	logger    *slog.Logger
	now       func() time.Time

	// replies tracks delayed auto-replies still waiting to be sent.
	replies sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Router)

// WithDirectory validates transfer targets against d.
func WithDirectory(d Directory) Option {
	return func(r *Router) { r.directory = d }
}

// WithMedia enables media sends.
func WithMedia(m MediaResolver) Option {
	return func(r *Router) { r.media = m }
}

// WithStatusObserver calls fn with every channel status change, after the
// hub has been told.
func WithStatusObserver(fn func(channel.Snapshot)) Option {
	return func(r *Router) { r.observe = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router. responder may be nil to disable automated replies.
func New(cfg Config, st Store, ch Channel, notifier Notifier, auto AutoResponder, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 50000
	}
	r := &Router{
		cfg:       cfg,
		store:     st,
		channel:   ch,
		notifier:  notifier,
		responder: auto,
		seen:      dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		logger:    logger.With("component", "router"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes channel events until ctx is cancelled. Messages and receipts
// from the same client are handled in order by one worker; status events are
// forwarded immediately.
func (r *Router) Run(ctx context.Context) error {
	shards := make([]chan channel.Event, r.cfg.Workers)
	var workers sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan channel.Event, workerQueueSize)
		workers.Add(1)
		go func(in <-chan channel.Event) {
			defer workers.Done()
			for ev := range in {
				r.handleClientEvent(ctx, ev)
			}
		}(shards[i])
	}

	r.logger.Info("router started", "workers", len(shards))
	defer func() {
		for _, in := range shards {
			close(in)
		}
		workers.Wait()
		r.replies.Wait()
		r.seen.Close()
		r.logger.Info("router stopped")
	}()

	events := r.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch e := ev.(type) {
			case channel.StatusEvent:
				r.publishStatus(e.Snapshot)
			case channel.QREvent:
				r.notifier.BroadcastObservers(hub.QRCode{Payload: e.Payload})
			case channel.MessageEvent:
				r.dispatch(ctx, shards, e.Message.From, e)
			case channel.ReceiptEvent:
				r.dispatch(ctx, shards, e.Receipt.From, e)
			}
		}
	}
}

func (r *Router) dispatch(ctx context.Context, shards []chan channel.Event, key string, ev channel.Event) {
	select {
	case shards[shardFor(key, len(shards))] <- ev:
	case <-ctx.Done():
	}
}

// shardFor maps a client address onto one of n workers.
func shardFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Router) handleClientEvent(ctx context.Context, ev channel.Event) {
	switch e := ev.(type) {
	case channel.MessageEvent:
		if err := r.HandleInbound(ctx, e.Message); err != nil {
			r.logger.Error("handling inbound message", "from", e.Message.From, "message_id", e.Message.ID, "error", err)
		}
	case channel.ReceiptEvent:
		if err := r.HandleReadReceipt(ctx, e.Receipt); err != nil {
			r.logger.Warn("handling read receipt", "from", e.Receipt.From, "error", err)
		}
	}
}

func (r *Router) publishStatus(snap channel.Snapshot) {
	ev := statusUpdate(snap)
	r.notifier.BroadcastOperators(ev)
	r.notifier.BroadcastObservers(ev)
	if r.observe != nil {
		r.observe(snap)
	}
}

func statusUpdate(snap channel.Snapshot) hub.StatusUpdate {
	return hub.StatusUpdate{
		Status:  string(snap.Status),
		Address: snap.Address,
		Reason:  snap.Reason,
		Paused:  snap.Paused,
	}
}

// view loads what a ConversationView needs around conv.
func (r *Router) view(ctx context.Context, conv *store.Conversation) hub.ConversationView {
	client, err := r.store.GetClient(ctx, conv.ClientID)
	if err != nil {
		r.logger.Warn("loading client for view", "client_id", conv.ClientID, "error", err)
		client = nil
	}
	var last *store.Message
	if msgs, err := r.store.ListMessages(ctx, conv.ID, 1, 0); err == nil && len(msgs) > 0 {
		last = msgs[0]
	}
	return hub.NewConversationView(conv, client, last)
}
