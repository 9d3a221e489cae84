// ABOUTME: Registry of live operator connections with targeted and filtered fan-out
// ABOUTME: One connection per operator; admins attach as read-only observers

package hub

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// outboundBufferSize bounds how far a connection may fall behind before
// frames for it are dropped.
const outboundBufferSize = 64

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 10 * time.Second

// Close codes sent to clients.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseReplaced  = 4001
)

var (
	// ErrNotConnected is returned when the target operator has no live connection.
	ErrNotConnected = errors.New("operator not connected")
	// ErrSlowConsumer is returned when a frame was dropped because the
	// connection's outbound queue is full.
	ErrSlowConsumer = errors.New("outbound queue full")
)

// Conn is the transport half of a session. The websocket adapter implements
// it; tests use an in-memory fake.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Identity is who a connection belongs to, resolved at handshake.
type Identity struct {
	OperatorID string
	Name       string
	Sectors    []string
	// Observer connections receive observer broadcasts only and never own an
	// operator slot.
	Observer bool
}

// InSector reports whether the identity serves sector. An empty sector
// matches everyone, and an identity with no sectors serves all of them.
func (id Identity) InSector(sector string) bool {
	return sector == "" || len(id.Sectors) == 0 || slices.Contains(id.Sectors, sector)
}

// Handler processes decoded requests for a session.
type Handler interface {
	HandleRequest(ctx context.Context, s *Session, req Request)
}

// Session is one live connection.
type Session struct {
	id       string
	identity Identity
	conn     Conn
	out      chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// Identity returns who the session belongs to.
func (s *Session) Identity() Identity { return s.identity }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues ev for this session without blocking.
func (s *Session) Send(ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		s.logger.Warn("dropping frame for slow connection")
		return ErrSlowConsumer
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.conn.Write(ctx, data)
			cancel()
			if err != nil {
				s.logger.Debug("write failed, closing connection", "error", err)
				s.close(CloseGoingAway, "write failed")
				return
			}
		}
	}
}

func (s *Session) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

// BroadcastOption narrows a broadcast.
type BroadcastOption func(*broadcastFilter)

type broadcastFilter struct {
	exclude []string
	sector  string
	scoped  bool
}

// ExcludeOperator skips the given operator. It may be repeated.
func ExcludeOperator(id string) BroadcastOption {
	return func(f *broadcastFilter) { f.exclude = append(f.exclude, id) }
}

// InSector limits delivery to operators serving sector. An empty sector
// reaches everyone.
func InSector(sector string) BroadcastOption {
	return func(f *broadcastFilter) {
		f.sector = sector
		f.scoped = true
	}
}

// Hub tracks sessions and fans events out to them.
type Hub struct {
	mu        sync.RWMutex
	operators map[string]*Session
	observers map[*Session]struct{}
	handler   Handler
	logger    *slog.Logger
	closed    bool
}

// New creates an empty hub. A handler must be set before requests arrive.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		operators: make(map[string]*Session),
		observers: make(map[*Session]struct{}),
		logger:    logger.With("component", "hub"),
	}
}

// SetHandler installs the request handler.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Register attaches conn under identity and starts its writer. A prior
// connection for the same operator is closed with CloseReplaced.
func (h *Hub) Register(identity Identity, conn Conn) *Session {
	s := &Session{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		out:      make(chan []byte, outboundBufferSize),
		done:     make(chan struct{}),
	}
	s.logger = h.logger.With("operator_id", identity.OperatorID, "session", s.id, "observer", identity.Observer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close(CloseGoingAway, "server shutting down")
		return s
	}
	var evicted *Session
	if identity.Observer {
		h.observers[s] = struct{}{}
	} else {
		evicted = h.operators[identity.OperatorID]
		h.operators[identity.OperatorID] = s
	}
	h.mu.Unlock()

	go s.writeLoop()

	if evicted != nil {
		evicted.logger.Info("connection replaced by a newer one")
		evicted.close(CloseReplaced, "replaced by a newer connection")
	}
	s.logger.Info("connection registered")
	return s
}

// Unregister removes s if it still owns its slot and closes it.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if s.identity.Observer {
		delete(h.observers, s)
	} else if h.operators[s.identity.OperatorID] == s {
		delete(h.operators, s.identity.OperatorID)
	}
	h.mu.Unlock()

	s.close(CloseNormal, "")
	s.logger.Info("connection unregistered")
}

// Connected reports whether operatorID has a live connection.
func (h *Hub) Connected(operatorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.operators[operatorID]
	return ok
}

// ConnectedOperators returns the ids of operators with a live connection.
func (h *Hub) ConnectedOperators() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.operators))
	for id := range h.operators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NotifyOperator delivers ev to one operator.
func (h *Hub) NotifyOperator(operatorID string, ev Event) error {
	h.mu.RLock()
	s, ok := h.operators[operatorID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return s.Send(ev)
}

// BroadcastOperators delivers ev to every matching operator and returns how
// many accepted it. A slow recipient never delays the others.
func (h *Hub) BroadcastOperators(ev Event, opts ...BroadcastOption) int {
	var f broadcastFilter
	for _, opt := range opts {
		opt(&f)
	}

	data, err := EncodeEvent(ev)
	if err != nil {
		h.logger.Error("encoding broadcast", "type", ev.EventType(), "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.operators))
	for id, s := range h.operators {
		if slices.Contains(f.exclude, id) {
			continue
		}
		if f.scoped && !s.identity.InSector(f.sector) {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(data) == nil {
			delivered++
		}
	}
	return delivered
}

// BroadcastObservers delivers ev to every observer connection.
func (h *Hub) BroadcastObservers(ev Event) int {
	data, err := EncodeEvent(ev)
	if err != nil {
		h.logger.Error("encoding observer broadcast", "type", ev.EventType(), "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.observers))
	for s := range h.observers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(data) == nil {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll delivers ev to operators and observers alike.
func (h *Hub) BroadcastAll(ev Event) int {
	return h.BroadcastOperators(ev) + h.BroadcastObservers(ev)
}

// Dispatch decodes one inbound frame and hands it to the handler. Malformed
// frames are answered with an error event and otherwise ignored.
func (h *Hub) Dispatch(ctx context.Context, s *Session, data []byte) {
	req, reqType, err := DecodeRequest(data)
	if err != nil {
		s.logger.Debug("rejecting request", "type", reqType, "error", err)
		_ = s.Send(ErrorEvent{Reason: "invalid_request", Message: err.Error(), RequestType: reqType})
		return
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		_ = s.Send(ErrorEvent{Reason: "internal_error", Message: "no request handler", RequestType: reqType})
		return
	}
	handler.HandleRequest(ctx, s, req)
}

// Close ends every session and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.operators)+len(h.observers))
	for _, s := range h.operators {
		sessions = append(sessions, s)
	}
	for s := range h.observers {
		sessions = append(sessions, s)
	}
	h.operators = make(map[string]*Session)
	h.observers = make(map[*Session]struct{})
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(CloseGoingAway, "server shutting down")
	}
}
