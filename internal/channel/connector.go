// ABOUTME: Connector owns the channel connection lifecycle for one session
// ABOUTME: Drives the status state machine, reconnect policy, pause flag and paced sends

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

const (
	defaultEventBuffer = 256
	persistTimeout     = 5 * time.Second
	revokeTimeout      = 10 * time.Second
)

// anyGen applies an update regardless of which transport is current.
const anyGen uint64 = 0

// SessionStore persists the connector's visible state.
type SessionStore interface {
	SaveChannelSession(ctx context.Context, cs *store.ChannelSession) error
	GetChannelSession(ctx context.Context, sessionID string) (*store.ChannelSession, error)
}

// CredentialStore clears a session's stored credentials.
type CredentialStore interface {
	Clear(ctx context.Context, sessionID string) error
}

// Config tunes a Connector.
type Config struct {
	SessionID      string
	ReconnectDelay time.Duration
	RestartDelay   time.Duration
	SendRate       float64 // messages per second, <= 0 means unlimited
	SendBurst      int
	EventBuffer    int
}

// Connector keeps at most one live transport for its session. Status
// transitions are persisted and emitted on Events, which must be drained.
type Connector struct {
	cfg      Config
	factory  TransportFactory
	sessions SessionStore
	creds    CredentialStore
	logger   *slog.Logger
	limiter  *rate.Limiter
	events   chan Event
	connects singleflight.Group

	// emitMu keeps status events in the order of the transitions that
	// produced them.
	emitMu sync.Mutex

	mu        sync.Mutex
	snap      Snapshot
	gen       uint64
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
	timer     *time.Timer
	baseCtx   context.Context
	started   bool
	stopped   bool
	attempts  int
}

// NewConnector creates a connector. Nothing connects until Start.
func NewConnector(cfg Config, factory TransportFactory, sessions SessionStore, creds CredentialStore, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Connector{
		cfg:      cfg,
		factory:  factory,
		sessions: sessions,
		creds:    creds,
		logger:   logger.With("component", "channel", "session", cfg.SessionID),
		limiter:  rate.NewLimiter(limit, burst),
		events:   make(chan Event, cfg.EventBuffer),
		snap:     Snapshot{SessionID: cfg.SessionID, Status: StatusDisconnected},
	}
}

// Events delivers status changes, login payloads, inbound messages and read
// receipts. A full channel blocks the transport until it is drained.
func (c *Connector) Events() <-chan Event {
	return c.events
}

// Start restores the persisted pause flag and begins connecting. ctx bounds
// the lifetime of every transport the connector runs.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("connector already started")
	}
	c.started = true
	c.baseCtx = ctx
	c.mu.Unlock()

	prev, err := c.sessions.GetChannelSession(ctx, c.cfg.SessionID)
	switch {
	case err == nil:
		c.mu.Lock()
		c.snap.Paused = prev.Paused
		c.mu.Unlock()
		if prev.Paused {
			c.logger.Info("channel restored in paused state")
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("loading channel session: %w", err)
	}

	return c.Connect(ctx)
}

// Stop tears down the transport and cancels any pending reconnect.
func (c *Connector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.stopTimerLocked()
	c.gen++
	cancel, done := c.detachLocked()
	c.mu.Unlock()

	_ = waitTeardown(context.Background(), cancel, done)
	c.logger.Info("connector stopped")
}

// Connect opens a new transport, tearing down any existing one first.
// Concurrent calls share one attempt.
func (c *Connector) Connect(ctx context.Context) error {
	_, err, _ := c.connects.Do(c.cfg.SessionID, func() (any, error) {
		return nil, c.connect(ctx)
	})
	return err
}

func (c *Connector) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if !c.started {
		c.mu.Unlock()
		return errors.New("connector not started")
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.attempts++
	attempt := c.attempts
	prevCancel, prevDone := c.detachLocked()
	base := c.baseCtx
	c.mu.Unlock()

	if err := waitTeardown(ctx, prevCancel, prevDone); err != nil {
		return fmt.Errorf("tearing down previous transport: %w", err)
	}

	t := c.factory()
	runCtx, cancel := context.WithCancel(base)
	done := make(chan struct{})

	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.transport, c.cancel, c.done = t, cancel, done
	c.mu.Unlock()

	c.logger.Info("connecting channel", "attempt", attempt)
	go c.run(runCtx, gen, t, done)
	return nil
}

func (c *Connector) run(ctx context.Context, gen uint64, t Transport, done chan struct{}) {
	defer close(done)

	err := t.Run(ctx, &sink{c: c, gen: gen, ctx: ctx})
	if ctx.Err() != nil {
		return
	}
	c.handleDrop(gen, t, err)
}

func (c *Connector) handleDrop(gen uint64, t Transport, err error) {
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.transport, c.cancel, c.done = nil, nil, nil
	ctx := c.baseCtx
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	class := Classify(err)
	reason := dropReason(err)
	c.logger.Warn("channel transport dropped", "class", class.String(), "reason", reason)

	switch class {
	case DropRetryable:
		c.update(ctx, gen, func(s *Snapshot) {
			s.Status = StatusDisconnected
			s.Reason = reason
		})
		c.scheduleReconnect(gen, c.cfg.ReconnectDelay)

	case DropRestartRequired:
		c.update(ctx, gen, func(s *Snapshot) {
			s.Status = StatusDisconnected
			s.Reason = reason
			s.Address = ""
		})
		if err := c.purge(ctx, t); err != nil {
			c.logger.Error("purging corrupt session", "error", err)
		}
		c.scheduleReconnect(gen, c.cfg.RestartDelay)

	case DropTerminal:
		if errors.Is(err, ErrLoggedOut) {
			if err := c.purge(ctx, t); err != nil {
				c.logger.Error("purging logged out session", "error", err)
			}
		}
		c.update(ctx, gen, func(s *Snapshot) {
			s.Status = StatusAuthFailure
			s.Reason = reason
		})

	case DropFatal:
		c.update(ctx, gen, func(s *Snapshot) {
			s.Status = StatusFatalError
			s.Reason = reason
		})
	}
}

func dropReason(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// scheduleReconnect arms the single reconnect timer unless one is pending or
// the drop belongs to a superseded transport.
func (c *Connector) scheduleReconnect(gen uint64, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.gen != gen || c.timer != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.timer != timer {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		ctx := c.baseCtx
		c.mu.Unlock()

		if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrStopped) {
			c.logger.Error("reconnect failed", "error", err)
		}
	})
	c.timer = timer
	c.logger.Info("reconnect scheduled", "delay", delay)
}

func (c *Connector) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connector) detachLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := c.cancel, c.done
	c.transport, c.cancel, c.done = nil, nil, nil
	return cancel, done
}

func waitTeardown(ctx context.Context, cancel context.CancelFunc, done chan struct{}) error {
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart clears a terminal state and reconnects.
func (c *Connector) Restart(ctx context.Context) error {
	c.update(ctx, anyGen, func(s *Snapshot) {
		s.Status = StatusDisconnected
		s.Reason = "restart requested"
	})
	return c.Connect(ctx)
}

// DisconnectAndPurge revokes and tears down the transport, clears every
// stored credential for the session and resets the visible state. The
// connector stays disconnected until Restart.
func (c *Connector) DisconnectAndPurge(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.stopTimerLocked()
	c.gen++
	t := c.transport
	cancel, done := c.detachLocked()
	c.mu.Unlock()

	if r, ok := t.(Revoker); ok {
		rctx, rcancel := context.WithTimeout(ctx, revokeTimeout)
		if err := r.Logout(rctx); err != nil {
			c.logger.Warn("remote logout failed, purging anyway", "error", err)
		}
		rcancel()
	}
	if err := waitTeardown(ctx, cancel, done); err != nil {
		return fmt.Errorf("tearing down transport: %w", err)
	}
	if err := c.purge(ctx, t); err != nil {
		return err
	}

	c.update(ctx, anyGen, func(s *Snapshot) {
		*s = Snapshot{
			SessionID: s.SessionID,
			Status:    StatusDisconnected,
			Reason:    "logged out",
			Paused:    s.Paused,
		}
	})
	return nil
}

func (c *Connector) purge(ctx context.Context, t Transport) error {
	if t == nil {
		t = c.factory()
	}
	if p, ok := t.(Purger); ok {
		if err := p.Purge(ctx); err != nil {
			return fmt.Errorf("purging transport state: %w", err)
		}
	}
	if err := c.creds.Clear(ctx, c.cfg.SessionID); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	c.logger.Info("channel session purged")
	return nil
}

// CompleteLogin hands an out-of-band login token to the running transport.
func (c *Connector) CompleteLogin(ctx context.Context, token string) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	lc, ok := t.(LoginCompleter)
	if !ok {
		return ErrNoLoginPending
	}
	return lc.CompleteLogin(ctx, token)
}

// Pause stops sends and automated replies without touching the transport.
func (c *Connector) Pause() { c.setPaused(true) }

// Resume undoes Pause.
func (c *Connector) Resume() { c.setPaused(false) }

func (c *Connector) setPaused(paused bool) {
	c.update(c.context(), anyGen, func(s *Snapshot) { s.Paused = paused })
	c.logger.Info("channel pause toggled", "paused", paused)
}

// Paused reports the pause flag.
func (c *Connector) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Paused
}

// Status returns the current snapshot.
func (c *Connector) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Attempts returns how many connect attempts have started.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Send transmits msg, waiting for a send slot. It fails with
// ErrTransportUnavailable unless the channel is connected and not paused.
func (c *Connector) Send(ctx context.Context, msg OutboundMessage) (DeliveryReceipt, error) {
	t, err := c.ready()
	if err != nil {
		return DeliveryReceipt{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return DeliveryReceipt{}, fmt.Errorf("waiting for send slot: %w", err)
	}
	receipt, err := t.Send(ctx, msg)
	if err != nil {
		return DeliveryReceipt{}, fmt.Errorf("sending to %s: %w", msg.To, err)
	}
	return receipt, nil
}

// SetTyping toggles the typing indicator towards a client.
func (c *Connector) SetTyping(ctx context.Context, to string, typing bool) error {
	t, err := c.ready()
	if err != nil {
		return err
	}
	return t.SetTyping(ctx, to, typing)
}

func (c *Connector) ready() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.Paused {
		return nil, fmt.Errorf("%w: paused", ErrTransportUnavailable)
	}
	if c.snap.Status != StatusConnected || c.transport == nil {
		return nil, fmt.Errorf("%w: status %s", ErrTransportUnavailable, c.snap.Status)
	}
	return c.transport, nil
}

func (c *Connector) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

// update applies mutate if gen is still current, then persists and emits the
// new state followed by any extra events.
func (c *Connector) update(ctx context.Context, gen uint64, mutate func(*Snapshot), extra ...Event) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if gen != anyGen && gen != c.gen {
		c.mu.Unlock()
		return false
	}
	prev := c.snap
	mutate(&c.snap)
	snap := c.snap
	c.mu.Unlock()

	if snap.Status != prev.Status {
		c.logger.Info("channel status changed", "from", prev.Status, "to", snap.Status, "reason", snap.Reason)
	}
	c.persist(snap)

	c.emit(ctx, StatusEvent{Snapshot: snap})
	for _, ev := range extra {
		c.emit(ctx, ev)
	}
	return true
}

func (c *Connector) persist(snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := c.sessions.SaveChannelSession(ctx, &store.ChannelSession{
		SessionID:       snap.SessionID,
		Status:          string(snap.Status),
		ExternalAddress: snap.Address,
		Reason:          snap.Reason,
		LastQR:          snap.LastQR,
		Paused:          snap.Paused,
	})
	if err != nil {
		c.logger.Error("persisting channel session", "error", err)
	}
}

func (c *Connector) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connector) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.stopped
}

// sink binds transport callbacks to the generation that started them.
type sink struct {
	c   *Connector
	gen uint64
	ctx context.Context
}

func (s *sink) QR(payload string) {
	s.c.update(s.ctx, s.gen, func(snap *Snapshot) {
		snap.Status = StatusQRPending
		snap.LastQR = payload
		snap.Reason = ""
	}, QREvent{Payload: payload})
}

func (s *sink) Authenticated(address string) {
	s.c.update(s.ctx, s.gen, func(snap *Snapshot) {
		snap.Status = StatusAuthenticated
		snap.Address = address
		snap.LastQR = ""
		snap.Reason = ""
	})
}

func (s *sink) Connected(address string) {
	ok := s.c.update(s.ctx, s.gen, func(snap *Snapshot) {
		snap.Status = StatusConnected
		snap.Address = address
		snap.LastQR = ""
		snap.Reason = ""
	})
	if !ok {
		return
	}
	s.c.mu.Lock()
	if s.c.gen == s.gen {
		s.c.stopTimerLocked()
	}
	s.c.mu.Unlock()
}

func (s *sink) Message(msg InboundMessage) {
	if s.c.current(s.gen) {
		s.c.emit(s.ctx, MessageEvent{Message: msg})
	}
}

func (s *sink) ReadReceipt(r ReadReceipt) {
	if s.c.current(s.gen) {
		s.c.emit(s.ctx, ReceiptEvent{Receipt: r})
	}
}
