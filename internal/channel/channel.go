// ABOUTME: Shared types for the external messaging channel: statuses, events, messages
// ABOUTME: Declares the Transport contract drivers implement and the drop classification errors

package channel

import (
	"context"
	"errors"
	"time"
)

// Status is the channel connection state.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusQRPending     Status = "qr_pending"
	StatusAuthenticated Status = "authenticated"
	StatusConnected     Status = "connected"
	StatusAuthFailure   Status = "auth_failure"
	StatusFatalError    Status = "fatal_error"
)

// Terminal reports whether automatic reconnection has stopped.
func (s Status) Terminal() bool {
	return s == StatusAuthFailure || s == StatusFatalError
}

var (
	// ErrTransportUnavailable is returned by Send when the channel is not
	// connected or is paused.
	ErrTransportUnavailable = errors.New("channel transport unavailable")

	// ErrLoggedOut means the remote side revoked the session.
	ErrLoggedOut = errors.New("channel session logged out")
	// ErrReplaced means the session was taken over by another device.
	ErrReplaced = errors.New("channel session replaced elsewhere")
	// ErrSessionCorrupt means persisted session state cannot be used and must
	// be purged before reconnecting.
	ErrSessionCorrupt = errors.New("channel session state corrupt")
	// ErrFatal stops the connector until an explicit restart.
	ErrFatal = errors.New("channel fatal error")

	// ErrNoLoginPending is returned when a login token arrives while no
	// interactive login is waiting for one.
	ErrNoLoginPending = errors.New("no interactive login pending")
	// ErrStopped is returned by operations on a stopped connector.
	ErrStopped = errors.New("connector stopped")
)

// DropClass is how the connector reacts to a transport ending.
type DropClass int

const (
	DropRetryable DropClass = iota
	DropRestartRequired
	DropTerminal
	DropFatal
)

func (c DropClass) String() string {
	switch c {
	case DropRestartRequired:
		return "restart_required"
	case DropTerminal:
		return "terminal"
	case DropFatal:
		return "fatal"
	default:
		return "retryable"
	}
}

// Classify maps a transport's exit error to a reconnect policy. Anything not
// recognized, including a clean return, is retryable.
func Classify(err error) DropClass {
	switch {
	case errors.Is(err, ErrLoggedOut), errors.Is(err, ErrReplaced):
		return DropTerminal
	case errors.Is(err, ErrSessionCorrupt):
		return DropRestartRequired
	case errors.Is(err, ErrFatal):
		return DropFatal
	default:
		return DropRetryable
	}
}

// InboundMessage is a message received from a client.
type InboundMessage struct {
	ID         string // channel-assigned, stable across redeliveries
	From       string // client address replies are sent to
	SenderID   string
	SenderName string
	AvatarURL  string
	Text       string
	MediaRef   string
	Timestamp  time.Time
}

// ReadReceipt reports that a client has read everything up to a point in time.
type ReadReceipt struct {
	From string
	UpTo time.Time
}

// Attachment is binary media sent alongside or instead of text.
type Attachment struct {
	Data        []byte
	ContentType string
	FileName    string
}

// OutboundMessage is a message to a client.
type OutboundMessage struct {
	To    string
	Text  string
	Media *Attachment
}

// DeliveryReceipt acknowledges that the channel accepted a message.
type DeliveryReceipt struct {
	MessageID string
	At        time.Time
}

// Snapshot is the connector's externally visible state.
type Snapshot struct {
	SessionID string
	Status    Status
	Address   string
	Reason    string
	LastQR    string
	Paused    bool
}

// Event is emitted on the connector's event channel. The set of
// implementations is closed.
type Event interface{ channelEvent() }

// StatusEvent follows every state transition.
type StatusEvent struct{ Snapshot }

// QREvent carries a fresh interactive login payload.
type QREvent struct{ Payload string }

// MessageEvent carries one inbound message.
type MessageEvent struct{ Message InboundMessage }

// ReceiptEvent carries one read receipt.
type ReceiptEvent struct{ Receipt ReadReceipt }

func (StatusEvent) channelEvent()  {}
func (QREvent) channelEvent()      {}
func (MessageEvent) channelEvent() {}
func (ReceiptEvent) channelEvent() {}

// Sink receives what a running transport observes. Calls from a transport
// that has since been replaced are ignored.
type Sink interface {
	QR(payload string)
	Authenticated(address string)
	Connected(address string)
	Message(msg InboundMessage)
	ReadReceipt(r ReadReceipt)
}

// Transport is one connection attempt to the messaging network. A fresh
// Transport is created for every connect.
type Transport interface {
	// Run authenticates and then listens until ctx ends or the connection
	// drops, returning the drop reason.
	Run(ctx context.Context, sink Sink) error
	Send(ctx context.Context, msg OutboundMessage) (DeliveryReceipt, error)
	SetTyping(ctx context.Context, to string, typing bool) error
}

// Purger is implemented by transports that keep session state outside the
// AuthStore.
type Purger interface {
	Purge(ctx context.Context) error
}

// LoginCompleter is implemented by transports whose interactive login is
// finished by a token delivered out of band.
type LoginCompleter interface {
	CompleteLogin(ctx context.Context, token string) error
}

// Revoker is implemented by transports that can revoke their session
// remotely before it is purged.
type Revoker interface {
	Logout(ctx context.Context) error
}

// TransportFactory builds the transport for one connect attempt.
type TransportFactory func() Transport
