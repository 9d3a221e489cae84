// ABOUTME: Data types and sentinel errors for notary-connect persistence
// ABOUTME: Defines Client, Conversation, Message, TransferRecord and ChannelSession records

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrPreconditionFailed is returned when a guarded write matched no row
// because the conversation was not in the required state.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrOpenConversationExists is returned when reopening a conversation would
// give its client a second open conversation.
var ErrOpenConversationExists = errors.New("client already has an open conversation")

// ErrConversationClosed is returned when a client message targets a
// conversation that has already been closed.
var ErrConversationClosed = errors.New("conversation is closed")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusPending ConversationStatus = "pending"
	StatusActive  ConversationStatus = "active"
	StatusClosed  ConversationStatus = "closed"
)

// Open reports whether the status counts as an open conversation.
func (s ConversationStatus) Open() bool {
	return s == StatusPending || s == StatusActive
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderClient   SenderType = "client"
	SenderOperator SenderType = "operator"
	SenderBot      SenderType = "bot"
	SenderSystem   SenderType = "system"
)

// TransferKind distinguishes sector and operator handoffs.
type TransferKind string

const (
	TransferToSector   TransferKind = "sector"
	TransferToOperator TransferKind = "operator"
)

// Client is an external contact reachable through the messaging channel.
type Client struct {
	ID          string
	ExternalID  string // channel address, unique
	DisplayName string
	AvatarURL   string
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// Conversation is one support session with a client.
// AssignedOperatorID and Sector are empty when unset.
type Conversation struct {
	ID                 string
	ClientID           string
	Status             ConversationStatus
	AssignedOperatorID string
	Sector             string
	UnreadCount        int
	LastMessageAt      time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ClosedAt           *time.Time
	TransferHistory    []TransferRecord
}

// TransferRecord is one append-only entry in a conversation's transfer history.
type TransferRecord struct {
	ID             string
	ConversationID string
	Kind           TransferKind
	FromOperatorID string
	ToOperatorID   string
	ToSector       string
	CreatedAt      time.Time
}

// Message is a single persisted message. Only the read flags change after insert.
type Message struct {
	ID                string
	ConversationID    string
	ExternalMessageID string // empty for locally originated messages
	SenderType        SenderType
	SenderID          string
	Content           string
	MediaRef          string
	Timestamp         time.Time
	ReadByOperator    bool
	ReadByClient      bool
}

// ConversationSummary joins a conversation with its client and latest message
// for list views.
type ConversationSummary struct {
	Conversation *Conversation
	Client       *Client
	LastMessage  *Message
}

// ListFilter selects conversations for list views. Empty fields do not filter.
type ListFilter struct {
	Statuses   []ConversationStatus
	OperatorID string
	Sectors    []string
	// IncludeUnsectored keeps conversations with no sector when Sectors is set.
	IncludeUnsectored bool
	Limit             int
}

// ChannelSession is the persisted view of the messaging channel connection.
type ChannelSession struct {
	SessionID       string
	Status          string
	ExternalAddress string
	Reason          string
	LastQR          string
	Paused          bool
	UpdatedAt       time.Time
}
