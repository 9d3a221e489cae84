// ABOUTME: JSON views of conversations and messages sent to operator clients
// ABOUTME: Built from store records so the wire shape stays independent of the schema

package hub

import (
	"time"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

type ConversationView struct {
	ID                 string         `json:"id"`
	ClientID           string         `json:"clientId"`
	ClientAddress      string         `json:"clientAddress,omitempty"`
	ClientName         string         `json:"clientName,omitempty"`
	ClientAvatar       string         `json:"clientAvatar,omitempty"`
	Status             string         `json:"status"`
	AssignedOperatorID *string        `json:"assignedOperatorId"`
	Sector             *string        `json:"sector"`
	UnreadCount        int            `json:"unreadCount"`
	CreatedAt          time.Time      `json:"createdAt"`
	LastMessageAt      time.Time      `json:"lastMessageAt"`
	ClosedAt           *time.Time     `json:"closedAt,omitempty"`
	LastMessage        *MessageView   `json:"lastMessage,omitempty"`
	TransferHistory    []TransferView `json:"transferHistory,omitempty"`
}

type MessageView struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	ExternalMessageID string    `json:"externalMessageId,omitempty"`
	SenderType        string    `json:"senderType"`
	SenderID          string    `json:"senderId,omitempty"`
	Content           string    `json:"content"`
	MediaRef          string    `json:"media,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	ReadByOperator    bool      `json:"readByOperator"`
	ReadByClient      bool      `json:"readByClient"`
}

type TransferView struct {
	Kind           string    `json:"kind"`
	FromOperatorID string    `json:"fromOperatorId,omitempty"`
	ToOperatorID   string    `json:"toOperatorId,omitempty"`
	ToSector       string    `json:"toSector,omitempty"`
	At             time.Time `json:"at"`
}

// NewConversationView flattens a conversation with its optional client and
// latest message.
func NewConversationView(conv *store.Conversation, client *store.Client, last *store.Message) ConversationView {
	v := ConversationView{
		ID:                 conv.ID,
		ClientID:           conv.ClientID,
		Status:             string(conv.Status),
		AssignedOperatorID: optional(conv.AssignedOperatorID),
		Sector:             optional(conv.Sector),
		UnreadCount:        conv.UnreadCount,
		CreatedAt:          conv.CreatedAt,
		LastMessageAt:      conv.LastMessageAt,
		ClosedAt:           conv.ClosedAt,
	}
	if client != nil {
		v.ClientAddress = client.ExternalID
		v.ClientName = client.DisplayName
		v.ClientAvatar = client.AvatarURL
	}
	if last != nil {
		m := NewMessageView(last)
		v.LastMessage = &m
	}
	for _, t := range conv.TransferHistory {
		v.TransferHistory = append(v.TransferHistory, TransferView{
			Kind:           string(t.Kind),
			FromOperatorID: t.FromOperatorID,
			ToOperatorID:   t.ToOperatorID,
			ToSector:       t.ToSector,
			At:             t.CreatedAt,
		})
	}
	return v
}

// NewSummaryView is NewConversationView for list rows.
func NewSummaryView(s *store.ConversationSummary) ConversationView {
	return NewConversationView(s.Conversation, s.Client, s.LastMessage)
}

func NewMessageView(m *store.Message) MessageView {
	return MessageView{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		ExternalMessageID: m.ExternalMessageID,
		SenderType:        string(m.SenderType),
		SenderID:          m.SenderID,
		Content:           m.Content,
		MediaRef:          m.MediaRef,
		Timestamp:         m.Timestamp,
		ReadByOperator:    m.ReadByOperator,
		ReadByClient:      m.ReadByClient,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
