// ABOUTME: Server-to-operator event types for the realtime hub
// ABOUTME: Each event has a fixed payload shape and is framed as {"type", "payload"} JSON

package hub

import (
	"encoding/json"
	"fmt"
)

// Event type names as they appear on the wire.
const (
	TypeStatusUpdate        = "status_update"
	TypeQRCode              = "qr_code"
	TypeChatListResponse    = "chat_list_response"
	TypeChatHistoryResponse = "chat_history_response"
	TypeTakeChatResponse    = "take_chat_response"
	TypeEndChatResponse     = "end_chat_response"
	TypeChatTakenUpdate     = "chat_taken_update"
	TypeChatClosedUpdate    = "chat_closed_update"
	TypePendingConversation = "pending_conversation"
	TypeNewMessage          = "new_message"
	TypeMessageSentAck      = "message_sent_ack"
	TypeTransferResponse    = "transfer_response"
	TypeError               = "error"
)

// Event is a server-to-client message. The set of implementations is closed.
type Event interface {
	EventType() string
	event()
}

// Frame is the JSON envelope for every message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeEvent frames ev for the wire.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.EventType(), err)
	}
	return json.Marshal(Frame{Type: ev.EventType(), Payload: payload})
}

// ActionOutcome is embedded in every acknowledgement.
type ActionOutcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type StatusUpdate struct {
	Status  string `json:"status"`
	Address string `json:"address,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Paused  bool   `json:"paused"`
}

type QRCode struct {
	Payload string `json:"qr"`
}

type ChatListResponse struct {
	TabType       string             `json:"tabType"`
	Conversations []ConversationView `json:"conversations"`
}

type ChatHistoryResponse struct {
	ConversationID string        `json:"conversationId"`
	Messages       []MessageView `json:"messages"`
	Limit          int           `json:"limit"`
	Offset         int           `json:"offset"`
}

type TakeChatResponse struct {
	ActionOutcome
	ConversationID string            `json:"conversationId"`
	Conversation   *ConversationView `json:"conversation,omitempty"`
}

type EndChatResponse struct {
	ActionOutcome
	ConversationID string `json:"conversationId"`
}

type ChatTakenUpdate struct {
	ConversationID string            `json:"conversationId"`
	OperatorID     string            `json:"operatorId"`
	Conversation   *ConversationView `json:"conversation,omitempty"`
}

type ChatClosedUpdate struct {
	ConversationID string `json:"conversationId"`
	OperatorID     string `json:"operatorId"`
}

type PendingConversation struct {
	Conversation ConversationView `json:"conversation"`
}

type NewMessage struct {
	ConversationID string      `json:"conversationId"`
	Message        MessageView `json:"message"`
}

type MessageSentAck struct {
	ActionOutcome
	ConversationID  string       `json:"conversationId"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
	Delivered       bool         `json:"delivered"`
	Sent            *MessageView `json:"sent,omitempty"`
}

type TransferResponse struct {
	ActionOutcome
	ConversationID string            `json:"conversationId"`
	Conversation   *ConversationView `json:"conversation,omitempty"`
}

// ErrorEvent reports a request the server could not act on at all.
type ErrorEvent struct {
	Reason      string `json:"reason"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

func (StatusUpdate) EventType() string        { return TypeStatusUpdate }
func (QRCode) EventType() string              { return TypeQRCode }
func (ChatListResponse) EventType() string    { return TypeChatListResponse }
func (ChatHistoryResponse) EventType() string { return TypeChatHistoryResponse }
func (TakeChatResponse) EventType() string    { return TypeTakeChatResponse }
func (EndChatResponse) EventType() string     { return TypeEndChatResponse }
func (ChatTakenUpdate) EventType() string     { return TypeChatTakenUpdate }
func (ChatClosedUpdate) EventType() string    { return TypeChatClosedUpdate }
func (PendingConversation) EventType() string { return TypePendingConversation }
func (NewMessage) EventType() string          { return TypeNewMessage }
func (MessageSentAck) EventType() string      { return TypeMessageSentAck }
func (TransferResponse) EventType() string    { return TypeTransferResponse }
func (ErrorEvent) EventType() string          { return TypeError }

func (StatusUpdate) event()        {}
func (QRCode) event()              {}
func (ChatListResponse) event()    {}
func (ChatHistoryResponse) event() {}
func (TakeChatResponse) event()    {}
func (EndChatResponse) event()     {}
func (ChatTakenUpdate) event()     {}
func (ChatClosedUpdate) event()    {}
func (PendingConversation) event() {}
func (NewMessage) event()          {}
func (MessageSentAck) event()      {}
func (TransferResponse) event()    {}
func (ErrorEvent) event()          {}
