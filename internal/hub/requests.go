// ABOUTME: Operator-to-server request types and their boundary validation
// ABOUTME: Frames are decoded into a closed set of typed requests or rejected

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request type names as they appear on the wire.
const (
	TypeRequestInitialStatus = "request_initial_status"
	TypeSendChatMessage      = "send_chat_message"
	TypeRequestChatList      = "request_chat_list"
	TypeRequestChatHistory   = "request_chat_history"
	TypeTakeChat             = "take_chat"
	TypeEndChat              = "end_chat"
	TypeMarkMessagesAsRead   = "mark_messages_as_read"
	TypeTransferToSector     = "transfer_to_sector"
	TypeTransferToOperator   = "transfer_to_operator"
)

// Chat list tabs.
const (
	TabPending = "pending"
	TabActive  = "active"
	TabClosed  = "closed"
)

// ErrInvalidRequest wraps every decoding or validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Request is a decoded operator request. The set of implementations is closed.
type Request interface {
	RequestType() string
	validate() error
}

type RequestInitialStatus struct{}

type SendChatMessage struct {
	ConversationID  string `json:"conversationId"`
	To              string `json:"to,omitempty"`
	Text            string `json:"text,omitempty"`
	Media           string `json:"media,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type RequestChatList struct {
	TabType string `json:"tabType"`
}

type RequestChatHistory struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

type TakeChat struct {
	ConversationID string `json:"conversationId"`
}

type EndChat struct {
	ConversationID string `json:"conversationId"`
}

type MarkMessagesAsRead struct {
	ConversationID string `json:"conversationId"`
}

type TransferToSector struct {
	ConversationID string `json:"conversationId"`
	Sector         string `json:"sector"`
}

type TransferToOperator struct {
	ConversationID   string `json:"conversationId"`
	TargetOperatorID string `json:"targetOperatorId"`
}

func (RequestInitialStatus) RequestType() string { return TypeRequestInitialStatus }
func (SendChatMessage) RequestType() string      { return TypeSendChatMessage }
func (RequestChatList) RequestType() string      { return TypeRequestChatList }
func (RequestChatHistory) RequestType() string   { return TypeRequestChatHistory }
func (TakeChat) RequestType() string             { return TypeTakeChat }
func (EndChat) RequestType() string              { return TypeEndChat }
func (MarkMessagesAsRead) RequestType() string   { return TypeMarkMessagesAsRead }
func (TransferToSector) RequestType() string     { return TypeTransferToSector }
func (TransferToOperator) RequestType() string   { return TypeTransferToOperator }

func (RequestInitialStatus) validate() error { return nil }

func (r SendChatMessage) validate() error {
	if r.ConversationID == "" {
		return missing("conversationId")
	}
	if r.Text == "" && r.Media == "" {
		return fmt.Errorf("%w: text or media is required", ErrInvalidRequest)
	}
	return nil
}

func (r RequestChatList) validate() error {
	switch r.TabType {
	case TabPending, TabActive, TabClosed:
		return nil
	}
	return fmt.Errorf("%w: unknown tabType %q", ErrInvalidRequest, r.TabType)
}

func (r RequestChatHistory) validate() error {
	if r.ConversationID == "" {
		return missing("conversationId")
	}
	if r.Limit < 0 || r.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidRequest)
	}
	return nil
}

func (r TakeChat) validate() error           { return requireConversation(r.ConversationID) }
func (r EndChat) validate() error            { return requireConversation(r.ConversationID) }
func (r MarkMessagesAsRead) validate() error { return requireConversation(r.ConversationID) }

func (r TransferToSector) validate() error {
	if err := requireConversation(r.ConversationID); err != nil {
		return err
	}
	if r.Sector == "" {
		return missing("sector")
	}
	return nil
}

func (r TransferToOperator) validate() error {
	if err := requireConversation(r.ConversationID); err != nil {
		return err
	}
	if r.TargetOperatorID == "" {
		return missing("targetOperatorId")
	}
	return nil
}

func requireConversation(id string) error {
	if id == "" {
		return missing("conversationId")
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
}

// DecodeRequest parses and validates one inbound frame. The returned type
// name is set whenever the envelope itself parsed, even if the payload did not.
func DecodeRequest(data []byte) (Request, string, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("%w: malformed frame: %v", ErrInvalidRequest, err)
	}

	var req Request
	switch f.Type {
	case TypeRequestInitialStatus:
		req = &RequestInitialStatus{}
	case TypeSendChatMessage:
		req = &SendChatMessage{}
	case TypeRequestChatList:
		req = &RequestChatList{}
	case TypeRequestChatHistory:
		req = &RequestChatHistory{}
	case TypeTakeChat:
		req = &TakeChat{}
	case TypeEndChat:
		req = &EndChat{}
	case TypeMarkMessagesAsRead:
		req = &MarkMessagesAsRead{}
	case TypeTransferToSector:
		req = &TransferToSector{}
	case TypeTransferToOperator:
		req = &TransferToOperator{}
	case "":
		return nil, "", fmt.Errorf("%w: missing type", ErrInvalidRequest)
	default:
		return nil, f.Type, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, f.Type)
	}

	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, req); err != nil {
			return nil, f.Type, fmt.Errorf("%w: %s payload: %v", ErrInvalidRequest, f.Type, err)
		}
	}
	if err := req.validate(); err != nil {
		return nil, f.Type, err
	}
	return deref(req), f.Type, nil
}

// deref hands out value types so handlers switch on plain structs.
func deref(req Request) Request {
	switch r := req.(type) {
	case *RequestInitialStatus:
		return *r
	case *SendChatMessage:
		return *r
	case *RequestChatList:
		return *r
	case *RequestChatHistory:
		return *r
	case *TakeChat:
		return *r
	case *EndChat:
		return *r
	case *MarkMessagesAsRead:
		return *r
	case *TransferToSector:
		return *r
	case *TransferToOperator:
		return *r
	}
	return req
}
