// ABOUTME: Hub request handling: maps operator requests onto router queries and actions
// ABOUTME: Observers may read status, lists and history but never change a conversation

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

// HandleRequest implements hub.Handler.
func (r *Router) HandleRequest(ctx context.Context, s *hub.Session, req hub.Request) {
	id := s.Identity()

	if id.Observer && mutates(req) {
		r.reply(s, hub.ErrorEvent{
			Reason:      ReasonForbidden,
			Message:     "observers cannot change conversations",
			RequestType: req.RequestType(),
		})
		return
	}

	switch req := req.(type) {
	case hub.RequestInitialStatus:
		r.sendInitialStatus(s)

	case hub.RequestChatList:
		convs, err := r.ListChats(ctx, id, req.TabType)
		if err != nil {
			r.logger.Error("listing chats", "tab", req.TabType, "operator_id", id.OperatorID, "error", err)
			r.replyError(s, req, ReasonInternal, "could not load conversations")
			return
		}
		views := make([]hub.ConversationView, 0, len(convs))
		for _, c := range convs {
			views = append(views, hub.NewSummaryView(c))
		}
		r.reply(s, hub.ChatListResponse{TabType: req.TabType, Conversations: views})

	case hub.RequestChatHistory:
		msgs, limit, err := r.History(ctx, req.ConversationID, req.Limit, req.Offset)
		if errors.Is(err, store.ErrNotFound) {
			r.replyError(s, req, ReasonNotFound, fmt.Sprintf("conversation %s does not exist", req.ConversationID))
			return
		}
		if err != nil {
			r.logger.Error("loading history", "conversation_id", req.ConversationID, "error", err)
			r.replyError(s, req, ReasonInternal, "could not load history")
			return
		}
		views := make([]hub.MessageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, hub.NewMessageView(m))
		}
		r.reply(s, hub.ChatHistoryResponse{
			ConversationID: req.ConversationID,
			Messages:       views,
			Limit:          limit,
			Offset:         req.Offset,
		})

	case hub.TakeChat:
		res := r.TakeChat(ctx, req.ConversationID, id.OperatorID)
		r.reply(s, hub.TakeChatResponse{
			ActionOutcome:  res.Outcome(),
			ConversationID: req.ConversationID,
			Conversation:   r.viewOf(ctx, res),
		})

	case hub.EndChat:
		res := r.EndChat(ctx, req.ConversationID, id.OperatorID)
		r.reply(s, hub.EndChatResponse{ActionOutcome: res.Outcome(), ConversationID: req.ConversationID})

	case hub.SendChatMessage:
		res := r.SendMessage(ctx, id.OperatorID, SendRequest{
			ConversationID: req.ConversationID,
			Text:           req.Text,
			Media:          req.Media,
		})
		ack := hub.MessageSentAck{
			ActionOutcome:   res.Outcome(),
			ConversationID:  req.ConversationID,
			ClientMessageID: req.ClientMessageID,
			Delivered:       res.Delivered,
		}
		if res.Sent != nil {
			v := hub.NewMessageView(res.Sent)
			ack.Sent = &v
		}
		r.reply(s, ack)

	case hub.MarkMessagesAsRead:
		res := r.MarkMessagesRead(ctx, req.ConversationID, id.OperatorID)
		if !res.Success {
			r.replyError(s, req, res.Reason, res.Message)
		}

	case hub.TransferToSector:
		res := r.TransferToSector(ctx, req.ConversationID, req.Sector, id.OperatorID)
		r.reply(s, hub.TransferResponse{
			ActionOutcome:  res.Outcome(),
			ConversationID: req.ConversationID,
			Conversation:   r.viewOf(ctx, res),
		})

	case hub.TransferToOperator:
		res := r.TransferToOperator(ctx, req.ConversationID, req.TargetOperatorID, id.OperatorID)
		r.reply(s, hub.TransferResponse{
			ActionOutcome:  res.Outcome(),
			ConversationID: req.ConversationID,
			Conversation:   r.viewOf(ctx, res),
		})

	default:
		r.replyError(s, req, ReasonInvalidRequest, "unsupported request")
	}
}

func mutates(req hub.Request) bool {
	switch req.(type) {
	case hub.RequestInitialStatus, hub.RequestChatList, hub.RequestChatHistory:
		return false
	}
	return true
}

func (r *Router) sendInitialStatus(s *hub.Session) {
	snap := r.channel.Status()
	r.reply(s, statusUpdate(snap))
	if snap.Status == channel.StatusQRPending && snap.LastQR != "" && s.Identity().Observer {
		r.reply(s, hub.QRCode{Payload: snap.LastQR})
	}
}

func (r *Router) viewOf(ctx context.Context, res ActionResult) *hub.ConversationView {
	if !res.Success || res.Conversation == nil {
		return nil
	}
	v := r.view(ctx, res.Conversation)
	return &v
}

func (r *Router) reply(s *hub.Session, ev hub.Event) {
	if err := s.Send(ev); err != nil {
		r.logger.Debug("reply dropped", "type", ev.EventType(), "error", err)
	}
}

func (r *Router) replyError(s *hub.Session, req hub.Request, reason, message string) {
	r.reply(s, hub.ErrorEvent{Reason: reason, Message: message, RequestType: req.RequestType()})
}

// ListChats returns one tab of the operator console. Operators see pending
// conversations of their sectors plus unsectored ones, and only their own
// active and closed conversations; observers see everything.
func (r *Router) ListChats(ctx context.Context, id hub.Identity, tab string) ([]*store.ConversationSummary, error) {
	var filter store.ListFilter
	switch tab {
	case hub.TabPending:
		filter.Statuses = []store.ConversationStatus{store.StatusPending}
		if !id.Observer {
			filter.Sectors = id.Sectors
			filter.IncludeUnsectored = true
		}
	case hub.TabActive:
		filter.Statuses = []store.ConversationStatus{store.StatusActive}
		if !id.Observer {
			filter.OperatorID = id.OperatorID
		}
	case hub.TabClosed:
		filter.Statuses = []store.ConversationStatus{store.StatusClosed}
		filter.Limit = closedListLimit
		if !id.Observer {
			filter.OperatorID = id.OperatorID
		}
	default:
		return nil, fmt.Errorf("unknown tab %q", tab)
	}
	return r.store.ListConversations(ctx, filter)
}

// History returns a page of a conversation's messages, oldest first, and
// the limit applied.
func (r *Router) History(ctx context.Context, conversationID string, limit, offset int) ([]*store.Message, int, error) {
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = r.cfg.HistoryLimit
	}
	msgs, err := r.store.ListMessages(ctx, conversationID, limit, offset)
	return msgs, limit, err
}
