// ABOUTME: Operator actions on conversations: take, send, end, transfer and mark-read
// ABOUTME: Every action returns an ActionResult; lost races and wrong owners are results, not errors

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

// Failure reasons carried in ActionResult.Reason.
const (
	ReasonNotFound           = "not_found"
	ReasonAlreadyTaken       = "already_taken"
	ReasonNotAssigned        = "not_assigned"
	ReasonClosed             = "conversation_closed"
	ReasonChannelUnavailable = "channel_unavailable"
	ReasonInvalidRequest     = "invalid_request"
	ReasonForbidden          = "forbidden"
	ReasonUnknownOperator    = "unknown_operator"
	ReasonInternal           = "internal_error"
)

// ActionResult is the outcome of an operator action.
type ActionResult struct {
	Success bool
	Reason  string
	Message string

	Conversation *store.Conversation
}

func ok(conv *store.Conversation) ActionResult {
	return ActionResult{Success: true, Conversation: conv}
}

func fail(reason, format string, args ...any) ActionResult {
	return ActionResult{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Outcome converts the result for the wire.
func (a ActionResult) Outcome() hub.ActionOutcome {
	return hub.ActionOutcome{Success: a.Success, Reason: a.Reason, Message: a.Message}
}

// TakeChat assigns a pending conversation to operatorID. Of several
// concurrent takers exactly one succeeds.
func (r *Router) TakeChat(ctx context.Context, conversationID, operatorID string) ActionResult {
	won, err := r.store.TryAssign(ctx, conversationID, operatorID)
	if err != nil {
		return r.internal("take chat", conversationID, err)
	}
	if !won {
		res := r.explain(ctx, conversationID, operatorID, ReasonAlreadyTaken)
		r.logger.Debug("take chat rejected", "conversation_id", conversationID, "operator_id", operatorID, "reason", res.Reason)
		return res
	}

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return r.internal("take chat", conversationID, err)
	}
	r.logger.Info("conversation taken", "conversation_id", conversationID, "operator_id", operatorID)

	view := r.view(ctx, conv)
	ev := hub.ChatTakenUpdate{ConversationID: conv.ID, OperatorID: operatorID, Conversation: &view}
	r.notifier.BroadcastOperators(ev, hub.ExcludeOperator(operatorID))
	r.notifier.BroadcastObservers(ev)
	return ok(conv)
}

// SendRequest is an operator's outbound message.
type SendRequest struct {
	ConversationID string
	Text           string
	Media          string
}

// SendResult reports a send. A message can be stored yet undelivered when
// the channel is down; Success reflects storage, Delivered the channel.
type SendResult struct {
	ActionResult
	Sent      *store.Message
	Delivered bool
}

// SendMessage stores and transmits an operator message. The store checks
// at insert time that operatorID holds the active conversation.
func (r *Router) SendMessage(ctx context.Context, operatorID string, req SendRequest) SendResult {
	if strings.TrimSpace(req.Text) == "" && req.Media == "" {
		return SendResult{ActionResult: fail(ReasonInvalidRequest, "text or media is required")}
	}

	var attachment *channel.Attachment
	if req.Media != "" {
		if r.media == nil {
			return SendResult{ActionResult: fail(ReasonInvalidRequest, "media sending is not enabled")}
		}
		a, err := r.media.Resolve(ctx, req.Media)
		if err != nil {
			r.logger.Warn("resolving media", "ref", req.Media, "error", err)
			return SendResult{ActionResult: fail(ReasonInvalidRequest, "media %q is not available", req.Media)}
		}
		attachment = a
	}

	sent, err := r.store.AppendOperatorMessage(ctx, &store.Message{
		ConversationID: req.ConversationID,
		SenderID:       operatorID,
		Content:        req.Text,
		MediaRef:       req.Media,
		Timestamp:      r.now(),
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return SendResult{ActionResult: fail(ReasonNotFound, "conversation %s does not exist", req.ConversationID)}
	case errors.Is(err, store.ErrPreconditionFailed):
		return SendResult{ActionResult: r.explain(ctx, req.ConversationID, operatorID, ReasonNotAssigned)}
	case err != nil:
		return SendResult{ActionResult: r.internal("send message", req.ConversationID, err)}
	}

	conv, err := r.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return SendResult{ActionResult: r.internal("send message", req.ConversationID, err)}
	}
	r.notifier.BroadcastObservers(hub.NewMessage{ConversationID: conv.ID, Message: hub.NewMessageView(sent)})

	result := SendResult{ActionResult: ok(conv), Sent: sent}
	client, err := r.store.GetClient(ctx, conv.ClientID)
	if err != nil {
		r.logger.Error("loading client for send", "client_id", conv.ClientID, "error", err)
		result.Reason = ReasonInternal
		result.Message = "message saved but the client could not be resolved"
		return result
	}

	_, err = r.channel.Send(ctx, channel.OutboundMessage{To: client.ExternalID, Text: req.Text, Media: attachment})
	if err != nil {
		if errors.Is(err, channel.ErrTransportUnavailable) {
			r.logger.Warn("operator message not delivered, channel unavailable", "conversation_id", conv.ID, "error", err)
		} else {
			r.logger.Error("operator message not delivered", "conversation_id", conv.ID, "error", err)
		}
		result.Reason = ReasonChannelUnavailable
		result.Message = "message saved but not delivered: " + err.Error()
		return result
	}
	result.Delivered = true
	return result
}

// EndChat closes a conversation held by operatorID and sends the closing
// message when one is configured.
func (r *Router) EndChat(ctx context.Context, conversationID, operatorID string) ActionResult {
	closed, err := r.store.TryClose(ctx, conversationID, operatorID)
	if err != nil {
		return r.internal("end chat", conversationID, err)
	}
	if !closed {
		res := r.explain(ctx, conversationID, operatorID, ReasonNotAssigned)
		r.logger.Debug("end chat rejected", "conversation_id", conversationID, "operator_id", operatorID, "reason", res.Reason)
		return res
	}

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return r.internal("end chat", conversationID, err)
	}
	r.logger.Info("conversation closed", "conversation_id", conversationID, "operator_id", operatorID)

	if r.cfg.ClosingMessage != "" {
		r.sendClosingMessage(ctx, conv)
	}

	ev := hub.ChatClosedUpdate{ConversationID: conversationID, OperatorID: operatorID}
	r.notifier.BroadcastOperators(ev, hub.ExcludeOperator(operatorID))
	r.notifier.BroadcastObservers(ev)
	return ok(conv)
}

func (r *Router) sendClosingMessage(ctx context.Context, conv *store.Conversation) {
	_, _, err := r.store.AppendMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		SenderType:     store.SenderSystem,
		Content:        r.cfg.ClosingMessage,
		Timestamp:      r.now(),
	})
	if err != nil {
		r.logger.Error("persisting closing message", "conversation_id", conv.ID, "error", err)
		return
	}
	client, err := r.store.GetClient(ctx, conv.ClientID)
	if err != nil {
		r.logger.Error("loading client for closing message", "client_id", conv.ClientID, "error", err)
		return
	}
	if _, err := r.channel.Send(ctx, channel.OutboundMessage{To: client.ExternalID, Text: r.cfg.ClosingMessage}); err != nil {
		r.logger.Warn("closing message not delivered", "conversation_id", conv.ID, "error", err)
	}
}

// TransferToSector moves a conversation back to the pending queue of
// sector. A closed conversation is reopened.
func (r *Router) TransferToSector(ctx context.Context, conversationID, sector, operatorID string) ActionResult {
	sector = strings.TrimSpace(sector)
	if sector == "" {
		return fail(ReasonInvalidRequest, "sector is required")
	}
	if r.directory != nil && !r.directory.SectorExists(sector) {
		return fail(ReasonInvalidRequest, "unknown sector %q", sector)
	}

	previous := ""
	if before, err := r.store.GetConversation(ctx, conversationID); err == nil {
		previous = before.AssignedOperatorID
	}

	conv, err := r.store.TransferToSector(ctx, conversationID, sector, operatorID)
	if res, failed := r.transferFailed(conversationID, err); failed {
		return res
	}
	r.logger.Info("conversation transferred to sector", "conversation_id", conversationID, "sector", sector, "by", operatorID)

	ev := hub.PendingConversation{Conversation: r.view(ctx, conv)}
	opts := []hub.BroadcastOption{hub.InSector(sector), hub.ExcludeOperator(operatorID)}
	if previous != "" && previous != operatorID {
		// The previous holder hears about it even outside the sector.
		opts = append(opts, hub.ExcludeOperator(previous))
		_ = r.notifier.NotifyOperator(previous, ev)
	}
	r.notifier.BroadcastOperators(ev, opts...)
	r.notifier.BroadcastObservers(ev)
	return ok(conv)
}

// TransferToOperator hands a conversation directly to targetID.
func (r *Router) TransferToOperator(ctx context.Context, conversationID, targetID, operatorID string) ActionResult {
	if targetID == "" {
		return fail(ReasonInvalidRequest, "target operator is required")
	}
	if r.directory != nil && !r.directory.OperatorExists(targetID) {
		return fail(ReasonUnknownOperator, "operator %q does not exist", targetID)
	}

	conv, err := r.store.TransferToOperator(ctx, conversationID, targetID, operatorID)
	if res, failed := r.transferFailed(conversationID, err); failed {
		return res
	}
	r.logger.Info("conversation transferred to operator", "conversation_id", conversationID, "to", targetID, "by", operatorID)

	view := r.view(ctx, conv)
	ev := hub.ChatTakenUpdate{ConversationID: conv.ID, OperatorID: targetID, Conversation: &view}
	r.notifier.BroadcastOperators(ev, hub.ExcludeOperator(operatorID))
	r.notifier.BroadcastObservers(ev)
	return ok(conv)
}

func (r *Router) transferFailed(conversationID string, err error) (ActionResult, bool) {
	switch {
	case err == nil:
		return ActionResult{}, false
	case errors.Is(err, store.ErrNotFound):
		return fail(ReasonNotFound, "conversation %s does not exist", conversationID), true
	case errors.Is(err, store.ErrOpenConversationExists):
		return fail(ReasonClosed, "the client already has another open conversation"), true
	default:
		return r.internal("transfer", conversationID, err), true
	}
}

// MarkMessagesRead clears the unread counter for the assigned operator.
func (r *Router) MarkMessagesRead(ctx context.Context, conversationID, operatorID string) ActionResult {
	marked, err := r.store.MarkRead(ctx, conversationID, operatorID)
	if err != nil {
		return r.internal("mark read", conversationID, err)
	}
	if !marked {
		return r.explain(ctx, conversationID, operatorID, ReasonNotAssigned)
	}
	return ActionResult{Success: true}
}

// explain turns a failed guard into a result by looking at the current
// state. fallback is used when the conversation exists and is open.
func (r *Router) explain(ctx context.Context, conversationID, operatorID, fallback string) ActionResult {
	conv, err := r.store.GetConversation(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail(ReasonNotFound, "conversation %s does not exist", conversationID)
	case err != nil:
		return r.internal("loading conversation", conversationID, err)
	case conv.Status == store.StatusClosed:
		return fail(ReasonClosed, "conversation %s is closed", conversationID)
	}

	res := ActionResult{Reason: fallback, Conversation: conv}
	switch {
	case fallback == ReasonAlreadyTaken && conv.AssignedOperatorID != "":
		res.Message = fmt.Sprintf("conversation is already taken by %s", conv.AssignedOperatorID)
	case fallback == ReasonNotAssigned && conv.AssignedOperatorID == "":
		res.Message = "conversation has no assigned operator"
	case fallback == ReasonNotAssigned && conv.AssignedOperatorID != operatorID:
		res.Message = fmt.Sprintf("conversation is assigned to %s", conv.AssignedOperatorID)
	default:
		res.Message = "conversation is not in a state that allows this action"
	}
	return res
}

func (r *Router) internal(op, conversationID string, err error) ActionResult {
	r.logger.Error(op+" failed", "conversation_id", conversationID, "error", err)
	return fail(ReasonInternal, "%s failed", op)
}
