// ABOUTME: Inbound pipeline: client resolution, idempotent persistence, auto-reply and notification
// ABOUTME: Also applies read receipts reported by the channel

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

// HandleInbound records a client message and decides who sees it.
// Redelivered messages are absorbed without side effects.
func (r *Router) HandleInbound(ctx context.Context, msg channel.InboundMessage) error {
	if msg.ID != "" {
		if r.seen.Seen(msg.ID) {
			r.logger.Debug("redelivery absorbed by cache", "message_id", msg.ID)
			return nil
		}
		if _, err := r.store.GetMessageByExternalID(ctx, msg.ID); err == nil {
			r.seen.Remember(msg.ID)
			r.logger.Debug("redelivery of stored message", "message_id", msg.ID)
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("checking message %s: %w", msg.ID, err)
		}
	}

	client, err := r.store.UpsertClient(ctx, msg.From, msg.SenderName, msg.AvatarURL)
	if err != nil {
		return fmt.Errorf("resolving client: %w", err)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	res, err := r.store.AppendInboundMessage(ctx, client.ID, &store.Message{
		ExternalMessageID: msg.ID,
		SenderID:          msg.SenderID,
		Content:           msg.Text,
		MediaRef:          msg.MediaRef,
		Timestamp:         ts,
	})
	if err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	if msg.ID != "" {
		r.seen.Remember(msg.ID)
	}
	if !res.MessageCreated {
		return nil
	}
	conv, stored := res.Conversation, res.Message

	r.logger.Debug("inbound message stored",
		"conversation_id", conv.ID,
		"message_id", stored.ID,
		"new_conversation", res.ConversationCreated,
	)

	var reply *store.Message
	if conv.Status == store.StatusPending {
		conv, reply = r.autoReply(ctx, conv, client, msg.Text)
	}

	// Refresh counters and assignment after the writes above.
	if fresh, err := r.store.GetConversation(ctx, conv.ID); err == nil {
		conv = fresh
	}
	r.announce(ctx, conv, client, stored, reply)
	return nil
}

// autoReply runs the responder for a pending conversation. The reply is
// persisted at once and delivered after the rule's delays. It returns the
// possibly transferred conversation and the stored reply.
func (r *Router) autoReply(ctx context.Context, conv *store.Conversation, client *store.Client, text string) (*store.Conversation, *store.Message) {
	if r.responder == nil {
		return conv, nil
	}
	if r.channel.Paused() {
		r.logger.Debug("auto-reply skipped, channel paused", "conversation_id", conv.ID)
		return conv, nil
	}

	now := r.now()
	decision, err := r.responder.Evaluate(ctx, conv, client, text, now)
	if err != nil {
		r.logger.Error("evaluating auto-response rules", "conversation_id", conv.ID, "error", err)
		return conv, nil
	}
	if !decision.Matched {
		return conv, nil
	}

	reply, _, err := r.store.AppendMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		SenderType:     store.SenderBot,
		SenderID:       BotSenderID,
		Content:        decision.Text,
		Timestamp:      now,
	})
	if err != nil {
		r.logger.Error("persisting auto-reply", "conversation_id", conv.ID, "rule", decision.RuleKey, "error", err)
		return conv, nil
	}
	r.logger.Info("auto-reply matched", "conversation_id", conv.ID, "rule", decision.RuleKey)

	r.replies.Add(1)
	go func() {
		defer r.replies.Done()
		r.deliverReply(ctx, client.ExternalID, decision.Text, decision.TypingDelay, decision.ResponseDelay)
	}()

	if decision.ForwardToSector != "" {
		moved, err := r.store.TransferToSector(ctx, conv.ID, decision.ForwardToSector, BotSenderID)
		if err != nil {
			r.logger.Error("forwarding conversation", "conversation_id", conv.ID, "sector", decision.ForwardToSector, "error", err)
		} else {
			conv = moved
		}
	}
	return conv, reply
}

// deliverReply shows typing, waits out the pacing delays and sends.
func (r *Router) deliverReply(ctx context.Context, to, text string, typing, delay time.Duration) {
	if typing > 0 {
		if err := r.channel.SetTyping(ctx, to, true); err != nil {
			r.logger.Debug("typing indicator", "error", err)
		}
		if !sleep(ctx, typing) {
			return
		}
		_ = r.channel.SetTyping(ctx, to, false)
	}
	if !sleep(ctx, delay) {
		return
	}
	if _, err := r.channel.Send(ctx, channel.OutboundMessage{To: to, Text: text}); err != nil {
		r.logger.Warn("auto-reply not delivered", "to", to, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// announce tells the assigned operator about new messages, or offers a
// pending conversation to every operator serving its sector.
func (r *Router) announce(ctx context.Context, conv *store.Conversation, client *store.Client, msgs ...*store.Message) {
	if conv.AssignedOperatorID != "" {
		for _, m := range msgs {
			if m == nil {
				continue
			}
			ev := hub.NewMessage{ConversationID: conv.ID, Message: hub.NewMessageView(m)}
			if err := r.notifier.NotifyOperator(conv.AssignedOperatorID, ev); err != nil {
				r.logger.Debug("assigned operator not notified", "operator_id", conv.AssignedOperatorID, "error", err)
			}
			r.notifier.BroadcastObservers(ev)
		}
		return
	}

	var last *store.Message
	for _, m := range msgs {
		if m != nil {
			last = m
		}
	}
	ev := hub.PendingConversation{Conversation: hub.NewConversationView(conv, client, last)}
	n := r.notifier.BroadcastOperators(ev, hub.InSector(conv.Sector))
	r.notifier.BroadcastObservers(ev)
	r.logger.Debug("pending conversation announced", "conversation_id", conv.ID, "sector", conv.Sector, "operators", n)
}

// HandleReadReceipt marks outbound messages up to the receipt as read by
// the client.
func (r *Router) HandleReadReceipt(ctx context.Context, receipt channel.ReadReceipt) error {
	client, err := r.store.GetClientByExternalID(ctx, receipt.From)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving client: %w", err)
	}
	conv, err := r.store.GetOpenConversation(ctx, client.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	n, err := r.store.MarkReadByClient(ctx, conv.ID, receipt.UpTo)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Debug("messages read by client", "conversation_id", conv.ID, "count", n)
	}
	return nil
}
