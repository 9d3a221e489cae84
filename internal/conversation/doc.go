// Package conversation routes client traffic and operator actions.
//
// # Overview
//
// The Router sits between the channel connector, the conversation store and
// the realtime hub. It owns no state of its own beyond a redelivery cache:
// every decision that could race is made by a conditional store update.
//
//	r := conversation.New(cfg, store, connector, hub, responder, logger)
//	hub.SetHandler(r)
//	go r.Run(ctx)
//
// # Inbound Messages
//
// Run drains the connector's event channel. Messages and read receipts are
// sharded by client address over cfg.Workers goroutines, so one client's
// messages are processed in order while different clients proceed in
// parallel. For each message:
//
//  1. Skip it if the external id was seen recently or is already stored
//  2. Upsert the client and find or create its open conversation
//  3. Append the message (idempotent on the external id)
//  4. For a pending conversation, ask the auto-responder; a match is stored
//     as a bot message at once and sent after the rule's typing and response
//     delays
//  5. Notify the assigned operator, or offer the pending conversation to
//     operators serving its sector
//
// # Operator Actions
//
// TakeChat, SendMessage, EndChat, TransferToSector, TransferToOperator and
// MarkMessagesRead return an ActionResult instead of an error. A lost take
// race or acting on someone else's conversation is a failed result with a
// stable Reason such as "already_taken" or "not_assigned".
//
// # Requests
//
// Router implements hub.Handler. Observer sessions may request status,
// chat lists and history; every other request is refused with "forbidden".
package conversation
