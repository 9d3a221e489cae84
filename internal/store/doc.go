// Package store provides persistent storage for notary-connect using SQLite.
//
// # Data Models
//
//   - Client: external contact keyed by its channel address
//   - Conversation: support session with status pending, active or closed
//   - Message: immutable message, read flags aside, unique by external id
//   - TransferRecord: append-only sector/operator handoff history
//   - ChannelSession: last reported status of the messaging channel
//
// Auth keys (channel credentials) live in the same database and are exposed
// as raw encoded strings; package authstore owns their encoding.
//
// # Concurrency
//
// State transitions are conditional updates (UPDATE ... WHERE status = ...)
// and report whether they matched, so two operators racing to take the same
// conversation get exactly one winner. A partial unique index keeps at most
// one open conversation per client.
//
// Every pooled connection is opened with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// and transactions begin IMMEDIATE. Busy/locked errors that still surface are
// retried with bounded exponential backoff before being returned.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrPreconditionFailed: guarded write did not match the required state
//   - ErrOpenConversationExists: a reopen would give a client two open conversations
//
// # Testing
//
// Tests use a database file under t.TempDir(); an in-memory database would
// give each pooled connection its own empty database.
package store
