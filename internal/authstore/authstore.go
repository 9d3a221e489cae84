// ABOUTME: Per-session credential store for the messaging channel
// ABOUTME: Wraps a key/value backend with the envelope codec and typed helpers

package authstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

// ErrNotFound is returned by Backend implementations for absent keys.
var ErrNotFound = store.ErrNotFound

// Backend persists encoded values. Implementations must make
// DeleteAuthKeys remove a whole session in one step.
type Backend interface {
	GetAuthKey(ctx context.Context, sessionID, key string) (string, error)
	PutAuthKey(ctx context.Context, sessionID, key, value string) error
	DeleteAuthKey(ctx context.Context, sessionID, key string) error
	DeleteAuthKeys(ctx context.Context, sessionID string) error
}

// AuthStore reads and writes channel credentials scoped by session id.
// Absent keys read as nil, not as an error.
type AuthStore struct {
	backend Backend
	logger  *slog.Logger
}

// New creates an AuthStore over backend.
func New(backend Backend, logger *slog.Logger) *AuthStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthStore{
		backend: backend,
		logger:  logger.With("component", "authstore"),
	}
}

// Read returns the raw bytes stored under key, or nil when absent.
func (a *AuthStore) Read(ctx context.Context, sessionID, key string) ([]byte, error) {
	env, ok, err := a.read(ctx, sessionID, key)
	if err != nil || !ok {
		return nil, err
	}
	return env.Payload, nil
}

// Write stores value under key, replacing any previous value.
func (a *AuthStore) Write(ctx context.Context, sessionID, key string, value []byte) error {
	return a.write(ctx, sessionID, key, Envelope{Kind: KindBytes, Payload: value})
}

// Remove deletes one key.
func (a *AuthStore) Remove(ctx context.Context, sessionID, key string) error {
	if err := a.backend.DeleteAuthKey(ctx, sessionID, key); err != nil {
		return fmt.Errorf("removing %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// Clear removes every key of a session atomically.
func (a *AuthStore) Clear(ctx context.Context, sessionID string) error {
	if err := a.backend.DeleteAuthKeys(ctx, sessionID); err != nil {
		return fmt.Errorf("clearing session %s: %w", sessionID, err)
	}
	return nil
}

// ReadString returns the string stored under key, or "" when absent.
func (a *AuthStore) ReadString(ctx context.Context, sessionID, key string) (string, error) {
	env, ok, err := a.read(ctx, sessionID, key)
	if err != nil || !ok {
		return "", err
	}
	return string(env.Payload), nil
}

// WriteString stores a string value.
func (a *AuthStore) WriteString(ctx context.Context, sessionID, key, value string) error {
	return a.write(ctx, sessionID, key, Envelope{Kind: KindString, Payload: []byte(value)})
}

// ReadJSON decodes the JSON value under key into v. It reports false when
// the key is absent.
func (a *AuthStore) ReadJSON(ctx context.Context, sessionID, key string, v any) (bool, error) {
	env, ok, err := a.read(ctx, sessionID, key)
	if err != nil || !ok {
		return false, err
	}
	if env.Kind != KindJSON {
		return false, fmt.Errorf("%s/%s holds kind %q, not JSON: %w", sessionID, key, env.Kind, ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", sessionID, key, err)
	}
	return true, nil
}

// WriteJSON stores v as JSON.
func (a *AuthStore) WriteJSON(ctx context.Context, sessionID, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", sessionID, key, err)
	}
	return a.write(ctx, sessionID, key, Envelope{Kind: KindJSON, Payload: data})
}

func (a *AuthStore) read(ctx context.Context, sessionID, key string) (Envelope, bool, error) {
	raw, err := a.backend.GetAuthKey(ctx, sessionID, key)
	if errors.Is(err, ErrNotFound) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("reading %s/%s: %w", sessionID, key, err)
	}
	env, err := Decode(raw)
	if err != nil {
		a.logger.Warn("undecodable credential value", "session_id", sessionID, "key", key, "error", err)
		return Envelope{}, false, fmt.Errorf("reading %s/%s: %w", sessionID, key, err)
	}
	return env, true, nil
}

func (a *AuthStore) write(ctx context.Context, sessionID, key string, env Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	if err := a.backend.PutAuthKey(ctx, sessionID, key, raw); err != nil {
		return fmt.Errorf("writing %s/%s: %w", sessionID, key, err)
	}
	return nil
}
