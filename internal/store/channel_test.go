// ABOUTME: Tests for channel session status and auth key persistence
// ABOUTME: Verifies replace semantics and per-session clearing

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetChannelSession(ctx, "default")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveChannelSession(ctx, &ChannelSession{SessionID: "default", Status: "qr_pending", LastQR: "https://hs/sso"}))
	require.NoError(t, s.SaveChannelSession(ctx, &ChannelSession{
		SessionID:       "default",
		Status:          "connected",
		ExternalAddress: "@notary:example.org",
		LastQR:          "https://hs/sso",
		Paused:          true,
	}))

	got, err := s.GetChannelSession(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "connected", got.Status)
	assert.Equal(t, "@notary:example.org", got.ExternalAddress)
	assert.True(t, got.Paused)
	assert.Equal(t, "https://hs/sso", got.LastQR)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestAuthKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAuthKey(ctx, "a", "token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutAuthKey(ctx, "a", "token", "v1:s:Zmlyc3Q="))
	require.NoError(t, s.PutAuthKey(ctx, "a", "token", "v1:s:c2Vjb25k"))
	require.NoError(t, s.PutAuthKey(ctx, "a", "device", "v1:s:REVW"))
	require.NoError(t, s.PutAuthKey(ctx, "b", "token", "v1:s:b3RoZXI="))

	v, err := s.GetAuthKey(ctx, "a", "token")
	require.NoError(t, err)
	assert.Equal(t, "v1:s:c2Vjb25k", v)

	require.NoError(t, s.DeleteAuthKey(ctx, "a", "device"))
	require.NoError(t, s.DeleteAuthKey(ctx, "a", "device"), "deleting twice is fine")
	_, err = s.GetAuthKey(ctx, "a", "device")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteAuthKeys(ctx, "a"))
	_, err = s.GetAuthKey(ctx, "a", "token")
	assert.ErrorIs(t, err, ErrNotFound)

	other, err := s.GetAuthKey(ctx, "b", "token")
	require.NoError(t, err)
	assert.Equal(t, "v1:s:b3RoZXI=", other, "other sessions are untouched")
}
