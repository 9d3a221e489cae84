// ABOUTME: Tests for the audit log
// ABOUTME: Covers append defaults, newest-first listing, filters and the limit cap

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_Append(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		ActorID:    "boss",
		Action:     AuditChannelRestart,
		TargetType: "channel",
		TargetID:   "default",
		Detail:     map[string]any{"status": "connected"},
	}
	require.NoError(t, s.AppendAuditLog(ctx, entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditChannelRestart, entries[0].Action)
	assert.Equal(t, "connected", entries[0].Detail["status"])
}

func TestAuditLog_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, e := range []AuditEntry{
		{ActorID: "ana", Action: AuditLogin, TargetType: "operator", TargetID: "ana"},
		{ActorID: "boss", Action: AuditLogin, TargetType: "operator", TargetID: "boss"},
		{ActorID: "boss", Action: AuditChannelPause, TargetType: "channel", TargetID: "default"},
	} {
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.AppendAuditLog(ctx, &e))
	}

	all, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, AuditChannelPause, all[0].Action, "newest first")
	assert.Empty(t, all[1].Detail)

	byActor, err := s.ListAuditLog(ctx, AuditFilter{ActorID: "boss"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	logins, err := s.ListAuditLog(ctx, AuditFilter{Action: AuditLogin})
	require.NoError(t, err)
	assert.Len(t, logins, 2)

	recent, err := s.ListAuditLog(ctx, AuditFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "boss", recent[0].ActorID)

	limited, err := s.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAuditLog_EmptyIsNotNil(t *testing.T) {
	s := newTestStore(t)

	entries, err := s.ListAuditLog(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
	assert.Equal(t, 7, normalizeAuditLimit(7))
}
