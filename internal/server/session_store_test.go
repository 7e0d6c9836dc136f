package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionStore_Lifecycle(t *testing.T) {
	s := NewSessionStore(zap.NewNop())

	assert.False(t, s.Has("s1"))
	assert.Equal(t, 0, s.Count())

	s.SetSession("s1", "cursor", "1.2.3", "")
	s.SetSession("s2", "claude", "0.9.0", "team")

	assert.True(t, s.Has("s1"))
	assert.Equal(t, 2, s.Count())

	info := s.GetSession("s2")
	require.NotNil(t, info)
	assert.Equal(t, "claude", info.ClientName)
	assert.Equal(t, "0.9.0", info.ClientVersion)
	assert.Equal(t, "team", info.Profile)
	assert.False(t, info.Created.IsZero())

	s.RemoveSession("s1")
	assert.False(t, s.Has("s1"))
	assert.Equal(t, 1, s.Count())

	// Removing an unknown session is a no-op.
	s.RemoveSession("missing")
	assert.Equal(t, 1, s.Count())

	// Re-registering overwrites the metadata.
	s.SetSession("s2", "claude", "1.0.0", "team")
	assert.Equal(t, "1.0.0", s.GetSession("s2").ClientVersion)
	assert.Equal(t, 1, s.Count())
}

func TestSessionStore_GetMissingReturnsNil(t *testing.T) {
	s := NewSessionStore(zap.NewNop())
	assert.Nil(t, s.GetSession("absent"))
}
