package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.Get(ctx, "absent")
	require.NoError(t, err)
	require.Equal(t, "", got)

	require.NoError(t, s.Put(ctx, "jti:abc", "alice", time.Minute))

	got, err = s.Get(ctx, "jti:abc")
	require.NoError(t, err)
	require.Equal(t, "alice", got)

	ok, err := s.Exists(ctx, "jti:abc")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete(ctx, "jti:abc"))

	ok, err = s.Exists(ctx, "jti:abc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", "v", 30*time.Millisecond))

	got, err := s.Get(ctx, "short")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	time.Sleep(60 * time.Millisecond)

	got, err = s.Get(ctx, "short")
	require.NoError(t, err)
	require.Equal(t, "", got)

	ok, err := s.Exists(ctx, "short")
	require.NoError(t, err)
	require.False(t, ok)
}
