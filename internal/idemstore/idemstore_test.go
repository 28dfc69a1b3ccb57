package idemstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AcceptsThenDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	r1, err := s.Decide(ctx, "u1:a1", "e1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Accepted, r1.Decision)
	assert.Equal(t, int64(5), r1.CurrentFence)

	r2, err := s.Decide(ctx, "u1:a1", "e1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, r2.Decision)
}

func TestMemoryStore_RejectsFenceRegression(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Decide(ctx, "u1:a1", "e1", 5, time.Minute)
	require.NoError(t, err)

	r, err := s.Decide(ctx, "u1:a1", "e2", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Stale, r.Decision)
	assert.Equal(t, int64(5), r.CurrentFence)
}

func TestMemoryStore_AdvancesFenceOnHigherToken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Decide(ctx, "u1:a1", "e1", 5, time.Minute)
	require.NoError(t, err)

	r, err := s.Decide(ctx, "u1:a1", "e2", 9, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Accepted, r.Decision)
	assert.Equal(t, int64(9), r.CurrentFence)
}

func TestMemoryStore_ExpiredMarkerIsReaccepted(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.now = func() time.Time { return base }
	ctx := context.Background()

	_, err := s.Decide(ctx, "u1:a1", "e1", 5, time.Millisecond)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Second) }
	r, err := s.Decide(ctx, "u1:a1", "e1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Accepted, r.Decision)
}

func TestMemoryStore_IndependentAgentKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Decide(ctx, "u1:a1", "e1", 5, time.Minute)
	require.NoError(t, err)

	r, err := s.Decide(ctx, "u1:a2", "e1", 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Accepted, r.Decision)
	assert.Equal(t, int64(0), r.CurrentFence)
}
