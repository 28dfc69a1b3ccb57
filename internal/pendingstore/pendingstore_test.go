package pendingstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkConnect(id, origin string, tab, createdAt int64) PendingConnectRequest {
	return PendingConnectRequest{RequestID: id, TabID: tab, Origin: origin, CreatedAt: createdAt}
}

func TestEnqueueConnect_PromotesWhenIdle(t *testing.T) {
	var s State
	s = EnqueueConnect(s, mkConnect("r1", "https://a.test", 1, 100), false)
	require.NotNil(t, s.ActiveConnect)
	assert.Equal(t, "r1", s.ActiveConnect.RequestID)
	assert.Empty(t, s.ConnectQueue)
}

func TestEnqueueConnect_QueuesWhenActive(t *testing.T) {
	var s State
	s = EnqueueConnect(s, mkConnect("r1", "https://a.test", 1, 100), false)
	s = EnqueueConnect(s, mkConnect("r2", "https://a.test", 1, 200), false)
	require.Len(t, s.ConnectQueue, 1)
	assert.Equal(t, "r2", s.ConnectQueue[0].RequestID)
}

func TestScenario1_StrictQueueing(t *testing.T) {
	cfg := Config{MaxTotalPending: 100, MaxPerOrigin: 2}
	var s State

	admit := func(id string, createdAt int64) bool {
		if s.CountForOrigin("https://a.test") >= cfg.MaxPerOrigin {
			return false
		}
		s = EnqueueConnect(s, mkConnect(id, "https://a.test", 1, createdAt), false)
		return true
	}

	require.True(t, admit("r1", 100))
	require.True(t, admit("r2", 200))
	require.False(t, admit("r3", 300), "r3 should be rejected: too many from this site")

	require.NotNil(t, s.ActiveConnect)
	assert.Equal(t, "r1", s.ActiveConnect.RequestID)
	require.Len(t, s.ConnectQueue, 1)
	assert.Equal(t, "r2", s.ConnectQueue[0].RequestID)

	res := ResolveActiveConnect(s, "r1", false)
	require.NotNil(t, res.ResolvedConnect)
	assert.Equal(t, "r1", res.ResolvedConnect.RequestID)
	require.NotNil(t, res.State.ActiveConnect)
	assert.Equal(t, "r2", res.State.ActiveConnect.RequestID)
	assert.Empty(t, res.State.ConnectQueue)
}

func TestScenario2_TTLExpiry(t *testing.T) {
	var s State
	s = EnqueueConnect(s, mkConnect("r1", "https://a.test", 1, 0), false)

	res := PruneExpired(s, 60001, 60000)
	require.Len(t, res.ExpiredConnect, 1)
	assert.Equal(t, "r1", res.ExpiredConnect[0].RequestID)
	assert.Nil(t, res.State.ActiveConnect)
}

func TestPruneExpired_KeepsFreshEntries(t *testing.T) {
	var s State
	s = EnqueueConnect(s, mkConnect("r1", "https://a.test", 1, 1000), false)
	res := PruneExpired(s, 1000+59999, 60000)
	assert.Empty(t, res.ExpiredConnect)
	require.NotNil(t, res.State.ActiveConnect)
}

func TestResolveActiveConnect_StaleOnMismatch(t *testing.T) {
	var s State
	s = EnqueueConnect(s, mkConnect("r1", "https://a.test", 1, 100), false)
	res := ResolveActiveConnect(s, "not-r1", false)
	assert.True(t, res.Stale)
	assert.Nil(t, res.ResolvedConnect)
	require.NotNil(t, res.State.ActiveConnect)
	assert.Equal(t, "r1", res.State.ActiveConnect.RequestID)
}

func TestResolveActiveConnect_StaleWhenNoneActive(t *testing.T) {
	var s State
	res := ResolveActiveConnect(s, "r1", false)
	assert.True(t, res.Stale)
}

func TestDropForTab_RemovesOnlyThatTab(t *testing.T) {
	var s State
	s = EnqueueConnect(s, mkConnect("r1", "https://a.test", 1, 100), false)
	s = EnqueueConnect(s, mkConnect("r2", "https://a.test", 1, 200), false)
	s = EnqueueConnect(s, mkConnect("r3", "https://b.test", 2, 300), false)

	res := DropForTab(s, 1)
	require.Len(t, res.RemovedConnect, 2)
	require.NotNil(t, res.State.ActiveConnect)
	assert.Equal(t, "r3", res.State.ActiveConnect.RequestID)
}

func TestRead_DropsDuplicateRequestIDs(t *testing.T) {
	raw := State{
		ConnectQueue: []PendingConnectRequest{
			mkConnect("dup", "https://a.test", 1, 100),
			mkConnect("dup", "https://a.test", 1, 200),
		},
	}
	out := Read(raw, Config{MaxTotalPending: 100, MaxPerOrigin: 100})
	assert.Len(t, out.ConnectQueue, 1)
	assert.Equal(t, int64(100), out.ConnectQueue[0].CreatedAt)
}

func TestRead_DropsMalformedEntries(t *testing.T) {
	raw := State{ConnectQueue: []PendingConnectRequest{mkConnect("", "https://a.test", 1, 100)}}
	out := Read(raw, Config{MaxTotalPending: 100, MaxPerOrigin: 100})
	assert.Empty(t, out.ConnectQueue)
}

func TestRead_CapsTotalPending(t *testing.T) {
	raw := State{ConnectQueue: []PendingConnectRequest{
		mkConnect("r1", "https://a.test", 1, 100),
		mkConnect("r2", "https://a.test", 1, 200),
		mkConnect("r3", "https://a.test", 1, 300),
	}}
	out := Read(raw, Config{MaxTotalPending: 2, MaxPerOrigin: 100})
	assert.Equal(t, 2, out.TotalPending())
}

func TestRead_CapsPerOrigin(t *testing.T) {
	raw := State{ConnectQueue: []PendingConnectRequest{
		mkConnect("r1", "https://a.test", 1, 100),
		mkConnect("r2", "https://a.test", 1, 200),
		mkConnect("r3", "https://b.test", 2, 300),
	}}
	out := Read(raw, Config{MaxTotalPending: 100, MaxPerOrigin: 1})
	assert.Equal(t, 1, out.CountForOrigin("https://a.test"))
	assert.Equal(t, 1, out.CountForOrigin("https://b.test"))
}

func TestStrictGlobal_OnlyOneActiveKind(t *testing.T) {
	cfg := Config{MaxTotalPending: 100, MaxPerOrigin: 100, StrictGlobal: true}
	s := EnqueueConnect(State{}, mkConnect("c1", "https://a.test", 1, 100), true)
	s = EnqueueSign(s, PendingSignRequest{PendingConnectRequest: mkConnect("s1", "https://a.test", 1, 200), Message: "m"}, true)

	s = Read(s, cfg)
	activeCount := 0
	if s.ActiveConnect != nil {
		activeCount++
	}
	if s.ActiveSign != nil {
		activeCount++
	}
	assert.Equal(t, 1, activeCount)
	// the older request (c1) should have won promotion
	require.NotNil(t, s.ActiveConnect)
	assert.Equal(t, "c1", s.ActiveConnect.RequestID)
	require.Len(t, s.SignQueue, 1)
}
