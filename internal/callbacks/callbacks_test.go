package callbacks

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-wallet/execpipeline/internal/idemstore"
)

func testService() *Service {
	cfg := DefaultConfig()
	cfg.RecentReceiptsCap = 10
	cfg.RecentEventsCap = 10
	cfg.MaxSSEClients = 2
	return New(cfg, idemstore.NewMemoryStore())
}

func TestIngestCycle_AcceptsThenDuplicates(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	req := CycleRequest{AgentKey: "u1:a1", IdempotencyKey: "e1", FenceToken: 5}

	r1, err := svc.IngestCycle(ctx, req)
	require.NoError(t, err)
	assert.False(t, r1.Duplicate)

	r2, err := svc.IngestCycle(ctx, req)
	require.NoError(t, err)
	assert.True(t, r2.Duplicate)
}

func TestIngestCycle_StaleFenceReturns409Fields(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	_, err := svc.IngestCycle(ctx, CycleRequest{AgentKey: "u1:a1", IdempotencyKey: "e1", FenceToken: 5})
	require.NoError(t, err)

	resp, err := svc.IngestCycle(ctx, CycleRequest{AgentKey: "u1:a1", IdempotencyKey: "e2", FenceToken: 3})
	require.ErrorIs(t, err, ErrStaleFence)
	assert.Equal(t, int64(5), resp.CurrentFence)
	assert.Equal(t, int64(3), resp.ReceivedFence)
}

func TestSummary_SchedulerAggregatesCycleOutcomes(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	// Two clean accepts for the same agent, then a duplicate replay of
	// the second one: saturationProxyPct should reflect the 1-in-3
	// non-accepted share, and the latency bucket should reflect the
	// accepted-to-accepted gap, not the duplicate.
	_, err := svc.IngestCycle(ctx, CycleRequest{AgentKey: "u1:a1", IdempotencyKey: "e1", FenceToken: 1})
	require.NoError(t, err)
	_, err = svc.IngestCycle(ctx, CycleRequest{AgentKey: "u1:a1", IdempotencyKey: "e2", FenceToken: 2})
	require.NoError(t, err)
	_, err = svc.IngestCycle(ctx, CycleRequest{AgentKey: "u1:a1", IdempotencyKey: "e2", FenceToken: 2})
	require.NoError(t, err) // duplicate of e2

	summary := svc.Summary()
	assert.InDelta(t, 100.0/3.0, summary.Scheduler.SaturationProxyPct, 0.01)
	assert.GreaterOrEqual(t, summary.Scheduler.Callbacks.LatencyP95BucketMs, int64(0))
}

func TestIngestCycle_RejectsMissingKeys(t *testing.T) {
	svc := testService()
	_, err := svc.IngestCycle(context.Background(), CycleRequest{})
	assert.ErrorIs(t, err, ErrInvalidCycle)
}

func TestIngestReceipt_NormalizesTxidAndRoundTrips(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	txid := strings.Repeat("AB", 32)

	dup, err := svc.IngestReceipt(ctx, ReceiptRequest{Txid: txid, Status: "confirmed"})
	require.NoError(t, err)
	assert.False(t, dup)

	rec, ok := svc.Receipt(strings.ToLower(txid))
	require.True(t, ok)
	assert.Equal(t, strings.ToLower(txid), rec.Txid)
}

func TestIngestReceipt_SameIdempotencyKeyIsOneStoredReceipt(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	txid := strings.Repeat("1", 64)

	_, err := svc.IngestReceipt(ctx, ReceiptRequest{Txid: txid, IdempotencyKey: "fixed", Status: "pending"})
	require.NoError(t, err)
	dup, err := svc.IngestReceipt(ctx, ReceiptRequest{Txid: txid, IdempotencyKey: "fixed", Status: "confirmed"})
	require.NoError(t, err)
	assert.True(t, dup)

	rec, ok := svc.Receipt(txid)
	require.True(t, ok)
	assert.Equal(t, "pending", rec.Status) // duplicate must not update
	assert.Len(t, svc.RecentReceipts(), 1)
}

func TestIngestReceipt_RejectsNonHexTxid(t *testing.T) {
	svc := testService()
	_, err := svc.IngestReceipt(context.Background(), ReceiptRequest{Txid: "not-hex"})
	assert.ErrorIs(t, err, ErrInvalidReceipt)
}

func TestIngestConsistency_RejectsUnknownStatus(t *testing.T) {
	svc := testService()
	err := svc.IngestConsistency(context.Background(), ConsistencyRequest{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidConsistencyStatus)
}

func TestIngestConsistency_BoundsMismatchKindsAndRecordsEvent(t *testing.T) {
	svc := testService()
	err := svc.IngestConsistency(context.Background(), ConsistencyRequest{
		Status:     "mismatch",
		Txid:       strings.Repeat("2", 64),
		Mismatches: []string{"status", "amount", "not-a-real-kind"},
	})
	require.NoError(t, err)

	events := svc.RecentEvents()
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"status", "amount"}, events[0].Mismatches)
}

func TestSummary_ComputesPercentilesAndBucketsBySource(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	base := []ReceiptRequest{
		{Txid: strings.Repeat("1", 64), Status: "confirmed", BroadcastTs: 1000, ConfirmTs: 1100, ConfirmTsSource: "chain"},
		{Txid: strings.Repeat("2", 64), Status: "confirmed", BroadcastTs: 1000, ConfirmTs: 1300, ConfirmTsSource: "chain"},
		{Txid: strings.Repeat("3", 64), Confirmations: 1, BroadcastTs: 1000, ConfirmTs: 1500, ConfirmTsSource: "backend"},
	}
	for _, r := range base {
		_, err := svc.IngestReceipt(ctx, r)
		require.NoError(t, err)
	}

	summary := svc.Summary()
	assert.NotZero(t, summary.ConfirmationLatencyMs.Chain.P50)
	assert.NotZero(t, summary.ConfirmationLatencyMs.Backend.P50)
	assert.Zero(t, summary.ConfirmationLatencyMs.Backend.P95-summary.ConfirmationLatencyMs.Backend.P50)
}

func TestStreamRegister_EnforcesMaxClientCap(t *testing.T) {
	svc := testService() // MaxSSEClients = 2

	c1, _, err := svc.StreamRegister("", "", false, 0)
	require.NoError(t, err)
	c2, _, err := svc.StreamRegister("", "", false, 0)
	require.NoError(t, err)
	_, _, err = svc.StreamRegister("", "", false, 0)
	assert.ErrorIs(t, err, ErrTooManyClients{})

	svc.StreamUnregister(c1)
	svc.StreamUnregister(c2)
}

func TestStreamRegister_ReplayHonoursFilters(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	target := strings.Repeat("4", 64)
	other := strings.Repeat("5", 64)

	_, err := svc.IngestReceipt(ctx, ReceiptRequest{Txid: target, Status: "confirmed"})
	require.NoError(t, err)
	_, err = svc.IngestReceipt(ctx, ReceiptRequest{Txid: other, Status: "confirmed"})
	require.NoError(t, err)

	c, replayed, err := svc.StreamRegister(target, "", true, 10)
	require.NoError(t, err)
	defer svc.StreamUnregister(c)

	require.Len(t, replayed, 1)
	assert.Equal(t, target, replayed[0].Txid)
}

func TestPercentiles_CeilingIndexRule(t *testing.T) {
	samples := []int64{10, 20, 30, 40}
	p := percentiles(samples)
	assert.Equal(t, int64(20), p.P50)
	assert.Equal(t, int64(40), p.P95)
}
