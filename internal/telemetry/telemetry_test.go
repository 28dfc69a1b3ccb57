package telemetry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-wallet/execpipeline/internal/policy"
)

func TestClassify_Boundaries(t *testing.T) {
	dur := Durations{TTL: 10 * time.Millisecond, StaleSoft: 20 * time.Millisecond, StaleHard: 30 * time.Millisecond}

	assert.Equal(t, policy.FreshnessFresh, classify(10*time.Millisecond, dur), "age == T_ttl is still fresh")
	assert.Equal(t, policy.FreshnessStaleSoft, classify(10*time.Millisecond+1, dur))
	assert.Equal(t, policy.FreshnessStaleSoft, classify(20*time.Millisecond, dur), "age == T_soft is still stale_soft")
	assert.Equal(t, policy.FreshnessStaleHard, classify(20*time.Millisecond+1, dur))
	assert.Equal(t, policy.FreshnessStaleHard, classify(30*time.Millisecond, dur), "age == T_hard is still stale_hard")
	assert.Equal(t, policy.FreshnessMissing, classify(30*time.Millisecond+1, dur))
}

func TestGetAdaptiveTelemetry_CallerSuppliedSkipsFetch(t *testing.T) {
	var calls int32
	cache := NewCache(
		Durations{TTL: time.Minute, StaleSoft: 2 * time.Minute, StaleHard: 5 * time.Minute},
		func(ctx context.Context) (ReceiptsSummary, error) {
			atomic.AddInt32(&calls, 1)
			return ReceiptsSummary{ConfirmationLatencyMs: SourcedPct{Chain: PctPair{P95: 9999}}}, nil
		},
		func(ctx context.Context) (SchedulerSummary, error) {
			t.Fatal("scheduler slot should not be fetched when caller already supplied it")
			return SchedulerSummary{}, nil
		},
	)

	input := policy.Telemetry{ObservedConfirmP95Ms: 111, ReceiptLagP95Ms: 222, SchedulerCallbackP95Ms: 333}
	out := cache.GetAdaptiveTelemetry(context.Background(), input)

	assert.Equal(t, int64(111), out.ObservedConfirmP95Ms)
	assert.Equal(t, int64(222), out.ReceiptLagP95Ms)
	assert.Equal(t, int64(333), out.SchedulerCallbackP95Ms)
	assert.Equal(t, policy.FreshnessNotRequired, out.SummaryFreshnessState)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestGetAdaptiveTelemetry_FetchesMissingSlots(t *testing.T) {
	cache := NewCache(
		Durations{TTL: time.Minute, StaleSoft: 2 * time.Minute, StaleHard: 5 * time.Minute},
		func(ctx context.Context) (ReceiptsSummary, error) {
			return ReceiptsSummary{
				ConfirmationLatencyMs: SourcedPct{Chain: PctPair{P50: 1000, P95: 5000}},
				ReceiptLagMs:          SourcedPct{Backend: PctPair{P50: 200, P95: 800}},
			}, nil
		},
		func(ctx context.Context) (SchedulerSummary, error) {
			return SchedulerSummary{Callbacks: CallbacksSummary{LatencyP95BucketMs: 1234}}, nil
		},
	)

	out := cache.GetAdaptiveTelemetry(context.Background(), policy.Telemetry{})
	require.Equal(t, int64(5000), out.ObservedConfirmP95Ms)
	assert.Equal(t, int64(800), out.ReceiptLagP95Ms)
	assert.Equal(t, int64(1234), out.SchedulerCallbackP95Ms)
	assert.Equal(t, policy.FreshnessFresh, out.SummaryFreshnessState)
}

func TestGetAdaptiveTelemetry_ServesStaleOnUpstreamFailure(t *testing.T) {
	var fail int32
	cache := NewCache(
		Durations{TTL: 0, StaleSoft: time.Hour, StaleHard: 2 * time.Hour},
		func(ctx context.Context) (ReceiptsSummary, error) {
			if atomic.AddInt32(&fail, 1) == 1 {
				return ReceiptsSummary{ConfirmationLatencyMs: SourcedPct{Chain: PctPair{P95: 42}}}, nil
			}
			return ReceiptsSummary{}, assertErr{}
		},
		func(ctx context.Context) (SchedulerSummary, error) {
			return SchedulerSummary{}, assertErr{}
		},
	)

	preSupplied := policy.Telemetry{SchedulerCallbackP95Ms: 1} // isolate to the receipts slot

	first := cache.GetAdaptiveTelemetry(context.Background(), preSupplied)
	require.Equal(t, int64(42), first.ObservedConfirmP95Ms)

	second := cache.GetAdaptiveTelemetry(context.Background(), preSupplied)
	assert.Equal(t, int64(42), second.ObservedConfirmP95Ms, "upstream failure should serve the last good value")
	assert.NotEqual(t, policy.FreshnessMissing, second.SummaryFreshnessState)
}

func TestGetAdaptiveTelemetry_MissingWhenNeverFetched(t *testing.T) {
	cache := NewCache(
		Durations{TTL: time.Minute, StaleSoft: 2 * time.Minute, StaleHard: 5 * time.Minute},
		func(ctx context.Context) (ReceiptsSummary, error) { return ReceiptsSummary{}, assertErr{} },
		func(ctx context.Context) (SchedulerSummary, error) { return SchedulerSummary{}, assertErr{} },
	)

	out := cache.GetAdaptiveTelemetry(context.Background(), policy.Telemetry{})
	assert.Equal(t, policy.FreshnessMissing, out.SummaryFreshnessState)
}

type assertErr struct{}

func (assertErr) Error() string { return "upstream unavailable" }

// TestReceiptsSummary_DecodesConsumerWireShape round-trips the actual
// GET /v1/telemetry-summary JSON shape (chain/backend-bucketed
// percentiles, not a flat {p50,p95}) to catch the class of bug where a
// struct decodes without error but silently yields all-zero fields.
func TestReceiptsSummary_DecodesConsumerWireShape(t *testing.T) {
	raw := []byte(`{
		"confirmationLatencyMs": {"chain": {"p50": 1000, "p95": 5000}, "backend": {"p50": 1200, "p95": 4000}},
		"receiptLagMs": {"chain": {"p50": 100, "p95": 900}, "backend": {"p50": 50, "p95": 300}}
	}`)
	var got ReceiptsSummary
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Equal(t, int64(5000), got.ConfirmationLatencyMs.Chain.P95)
	assert.Equal(t, int64(4000), got.ConfirmationLatencyMs.Backend.P95)
	assert.Equal(t, int64(5000), got.ConfirmationLatencyMs.worseP95(), "worse of chain/backend should win")
	assert.Equal(t, int64(900), got.ReceiptLagMs.worseP95())
}

// TestSchedulerSummary_DecodesConsumerWireShape does the same for the
// scheduler sub-aggregate's nested "callbacks.latencyP95BucketMs".
func TestSchedulerSummary_DecodesConsumerWireShape(t *testing.T) {
	raw := []byte(`{"saturationProxyPct": 12.5, "callbacks": {"latencyP95BucketMs": 2500}}`)
	var got SchedulerSummary
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.InDelta(t, 12.5, got.SaturationProxyPct, 0.0001)
	assert.Equal(t, int64(2500), got.Callbacks.LatencyP95BucketMs)
}
