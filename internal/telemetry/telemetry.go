// Package telemetry implements §4.E: a pull-through cache of
// the upstream callback and scheduler summaries that feed the adaptive
// fee engine (internal/policy), with TTL/stale-soft/stale-hard
// freshness classification and per-slot singleflight coalescing.
package telemetry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/forgeos-wallet/execpipeline/internal/metrics"
	"github.com/forgeos-wallet/execpipeline/internal/policy"
)

// Freshness states, re-exported from policy for caller convenience.
const (
	Fresh       = policy.FreshnessFresh
	StaleSoft   = policy.FreshnessStaleSoft
	StaleHard   = policy.FreshnessStaleHard
	Missing     = policy.FreshnessMissing
	NotRequired = policy.FreshnessNotRequired
)

// PctPair is a p50/p95 pair in milliseconds.
type PctPair struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
}

// SourcedPct mirrors internal/callbacks.PctBucket's wire shape: the
// consumer service buckets confirmation-latency and receipt-lag
// samples by confirmTsSource before computing percentiles, so there is
// no flat {p50,p95} at this level on the wire.
type SourcedPct struct {
	Chain   PctPair `json:"chain"`
	Backend PctPair `json:"backend"`
}

// worseP95 takes the larger of the two sources' p95, matching the
// "degrade on the worse signal" rule already used for freshness
// classification (the max of required ages wins): an adaptive fee
// engine that only saw the better-looking source would under-react.
func (s SourcedPct) worseP95() int64 {
	if s.Chain.P95 > s.Backend.P95 {
		return s.Chain.P95
	}
	return s.Backend.P95
}

// ReceiptsSummary is the receipts half of §3's TelemetrySummary.
type ReceiptsSummary struct {
	ConfirmationLatencyMs SourcedPct `json:"confirmationLatencyMs"`
	ReceiptLagMs          SourcedPct `json:"receiptLagMs"`
}

// CallbacksSummary is the scheduler-callbacks sub-aggregate.
type CallbacksSummary struct {
	LatencyP95BucketMs int64 `json:"latencyP95BucketMs"`
}

// SchedulerSummary is the scheduler half of TelemetrySummary.
type SchedulerSummary struct {
	SaturationProxyPct float64          `json:"saturationProxyPct"`
	Callbacks          CallbacksSummary `json:"callbacks"`
}

// Durations configures TTL and the stale-soft/stale-hard thresholds
// (T_ttl < T_soft < T_hard); NewCache applies one Durations to both
// slots.
type Durations struct {
	TTL       time.Duration
	StaleSoft time.Duration
	StaleHard time.Duration
}

// entry is a cache slot's last known good value.
type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// slot is a single pull-through cache slot with singleflight
// coalescing (§4.E/§5: "the first caller starts an upstream
// fetch, subsequent callers await its in-flight promise").
type slot[T any] struct {
	name  string
	fetch func(ctx context.Context) (T, error)
	dur   Durations

	mu  sync.Mutex
	cur *entry[T]
	sf  singleflight.Group
}

func newSlot[T any](name string, dur Durations, fetch func(ctx context.Context) (T, error)) *slot[T] {
	return &slot[T]{name: name, fetch: fetch, dur: dur}
}

// result is a slot fetch's outcome: the value plus its freshness.
type result[T any] struct {
	value   T
	state   string
	ageMs   int64
	present bool
}

func (s *slot[T]) get(ctx context.Context) result[T] {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()

	needsFetch := cur == nil || time.Since(cur.fetchedAt) > s.dur.TTL
	if !needsFetch {
		age := time.Since(cur.fetchedAt)
		return result[T]{value: cur.value, state: classify(age, s.dur), ageMs: age.Milliseconds(), present: true}
	}

	metrics.TelemetrySingleflightTotal.WithLabelValues(s.name).Inc()
	v, err, _ := s.sf.Do("fetch", func() (interface{}, error) {
		return s.fetch(ctx)
	})
	if err == nil {
		fresh := v.(T)
		s.mu.Lock()
		s.cur = &entry[T]{value: fresh, fetchedAt: time.Now()}
		s.mu.Unlock()
		return result[T]{value: fresh, state: policy.FreshnessFresh, present: true}
	}

	if cur != nil {
		metrics.TelemetryServeStaleTotal.WithLabelValues(s.name).Inc()
		age := time.Since(cur.fetchedAt)
		return result[T]{value: cur.value, state: classify(age, s.dur), ageMs: age.Milliseconds(), present: true}
	}
	return result[T]{state: policy.FreshnessMissing, present: false}
}

func classify(age time.Duration, dur Durations) string {
	switch {
	case age <= dur.TTL:
		return policy.FreshnessFresh
	case age <= dur.StaleSoft:
		return policy.FreshnessStaleSoft
	case age <= dur.StaleHard:
		return policy.FreshnessStaleHard
	default:
		return policy.FreshnessMissing
	}
}

// Cache is the two-slot pull-through cache: callback (receipts) and
// scheduler summaries.
type Cache struct {
	callbacks *slot[ReceiptsSummary]
	scheduler *slot[SchedulerSummary]
}

// NewCache builds a Cache from the two upstream fetchers.
func NewCache(dur Durations, fetchReceipts func(ctx context.Context) (ReceiptsSummary, error), fetchScheduler func(ctx context.Context) (SchedulerSummary, error)) *Cache {
	return &Cache{
		callbacks: newSlot("callback", dur, fetchReceipts),
		scheduler: newSlot("scheduler", dur, fetchScheduler),
	}
}

// GetAdaptiveTelemetry implements §4.E's getAdaptiveTelemetry:
// for signals the caller didn't supply in input, fetch the needed
// slots in parallel, classify freshness as the max age across the
// slots actually needed, and return a merged policy.Telemetry tagged
// with the resolved freshness state.
func (c *Cache) GetAdaptiveTelemetry(ctx context.Context, input policy.Telemetry) policy.Telemetry {
	needReceipts := input.ObservedConfirmP95Ms == 0 || input.ReceiptLagP95Ms == 0
	needScheduler := input.SchedulerCallbackP95Ms == 0

	var receiptsRes result[ReceiptsSummary]
	var schedulerRes result[SchedulerSummary]

	g, gctx := errgroup.WithContext(ctx)
	if needReceipts {
		g.Go(func() error {
			receiptsRes = c.callbacks.get(gctx)
			return nil
		})
	}
	if needScheduler {
		g.Go(func() error {
			schedulerRes = c.scheduler.get(gctx)
			return nil
		})
	}
	_ = g.Wait() // slot.get never returns an error; failures degrade to serve-stale/missing internally.

	out := input
	var maxAgeMs int64
	state := policy.FreshnessNotRequired
	sawSlot := false

	combine := func(st string, age int64) {
		sawSlot = true
		if age > maxAgeMs {
			maxAgeMs = age
		}
		if state == policy.FreshnessNotRequired || rank(st) > rank(state) {
			state = st
		}
	}

	if needReceipts {
		if receiptsRes.present {
			if out.ObservedConfirmP95Ms == 0 {
				out.ObservedConfirmP95Ms = receiptsRes.value.ConfirmationLatencyMs.worseP95()
			}
			if out.ReceiptLagP95Ms == 0 {
				out.ReceiptLagP95Ms = receiptsRes.value.ReceiptLagMs.worseP95()
			}
		}
		combine(receiptsRes.state, receiptsRes.ageMs)
	}
	if needScheduler {
		if schedulerRes.present && out.SchedulerCallbackP95Ms == 0 {
			out.SchedulerCallbackP95Ms = schedulerRes.value.Callbacks.LatencyP95BucketMs
		}
		combine(schedulerRes.state, schedulerRes.ageMs)
	}

	if !sawSlot {
		state = policy.FreshnessNotRequired
	}

	out.SummaryFreshnessState = state
	out.SummaryFreshnessMaxAgeMs = maxAgeMs
	return out
}

// rank orders freshness states from best to worst for "max of required
// ages" classification (§4.E: "maximum of required ages").
func rank(state string) int {
	switch state {
	case policy.FreshnessFresh:
		return 0
	case policy.FreshnessStaleSoft:
		return 1
	case policy.FreshnessStaleHard:
		return 2
	case policy.FreshnessMissing:
		return 3
	default:
		return -1
	}
}
