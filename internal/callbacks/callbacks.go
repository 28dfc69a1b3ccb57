// Package callbacks implements §4.F: the idempotent, fence-
// ordered ingestion of scheduler cycle events and chain-execution
// receipts, with SSE fan-out and a derived telemetry summary.
//
// It follows the single-purpose service idiom used by the sibling
// §4.D service (internal/txbuilder) and on the
// dispatcher's "serialise everything through one critical section"
// discipline (internal/dispatcher), here applied per-agentKey via
// internal/idemstore instead of a single global serial chain.
package callbacks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgeos-wallet/execpipeline/internal/errs"
	"github.com/forgeos-wallet/execpipeline/internal/idemstore"
	"github.com/forgeos-wallet/execpipeline/internal/metrics"
)

// Config bounds the consumer service's in-memory footprint and timing
// knobs (§6.5 env-driven numeric clamps, via internal/config
// at the cmd/ call site).
type Config struct {
	IdempotencyTTL     time.Duration
	ReceiptTTL         time.Duration
	RecentEventsCap    int
	RecentReceiptsCap  int
	MaxSSEClients      int
	ReplayLimitCap     int
	HeartbeatInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdempotencyTTL:    10 * time.Minute,
		ReceiptTTL:        24 * time.Hour,
		RecentEventsCap:   500,
		RecentReceiptsCap: 500,
		MaxSSEClients:     200,
		ReplayLimitCap:    100,
		HeartbeatInterval: 15 * time.Second,
	}
}

// CycleRequest is the inbound body/headers for POST /v1/scheduler/cycle.
type CycleRequest struct {
	Scheduler      string                 `json:"scheduler"`
	Agent          string                 `json:"agent"`
	AgentKey       string                 `json:"agentKey"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	FenceToken     int64                  `json:"fenceToken"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// CycleResponse mirrors the three-outcome decision of §4.F.
type CycleResponse struct {
	Duplicate     bool   `json:"duplicate,omitempty"`
	CurrentFence  int64  `json:"currentFence,omitempty"`
	ReceivedFence int64  `json:"receivedFence,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

var (
	// ErrStaleFence is returned (409) when fenceToken < currentFence.
	ErrStaleFence = errs.New("stale fence token")
	// ErrInvalidCycle covers missing agentKey/idempotencyKey.
	ErrInvalidCycle = errs.New("invalid scheduler cycle event")
	// ErrInvalidReceipt covers a non-hex or wrong-length txid.
	ErrInvalidReceipt = errs.New("invalid execution receipt")
	// ErrInvalidConsistencyStatus covers a status outside the allowed set.
	ErrInvalidConsistencyStatus = errs.New("invalid consistency status")
)

// ReceiptRecord is the normalised, stored form of an execution receipt.
type ReceiptRecord struct {
	Txid            string  `json:"txid"`
	AgentKey        string  `json:"agentKey,omitempty"`
	Status          string  `json:"status,omitempty"`
	Confirmations   int64   `json:"confirmations,omitempty"`
	BroadcastTs     int64   `json:"broadcastTs,omitempty"`
	ConfirmTs       int64   `json:"confirmTs,omitempty"`
	ConfirmTsSource string  `json:"confirmTsSource,omitempty"`
	StoredAtMs      int64   `json:"-"`
}

// ReceiptRequest is the inbound body for POST /v1/execution-receipts.
type ReceiptRequest struct {
	Txid            string `json:"txid"`
	IdempotencyKey  string `json:"idempotencyKey,omitempty"`
	AgentKey        string `json:"agentKey,omitempty"`
	Status          string `json:"status,omitempty"`
	Confirmations   int64  `json:"confirmations,omitempty"`
	BroadcastTs     int64  `json:"broadcastTs,omitempty"`
	ConfirmTs       int64  `json:"confirmTs,omitempty"`
	ConfirmTsSource string `json:"confirmTsSource,omitempty"`
}

// ConsistencyRequest is the inbound body for POST /v1/receipt-consistency.
type ConsistencyRequest struct {
	Txid       string   `json:"txid,omitempty"`
	Status     string   `json:"status"`
	Mismatches []string `json:"mismatches,omitempty"`
}

var allowedConsistencyStatus = map[string]bool{
	"consistent":   true,
	"mismatch":     true,
	"insufficient": true,
}

// allowedMismatchKinds bounds the mismatch-kind list (§4.F:
// "trims mismatch kinds to a bounded list").
var allowedMismatchKinds = map[string]bool{
	"status":        true,
	"confirmations": true,
	"amount":        true,
	"timestamp":     true,
	"address":       true,
}

const maxMismatchKinds = 8

// consistencyEvent is what the recent-events ring stores on mismatch.
type consistencyEvent struct {
	Txid       string   `json:"txid,omitempty"`
	Mismatches []string `json:"mismatches"`
	AtMs       int64    `json:"atMs"`
}

// TelemetrySummary is the GET /v1/telemetry-summary response (§4.F
// "Derived summary"), extended with the scheduler sub-aggregate the
// glossary's TelemetrySummary type names.
type TelemetrySummary struct {
	ConfirmationLatencyMs PctBucket        `json:"confirmationLatencyMs"`
	ReceiptLagMs          PctBucket        `json:"receiptLagMs"`
	ConsistencyCounts     map[string]int64 `json:"consistencyCounts"`
	Scheduler             SchedulerSummary `json:"scheduler"`
}

// SchedulerSummary is derived entirely from scheduler-cycle ingestion
// this service already performs (IngestCycle): there is no separate
// upstream scheduler process to poll, so both fields are proxies built
// from the decision/arrival data on hand rather than a literal queue
// depth or per-callback timer (see DESIGN.md).
type SchedulerSummary struct {
	SaturationProxyPct float64                `json:"saturationProxyPct"`
	Callbacks          SchedulerCallbacksInfo `json:"callbacks"`
}

type SchedulerCallbacksInfo struct {
	LatencyP95BucketMs int64 `json:"latencyP95BucketMs"`
}

// PctBucket holds p50/p95 split by confirmTsSource ("chain" vs
// "backend").
type PctBucket struct {
	Chain   Pct `json:"chain"`
	Backend Pct `json:"backend"`
}

type Pct struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
}

// Service is the §4.F consumer: idempotency/fence decisions, receipt
// storage, SSE fan-out, and the derived summary.
type Service struct {
	cfg   Config
	idem  idemstore.Store
	clock func() time.Time

	events   *ring[consistencyEvent]
	receipts *ring[ReceiptRecord] // chronological, for p50/p95 + replay

	mu          sync.RWMutex
	byTxid      map[string]ReceiptRecord
	seenReceipt map[string]time.Time // idempotency key -> expiry, per receipt ingestion

	consistencyMu sync.Mutex
	consistency   map[string]int64

	// cycleOutcomes and cycleGaps feed Summary()'s scheduler aggregate:
	// the fraction of recent decisions that were NOT a clean accept (a
	// retry/backpressure proxy) and the inter-arrival latency between
	// consecutive accepted cycles for the same agentKey.
	cycleOutcomes *ring[bool] // true = accepted, false = duplicate/stale/fail-open
	cycleGaps     *ring[int64]
	cycleMu       sync.Mutex
	lastCycleAtMs map[string]int64

	hub *sseHub
}

func New(cfg Config, idem idemstore.Store) *Service {
	return &Service{
		cfg:           cfg,
		idem:          idem,
		clock:         time.Now,
		events:        newRing[consistencyEvent](cfg.RecentEventsCap),
		receipts:      newRing[ReceiptRecord](cfg.RecentReceiptsCap),
		byTxid:        make(map[string]ReceiptRecord),
		seenReceipt:   make(map[string]time.Time),
		consistency:   make(map[string]int64),
		cycleOutcomes: newRing[bool](cfg.RecentEventsCap),
		cycleGaps:     newRing[int64](cfg.RecentEventsCap),
		lastCycleAtMs: make(map[string]int64),
		hub:           newSSEHub(cfg.MaxSSEClients),
	}
}

// IngestCycle applies the atomic DUPLICATE/STALE/ACCEPTED decision
// (§4.F table). On script unavailability it fails open.
func (s *Service) IngestCycle(ctx context.Context, req CycleRequest) (CycleResponse, error) {
	if req.AgentKey == "" || req.IdempotencyKey == "" {
		return CycleResponse{}, ErrInvalidCycle
	}

	res, err := s.idem.Decide(ctx, req.AgentKey, req.IdempotencyKey, req.FenceToken, s.cfg.IdempotencyTTL)
	if err != nil {
		metrics.IdempotencyFailOpenTotal.Inc()
		metrics.CycleDecisionTotal.WithLabelValues("fail_open").Inc()
		s.recordCycleOutcome(false, req.AgentKey)
		return CycleResponse{Mode: "redis_fail_open"}, nil
	}

	switch res.Decision {
	case idemstore.Duplicate:
		metrics.CycleDecisionTotal.WithLabelValues("duplicate").Inc()
		s.recordCycleOutcome(false, req.AgentKey)
		return CycleResponse{Duplicate: true, CurrentFence: res.CurrentFence}, nil
	case idemstore.Stale:
		metrics.CycleDecisionTotal.WithLabelValues("stale").Inc()
		s.recordCycleOutcome(false, req.AgentKey)
		return CycleResponse{CurrentFence: res.CurrentFence, ReceivedFence: req.FenceToken}, ErrStaleFence
	default:
		metrics.CycleDecisionTotal.WithLabelValues("accepted").Inc()
		s.recordCycleOutcome(true, req.AgentKey)
		return CycleResponse{CurrentFence: res.CurrentFence}, nil
	}
}

// recordCycleOutcome feeds Summary()'s scheduler aggregate: every
// decision (clean or not) counts toward the saturation proxy, while
// only accepted cycles contribute an inter-arrival gap, since
// duplicate/stale decisions are retries of a cycle already timed.
func (s *Service) recordCycleOutcome(accepted bool, agentKey string) {
	s.cycleOutcomes.push(accepted)
	if !accepted {
		return
	}
	now := s.clock().UnixMilli()
	s.cycleMu.Lock()
	last, ok := s.lastCycleAtMs[agentKey]
	s.lastCycleAtMs[agentKey] = now
	s.cycleMu.Unlock()
	if ok && now > last {
		s.cycleGaps.push(now - last)
	}
}

var hexDigits = "0123456789abcdef"

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(hexDigits, s[i]) < 0 {
			return false
		}
	}
	return true
}

// IngestReceipt upserts by lowercase txid, idempotency-keyed by
// "receipt:<txid>" unless the caller supplies an explicit key (§4.F
// "Execution receipt ingestion").
func (s *Service) IngestReceipt(ctx context.Context, req ReceiptRequest) (duplicate bool, err error) {
	txid := strings.ToLower(strings.TrimSpace(req.Txid))
	if !isHex64(txid) {
		return false, ErrInvalidReceipt
	}

	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = "receipt:" + txid
	}

	now := s.clock()
	s.mu.Lock()
	if exp, ok := s.seenReceipt[idemKey]; ok && now.Before(exp) {
		s.mu.Unlock()
		metrics.ReceiptIngestTotal.WithLabelValues("duplicate").Inc()
		return true, nil
	}
	s.seenReceipt[idemKey] = now.Add(s.cfg.ReceiptTTL)

	rec := ReceiptRecord{
		Txid:            txid,
		AgentKey:        req.AgentKey,
		Status:          req.Status,
		Confirmations:   req.Confirmations,
		BroadcastTs:     req.BroadcastTs,
		ConfirmTs:       req.ConfirmTs,
		ConfirmTsSource: req.ConfirmTsSource,
		StoredAtMs:      now.UnixMilli(),
	}
	s.byTxid[txid] = rec
	s.mu.Unlock()

	s.receipts.push(rec)
	metrics.ReceiptIngestTotal.WithLabelValues("accepted").Inc()
	s.hub.broadcast(rec)
	return false, nil
}

// Receipt returns a single stored receipt by txid.
func (s *Service) Receipt(txid string) (ReceiptRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byTxid[strings.ToLower(txid)]
	return rec, ok
}

// RecentReceipts returns the stored receipts, oldest first.
func (s *Service) RecentReceipts() []ReceiptRecord {
	return s.receipts.snapshot()
}

// IngestConsistency records a receipt-consistency report (§4.F).
func (s *Service) IngestConsistency(ctx context.Context, req ConsistencyRequest) error {
	if !allowedConsistencyStatus[req.Status] {
		return ErrInvalidConsistencyStatus
	}

	kinds := make([]string, 0, len(req.Mismatches))
	for _, k := range req.Mismatches {
		if allowedMismatchKinds[k] {
			kinds = append(kinds, k)
		}
		if len(kinds) >= maxMismatchKinds {
			break
		}
	}

	s.consistencyMu.Lock()
	s.consistency[req.Status]++
	s.consistencyMu.Unlock()
	metrics.ConsistencyReportTotal.WithLabelValues(req.Status).Inc()

	if req.Status == "mismatch" {
		s.events.push(consistencyEvent{Txid: req.Txid, Mismatches: kinds, AtMs: s.clock().UnixMilli()})
	}
	return nil
}

// RecentEvents returns the recent-events ring, oldest first, for GET
// /v1/events.
func (s *Service) RecentEvents() []consistencyEvent {
	return s.events.snapshot()
}

// Summary computes the derived telemetry summary from recentReceipts
// (§4.F "Derived summary").
func (s *Service) Summary() TelemetrySummary {
	now := s.clock().UnixMilli()
	var chainConfirm, backendConfirm, chainLag, backendLag []int64

	for _, r := range s.receipts.snapshot() {
		confirmed := r.Status == "confirmed" || r.Confirmations > 0
		if !confirmed {
			continue
		}
		isChain := r.ConfirmTsSource == "chain"

		if r.ConfirmTs >= r.BroadcastTs && r.BroadcastTs > 0 {
			sample := r.ConfirmTs - r.BroadcastTs
			if isChain {
				chainConfirm = append(chainConfirm, sample)
			} else {
				backendConfirm = append(backendConfirm, sample)
			}
		}
		if r.ConfirmTs > 0 && r.ConfirmTs <= now {
			sample := now - r.ConfirmTs
			if isChain {
				chainLag = append(chainLag, sample)
			} else {
				backendLag = append(backendLag, sample)
			}
		}
	}

	s.consistencyMu.Lock()
	counts := make(map[string]int64, len(s.consistency))
	for k, v := range s.consistency {
		counts[k] = v
	}
	s.consistencyMu.Unlock()

	return TelemetrySummary{
		ConfirmationLatencyMs: PctBucket{Chain: percentiles(chainConfirm), Backend: percentiles(backendConfirm)},
		ReceiptLagMs:          PctBucket{Chain: percentiles(chainLag), Backend: percentiles(backendLag)},
		ConsistencyCounts:     counts,
		Scheduler:             s.schedulerSummary(),
	}
}

// schedulerSummary derives the scheduler sub-aggregate from recorded
// cycle-decision outcomes: saturationProxyPct is the share of recent
// decisions that were a duplicate, stale rejection, or fail-open
// (retries and fencing churn rise under backpressure), and
// callbacks.latencyP95BucketMs is the p95 inter-arrival gap between
// consecutive accepted cycles for a given agentKey.
func (s *Service) schedulerSummary() SchedulerSummary {
	outcomes := s.cycleOutcomes.snapshot()
	var nonAccepted int
	for _, accepted := range outcomes {
		if !accepted {
			nonAccepted++
		}
	}
	var saturationPct float64
	if len(outcomes) > 0 {
		saturationPct = 100 * float64(nonAccepted) / float64(len(outcomes))
	}

	gaps := s.cycleGaps.snapshot()
	return SchedulerSummary{
		SaturationProxyPct: saturationPct,
		Callbacks:          SchedulerCallbacksInfo{LatencyP95BucketMs: percentiles(gaps).P95},
	}
}

// StreamRegister opens an SSE subscription filtered by txid/agentKey
// (empty matches all), optionally returning a bounded replay of recent
// matching receipts (§4.F "SSE fan-out").
func (s *Service) StreamRegister(txid, agentKey string, replay bool, limit int) (*sseClient, []ReceiptRecord, error) {
	c, err := s.hub.register(txid, agentKey)
	if err != nil {
		return nil, nil, err
	}
	if !replay {
		return c, nil, nil
	}
	if limit <= 0 || limit > s.cfg.ReplayLimitCap {
		limit = s.cfg.ReplayLimitCap
	}
	items := s.receipts.last(limit, func(r ReceiptRecord) bool {
		return c.matches(r)
	})
	return c, items, nil
}

// StreamUnregister closes and removes a client (§4.F "closes
// when the client disconnects").
func (s *Service) StreamUnregister(c *sseClient) {
	s.hub.unregister(c)
}

// Health reports liveness plus the current SSE client count, satisfying
// the HealthReporter interface so cmd/callback-consumer can pass the
// service straight into Handler.
func (s *Service) Health(ctx context.Context) HealthStatus {
	s.hub.mu.Lock()
	n := len(s.hub.clients)
	s.hub.mu.Unlock()
	return HealthStatus{OK: true, ConnectedClients: n}
}

// percentiles computes p50/p95 via the ceiling-index rule on sorted
// samples (§4.F, §8 "Freshness classification"-adjacent rule).
func percentiles(samples []int64) Pct {
	if len(samples) == 0 {
		return Pct{}
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return Pct{P50: ceilIndexPercentile(sorted, 50), P95: ceilIndexPercentile(sorted, 95)}
}

func ceilIndexPercentile(sorted []int64, pct int) int64 {
	n := len(sorted)
	idx := (n*pct + 99) / 100 // ceiling of n*pct/100
	if idx < 1 {
		idx = 1
	}
	if idx > n {
		idx = n
	}
	return sorted[idx-1]
}
