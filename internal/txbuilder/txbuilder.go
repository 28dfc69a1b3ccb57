// Package txbuilder implements §4.D's business logic: fetch
// live outputs, normalise and validate them, resolve adaptive
// telemetry, invoke the selection policy, drive a native build mode,
// and serialise the signable transaction envelope.
package txbuilder

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/forgeos-wallet/execpipeline/internal/errs"
	"github.com/forgeos-wallet/execpipeline/internal/metrics"
	"github.com/forgeos-wallet/execpipeline/internal/nativebuild"
	"github.com/forgeos-wallet/execpipeline/internal/policy"
	"github.com/forgeos-wallet/execpipeline/internal/telemetry"
	"github.com/forgeos-wallet/execpipeline/pkg/kaspaaddr"
)

// Supported networkId values (§6.2).
const (
	NetworkMainnet   = "mainnet"
	NetworkTestnet10 = "testnet-10"
)

// Sentinel validation/runtime errors. HTTP status mapping lives in
// http.go's errorInfoTab.
var (
	ErrUnsupportedWallet        = errs.New("unsupported wallet")
	ErrUnsupportedNetwork       = errs.New("unsupported networkId")
	ErrInvalidAddress           = errs.New("invalid-prefix address")
	ErrEmptyOutputs             = errs.New("outputs must not be empty")
	ErrNonPositiveAmount        = errs.New("output amount must be positive")
	ErrUtxoFetchFailed          = errs.New("utxo fetch failed")
	ErrTelemetryMissingRequired = errs.New("telemetry_summary_missing_required")
	ErrTelemetryStaleHard       = errs.New("telemetry_summary_stale_hard")
	ErrBuildFailed              = errs.New("build failed")
)

// RawUtxo is an unprocessed row as returned by the network RPC, before
// §4.D step 2's normalisation/validation.
type RawUtxo struct {
	Txid          string
	Index         int64
	AmountSompi   int64
	ScriptHex     string
	BlockDaaScore int64
	IsCoinbase    bool
}

// UtxoFetcher fetches live outputs for an address from the network RPC.
type UtxoFetcher interface {
	FetchLiveOutputs(ctx context.Context, address string) ([]RawUtxo, error)
}

// OutputRequest is one spend target in kastle units (KAS, not sompi).
type OutputRequest struct {
	Address   string  `json:"address"`
	AmountKas float64 `json:"amountKas"`
}

// TelemetryOverride is the caller-supplied telemetry hint (§6.2).
type TelemetryOverride struct {
	ObservedConfirmP95Ms *int64   `json:"observedConfirmP95Ms,omitempty"`
	DaaCongestionPct     *float64 `json:"daaCongestionPct,omitempty"`
}

// BuildRequest is the decoded POST /v1/kastle/build-tx-json body.
type BuildRequest struct {
	Wallet           string             `json:"wallet"`
	NetworkId        string             `json:"networkId"`
	FromAddress      string             `json:"fromAddress"`
	Outputs          []OutputRequest    `json:"outputs"`
	Purpose          string             `json:"purpose,omitempty"`
	PriorityFeeSompi *int64             `json:"priorityFeeSompi,omitempty"`
	Telemetry        *TelemetryOverride `json:"telemetry,omitempty"`
}

// PolicyMeta mirrors the relevant subset of policy.PolicyPlan for the
// response envelope.
type PolicyMeta struct {
	SelectionMode        string                  `json:"selectionMode"`
	PriorityFeeMode      string                  `json:"priorityFeeMode"`
	PriorityFeeSompi     int64                   `json:"priorityFeeSompi"`
	SelectedAmountSompi  int64                   `json:"selectedAmountSompi"`
	RequiredTargetSompi  int64                   `json:"requiredTargetSompi"`
	TruncatedByMaxInputs bool                    `json:"truncatedByMaxInputs"`
	AdaptiveSignals      *policy.AdaptiveSignals `json:"adaptiveSignals,omitempty"`
}

// Meta is the response envelope's "meta" field (§6.2).
type Meta struct {
	Mode                  string          `json:"mode"`
	Wallet                string          `json:"wallet"`
	NetworkId             string          `json:"networkId"`
	Outputs               []OutputRequest `json:"outputs"`
	FromAddress           string          `json:"fromAddress"`
	Txid                  string          `json:"txid,omitempty"`
	UtxoCount             int             `json:"utxoCount,omitempty"`
	JsonKind              string          `json:"jsonKind,omitempty"`
	Policy                PolicyMeta      `json:"policy"`
	FallbackUsedAllInputs bool            `json:"fallbackUsedAllInputs,omitempty"`
}

// BuildResult is the successful Build() outcome.
type BuildResult struct {
	TxJson string
	Meta   Meta
}

// Config holds every tunable §4.D names.
type Config struct {
	SupportedWallets       map[string]bool
	JsonKind               string // "transaction" or "pending"
	RequireStrictFreshness bool
	RequestTimeout         time.Duration
	Policy                 policy.Config
}

// DefaultConfig is a reasonable starting point; services override
// fields from internal/config env reads.
func DefaultConfig() Config {
	return Config{
		SupportedWallets:       map[string]bool{"kastle": true},
		JsonKind:               "transaction",
		RequireStrictFreshness: true,
		RequestTimeout:         10 * time.Second,
		Policy:                 policy.DefaultConfig(),
	}
}

// Service is the tx-builder's business-logic core, independent of HTTP.
type Service struct {
	cfg       Config
	utxos     UtxoFetcher
	telemetry *telemetry.Cache
	builder   nativebuild.Builder
}

// New builds a Service. telemetryCache may be nil (no adaptive inputs
// are fetched; caller-supplied telemetry, if any, is used as-is).
func New(cfg Config, utxos UtxoFetcher, telemetryCache *telemetry.Cache, builder nativebuild.Builder) *Service {
	return &Service{cfg: cfg, utxos: utxos, telemetry: telemetryCache, builder: builder}
}

var txidPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Build implements §4.D's local-native build pipeline end to end.
func (s *Service) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if err := validateRequest(req, s.cfg); err != nil {
		metrics.BuildRequestsTotal.WithLabelValues("validation_error").Inc()
		return BuildResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	rows, err := s.utxos.FetchLiveOutputs(ctx, req.FromAddress)
	if err != nil {
		metrics.UtxoFetchErrorsTotal.Inc()
		metrics.BuildRequestsTotal.WithLabelValues("utxo_fetch_error").Inc()
		return BuildResult{}, errs.Wrap(ErrUtxoFetchFailed, err.Error())
	}
	entries := normalizeUtxos(rows)

	telIn := policy.Telemetry{}
	if req.Telemetry != nil {
		if req.Telemetry.ObservedConfirmP95Ms != nil {
			telIn.ObservedConfirmP95Ms = *req.Telemetry.ObservedConfirmP95Ms
		}
		if req.Telemetry.DaaCongestionPct != nil {
			telIn.DaaCongestionPct = *req.Telemetry.DaaCongestionPct
		}
	}
	merged := telIn
	if s.telemetry != nil {
		merged = s.telemetry.GetAdaptiveTelemetry(ctx, telIn)
	}

	if s.cfg.RequireStrictFreshness && s.cfg.Policy.PriorityFeeMode == policy.FeeModeAdaptive {
		switch merged.SummaryFreshnessState {
		case policy.FreshnessMissing:
			metrics.TelemetryFreshnessTotal.WithLabelValues("missing").Inc()
			metrics.BuildRequestsTotal.WithLabelValues("telemetry_missing").Inc()
			return BuildResult{}, ErrTelemetryMissingRequired
		case policy.FreshnessStaleHard:
			metrics.TelemetryFreshnessTotal.WithLabelValues("stale_hard").Inc()
			metrics.BuildRequestsTotal.WithLabelValues("telemetry_stale_hard").Inc()
			return BuildResult{}, errs.WithDetail(ErrTelemetryStaleHard, fmt.Sprintf("telemetry_summary_stale_hard_%dms", merged.SummaryFreshnessMaxAgeMs))
		}
	}
	metrics.TelemetryFreshnessTotal.WithLabelValues(orNotRequired(merged.SummaryFreshnessState)).Inc()

	outputsTotal, outputCount := totalsSompi(req.Outputs)
	plan := policy.Select(entries, outputsTotal, outputCount, req.PriorityFeeSompi, &merged, s.cfg.Policy)

	nbReq := nativebuild.Request{
		Entries:          plan.SelectedEntries,
		ChangeAddress:    req.FromAddress,
		Outputs:          toBuildOutputs(req.Outputs),
		PriorityFeeSompi: plan.PriorityFeeSompi,
		NetworkId:        req.NetworkId,
	}

	result, err := s.builder.Build(ctx, nbReq)
	fallback := false
	if err != nil && len(plan.SelectedEntries) < len(entries) {
		metrics.BuildFallbackTotal.Inc()
		fallbackReq := nbReq
		fallbackReq.Entries = entries
		result, err = s.builder.Build(ctx, fallbackReq)
		fallback = err == nil
	}
	if err != nil {
		metrics.BuildRequestsTotal.WithLabelValues("build_error").Inc()
		return BuildResult{}, errs.Wrap(ErrBuildFailed, err.Error())
	}
	metrics.BuildModeTotal.WithLabelValues(result.Mode).Inc()
	metrics.BuildRequestsTotal.WithLabelValues("success").Inc()

	txJson, err := serializeTxJson(result.Raw, s.cfg.JsonKind)
	if err != nil {
		return BuildResult{}, errs.Wrap(err, "tx json serialization failed")
	}

	meta := Meta{
		Mode:        result.Mode,
		Wallet:      req.Wallet,
		NetworkId:   req.NetworkId,
		Outputs:     req.Outputs,
		FromAddress: req.FromAddress,
		Txid:        result.Txid,
		UtxoCount:   len(plan.SelectedEntries),
		JsonKind:    s.cfg.JsonKind,
		Policy: PolicyMeta{
			SelectionMode:        plan.SelectionMode,
			PriorityFeeMode:      plan.PriorityFeeMode,
			PriorityFeeSompi:     plan.PriorityFeeSompi,
			SelectedAmountSompi:  plan.SelectedAmountSompi,
			RequiredTargetSompi:  plan.RequiredTargetSompi,
			TruncatedByMaxInputs: plan.TruncatedByMaxInputs,
			AdaptiveSignals:      plan.AdaptiveSignals,
		},
		FallbackUsedAllInputs: fallback,
	}
	return BuildResult{TxJson: txJson, Meta: meta}, nil
}

func orNotRequired(state string) string {
	if state == "" {
		return policy.FreshnessNotRequired
	}
	return state
}

func validateRequest(req BuildRequest, cfg Config) error {
	if !cfg.SupportedWallets[req.Wallet] {
		return errs.WithDetail(ErrUnsupportedWallet, req.Wallet)
	}
	if req.NetworkId != NetworkMainnet && req.NetworkId != NetworkTestnet10 {
		return errs.WithDetail(ErrUnsupportedNetwork, req.NetworkId)
	}
	if err := kaspaaddr.ValidatePrefix(req.FromAddress, req.NetworkId); err != nil {
		return errs.WithDetail(ErrInvalidAddress, err.Error())
	}
	if len(req.Outputs) == 0 {
		return ErrEmptyOutputs
	}
	for _, o := range req.Outputs {
		if o.AmountKas <= 0 {
			return ErrNonPositiveAmount
		}
		if err := kaspaaddr.ValidatePrefix(o.Address, req.NetworkId); err != nil {
			return errs.WithDetail(ErrInvalidAddress, err.Error())
		}
	}
	return nil
}

// normalizeUtxos implements §4.D step 2: drop rows failing any
// shape check rather than erroring the whole request.
func normalizeUtxos(rows []RawUtxo) []policy.UtxoEntry {
	out := make([]policy.UtxoEntry, 0, len(rows))
	for _, r := range rows {
		if !txidPattern.MatchString(r.Txid) {
			continue
		}
		if r.Index < 0 {
			continue
		}
		if r.AmountSompi <= 0 {
			continue
		}
		if !validScriptHex(r.ScriptHex) {
			continue
		}
		out = append(out, policy.UtxoEntry{
			Outpoint:      policy.Outpoint{Txid: strings.ToLower(r.Txid), Index: uint32(r.Index)},
			AmountSompi:   r.AmountSompi,
			ScriptHex:     r.ScriptHex,
			BlockDaaScore: r.BlockDaaScore,
			IsCoinbase:    r.IsCoinbase,
		})
	}
	return out
}

func validScriptHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func totalsSompi(outputs []OutputRequest) (total int64, count int) {
	for _, o := range outputs {
		total += kasToSompiTarget(o.AmountKas)
	}
	return total, len(outputs)
}

// kasToSompiTarget converts a KAS amount into sompi rounding up, never
// down: both call sites here feed a *target* (required output total,
// per-output amount sent to the native builder), and underfunding a
// target by rounding toward nearest would silently shortchange the
// requested spend. epsilon absorbs float64 representation noise (e.g.
// 0.1 KAS) so an exact multiple of one sompi doesn't get bumped to the
// next one by the ceiling.
func kasToSompiTarget(kas float64) int64 {
	const epsilon = 1e-6
	return int64(math.Ceil(kas*1e8 - epsilon))
}

func toBuildOutputs(outputs []OutputRequest) []nativebuild.Output {
	out := make([]nativebuild.Output, len(outputs))
	for i, o := range outputs {
		out[i] = nativebuild.Output{Address: o.Address, AmountSompi: kasToSompiTarget(o.AmountKas)}
	}
	return out
}

// maxSafeInt is the largest magnitude an IEEE-754 double represents
// exactly; txJson integers beyond it must be stringified.
const maxSafeInt = int64(1)<<53 - 1

func serializeTxJson(raw map[string]interface{}, jsonKind string) (string, error) {
	wrapper := map[string]interface{}{
		"kind": jsonKind,
		"tx":   sanitizeLargeInts(raw),
	}
	b, err := json.Marshal(wrapper)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sanitizeLargeInts walks a JSON-shaped value, converting any integer
// beyond the JS safe-integer range into its decimal-string form.
func sanitizeLargeInts(v interface{}) interface{} {
	switch val := v.(type) {
	case int64:
		return stringifyIfUnsafe(val)
	case int:
		return stringifyIfUnsafe(int64(val))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = sanitizeLargeInts(vv)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = sanitizeLargeInts(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = sanitizeLargeInts(vv)
		}
		return out
	default:
		return v
	}
}

func stringifyIfUnsafe(v int64) interface{} {
	if v > maxSafeInt || v < -maxSafeInt {
		return strconv.FormatInt(v, 10)
	}
	return v
}
