// Package policy implements §4.C: the pure UTXO selection and
// adaptive priority-fee function. Nothing here performs I/O; every
// function is deterministic given its inputs, matching the
// "policy(inputs) = policy(inputs)" testable property of §8.
package policy

import "sort"

// UtxoEntry is §3's UtxoEntry.
type UtxoEntry struct {
	Outpoint      Outpoint
	AmountSompi   int64
	ScriptHex     string
	BlockDaaScore int64
	IsCoinbase    bool
}

// Outpoint identifies a UTXO.
type Outpoint struct {
	Txid  string
	Index uint32
}

// Selection modes (§4.C).
const (
	ModeLargestFirst = "largest-first"
	ModeSmallestFirst = "smallest-first"
	ModeOldestFirst  = "oldest-first"
	ModeNewestFirst  = "newest-first"
	ModeAuto         = "auto"
)

// Priority-fee modes (§4.C).
const (
	FeeModeFixed         = "fixed"
	FeeModeOutputBps     = "output_bps"
	FeeModePerOutput     = "per_output"
	FeeModeRequestOrFixed = "request_or_fixed"
	FeeModeAdaptive      = "adaptive"
)

// Freshness states a telemetry input may carry (§3 FreshnessState).
const (
	FreshnessFresh     = "fresh"
	FreshnessStaleSoft = "stale_soft"
	FreshnessStaleHard = "stale_hard"
	FreshnessMissing   = "missing"
	FreshnessNotRequired = "not_required"
)

// Config holds every knob §4.C names, each with the default a
// caller gets by starting from DefaultConfig().
type Config struct {
	SelectionMode            string
	MaxInputs                int
	EstimatedNetworkFeeSompi int64
	PerInputFeeBufferSompi   int64
	ExtraSafetyBufferSompi   int64
	PreferConsolidation      bool

	PriorityFeeMode    string
	FixedFeeSompi      int64
	OutputBps          int64 // basis points of outputsTotal, output_bps mode
	PerOutputFeeSompi  int64
	FeeMinSompi        int64
	FeeMaxSompi        int64

	// Adaptive thresholds.
	DefaultAdaptiveBaseFee int64
	TargetConfirmMs        int64
	HighConfirmMs          int64
	CriticalConfirmMs      int64
	UpPct                  float64
	DownPct                float64

	PerInputBumpSompi         int64
	FragmentationThreshold    int
	FragmentationBumpSompi    int64
	TruncationBumpSompi       int64
	DaaCongestionThresholdPct float64
	DaaCongestionBumpSompi    int64

	ReceiptLagHighMs            int64
	ReceiptLagCriticalMs        int64
	ReceiptLagHighBumpSompi     int64
	ReceiptLagCriticalBumpSompi int64

	SchedulerCallbackHighMs            int64
	SchedulerCallbackCriticalMs        int64
	SchedulerCallbackHighBumpSompi     int64
	SchedulerCallbackCriticalBumpSompi int64

	// StaleSoftDampening scales (rawMultiplier - 1) under stale_soft
	// freshness (§9 open question: "0.45 ... tunable").
	StaleSoftDampening float64
}

// DefaultConfig returns the config §4.C describes as "all with
// defaults".
func DefaultConfig() Config {
	return Config{
		SelectionMode:            ModeAuto,
		MaxInputs:                64,
		EstimatedNetworkFeeSompi: 1000,
		PerInputFeeBufferSompi:   200,
		ExtraSafetyBufferSompi:   500,
		PreferConsolidation:      false,

		PriorityFeeMode:   FeeModeAdaptive,
		FixedFeeSompi:     1000,
		OutputBps:         10,
		PerOutputFeeSompi: 500,
		FeeMinSompi:       0,
		FeeMaxSompi:       1_000_000,

		DefaultAdaptiveBaseFee: 2000,
		TargetConfirmMs:        10000,
		HighConfirmMs:          30000,
		CriticalConfirmMs:      60000,
		UpPct:                  0.5,
		DownPct:                0.25,

		PerInputBumpSompi:         50,
		FragmentationThreshold:    10,
		FragmentationBumpSompi:    1000,
		TruncationBumpSompi:       2000,
		DaaCongestionThresholdPct: 70,
		DaaCongestionBumpSompi:    3000,

		ReceiptLagHighMs:                   15000,
		ReceiptLagCriticalMs:               45000,
		ReceiptLagHighBumpSompi:            500,
		ReceiptLagCriticalBumpSompi:        1500,
		SchedulerCallbackHighMs:            5000,
		SchedulerCallbackCriticalMs:        15000,
		SchedulerCallbackHighBumpSompi:     500,
		SchedulerCallbackCriticalBumpSompi: 1500,

		StaleSoftDampening: 0.45,
	}
}

// Telemetry is the adaptive-fee input (§4.E's merged output).
type Telemetry struct {
	ObservedConfirmP95Ms      int64
	DaaCongestionPct          float64
	ReceiptLagP95Ms           int64
	SchedulerCallbackP95Ms    int64
	SummaryFreshnessState     string
	SummaryFreshnessMaxAgeMs  int64
}

// AdaptiveSignals records every diagnostic §4.C step 6 requires
// when the plan used adaptive fee mode.
type AdaptiveSignals struct {
	ObservedConfirmP95Ms     int64
	DaaCongestionPct         float64
	RawLatencyMultiplier     float64
	DampenedLatencyMultiplier float64
	SummaryFreshnessState    string
	SummaryFreshnessMaxAgeMs int64

	PerInputBumpApplied         int64
	FragmentationBumpApplied    int64
	TruncationBumpApplied       int64
	DaaCongestionBumpApplied    int64
	ReceiptLagBumpApplied       int64
	SchedulerCallbackBumpApplied int64
}

// PolicyPlan is §3's PolicyPlan, the pure output of Select.
type PolicyPlan struct {
	SelectedEntries      []UtxoEntry
	SelectedAmountSompi  int64
	RequiredTargetSompi  int64
	PriorityFeeSompi     int64
	SelectionMode        string
	PriorityFeeMode      string
	TruncatedByMaxInputs bool
	AdaptiveSignals      *AdaptiveSignals
}

// Select is §4.C's pure selection/fee algorithm.
func Select(candidates []UtxoEntry, outputsTotalSompi int64, outputCount int, requestPriorityFeeSompi *int64, telemetry *Telemetry, cfg Config) PolicyPlan {
	baseFee := baselineFee(cfg, outputsTotalSompi, outputCount, requestPriorityFeeSompi)

	sorted := sortCandidates(candidates, cfg.SelectionMode, cfg.PreferConsolidation)

	selected, selectedAmount, truncated := greedySelect(sorted, outputsTotalSompi, cfg, baseFee)
	requiredTarget := requiredTargetSompi(outputsTotalSompi, cfg, baseFee, len(selected))

	plan := PolicyPlan{
		SelectedEntries:      selected,
		SelectedAmountSompi:  selectedAmount,
		RequiredTargetSompi:  requiredTarget,
		PriorityFeeSompi:     baseFee,
		SelectionMode:        cfg.SelectionMode,
		PriorityFeeMode:      cfg.PriorityFeeMode,
		TruncatedByMaxInputs: truncated,
	}

	if cfg.PriorityFeeMode != FeeModeAdaptive {
		return plan
	}

	fee, signals := adaptiveFee(baseFee, len(selected), truncated, telemetry, cfg)
	plan.PriorityFeeSompi = fee
	plan.AdaptiveSignals = &signals

	newTarget := requiredTargetSompi(outputsTotalSompi, cfg, fee, len(selected))
	if newTarget > selectedAmount {
		more, moreAmount, moreTruncated := extendSelection(sorted, selected, selectedAmount, outputsTotalSompi, cfg, fee)
		selected = more
		selectedAmount = moreAmount
		truncated = truncated || moreTruncated
		newTarget = requiredTargetSompi(outputsTotalSompi, cfg, fee, len(selected))
	}

	plan.SelectedEntries = selected
	plan.SelectedAmountSompi = selectedAmount
	plan.RequiredTargetSompi = newTarget
	plan.TruncatedByMaxInputs = truncated
	return plan
}

func baselineFee(cfg Config, outputsTotalSompi int64, outputCount int, requestFee *int64) int64 {
	var fee int64
	switch cfg.PriorityFeeMode {
	case FeeModeFixed:
		fee = cfg.FixedFeeSompi
	case FeeModeOutputBps:
		fee = outputsTotalSompi * cfg.OutputBps / 10000
	case FeeModePerOutput:
		fee = int64(outputCount) * cfg.PerOutputFeeSompi
	case FeeModeRequestOrFixed:
		if requestFee != nil {
			fee = *requestFee
		} else {
			fee = cfg.FixedFeeSompi
		}
	case FeeModeAdaptive:
		fee = cfg.DefaultAdaptiveBaseFee
	default:
		fee = cfg.FixedFeeSompi
	}
	return clampFee(fee, cfg)
}

func clampFee(fee int64, cfg Config) int64 {
	if fee < cfg.FeeMinSompi {
		return cfg.FeeMinSompi
	}
	if cfg.FeeMaxSompi > 0 && fee > cfg.FeeMaxSompi {
		return cfg.FeeMaxSompi
	}
	return fee
}

// requiredTargetSompi is the greedy loop's funding target, recomputed
// whenever priorityFee or selectedCount changes (§4.C step 3).
func requiredTargetSompi(outputsTotalSompi int64, cfg Config, priorityFee int64, selectedCount int) int64 {
	return outputsTotalSompi + cfg.EstimatedNetworkFeeSompi + cfg.ExtraSafetyBufferSompi +
		priorityFee + int64(selectedCount)*cfg.PerInputFeeBufferSompi
}

func greedySelect(sorted []UtxoEntry, outputsTotalSompi int64, cfg Config, priorityFee int64) (selected []UtxoEntry, amount int64, truncated bool) {
	for _, e := range sorted {
		target := requiredTargetSompi(outputsTotalSompi, cfg, priorityFee, len(selected))
		if amount >= target {
			break
		}
		if cfg.MaxInputs > 0 && len(selected) >= cfg.MaxInputs {
			break
		}
		selected = append(selected, e)
		amount += e.AmountSompi
	}
	target := requiredTargetSompi(outputsTotalSompi, cfg, priorityFee, len(selected))
	truncated = amount < target && cfg.MaxInputs > 0 && len(selected) == cfg.MaxInputs
	return selected, amount, truncated
}

// extendSelection continues the greedy loop from an existing selection
// using candidates not already selected, for when a recomputed adaptive
// fee raises the required target (§4.C step 5).
func extendSelection(sorted, already []UtxoEntry, amount int64, outputsTotalSompi int64, cfg Config, priorityFee int64) ([]UtxoEntry, int64, bool) {
	alreadySet := make(map[Outpoint]bool, len(already))
	for _, e := range already {
		alreadySet[e.Outpoint] = true
	}
	selected := append([]UtxoEntry(nil), already...)
	for _, e := range sorted {
		if alreadySet[e.Outpoint] {
			continue
		}
		target := requiredTargetSompi(outputsTotalSompi, cfg, priorityFee, len(selected))
		if amount >= target {
			break
		}
		if cfg.MaxInputs > 0 && len(selected) >= cfg.MaxInputs {
			break
		}
		selected = append(selected, e)
		amount += e.AmountSompi
	}
	target := requiredTargetSompi(outputsTotalSompi, cfg, priorityFee, len(selected))
	truncated := amount < target && cfg.MaxInputs > 0 && len(selected) == cfg.MaxInputs
	return selected, amount, truncated
}

// sortCandidates orders candidates per the selection mode. Ties are
// broken by the opposite score, stably, per §4.C "Tie-breaks".
func sortCandidates(candidates []UtxoEntry, mode string, preferConsolidation bool) []UtxoEntry {
	out := append([]UtxoEntry(nil), candidates...)

	byAmountDesc := func(i, j int) bool { return out[i].AmountSompi > out[j].AmountSompi }
	byAmountAsc := func(i, j int) bool { return out[i].AmountSompi < out[j].AmountSompi }
	byDaaAsc := func(i, j int) bool { return out[i].BlockDaaScore < out[j].BlockDaaScore }
	byDaaDesc := func(i, j int) bool { return out[i].BlockDaaScore > out[j].BlockDaaScore }

	switch mode {
	case ModeLargestFirst:
		// secondary pass first, then stable-sort by primary so ties
		// keep the secondary (opposite-score) order.
		sort.SliceStable(out, byDaaAsc)
		sort.SliceStable(out, byAmountDesc)
	case ModeSmallestFirst:
		sort.SliceStable(out, byDaaDesc)
		sort.SliceStable(out, byAmountAsc)
	case ModeOldestFirst:
		sort.SliceStable(out, byAmountDesc)
		sort.SliceStable(out, byDaaAsc)
	case ModeNewestFirst:
		sort.SliceStable(out, byAmountAsc)
		sort.SliceStable(out, byDaaDesc)
	case ModeAuto:
		if preferConsolidation {
			sort.SliceStable(out, byAmountAsc)
			sort.SliceStable(out, byDaaAsc)
		} else {
			sort.SliceStable(out, byDaaAsc)
			sort.SliceStable(out, byAmountDesc)
		}
	default:
		sort.SliceStable(out, byDaaAsc)
		sort.SliceStable(out, byAmountDesc)
	}
	return out
}

// adaptiveFee computes the freshness-dampened adaptive priority fee
// (§4.C step 4).
func adaptiveFee(baseFee int64, selectedCount int, truncated bool, t *Telemetry, cfg Config) (int64, AdaptiveSignals) {
	var signals AdaptiveSignals
	if t == nil {
		t = &Telemetry{SummaryFreshnessState: FreshnessMissing}
	}
	signals.ObservedConfirmP95Ms = t.ObservedConfirmP95Ms
	signals.DaaCongestionPct = t.DaaCongestionPct
	signals.SummaryFreshnessState = t.SummaryFreshnessState
	signals.SummaryFreshnessMaxAgeMs = t.SummaryFreshnessMaxAgeMs

	raw := latencyMultiplier(t.ObservedConfirmP95Ms, cfg.TargetConfirmMs, cfg.HighConfirmMs, cfg.CriticalConfirmMs, cfg.UpPct, cfg.DownPct)
	signals.RawLatencyMultiplier = raw

	dampened := raw
	switch t.SummaryFreshnessState {
	case FreshnessStaleSoft:
		dampened = 1.0 + (raw-1.0)*cfg.StaleSoftDampening
	case FreshnessStaleHard:
		dampened = 1.0
	}
	signals.DampenedLatencyMultiplier = dampened

	severity := dampened - 1.0
	if severity < 0 {
		severity = 0
	}

	fee := int64(float64(baseFee) * dampened)

	signals.PerInputBumpApplied = cfg.PerInputBumpSompi * int64(selectedCount)
	fee += signals.PerInputBumpApplied

	if selectedCount >= cfg.FragmentationThreshold {
		signals.FragmentationBumpApplied = cfg.FragmentationBumpSompi
		fee += signals.FragmentationBumpApplied
	}

	if truncated {
		signals.TruncationBumpApplied = cfg.TruncationBumpSompi
		fee += signals.TruncationBumpApplied
	}

	if t.DaaCongestionPct > cfg.DaaCongestionThresholdPct {
		signals.DaaCongestionBumpApplied = cfg.DaaCongestionBumpSompi
		fee += signals.DaaCongestionBumpApplied
	}

	if t.ReceiptLagP95Ms >= cfg.ReceiptLagCriticalMs {
		signals.ReceiptLagBumpApplied = int64(float64(cfg.ReceiptLagCriticalBumpSompi) * (1 + severity))
	} else if t.ReceiptLagP95Ms >= cfg.ReceiptLagHighMs {
		signals.ReceiptLagBumpApplied = int64(float64(cfg.ReceiptLagHighBumpSompi) * (1 + severity))
	}
	fee += signals.ReceiptLagBumpApplied

	if t.SchedulerCallbackP95Ms >= cfg.SchedulerCallbackCriticalMs {
		signals.SchedulerCallbackBumpApplied = int64(float64(cfg.SchedulerCallbackCriticalBumpSompi) * (1 + severity))
	} else if t.SchedulerCallbackP95Ms >= cfg.SchedulerCallbackHighMs {
		signals.SchedulerCallbackBumpApplied = int64(float64(cfg.SchedulerCallbackHighBumpSompi) * (1 + severity))
	}
	fee += signals.SchedulerCallbackBumpApplied

	return clampFee(fee, cfg), signals
}

// latencyMultiplier maps an observed p95 confirmation latency to a
// severity multiplier against the target/high/critical thresholds.
// Faster-than-target latencies apply a discount (downPct); slower
// latencies ramp the multiplier up to 1+2*upPct above critical.
func latencyMultiplier(observedMs, target, high, critical int64, upPct, downPct float64) float64 {
	switch {
	case observedMs <= 0:
		return 1.0
	case observedMs < target:
		if target == 0 {
			return 1.0
		}
		frac := float64(target-observedMs) / float64(target)
		return 1.0 - downPct*frac
	case observedMs <= high:
		if high == target {
			return 1.0 + upPct
		}
		frac := float64(observedMs-target) / float64(high-target)
		return 1.0 + upPct*frac
	case observedMs <= critical:
		if critical == high {
			return 1.0 + upPct
		}
		frac := float64(observedMs-high) / float64(critical-high)
		return 1.0 + upPct + upPct*frac
	default:
		return 1.0 + 2*upPct
	}
}
