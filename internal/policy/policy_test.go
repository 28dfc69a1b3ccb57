package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkEntry(txid string, amount, daa int64) UtxoEntry {
	return UtxoEntry{Outpoint: Outpoint{Txid: txid}, AmountSompi: amount, BlockDaaScore: daa}
}

func TestSelect_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityFeeMode = FeeModeFixed
	candidates := []UtxoEntry{mkEntry("a", 1000, 1), mkEntry("b", 2000, 2), mkEntry("c", 3000, 3)}

	p1 := Select(candidates, 2500, 1, nil, nil, cfg)
	p2 := Select(candidates, 2500, 1, nil, nil, cfg)
	assert.Equal(t, p1, p2)
}

func TestSelect_MeetsTargetUnlessTruncated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityFeeMode = FeeModeFixed
	cfg.MaxInputs = 64
	candidates := []UtxoEntry{mkEntry("a", 1000, 1), mkEntry("b", 2000, 2), mkEntry("c", 5000, 3)}

	plan := Select(candidates, 2500, 1, nil, nil, cfg)
	require.False(t, plan.TruncatedByMaxInputs)
	assert.GreaterOrEqual(t, plan.SelectedAmountSompi, plan.RequiredTargetSompi)
}

func TestSelect_TruncationImpliesMaxInputsSelected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityFeeMode = FeeModeFixed
	cfg.MaxInputs = 2
	cfg.FixedFeeSompi = 0
	cfg.EstimatedNetworkFeeSompi = 0
	cfg.ExtraSafetyBufferSompi = 0
	cfg.PerInputFeeBufferSompi = 0
	candidates := []UtxoEntry{mkEntry("a", 100, 1), mkEntry("b", 100, 2), mkEntry("c", 100, 3)}

	plan := Select(candidates, 1_000_000, 1, nil, nil, cfg)
	require.True(t, plan.TruncatedByMaxInputs)
	assert.Len(t, plan.SelectedEntries, 2)
}

func TestScenario4_AdaptiveFeeEscalation(t *testing.T) {
	cfg := DefaultConfig()
	candidates := []UtxoEntry{mkEntry("a", 10000, 1), mkEntry("b", 10000, 2)}
	telemetry := &Telemetry{
		ObservedConfirmP95Ms:  45000,
		DaaCongestionPct:      85,
		SummaryFreshnessState: FreshnessFresh,
	}

	plan := Select(candidates, 5000, 1, nil, telemetry, cfg)
	require.NotNil(t, plan.AdaptiveSignals)
	assert.Greater(t, plan.PriorityFeeSompi, cfg.DefaultAdaptiveBaseFee)
	assert.Greater(t, plan.AdaptiveSignals.DaaCongestionBumpApplied, int64(0))
	assert.LessOrEqual(t, plan.PriorityFeeSompi, cfg.FeeMaxSompi)
}

func TestScenario5_StaleSoftDampening(t *testing.T) {
	cfg := DefaultConfig()
	candidates := []UtxoEntry{mkEntry("a", 10000, 1), mkEntry("b", 10000, 2)}

	freshTelemetry := &Telemetry{ObservedConfirmP95Ms: 45000, DaaCongestionPct: 85, SummaryFreshnessState: FreshnessFresh}
	staleTelemetry := &Telemetry{ObservedConfirmP95Ms: 45000, DaaCongestionPct: 85, SummaryFreshnessState: FreshnessStaleSoft}

	freshPlan := Select(candidates, 5000, 1, nil, freshTelemetry, cfg)
	stalePlan := Select(candidates, 5000, 1, nil, staleTelemetry, cfg)

	require.NotNil(t, stalePlan.AdaptiveSignals)
	expectedDelta := (stalePlan.AdaptiveSignals.RawLatencyMultiplier - 1.0) * cfg.StaleSoftDampening
	assert.InDelta(t, 1.0+expectedDelta, stalePlan.AdaptiveSignals.DampenedLatencyMultiplier, 1e-9)
	assert.Less(t, stalePlan.PriorityFeeSompi, freshPlan.PriorityFeeSompi)
	assert.Equal(t, FreshnessStaleSoft, stalePlan.AdaptiveSignals.SummaryFreshnessState)
}

func TestAdaptive_StaleHardForcesNeutralMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	candidates := []UtxoEntry{mkEntry("a", 10000, 1)}
	telemetry := &Telemetry{ObservedConfirmP95Ms: 90000, SummaryFreshnessState: FreshnessStaleHard}

	plan := Select(candidates, 5000, 1, nil, telemetry, cfg)
	require.NotNil(t, plan.AdaptiveSignals)
	assert.Equal(t, 1.0, plan.AdaptiveSignals.DampenedLatencyMultiplier)
}

func TestSortCandidates_LargestFirst(t *testing.T) {
	candidates := []UtxoEntry{mkEntry("a", 100, 1), mkEntry("b", 300, 2), mkEntry("c", 200, 3)}
	sorted := sortCandidates(candidates, ModeLargestFirst, false)
	assert.Equal(t, []string{"b", "c", "a"}, txids(sorted))
}

func TestSortCandidates_OldestFirst(t *testing.T) {
	candidates := []UtxoEntry{mkEntry("a", 100, 3), mkEntry("b", 300, 1), mkEntry("c", 200, 2)}
	sorted := sortCandidates(candidates, ModeOldestFirst, false)
	assert.Equal(t, []string{"b", "c", "a"}, txids(sorted))
}

func TestSortCandidates_AutoPrefersConsolidation(t *testing.T) {
	candidates := []UtxoEntry{mkEntry("a", 100, 3), mkEntry("b", 300, 1), mkEntry("c", 200, 2)}
	sorted := sortCandidates(candidates, ModeAuto, true)
	assert.Equal(t, []string{"b", "c", "a"}, txids(sorted), "preferConsolidation -> oldest-first")
}

func TestSortCandidates_AutoDefaultsToLargestFirst(t *testing.T) {
	candidates := []UtxoEntry{mkEntry("a", 100, 1), mkEntry("b", 300, 2), mkEntry("c", 200, 3)}
	sorted := sortCandidates(candidates, ModeAuto, false)
	assert.Equal(t, []string{"b", "c", "a"}, txids(sorted))
}

func txids(entries []UtxoEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Outpoint.Txid
	}
	return out
}

func TestBaselineFee_Modes(t *testing.T) {
	cfg := DefaultConfig()

	cfg.PriorityFeeMode = FeeModeFixed
	cfg.FixedFeeSompi = 777
	assert.Equal(t, int64(777), baselineFee(cfg, 1000, 2, nil))

	cfg.PriorityFeeMode = FeeModeOutputBps
	cfg.OutputBps = 100 // 1%
	assert.Equal(t, int64(10), baselineFee(cfg, 1000, 2, nil))

	cfg.PriorityFeeMode = FeeModePerOutput
	cfg.PerOutputFeeSompi = 50
	assert.Equal(t, int64(100), baselineFee(cfg, 1000, 2, nil))

	cfg.PriorityFeeMode = FeeModeRequestOrFixed
	req := int64(333)
	assert.Equal(t, int64(333), baselineFee(cfg, 1000, 2, &req))
	assert.Equal(t, cfg.FixedFeeSompi, baselineFee(cfg, 1000, 2, nil))
}
