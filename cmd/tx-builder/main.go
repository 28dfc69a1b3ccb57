// Command tx-builder runs the §4.D build-tx-json HTTP service: fetches
// live UTXOs, resolves adaptive telemetry, applies the selection
// policy, drives a native build mode, and serves the unsigned, signable
// envelope JSON, via env-driven config and a bare http.ListenAndServe.
package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forgeos-wallet/execpipeline/internal/config"
	"github.com/forgeos-wallet/execpipeline/internal/nativebuild"
	"github.com/forgeos-wallet/execpipeline/internal/rpcclient"
	"github.com/forgeos-wallet/execpipeline/internal/telemetry"
	"github.com/forgeos-wallet/execpipeline/internal/txbuilder"
)

// rpcUtxoFetcher adapts rpcclient.Client to txbuilder.UtxoFetcher,
// calling the configured network RPC's live-outputs-by-address route.
type rpcUtxoFetcher struct {
	client *rpcclient.Client
}

func (f rpcUtxoFetcher) FetchLiveOutputs(ctx context.Context, address string) ([]txbuilder.RawUtxo, error) {
	var rows []txbuilder.RawUtxo
	err := f.client.Get(ctx, "/addresses/"+url.PathEscape(address)+"/utxos", nil, &rows)
	return rows, err
}

func main() {
	log.SetPrefix("tx-builder: ")
	log.SetFlags(log.Lshortfile)

	listenAddr := config.String("TX_BUILDER_LISTEN", ":8081")
	rpcBaseURL := config.String("KASPA_RPC_URL", "http://localhost:16110")
	rpcToken := config.String("KASPA_RPC_TOKEN", "")
	requestTimeout := time.Duration(config.Int("TX_BUILDER_REQUEST_TIMEOUT_MS", 10000, 1000, 60000)) * time.Millisecond

	cfg := txbuilder.DefaultConfig()
	cfg.RequestTimeout = requestTimeout
	cfg.RequireStrictFreshness = config.Bool("TX_BUILDER_REQUIRE_STRICT_FRESHNESS", cfg.RequireStrictFreshness)
	if mode := config.String("TX_BUILDER_PRIORITY_FEE_MODE", ""); mode != "" {
		cfg.Policy.PriorityFeeMode = mode
	}

	utxoClient := &rpcclient.Client{BaseURL: rpcBaseURL, Token: rpcToken, UserAgent: "tx-builder/1"}

	var telemetryCache *telemetry.Cache
	if summaryURL := config.String("TELEMETRY_SUMMARY_URL", ""); summaryURL != "" {
		summaryClient := &rpcclient.Client{BaseURL: summaryURL, UserAgent: "tx-builder/1"}
		telemetryCache = telemetry.NewCache(telemetry.Durations{
			TTL:       time.Duration(config.Int("TELEMETRY_TTL_MS", 30000, 1000, 600000)) * time.Millisecond,
			StaleSoft: time.Duration(config.Int("TELEMETRY_STALE_SOFT_MS", 120000, 1000, 3600000)) * time.Millisecond,
			StaleHard: time.Duration(config.Int("TELEMETRY_STALE_HARD_MS", 600000, 1000, 7200000)) * time.Millisecond,
		},
			func(ctx context.Context) (telemetry.ReceiptsSummary, error) {
				var out telemetry.ReceiptsSummary
				err := summaryClient.Get(ctx, "/v1/telemetry-summary", nil, &out)
				return out, err
			},
			func(ctx context.Context) (telemetry.SchedulerSummary, error) {
				// The consumer's GET /v1/telemetry-summary body carries
				// the scheduler aggregate nested under "scheduler", not
				// at the top level, so this needs its own envelope
				// rather than reusing telemetry.ReceiptsSummary's shape.
				var envelope struct {
					Scheduler telemetry.SchedulerSummary `json:"scheduler"`
				}
				err := summaryClient.Get(ctx, "/v1/telemetry-summary", nil, &envelope)
				return envelope.Scheduler, err
			},
		)
	}

	builders := []nativebuild.Builder{nativebuild.NewLocalNative()}
	if cmdPath := config.String("TX_BUILD_COMMAND", ""); cmdPath != "" {
		builders = append(builders, nativebuild.NewCommand(nativebuild.CommandConfig{
			Path: cmdPath,
			Args: strings.Fields(config.String("TX_BUILD_COMMAND_ARGS", "")),
		}))
	}
	if proxyURL := config.String("TX_BUILD_PROXY_URL", ""); proxyURL != "" {
		builders = append(builders, nativebuild.NewProxy(nativebuild.ProxyConfig{
			BaseURL: proxyURL,
			Token:   config.String("TX_BUILD_PROXY_TOKEN", ""),
			Path:    config.String("TX_BUILD_PROXY_PATH", "/build"),
		}))
	}
	builders = append(builders, nativebuild.NewManual(config.Bool("TX_BUILD_MANUAL_ENABLED", false)))
	chain := nativebuild.Chain{Builders: builders}

	svc := txbuilder.New(cfg, rpcUtxoFetcher{client: utxoClient}, telemetryCache, chain)

	auth := txbuilder.AuthConfig{}
	if tokens := config.String("TX_BUILDER_TOKENS", ""); tokens != "" {
		auth.Tokens = strings.Split(tokens, ",")
	}

	handler := txbuilder.Handler(svc, auth, healthReporter{mode: chain.Builders[0].Mode()})

	log.Printf("listening on %s", listenAddr)
	if err := http.ListenAndServe(listenAddr, handler); err != nil {
		log.Fatal(err)
	}
}

type healthReporter struct {
	mode string
}

func (h healthReporter) Health(ctx context.Context) txbuilder.HealthStatus {
	return txbuilder.HealthStatus{OK: true, ActiveBuildMode: h.mode}
}
