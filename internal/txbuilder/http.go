package txbuilder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/forgeos-wallet/execpipeline/internal/errs"
	"github.com/forgeos-wallet/execpipeline/internal/metrics"
	"github.com/forgeos-wallet/execpipeline/internal/nativebuild"
	"github.com/forgeos-wallet/execpipeline/internal/obslog"
)

// requestID tags every request's context with a fresh correlation ID,
// mirroring internal/callbacks.requestID, so the build-tx-json path
// logs and echoes a request ID too.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := obslog.WithFields(r.Context(), "requestId", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// errorInfo and errorInfoTab map a sentinel root error to an HTTP
// status plus a stable machine code, with any attached errs.Detail
// surfaced too.
type errorInfo struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

var infoInternal = errorInfo{500, "TX000", "internal error"}

var errorInfoTab = map[error]errorInfo{
	ErrUnsupportedWallet:        {400, "TX101", "unsupported wallet"},
	ErrUnsupportedNetwork:       {400, "TX102", "unsupported networkId"},
	ErrInvalidAddress:           {400, "TX103", "invalid-prefix address"},
	ErrEmptyOutputs:             {400, "TX104", "outputs must not be empty"},
	ErrNonPositiveAmount:        {400, "TX105", "output amount must be positive"},
	ErrUtxoFetchFailed:          {502, "TX201", "utxo fetch failed"},
	ErrTelemetryMissingRequired: {400, "TX301", "telemetry summary missing"},
	ErrTelemetryStaleHard:       {400, "TX302", "telemetry summary stale"},
	ErrBuildFailed:              {502, "TX401", "build failed"},
	nativebuild.ErrNotConfigured: {400, "TX001", "tx_builder_not_configured"},
	context.DeadlineExceeded:    {504, "TX504", "request timed out"},
	errBadInputJSON:             {400, "TX010", "invalid request body"},
	errBodyTooLarge:             {400, "TX011", "request body too large"},
}

var errBadInputJSON = errs.New("invalid request json")
var errBodyTooLarge = errs.New("request body exceeds limit")

func lookupErrorInfo(err error) errorInfo {
	root := errs.Root(err)
	if info, ok := errorInfoTab[root]; ok {
		return info
	}
	return infoInternal
}

// maxBodyBytes bounds request bodies (§4.D "bounded body ≤ 1MB").
const maxBodyBytes = 1 << 20

// AuthConfig configures optional bearer/header token auth (§6.2).
type AuthConfig struct {
	Tokens     []string
	HeaderName string // defaults to X-Tx-Builder-Token when set with Tokens
}

func (a AuthConfig) allowed(r *http.Request) bool {
	if len(a.Tokens) == 0 {
		return true
	}
	candidates := []string{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		candidates = append(candidates, trimBearer(auth))
	}
	header := a.HeaderName
	if header == "" {
		header = "X-Tx-Builder-Token"
	}
	if v := r.Header.Get(header); v != "" {
		candidates = append(candidates, v)
	}
	for _, c := range candidates {
		for _, t := range a.Tokens {
			if c == t {
				return true
			}
		}
	}
	return false
}

func trimBearer(v string) string {
	const prefix = "Bearer "
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return v
}

// HealthReporter describes the liveness payload GET /health returns.
type HealthReporter interface {
	Health(ctx context.Context) HealthStatus
}

// HealthStatus is the §3 "Recent-events"-style supplemented feature:
// a real liveness body naming the active build mode.
type HealthStatus struct {
	OK              bool   `json:"ok"`
	ActiveBuildMode string `json:"activeBuildMode"`
}

// Handler wires the tx-builder HTTP surface: build endpoint, health,
// metrics, CORS, and optional token auth, atop gorilla/mux.
func Handler(svc *Service, auth AuthConfig, health HealthReporter) http.Handler {
	r := mux.NewRouter()
	r.Use(requestID)

	r.HandleFunc("/v1/kastle/build-tx-json", authed(auth, buildHandler(svc))).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", healthHandler(health)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Tx-Builder-Token"},
	})
	return c.Handler(r)
}

func authed(auth AuthConfig, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !auth.allowed(r) {
			writeHTTPError(r.Context(), w, errs.New("unauthorized"))
			return
		}
		next(w, r)
	}
}

func buildHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req BuildRequest
		if err := readJSON(r.Body, &req); err != nil {
			writeHTTPError(ctx, w, err)
			return
		}

		result, err := svc.Build(ctx, req)
		if err != nil {
			writeHTTPError(ctx, w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"txJson": result.TxJson,
			"meta":   result.Meta,
		})
	}
}

func healthHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{OK: true}
		if reporter != nil {
			status = reporter.Health(r.Context())
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func readJSON(r io.Reader, v interface{}) error {
	limited := io.LimitReader(r, maxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return errs.Wrap(errBadInputJSON, err.Error())
	}
	if len(raw) > maxBodyBytes {
		return errBodyTooLarge
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errBadInputJSON, err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTTPError(ctx context.Context, w http.ResponseWriter, err error) {
	info := lookupErrorInfo(err)
	obslog.Write(ctx, "status", info.HTTPStatus, "code", info.Code, obslog.KeyError, err)

	var v interface{} = info
	if s := errs.Detail(err); s != "" {
		v = struct {
			errorInfo
			Detail string `json:"detail"`
		}{info, s}
	}
	writeJSON(w, info.HTTPStatus, map[string]interface{}{"error": v})
}
