package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/forgeos-wallet/execpipeline/internal/errs"
	"github.com/forgeos-wallet/execpipeline/internal/metrics"
	"github.com/forgeos-wallet/execpipeline/internal/obslog"
)

// requestID tags every request's context with a fresh correlation ID
// before any handler runs, so obslog.Write/Error calls downstream carry
// it automatically, and echoes it back on the response for the caller
// to quote in a support request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := obslog.WithFields(r.Context(), "requestId", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const maxBodyBytes = 1 << 20

var errBadInputJSON = errs.New("invalid request json")
var errBodyTooLarge = errs.New("request body exceeds limit")

type errorInfo struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

var infoInternal = errorInfo{500, "CB000", "internal error"}

var errorInfoTab = map[error]errorInfo{
	ErrInvalidCycle:             {400, "CB101", "invalid scheduler cycle event"},
	ErrInvalidReceipt:           {400, "CB102", "invalid execution receipt"},
	ErrInvalidConsistencyStatus: {400, "CB103", "invalid consistency status"},
	ErrStaleFence:               {409, "CB201", "stale fence token"},
	ErrTooManyClients{}:         {503, "CB301", "too many sse clients"},
	errBadInputJSON:             {400, "CB010", "invalid request body"},
	errBodyTooLarge:             {400, "CB011", "request body too large"},
}

func lookupErrorInfo(err error) errorInfo {
	root := errs.Root(err)
	if info, ok := errorInfoTab[root]; ok {
		return info
	}
	return infoInternal
}

// HealthReporter describes the GET /health payload.
type HealthReporter interface {
	Health(ctx context.Context) HealthStatus
}

type HealthStatus struct {
	OK              bool `json:"ok"`
	ConnectedClients int  `json:"connectedClients"`
}

// Handler wires the §4.F HTTP surface: cycle ingestion, receipts, SSE
// stream, telemetry summary, recent events, health, and metrics, in
// the same gorilla/mux + rs/cors idiom as internal/txbuilder.Handler.
func Handler(svc *Service, health HealthReporter) http.Handler {
	r := mux.NewRouter()
	r.Use(requestID)

	r.HandleFunc("/v1/scheduler/cycle", cycleHandler(svc)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/execution-receipts", receiptsHandler(svc)).Methods(http.MethodPost, http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/receipt-consistency", consistencyHandler(svc)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/execution-receipts/stream", streamHandler(svc)).Methods(http.MethodGet)
	r.HandleFunc("/v1/telemetry-summary", summaryHandler(svc)).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", eventsHandler(svc)).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler(health)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Fence-Token"},
	})
	return c.Handler(r)
}

func cycleHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		ctx := r.Context()
		var req CycleRequest
		if err := readJSON(r.Body, &req); err != nil {
			writeHTTPError(ctx, w, err)
			return
		}
		if v := r.Header.Get("Idempotency-Key"); v != "" {
			req.IdempotencyKey = v
		}
		if v := r.Header.Get("X-Fence-Token"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				req.FenceToken = n
			}
		}
		if req.AgentKey == "" && req.Agent != "" && req.Scheduler != "" {
			req.AgentKey = req.Scheduler + ":" + req.Agent
		}

		resp, err := svc.IngestCycle(ctx, req)
		if err != nil {
			if errs.Is(err, ErrStaleFence) {
				writeJSON(w, http.StatusConflict, resp)
				return
			}
			writeHTTPError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func receiptsHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			var req ReceiptRequest
			if err := readJSON(r.Body, &req); err != nil {
				writeHTTPError(ctx, w, err)
				return
			}
			if v := r.Header.Get("Idempotency-Key"); v != "" {
				req.IdempotencyKey = v
			}
			dup, err := svc.IngestReceipt(ctx, req)
			if err != nil {
				writeHTTPError(ctx, w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"duplicate": dup})
		case http.MethodGet:
			if txid := r.URL.Query().Get("txid"); txid != "" {
				rec, ok := svc.Receipt(txid)
				if !ok {
					writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
					return
				}
				writeJSON(w, http.StatusOK, rec)
				return
			}
			writeJSON(w, http.StatusOK, svc.RecentReceipts())
		}
	}
}

func consistencyHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		ctx := r.Context()
		var req ConsistencyRequest
		if err := readJSON(r.Body, &req); err != nil {
			writeHTTPError(ctx, w, err)
			return
		}
		if err := svc.IngestConsistency(ctx, req); err != nil {
			writeHTTPError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	}
}

func summaryHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Summary())
	}
}

func eventsHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.RecentEvents())
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

// streamHandler implements GET /v1/execution-receipts/stream: opens an
// SSE connection, optionally replays recent matching receipts, then
// forwards newly-accepted ones until the client disconnects (§4.F
// "SSE fan-out").
func streamHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeHTTPError(r.Context(), w, errs.New("streaming unsupported"))
			return
		}

		q := r.URL.Query()
		txid := q.Get("txid")
		agentKey := q.Get("agentKey")
		replay := q.Get("replay") == "1"
		limit, _ := strconv.Atoi(q.Get("limit"))

		client, replayed, err := svc.StreamRegister(txid, agentKey, replay, limit)
		if err != nil {
			writeHTTPError(r.Context(), w, err)
			return
		}
		defer svc.StreamUnregister(client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSEEvent(w, "ready", map[string]interface{}{"ready": true})
		flusher.Flush()

		for _, rec := range replayed {
			writeSSEEvent(w, "receipt", withReplayFlag(rec))
			flusher.Flush()
		}

		ticker := time.NewTicker(svc.heartbeatInterval())
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case rec, ok := <-client.ch:
				if !ok {
					return
				}
				writeSSEEvent(w, "receipt", rec)
				flusher.Flush()
			}
		}
	}
}

func withReplayFlag(rec ReceiptRecord) map[string]interface{} {
	return map[string]interface{}{
		"txid":            rec.Txid,
		"agentKey":        rec.AgentKey,
		"status":          rec.Status,
		"confirmations":   rec.Confirmations,
		"broadcastTs":     rec.BroadcastTs,
		"confirmTs":       rec.ConfirmTs,
		"confirmTsSource": rec.ConfirmTsSource,
		"replay":          true,
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
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
	if len(raw) == 0 {
		return nil
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
	writeJSON(w, info.HTTPStatus, map[string]interface{}{"error": info})
}
