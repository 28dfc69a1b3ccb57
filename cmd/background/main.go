// Command background runs the §4.B/§4.G process: the dispatcher's
// single mutation-serialising state machine, fed by WebSocket
// connections from site tabs and the approval surface (§6.1).
package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/forgeos-wallet/execpipeline/internal/config"
	"github.com/forgeos-wallet/execpipeline/internal/dispatcher"
	"github.com/forgeos-wallet/execpipeline/internal/envelope"
	"github.com/forgeos-wallet/execpipeline/internal/pendingstore"
	"github.com/forgeos-wallet/execpipeline/internal/wsrelay"
)

// noAccountResolver always misses the dispatcher's fast path: the
// server-side relay has no wallet-account state of its own to consult,
// unlike the extension's in-memory account cache.
type noAccountResolver struct{}

func (noAccountResolver) ResolveAccount(ctx context.Context, origin string) (string, string, bool) {
	return "", "", false
}

func main() {
	log.SetPrefix("background: ")
	log.SetFlags(log.Lshortfile)

	listenAddr := config.String("BACKGROUND_LISTEN", ":8083")

	cfg := pendingstore.Config{
		MaxTotalPending: config.Int("MAX_TOTAL_PENDING", 50, 1, 10_000),
		MaxPerOrigin:    config.Int("MAX_PER_ORIGIN", 5, 1, 1000),
		TTLMillis:       config.Int64("PENDING_TTL_MS", 60_000, 1000, 24*3_600_000),
		StrictGlobal:    config.Bool("STRICT_GLOBAL_ACTIVE", false),
	}

	hub := wsrelay.NewHub()
	allowList := envelope.NewAllowList(nil)
	d := dispatcher.New(cfg, wsrelay.NewMemoryStore(), hub, allowList, noAccountResolver{}, func() int64 { return time.Now().UnixMilli() })
	hub.Attach(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	go runExpiryTicker(ctx, d)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/site", func(w http.ResponseWriter, r *http.Request) {
		tabID, err := strconv.ParseInt(r.URL.Query().Get("tabId"), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid tabId", http.StatusBadRequest)
			return
		}
		hub.ServeSite(w, r, tabID)
	})
	mux.HandleFunc("/ws/approval", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeApproval(w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("listening on %s", listenAddr)
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		log.Fatal(err)
	}
}

// runExpiryTicker drives HandleTickExpiry at the background alarm
// cadence §4.B documents (">=60s").
func runExpiryTicker(ctx context.Context, d *dispatcher.Dispatcher) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.HandleTickExpiry(ctx)
		}
	}
}
