// Command callback-consumer runs the §4.F service: idempotent scheduler
// cycle ingestion, execution-receipt upserts with SSE fan-out, and the
// derived telemetry summary.
package main

import (
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeos-wallet/execpipeline/internal/callbacks"
	"github.com/forgeos-wallet/execpipeline/internal/config"
	"github.com/forgeos-wallet/execpipeline/internal/idemstore"
)

func main() {
	log.SetPrefix("callback-consumer: ")
	log.SetFlags(log.Lshortfile)

	listenAddr := config.String("CALLBACK_CONSUMER_LISTEN", ":8082")

	var store idemstore.Store
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0, 0, 15),
		})
		store = idemstore.NewRedisStore(client, config.String("REDIS_KEY_PREFIX", "callbacks:cycle:"))
		log.Printf("idempotency store: redis at %s", redisAddr)
	} else {
		store = idemstore.NewMemoryStore()
		log.Printf("idempotency store: in-memory (no REDIS_ADDR configured)")
	}

	cfg := callbacks.DefaultConfig()
	cfg.IdempotencyTTL = time.Duration(config.Int("CALLBACK_IDEMPOTENCY_TTL_MS", int(cfg.IdempotencyTTL.Milliseconds()), 1000, 3_600_000)) * time.Millisecond
	cfg.ReceiptTTL = time.Duration(config.Int("CALLBACK_RECEIPT_TTL_MS", int(cfg.ReceiptTTL.Milliseconds()), 60_000, 7*24*3_600_000)) * time.Millisecond
	cfg.RecentEventsCap = config.Int("CALLBACK_RECENT_EVENTS_CAP", cfg.RecentEventsCap, 1, 10_000)
	cfg.RecentReceiptsCap = config.Int("CALLBACK_RECENT_RECEIPTS_CAP", cfg.RecentReceiptsCap, 1, 10_000)
	cfg.MaxSSEClients = config.Int("CALLBACK_MAX_SSE_CLIENTS", cfg.MaxSSEClients, 1, 10_000)
	cfg.ReplayLimitCap = config.Int("CALLBACK_REPLAY_LIMIT_CAP", cfg.ReplayLimitCap, 1, 10_000)

	svc := callbacks.New(cfg, store)
	handler := callbacks.Handler(svc, svc)

	log.Printf("listening on %s", listenAddr)
	if err := http.ListenAndServe(listenAddr, handler); err != nil {
		log.Fatal(err)
	}
}
