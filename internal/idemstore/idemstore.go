// Package idemstore implements the atomic idempotency-key + fence-token
// decision that §4.F requires for scheduler cycle ingestion: for
// a fixed agentKey, at most one of DUPLICATE/STALE/ACCEPTED is reported
// per (idempotencyKey, fenceToken) pair, and currentFence only advances.
//
// Redis (github.com/redis/go-redis/v9) backs the atomic path with a
// single Lua script, mirroring how the pack's own service manifests
// reach for go-redis for exactly this kind of cross-request state. When
// Redis is not configured, callers use a process-lifetime in-memory
// store guarded by one mutex instead. When the script fails to execute,
// RedisStore.Decide returns ErrScriptUnavailable and does not consult
// the in-memory store; internal/callbacks then accepts the event in
// fail-open mode.
package idemstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the three-outcome result of a cycle-event admission check.
type Decision string

const (
	Duplicate Decision = "duplicate"
	Stale     Decision = "stale"
	Accepted  Decision = "accepted"
)

// Result carries the decision plus the fence state needed to answer
// Scenario 3 (409 body: currentFence, receivedFence).
type Result struct {
	Decision     Decision
	CurrentFence int64
}

// Store decides cycle-event admission atomically per agentKey.
type Store interface {
	Decide(ctx context.Context, agentKey, idempotencyKey string, fenceToken int64, ttl time.Duration) (Result, error)
}

// ErrScriptUnavailable signals the atomic script could not run (Redis
// down, EVALSHA miss on a script-disabled server, etc). Callers use
// this to switch to the fail-open regime (§4.F).
type ErrScriptUnavailable struct {
	Cause error
}

func (e ErrScriptUnavailable) Error() string { return "idempotency script unavailable: " + e.Cause.Error() }
func (e ErrScriptUnavailable) Unwrap() error { return e.Cause }

// decideScript implements the three-outcome decision as one atomic
// round-trip: KEYS[1]=marker key, KEYS[2]=fence key; ARGV[1]=fenceToken,
// ARGV[2]=ttlMillis.
var decideScript = redis.NewScript(`
local markerKey = KEYS[1]
local fenceKey = KEYS[2]
local fenceToken = tonumber(ARGV[1])
local ttlMs = tonumber(ARGV[2])

if redis.call("EXISTS", markerKey) == 1 then
  local cur = tonumber(redis.call("GET", fenceKey) or "0")
  return {"duplicate", tostring(cur)}
end

local cur = tonumber(redis.call("GET", fenceKey) or "0")
if fenceToken < cur then
  return {"stale", tostring(cur)}
end

redis.call("SET", markerKey, "1", "PX", ttlMs)
if fenceToken > cur then
  redis.call("SET", fenceKey, tostring(fenceToken))
  cur = fenceToken
end
return {"accepted", tostring(cur)}
`)

// RedisStore runs decideScript against a shared redis.UniversalClient.
type RedisStore struct {
	Client redis.UniversalClient
	Prefix string // key namespace, e.g. "callbacks:cycle:"
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "callbacks:cycle:"
	}
	return &RedisStore{Client: client, Prefix: prefix}
}

func (s *RedisStore) Decide(ctx context.Context, agentKey, idempotencyKey string, fenceToken int64, ttl time.Duration) (Result, error) {
	markerKey := s.Prefix + agentKey + ":idem:" + idempotencyKey
	fenceKey := s.Prefix + agentKey + ":fence"

	raw, err := decideScript.Run(ctx, s.Client, []string{markerKey, fenceKey}, fenceToken, ttl.Milliseconds()).Result()
	if err != nil {
		return Result{}, ErrScriptUnavailable{Cause: err}
	}

	row, ok := raw.([]interface{})
	if !ok || len(row) != 2 {
		return Result{}, ErrScriptUnavailable{Cause: errMalformedScriptReply}
	}
	decision, _ := row[0].(string)
	fenceStr, _ := row[1].(string)
	cur, _ := strconv.ParseInt(fenceStr, 10, 64)
	return Result{Decision: Decision(decision), CurrentFence: cur}, nil
}

var errMalformedScriptReply = malformedReplyErr{}

type malformedReplyErr struct{}

func (malformedReplyErr) Error() string { return "malformed script reply" }

// MemoryStore is the no-Redis fallback: two maps under one mutex,
// holding each agentKey's current fence and the seen idempotency keys
// with their expiry. It holds only for the life of the process, matching spec.
type MemoryStore struct {
	mu      sync.Mutex
	fences  map[string]int64
	markers map[string]time.Time // "agentKey:idempotencyKey" -> expiry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fences:  make(map[string]int64),
		markers: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) Decide(ctx context.Context, agentKey, idempotencyKey string, fenceToken int64, ttl time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	markerKey := agentKey + ":" + idempotencyKey

	if exp, ok := s.markers[markerKey]; ok && now.Before(exp) {
		return Result{Decision: Duplicate, CurrentFence: s.fences[agentKey]}, nil
	}

	cur := s.fences[agentKey]
	if fenceToken < cur {
		return Result{Decision: Stale, CurrentFence: cur}, nil
	}

	s.markers[markerKey] = now.Add(ttl)
	if fenceToken > cur {
		s.fences[agentKey] = fenceToken
		cur = fenceToken
	}
	s.sweep(now)
	return Result{Decision: Accepted, CurrentFence: cur}, nil
}

// sweep drops expired markers opportunistically; it runs under the
// caller's lock and walks every stored marker on each accepted Decide.
func (s *MemoryStore) sweep(now time.Time) {
	for k, exp := range s.markers {
		if !now.Before(exp) {
			delete(s.markers, k)
		}
	}
}
