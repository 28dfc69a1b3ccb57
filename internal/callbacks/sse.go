package callbacks

import (
	"sync"
	"time"

	"github.com/forgeos-wallet/execpipeline/internal/metrics"
)

// sseClient is one connected stream (§5: "SSE clients are kept
// in a map keyed by an incrementing id; heartbeat timers are per-client").
type sseClient struct {
	id       uint64
	txid     string // filter; "" matches all
	agentKey string // filter; "" matches all
	ch       chan ReceiptRecord
}

func (c *sseClient) matches(rec ReceiptRecord) bool {
	if c.txid != "" && c.txid != rec.Txid {
		return false
	}
	if c.agentKey != "" && c.agentKey != rec.AgentKey {
		return false
	}
	return true
}

// sseHub fans out accepted receipts to matching connected clients and
// enforces a max-client cap (§4.F "enforces a max-client cap
// (503 past the cap)").
type sseHub struct {
	mu      sync.Mutex
	clients map[uint64]*sseClient
	nextID  uint64
	max     int
}

func newSSEHub(max int) *sseHub {
	return &sseHub{clients: make(map[uint64]*sseClient), max: max}
}

// ErrTooManyClients is returned by register when at the max-client cap.
type ErrTooManyClients struct{}

func (ErrTooManyClients) Error() string { return "too many sse clients" }

func (h *sseHub) register(txid, agentKey string) (*sseClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.max {
		metrics.SSERejectedTotal.Inc()
		return nil, ErrTooManyClients{}
	}
	h.nextID++
	c := &sseClient{id: h.nextID, txid: txid, agentKey: agentKey, ch: make(chan ReceiptRecord, 16)}
	h.clients[c.id] = c
	metrics.SSEClientsGauge.Inc()
	return c, nil
}

func (h *sseHub) unregister(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.ch)
		metrics.SSEClientsGauge.Dec()
	}
}

func (h *sseHub) broadcast(rec ReceiptRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if !c.matches(rec) {
			continue
		}
		select {
		case c.ch <- rec:
		default:
			// slow consumer; drop rather than block the ingest path
		}
	}
}

// heartbeatInterval is how often the stream handler should write an
// SSE comment to keep idle connections alive.
func (s *Service) heartbeatInterval() time.Duration { return s.cfg.HeartbeatInterval }
