// Package wsrelay implements the typed-message transport over
// WebSocket connections described in §6.1, fed into internal/dispatcher:
// one connection per site tab, one connection for the approval surface.
// It is built on github.com/gorilla/websocket; the envelope discipline
// and serial-dispatch wiring follow internal/envelope and
// internal/dispatcher exactly.
package wsrelay

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/forgeos-wallet/execpipeline/internal/dispatcher"
	"github.com/forgeos-wallet/execpipeline/internal/envelope"
	"github.com/forgeos-wallet/execpipeline/internal/errs"
	"github.com/forgeos-wallet/execpipeline/internal/obslog"
	"github.com/forgeos-wallet/execpipeline/internal/pendingstore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MemoryStore is an in-process dispatcher.Store: the background relay
// runs as one long-lived process, so "durable" here means "survives
// reconnects", not "survives process restart" (§5 applies that
// stronger guarantee only to the extension's own session storage).
type MemoryStore struct {
	mu    sync.Mutex
	state pendingstore.State
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load and Save copy the struct value in and out; dispatcher's own
// pendingstore functions (Read, EnqueueConnect, PruneExpired, ...)
// never mutate a State in place, so a shallow value copy here is
// sufficient to keep the stored state isolated from caller slices.
func (m *MemoryStore) Load(ctx context.Context) (pendingstore.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryStore) Save(ctx context.Context, s pendingstore.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

// Hub tracks live WebSocket connections and implements
// dispatcher.Notifier by writing typed envelopes to them.
type Hub struct {
	mu           sync.Mutex
	siteConns    map[int64]*websocket.Conn
	approvalConn *websocket.Conn

	d *dispatcher.Dispatcher
}

func NewHub() *Hub {
	return &Hub{siteConns: make(map[int64]*websocket.Conn)}
}

// Attach wires the Dispatcher this hub will drive and notify. Callers
// build the Dispatcher with this Hub already passed as its Notifier.
func (h *Hub) Attach(d *dispatcher.Dispatcher) { h.d = d }

func (h *Hub) registerSite(tabID int64, conn *websocket.Conn) {
	h.mu.Lock()
	h.siteConns[tabID] = conn
	h.mu.Unlock()
}

func (h *Hub) unregisterSite(tabID int64) {
	h.mu.Lock()
	delete(h.siteConns, tabID)
	h.mu.Unlock()
}

func (h *Hub) setApproval(conn *websocket.Conn) {
	h.mu.Lock()
	h.approvalConn = conn
	h.mu.Unlock()
}

func (h *Hub) clearApproval(conn *websocket.Conn) {
	h.mu.Lock()
	if h.approvalConn == conn {
		h.approvalConn = nil
	}
	h.mu.Unlock()
}

func (h *Hub) writeSite(tabID int64, v interface{}) {
	h.mu.Lock()
	conn := h.siteConns[tabID]
	h.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteJSON(v)
}

// ConnectResult implements dispatcher.Notifier.
func (h *Hub) ConnectResult(ctx context.Context, tabID int64, requestID string, result *dispatcher.ConnectResult, errMsg string) {
	payload := map[string]interface{}{"type": envelope.TypeConnectResult, "requestId": requestID}
	if result != nil {
		payload["result"] = map[string]string{"address": result.Address, "network": result.Network}
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	h.writeSite(tabID, payload)
}

// SignResult implements dispatcher.Notifier.
func (h *Hub) SignResult(ctx context.Context, tabID int64, requestID string, signature *string, errMsg string) {
	payload := map[string]interface{}{"type": envelope.TypeSignResult, "requestId": requestID}
	if signature != nil {
		payload["result"] = *signature
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	h.writeSite(tabID, payload)
}

// errNoApprovalSurface is returned by OpenApproval when nothing has
// connected as the approval surface yet. The dispatcher does not pass
// this error on; it answers the request with dispatcher.ErrOpenManually.
var errNoApprovalSurface = errs.New("approval surface not connected")

// OpenApproval implements dispatcher.Notifier: it pings the connected
// approval surface (if any) to bring itself to the foreground.
func (h *Hub) OpenApproval(ctx context.Context) error {
	h.mu.Lock()
	conn := h.approvalConn
	h.mu.Unlock()
	if conn == nil {
		return errNoApprovalSurface
	}
	return conn.WriteJSON(map[string]interface{}{"type": envelope.TypeOpenPopup})
}

// UpdateBadge implements dispatcher.Notifier; there is no browser
// action badge server-side, so this only logs the count for operators.
func (h *Hub) UpdateBadge(ctx context.Context, pendingCount int) {
	obslog.Write(ctx, "component", "wsrelay", "pendingCount", pendingCount)
}

// ServeSite upgrades a site-tab connection and runs its read loop until
// it disconnects, at which point every pending request for tabID is
// dropped (§4.B "Closing tab t").
func (h *Hub) ServeSite(w http.ResponseWriter, r *http.Request, tabID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.Error(r.Context(), err, "component", "wsrelay", "op", "upgrade_site")
		return
	}
	h.registerSite(tabID, conn)
	defer func() {
		h.unregisterSite(tabID)
		conn.Close()
		h.d.HandleTabClosed(context.Background(), tabID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatchSiteMessage(r.Context(), tabID, raw)
	}
}

func (h *Hub) dispatchSiteMessage(ctx context.Context, tabID int64, raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		obslog.Write(ctx, "component", "wsrelay", "dropped", true)
		return
	}
	switch env.Type {
	case envelope.TypeOpenForConnect:
		var body struct {
			RequestID string `json:"requestId"`
			Origin    string `json:"origin"`
		}
		if env.Decode(&body) != nil {
			return
		}
		h.d.HandleConnect(ctx, body.RequestID, tabID, body.Origin)
	case envelope.TypeOpenForSign:
		var body struct {
			RequestID string `json:"requestId"`
			Origin    string `json:"origin"`
			Message   string `json:"message"`
		}
		if env.Decode(&body) != nil {
			return
		}
		h.d.HandleSign(ctx, body.RequestID, tabID, body.Origin, body.Message)
	}
}

// ServeApproval upgrades the single approval-surface connection and
// runs its read loop.
func (h *Hub) ServeApproval(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.Error(r.Context(), err, "component", "wsrelay", "op", "upgrade_approval")
		return
	}
	h.setApproval(conn)
	defer func() {
		h.clearApproval(conn)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatchApprovalMessage(r.Context(), raw)
	}
}

func (h *Hub) dispatchApprovalMessage(ctx context.Context, raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		obslog.Write(ctx, "component", "wsrelay", "dropped", true)
		return
	}
	switch env.Type {
	case envelope.TypeConnectApprove:
		var body struct {
			RequestID string `json:"requestId"`
			Address   string `json:"address"`
			Network   string `json:"network"`
		}
		if env.Decode(&body) == nil {
			h.d.HandleConnectApprove(ctx, body.RequestID, body.Address, body.Network)
		}
	case envelope.TypeConnectReject:
		var body struct {
			RequestID string `json:"requestId"`
			Error     string `json:"error"`
		}
		if env.Decode(&body) == nil {
			h.d.HandleConnectReject(ctx, body.RequestID, body.Error)
		}
	case envelope.TypeSignApprove:
		var body struct {
			RequestID string `json:"requestId"`
			Signature string `json:"signature"`
		}
		if env.Decode(&body) == nil {
			h.d.HandleSignApprove(ctx, body.RequestID, body.Signature)
		}
	case envelope.TypeSignReject:
		var body struct {
			RequestID string `json:"requestId"`
			Error     string `json:"error"`
		}
		if env.Decode(&body) == nil {
			h.d.HandleSignReject(ctx, body.RequestID, body.Error)
		}
	}
}
