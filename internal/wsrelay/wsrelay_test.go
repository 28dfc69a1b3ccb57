package wsrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-wallet/execpipeline/internal/dispatcher"
	"github.com/forgeos-wallet/execpipeline/internal/envelope"
	"github.com/forgeos-wallet/execpipeline/internal/pendingstore"
)

type noopAccounts struct{}

func (noopAccounts) ResolveAccount(ctx context.Context, origin string) (string, string, bool) {
	return "", "", false
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	cfg := pendingstore.Config{MaxTotalPending: 10, MaxPerOrigin: 5, TTLMillis: 60000, StrictGlobal: false}
	d := dispatcher.New(cfg, NewMemoryStore(), hub, envelope.NewAllowList(nil), noopAccounts{}, func() int64 { return time.Now().UnixMilli() })
	hub.Attach(d)
	go d.Run(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/site", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSite(w, r, 1)
	})
	mux.HandleFunc("/ws/approval", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeApproval(w, r)
	})
	srv := httptest.NewServer(mux)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestEndToEnd_ConnectApproveDeliversResult(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	approvalConn := dial(t, srv, "/ws/approval")
	defer approvalConn.Close()
	siteConn := dial(t, srv, "/ws/site")
	defer siteConn.Close()

	// give the approval socket a moment to register before the connect
	// request arrives, otherwise OpenApproval sees no approval surface.
	time.Sleep(50 * time.Millisecond)

	err := siteConn.WriteJSON(map[string]interface{}{
		"type":      "FORGEOS_OPEN_FOR_CONNECT",
		"requestId": "r1",
		"origin":    "https://dapp.example",
	})
	require.NoError(t, err)

	approvalConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var openMsg map[string]interface{}
	require.NoError(t, approvalConn.ReadJSON(&openMsg))
	require.Equal(t, "FORGEOS_OPEN_POPUP", openMsg["type"])

	err = approvalConn.WriteJSON(map[string]interface{}{
		"type":      "FORGEOS_CONNECT_APPROVE",
		"requestId": "r1",
		"address":   "kaspa:qqq",
		"network":   "mainnet",
	})
	require.NoError(t, err)

	siteConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resultMsg map[string]interface{}
	require.NoError(t, siteConn.ReadJSON(&resultMsg))
	require.Equal(t, "FORGEOS_CONNECT_RESULT", resultMsg["type"])
	require.Equal(t, "r1", resultMsg["requestId"])
	result, ok := resultMsg["result"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "kaspa:qqq", result["address"])
}
