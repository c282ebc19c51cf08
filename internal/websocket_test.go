package internal_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-signaling-relay/internal"
	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node 一個完整的中繼節點
type node struct {
	ws     string
	http   string
	hub    *internal.Hub
	outbox *internal.Outbox
}

// startNode 啟動一個完整的中繼節點
//
// attach 為 nil 時只投遞到本節點；否則由它包裝本節點的傳輸層（例如 Broker）。
func startNode(t *testing.T, cfg *internal.Config, s store.Store, attach func(local internal.Local, hub *internal.Hub, outbox *internal.Outbox) internal.Deliverer) *node {
	t.Helper()

	logger := testLogger()
	registry := internal.NewRegistry(s, cfg.Timeouts.Store, logger)
	manager := internal.NewManager(s, registry, cfg, logger)
	hub := internal.NewHub(cfg, logger)
	outbox := internal.NewOutbox(cfg.Relay.SendBufferSize, logger)
	local := internal.Local{hub, outbox}

	var deliverer internal.Deliverer = local
	if attach != nil {
		deliverer = attach(local, hub, outbox)
	}

	router := internal.NewRouter(registry, manager, deliverer, cfg, logger)
	handler := internal.NewHandler(router, manager, hub, outbox, logger)

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Stop)

	return &node{
		ws:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		http:   srv.URL,
		hub:    hub,
		outbox: outbox,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://localhost"}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil 讀取直到出現指定類型的訊息
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
}

// postEvent 以 HTTP 送出傳輸層事件
func postEvent(t *testing.T, base string, event map[string]any) int {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)

	resp, err := http.Post(base+"/api/v1/events", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

// queued 取走事件入口連線的待送訊息
func queued(t *testing.T, base, connID string) []map[string]any {
	t.Helper()
	resp, err := http.Get(base + "/api/v1/connections/" + connID + "/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Messages
}

// TestWebSocket_SignalingFlow 兩個瀏覽器透過中繼交換協商訊息
func TestWebSocket_SignalingFlow(t *testing.T) {
	n := startNode(t, testConfig(), store.NewMemory(), nil)
	url, hub := n.ws, n.hub

	alice := dial(t, url)
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "join", "playerId": "alice"}))
	info := readUntil(t, alice, "room_info")
	roomID := info["roomId"].(string)
	assert.Empty(t, info["players"])

	bob := dial(t, url)
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "join", "playerId": "bob"}))
	info = readUntil(t, bob, "room_info")
	assert.Equal(t, roomID, info["roomId"])
	assert.Equal(t, []any{"alice"}, info["players"])

	joined := readUntil(t, alice, "new_player")
	assert.Equal(t, "bob", joined["playerId"])

	assert.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 10*time.Millisecond)

	// offer 原封不動轉送
	offer := `{"type":"offer","from":"alice","to":"bob","sdp":{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(offer)))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := bob.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, offer, string(data))

	// ping 只回給發送者
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "ping"}))
	pong := readMessage(t, bob)
	assert.Equal(t, "pong", pong["type"])

	// bob 斷線，alice 收到 player_left
	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	bob.Close()

	left := readUntil(t, alice, "player_left")
	assert.Equal(t, "bob", left["playerId"])
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)
}

// TestWebSocket_ErrorFrame 被拒絕的訊息回傳 error frame
func TestWebSocket_ErrorFrame(t *testing.T) {
	conn := dial(t, startNode(t, testConfig(), store.NewMemory(), nil).ws)

	tests := []struct {
		name    string
		payload string
		code    string
	}{
		{name: "unknown type", payload: `{"type":"dance"}`, code: "INVALID_INPUT"},
		{name: "invalid json", payload: `not json`, code: "INVALID_INPUT"},
		{name: "leave without room", payload: `{"type":"leave"}`, code: "INVALID_INPUT"},
		{name: "offer to nobody", payload: `{"type":"offer","from":"a","to":"ghost","sdp":{}}`, code: "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)))
			msg := readMessage(t, conn)
			assert.Equal(t, "error", msg["type"])
			assert.Equal(t, tt.code, msg["code"])
			assert.NotEmpty(t, msg["message"])
		})
	}

	// 連線仍可使用
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn)["type"])
}

// TestWebSocket_AllowedOrigins 不在白名單的來源被拒絕
func TestWebSocket_AllowedOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"https://game.example"}
	url := startNode(t, cfg, store.NewMemory(), nil).ws

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://game.example"}})
	require.NoError(t, err)
	conn.Close()
}

// TestWebSocket_MixedTransports WebSocket 玩家與事件入口玩家在同一房間互相投遞
func TestWebSocket_MixedTransports(t *testing.T) {
	n := startNode(t, testConfig(), store.NewMemory(), nil)

	alice := dial(t, n.ws)
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "join", "playerId": "alice"}))
	roomID := readUntil(t, alice, "room_info")["roomId"]

	require.Equal(t, http.StatusOK, postEvent(t, n.http, map[string]any{"eventType": "CONNECT", "connectionId": "gw-bob"}))
	require.Equal(t, http.StatusOK, postEvent(t, n.http, map[string]any{
		"eventType":    "MESSAGE",
		"connectionId": "gw-bob",
		"body":         `{"type":"join","playerId":"bob"}`,
	}))

	joined := readUntil(t, alice, "new_player")
	assert.Equal(t, "bob", joined["playerId"])

	msgs := queued(t, n.http, "gw-bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, roomID, msgs[0]["roomId"])
	assert.Equal(t, []any{"alice"}, msgs[0]["players"])

	offer := `{"type":"offer","from":"alice","to":"bob","sdp":{"type":"offer","sdp":"v=0"}}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(offer)))

	var forwarded []map[string]any
	require.Eventually(t, func() bool {
		forwarded = append(forwarded, queued(t, n.http, "gw-bob")...)
		return len(forwarded) > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "offer", forwarded[0]["type"])
	assert.Equal(t, "alice", forwarded[0]["from"])
}
