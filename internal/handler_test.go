package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koopa0/system-design/14-signaling-relay/internal"
	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// downStore 健康檢查失敗的儲存
type downStore struct {
	store.Store
}

func (downStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

type server struct {
	handler http.Handler
	manager *internal.Manager
	hub     *internal.Hub
	outbox  *internal.Outbox
}

func newServer(t *testing.T, s store.Store) *server {
	t.Helper()

	cfg := testConfig()
	logger := testLogger()
	metrics := internal.NewMetrics()

	registry := internal.NewRegistry(s, cfg.Timeouts.Store, logger)
	manager := internal.NewManager(s, registry, cfg, logger).WithMetrics(metrics)
	hub := internal.NewHub(cfg, logger).WithMetrics(metrics)
	outbox := internal.NewOutbox(cfg.Relay.SendBufferSize, logger).WithMetrics(metrics)
	router := internal.NewRouter(registry, manager, internal.Local{hub, outbox}, cfg, logger).WithMetrics(metrics)
	handler := internal.NewHandler(router, manager, hub, outbox, logger).WithMetrics(metrics)

	return &server{handler: handler.Routes(), manager: manager, hub: hub, outbox: outbox}
}

// event 送出一個傳輸層事件
func (s *server) event(t *testing.T, eventType, connID string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := map[string]any{"eventType": eventType, "connectionId": connID}
	if body != nil {
		req["body"] = body
	}
	return s.do(t, http.MethodPost, "/api/v1/events", req)
}

// drain 取走連線的待送訊息
func (s *server) drain(t *testing.T, connID string) []map[string]any {
	t.Helper()
	w, resp := s.do(t, http.MethodGet, "/api/v1/connections/"+connID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out []map[string]any
	for _, m := range resp["messages"].([]any) {
		out = append(out, m.(map[string]any))
	}
	return out
}

func (s *server) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var resp map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// TestHandler_Events 測試事件入口的狀態碼對應
func TestHandler_Events(t *testing.T) {
	srv := newServer(t, store.NewMemory())

	tests := []struct {
		name           string
		body           any
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "connect",
			body:           map[string]any{"eventType": "CONNECT", "connectionId": "c1", "origin": "https://game.example"},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Connected", resp["message"])
			},
		},
		{
			name: "join with string body",
			body: map[string]any{
				"eventType":    "MESSAGE",
				"connectionId": "c1",
				"body":         `{"type":"join","playerId":"alice"}`,
			},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Joined room", resp["message"])
			},
		},
		{
			name: "ping with object body",
			body: map[string]any{
				"eventType":    "MESSAGE",
				"connectionId": "c1",
				"body":         map[string]any{"type": "ping"},
			},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Pong sent", resp["message"])
			},
		},
		{
			name: "unknown message type",
			body: map[string]any{
				"eventType":    "MESSAGE",
				"connectionId": "c1",
				"body":         `{"type":"dance"}`,
			},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "INVALID_INPUT", resp["code"])
			},
		},
		{
			name: "recipient not connected",
			body: map[string]any{
				"eventType":    "MESSAGE",
				"connectionId": "c1",
				"body":         `{"type":"offer","from":"alice","to":"bob","sdp":{}}`,
			},
			expectedStatus: http.StatusNotFound,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "NOT_FOUND", resp["code"])
			},
		},
		{
			name:           "unhandled event",
			body:           map[string]any{"eventType": "RECONNECT", "connectionId": "c1"},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Unhandled event type", resp["message"])
			},
		},
		{
			name:           "missing connection id",
			body:           map[string]any{"eventType": "CONNECT"},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "connectionId is required", resp["error"])
			},
		},
		{
			name:           "malformed request",
			body:           "{not json",
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "invalid request body", resp["error"])
			},
		},
		{
			name:           "disconnect",
			body:           map[string]any{"eventType": "DISCONNECT", "connectionId": "c1"},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Disconnected", resp["message"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := srv.do(t, http.MethodPost, "/api/v1/events", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.validate != nil {
				tt.validate(t, resp)
			}
		})
	}
}

// TestHandler_EventsTwoPlayers 兩位玩家只透過事件入口加入同一房間並收到通知
func TestHandler_EventsTwoPlayers(t *testing.T) {
	srv := newServer(t, store.NewMemory())

	for _, connID := range []string{"c1", "c2"} {
		w, _ := srv.event(t, "CONNECT", connID, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, _ := srv.event(t, "MESSAGE", "c1", `{"type":"join","playerId":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, _ = srv.event(t, "MESSAGE", "c2", `{"type":"join","playerId":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp := srv.do(t, http.MethodGet, "/api/v1/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), resp["total"], "both players share one room")
	room := resp["rooms"].([]any)[0].(map[string]any)
	roomID := room["id"].(string)
	assert.Equal(t, []any{"alice", "bob"}, room["members"])

	// alice：自己的 room_info，然後 bob 加入
	msgs := srv.drain(t, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "room_info", msgs[0]["type"])
	assert.Equal(t, roomID, msgs[0]["roomId"])
	assert.Empty(t, msgs[0]["players"])
	assert.Equal(t, "new_player", msgs[1]["type"])
	assert.Equal(t, "bob", msgs[1]["playerId"])

	msgs = srv.drain(t, "c2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "room_info", msgs[0]["type"])
	assert.Equal(t, []any{"alice"}, msgs[0]["players"])

	// 取走之後佇列為空
	assert.Empty(t, srv.drain(t, "c1"))

	// 協商訊息原封不動進入收件人的佇列
	w, _ = srv.event(t, "MESSAGE", "c1", `{"type":"offer","from":"alice","to":"bob","sdp":{"type":"offer","sdp":"v=0"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msgs = srv.drain(t, "c2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "offer", msgs[0]["type"])
	assert.Equal(t, "alice", msgs[0]["from"])

	w, resp = srv.event(t, "MESSAGE", "c1", `{"type":"leave"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Left room", resp["message"])

	msgs = srv.drain(t, "c2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "player_left", msgs[0]["type"])
	assert.Equal(t, "alice", msgs[0]["playerId"])

	// DISCONNECT 後佇列被丟棄
	w, _ = srv.event(t, "DISCONNECT", "c2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, resp = srv.do(t, http.MethodGet, "/api/v1/connections/c2/messages", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "connection not found", resp["error"])
	assert.Equal(t, 1, srv.outbox.Count())
}

// TestHandler_Rooms 測試房間查詢
func TestHandler_Rooms(t *testing.T) {
	srv := newServer(t, store.NewMemory())

	w, resp := srv.do(t, http.MethodGet, "/api/v1/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["total"])
	assert.Equal(t, float64(5), resp["capacity"])

	srv.do(t, http.MethodPost, "/api/v1/events", map[string]any{"eventType": "CONNECT", "connectionId": "c1"})
	srv.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"eventType":    "MESSAGE",
		"connectionId": "c1",
		"body":         `{"type":"join","playerId":"alice"}`,
	})

	w, resp = srv.do(t, http.MethodGet, "/api/v1/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["total"])

	rooms := resp["rooms"].([]any)
	roomID := rooms[0].(map[string]any)["id"].(string)

	w, resp = srv.do(t, http.MethodGet, "/api/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"alice"}, resp["members"])

	w, resp = srv.do(t, http.MethodGet, "/api/v1/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "room not found", resp["error"])
}

// TestHandler_Kick 測試關閉連線
func TestHandler_Kick(t *testing.T) {
	srv := newServer(t, store.NewMemory())

	w, _ := srv.do(t, http.MethodDelete, "/api/v1/connections/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 事件入口的連線沒有讀取端，關閉後直接清理登記與佇列
	srv.do(t, http.MethodPost, "/api/v1/events", map[string]any{"eventType": "CONNECT", "connectionId": "c1"})
	w, resp := srv.do(t, http.MethodDelete, "/api/v1/connections/c1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, resp["success"])
	assert.False(t, srv.outbox.Has("c1"))

	w, _ = srv.do(t, http.MethodDelete, "/api/v1/connections/c1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestHandler_Health 測試健康檢查
func TestHandler_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newServer(t, store.NewMemory())
		w, resp := srv.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "healthy", resp["status"])
	})

	t.Run("store down", func(t *testing.T) {
		srv := newServer(t, downStore{Store: store.NewMemory()})
		w, resp := srv.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", resp["status"])
	})
}

// TestHandler_Stats 測試統計
func TestHandler_Stats(t *testing.T) {
	srv := newServer(t, store.NewMemory())

	w, resp := srv.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["connections"])
	assert.Equal(t, float64(0), resp["queued"])

	rooms := resp["rooms"].(map[string]any)
	assert.Equal(t, "capacity", rooms["policy"])
	assert.Equal(t, float64(0), rooms["total_rooms"])
}

// TestHandler_Metrics 測試 Prometheus 端點
func TestHandler_Metrics(t *testing.T) {
	srv := newServer(t, store.NewMemory())

	srv.do(t, http.MethodPost, "/api/v1/events", map[string]any{"eventType": "CONNECT", "connectionId": "c1"})
	srv.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"eventType":    "MESSAGE",
		"connectionId": "c1",
		"body":         `{"type":"ping"}`,
	})

	w, _ := srv.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `relay_events_total{event="CONNECT",status="ok"} 1`)
	assert.Contains(t, body, `relay_messages_total{type="ping"} 1`)
	// pong 進入 c1 的佇列
	assert.Contains(t, body, `relay_deliveries_total{result="ok"} 1`)
	assert.Contains(t, body, `relay_queued_connections 1`)
}
