package internal

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
)

// 系統設計問題：
//   如何在瀏覽器與中繼之間維持低延遲的雙向通道？
//
// 核心挑戰：
//   1. 服務器主動推送（new_player、轉送的 offer）
//   2. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   3. 慢客戶端不能阻塞廣播
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信
//   ✅ Hub 模式 - 集中管理本節點的連接，並作為 Deliverer 供 Router 投遞
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送，滿了回報暫時性錯誤

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10 // SDP 可能有數 KB
)

// Attacher 本節點的連接建立與關閉時被通知（跨節點投遞用）
type Attacher interface {
	Attach(connID string) error
	Detach(connID string)
}

// Hub WebSocket 連接中心
//
// 系統設計考量：
//
//  1. 連接映射：map[connID]*Client
//     - 投遞以連接 ID 定位，房間關係在儲存層
//
//  2. 並發安全：RWMutex
//     - Send 持讀鎖寫入 channel（非阻塞）
//     - 移除連接持寫鎖，並在同一把鎖下關閉 channel，避免寫入已關閉的 channel
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	mu         sync.RWMutex
	sendBuffer int
	attacher   Attacher
	metrics    *Metrics
	wg         sync.WaitGroup
}

// Client 一條 WebSocket 連接
type Client struct {
	ID       string
	Origin   string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	lastPing time.Time
	mu       sync.Mutex
}

// NewHub 創建 WebSocket Hub
func NewHub(cfg *Config, logger *slog.Logger) *Hub {
	allowed := cfg.Server.AllowedOrigins
	return &Hub{
		logger: logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return slices.Contains(allowed, r.Header.Get("Origin"))
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients:    make(map[string]*Client),
		sendBuffer: cfg.Relay.SendBufferSize,
	}
}

// WithAttacher 設定跨節點投遞的掛載點
func (hub *Hub) WithAttacher(a Attacher) *Hub {
	hub.attacher = a
	return hub
}

// WithMetrics 設定指標收集器
func (hub *Hub) WithMetrics(metrics *Metrics) *Hub {
	hub.metrics = metrics
	return hub
}

// Handler 返回處理 WebSocket 升級的 handler，事件交給 events 處理
func (hub *Hub) Handler(events EventHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hub.serveWS(events, w, r)
	}
}

func (hub *Hub) serveWS(events EventHandler, w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		Origin:   r.Header.Get("Origin"),
		conn:     conn,
		send:     make(chan []byte, hub.sendBuffer),
		hub:      hub,
		lastPing: time.Now(),
	}

	// 先在本地登記，CONNECT 成功前就能收到投遞
	hub.register(client)

	reply := events.HandleEvent(context.Background(), Event{
		Type:         EventConnect,
		ConnectionID: client.ID,
		Origin:       client.Origin,
	})
	if reply.Status != StatusOK {
		hub.logger.Warn("連接被拒絕", "connection_id", client.ID, "reason", reply.Message)
		hub.unregister(client)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reply.Message),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	if hub.attacher != nil {
		if err := hub.attacher.Attach(client.ID); err != nil {
			hub.logger.Error("掛載連接失敗", "connection_id", client.ID, "error", err)
		}
	}

	hub.wg.Add(2)
	go client.writePump()
	go client.readPump(events)

	hub.logger.Info("WebSocket 已連接", "connection_id", client.ID, "origin", client.Origin)
}

// register 註冊連接
func (hub *Hub) register(c *Client) {
	hub.mu.Lock()
	hub.clients[c.ID] = c
	hub.mu.Unlock()

	hub.metrics.connectionOpened()
}

// unregister 取消註冊連接，並關閉其發送 channel
func (hub *Hub) unregister(c *Client) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	actual, exists := hub.clients[c.ID]
	if !exists || actual != c {
		return false
	}
	delete(hub.clients, c.ID)
	close(c.send)

	hub.metrics.connectionClosed()
	return true
}

// Send 實現 Deliverer
//
// 連接不在本節點 → GONE；緩衝區滿 → TIMEOUT（暫時性）。
func (hub *Hub) Send(ctx context.Context, connID string, data []byte) error {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	c, exists := hub.clients[connID]
	if !exists {
		return apperrors.ErrConnectionGone.WithDetails(connID)
	}

	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "delivery cancelled")
	default:
		hub.logger.Warn("發送緩衝區已滿", "connection_id", connID)
		return apperrors.New(apperrors.ErrCodeTimeout, "send buffer full").WithDetails(connID)
	}
}

// Close 實現 Deliverer：關閉連接，readPump 結束時會送出 DISCONNECT
func (hub *Hub) Close(ctx context.Context, connID string) error {
	hub.mu.RLock()
	c, exists := hub.clients[connID]
	hub.mu.RUnlock()
	if !exists {
		return apperrors.ErrConnectionGone.WithDetails(connID)
	}

	if hub.unregister(c) {
		hub.logger.Info("服務器關閉連接", "connection_id", connID)
	}
	return nil
}

// Has 連接是否在本節點
func (hub *Hub) Has(connID string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, exists := hub.clients[connID]
	return exists
}

// Count 本節點的連接數
func (hub *Hub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Stop 關閉所有連接並等待讀寫 goroutine 結束
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for id, c := range hub.clients {
		delete(hub.clients, id)
		close(c.send)
		hub.metrics.connectionClosed()
		// 客戶端沒有回應關閉握手時，不必等滿 pongWait
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	}
	hub.mu.Unlock()

	hub.wg.Wait()
	hub.logger.Info("WebSocket Hub 已停止")
}

// readPump 讀取客戶端消息
//
// 心跳機制（讀取端）：60 秒內沒有收到任何消息（包括 Pong）就關閉連接。
// 配合 writePump 的 54 秒 Ping，留 6 秒余量。
//
// 結束時送出 DISCONNECT，讓 Router 清理房間與登記。
func (c *Client) readPump(events EventHandler) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		if c.hub.attacher != nil {
			c.hub.attacher.Detach(c.ID)
		}
		events.HandleEvent(context.Background(), Event{Type: EventDisconnect, ConnectionID: c.ID})
		c.hub.logger.Info("WebSocket 已斷開", "connection_id", c.ID)
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設定讀取超時失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.hub.logger.Error("設定讀取超時失敗", "error", err)
		}
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤", "connection_id", c.ID, "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		reply := events.HandleEvent(context.Background(), Event{
			Type:         EventMessage,
			ConnectionID: c.ID,
			Body:         message,
		})
		if reply.Status != StatusOK {
			c.reject(reply)
		}
	}
}

// reject 將被拒絕的原因回給客戶端
func (c *Client) reject(reply Reply) {
	data, err := encode(ErrorFrame{Type: MsgError, Code: reply.Code, Message: reply.Message})
	if err != nil {
		return
	}
	if err := c.hub.Send(context.Background(), c.ID, data); err != nil {
		c.hub.logger.Debug("錯誤訊息未送達", "connection_id", c.ID, "error", err)
	}
}

// writePump 寫入消息到客戶端
//
// 心跳機制（發送端）：每 54 秒發送 Ping，客戶端自動回覆 Pong。
// 緩衝的訊息一次寫完再等待下一輪。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設定寫入超時失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試發送關閉消息，忽略錯誤（連接可能已關閉）
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 每則信令是獨立的 JSON，不能合併成同一個 frame
			n := len(c.send)
			for range n {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.hub.logger.Error("WebSocket 寫入錯誤", "connection_id", c.ID, "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設定寫入超時失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
