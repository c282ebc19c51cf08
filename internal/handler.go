package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
)

// Handler HTTP 請求處理器
//
// WebSocket 連線由 hub 持有；經由事件入口建立的連線沒有推送通道，
// 伺服器要給它的訊息進 outbox，由閘道以 GET .../messages 取走。
type Handler struct {
	router  *Router
	manager *Manager
	hub     *Hub
	outbox  *Outbox
	metrics *Metrics
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(router *Router, manager *Manager, hub *Hub, outbox *Outbox, logger *slog.Logger) *Handler {
	return &Handler{
		router:  router,
		manager: manager,
		hub:     hub,
		outbox:  outbox,
		logger:  logger.With("component", "http"),
	}
}

// WithMetrics 啟用 /metrics
func (h *Handler) WithMetrics(metrics *Metrics) *Handler {
	h.metrics = metrics
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// WebSocket 需要 Hijack，不經過包裝 ResponseWriter 的中間件
	mux.HandleFunc("GET /ws", h.hub.Handler(h.router))

	// API Gateway 風格的事件入口
	mux.HandleFunc("POST /api/v1/events", wrap(h.handleEvent))

	// 查詢與管理
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("DELETE /api/v1/connections/{connection_id}", wrap(h.kick))
	mux.HandleFunc("GET /api/v1/connections/{connection_id}/messages", wrap(h.messages))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	mux.Handle("GET /metrics", h.metrics.Handler())

	return mux
}

// eventRequest 傳輸層事件
//
// body 可以是 JSON 字串（API Gateway 的格式）或直接是 JSON 物件。
type eventRequest struct {
	EventType    EventType       `json:"eventType"`
	ConnectionID string          `json:"connectionId"`
	Origin       string          `json:"origin,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
}

func (req *eventRequest) body() ([]byte, error) {
	raw := bytes.TrimSpace(req.Body)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// handleEvent 處理一個傳輸層事件
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ConnectionID == "" {
		h.errorResponse(w, "connectionId is required", http.StatusBadRequest)
		return
	}

	body, err := req.body()
	if err != nil {
		h.errorResponse(w, "invalid message body", http.StatusBadRequest)
		return
	}

	// 佇列要在 CONNECT 之前建立，之後的投遞才有地方放
	if req.EventType == EventConnect {
		h.outbox.Open(req.ConnectionID)
	}

	reply := h.router.HandleEvent(r.Context(), Event{
		Type:         req.EventType,
		ConnectionID: req.ConnectionID,
		Origin:       req.Origin,
		Body:         body,
	})

	switch {
	case req.EventType == EventConnect && reply.Status != StatusOK:
		h.outbox.Drop(req.ConnectionID)
	case req.EventType == EventDisconnect:
		h.outbox.Drop(req.ConnectionID)
	}

	h.jsonResponse(w, reply, reply.Status.HTTPStatus())
}

// messages 取走事件入口連線的待送訊息
func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	queued, err := h.outbox.Drain(r.PathValue("connection_id"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	messages := make([]json.RawMessage, len(queued))
	for i, data := range queued {
		messages[i] = data
	}

	h.jsonResponse(w, map[string]any{
		"messages": messages,
		"count":    len(messages),
	}, http.StatusOK)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.manager.ListRooms(r.Context())
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"rooms":    rooms,
		"total":    len(rooms),
		"capacity": h.manager.Capacity(),
	}, http.StatusOK)
}

// getRoom 獲取房間詳情
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.GetRoom(r.Context(), r.PathValue("room_id"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	h.jsonResponse(w, room, http.StatusOK)
}

// kick 關閉指定連線
func (h *Handler) kick(w http.ResponseWriter, r *http.Request) {
	if err := h.router.Kick(r.Context(), r.PathValue("connection_id")); err != nil {
		h.appErrorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Ping(r.Context()); err != nil {
		h.logger.Error("健康檢查失敗", "error", err)
		h.jsonResponse(w, map[string]any{
			"status": "unhealthy",
			"time":   time.Now().Unix(),
		}, http.StatusServiceUnavailable)
		return
	}

	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"rooms":       stats,
		"connections": h.hub.Count(),
		"queued":      h.outbox.Count(),
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// appErrorResponse 依錯誤碼決定狀態碼
func (h *Handler) appErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsValidation(err):
		status = http.StatusBadRequest
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	message := "internal server error"
	var appErr *apperrors.AppError
	if status != http.StatusInternalServerError && errors.As(err, &appErr) {
		message = appErr.Message
	} else {
		h.logger.Error("請求處理失敗", "error", err)
	}

	h.errorResponse(w, message, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
