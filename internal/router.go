package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
	"github.com/koopa0/system-design/14-signaling-relay/pkg/logger"
)

// 系統設計問題：
//   如何讓兩個瀏覽器在沒有直接連線前交換 offer/answer/ICE？
//
// 核心挑戰：
//   1. 連線、玩家、房間三者的對應要能跨節點查詢
//   2. 通知其他玩家時，某個玩家離線不能拖累整個操作
//   3. 協商內容由客戶端定義，中繼不應理解或修改
//
// 設計方案：
//   ✅ Router 無狀態，所有狀態在 Registry/Manager 背後的儲存
//   ✅ 投遞錯誤分類：GONE 清理登記，其他錯誤只記錄
//   ✅ 廣播以 errgroup 限制並發，每個收件人獨立
//   ✅ 協商訊息原封不動轉送

// EventType 傳輸層事件類型
type EventType string

// 傳輸層事件
const (
	EventConnect    EventType = "CONNECT"
	EventDisconnect EventType = "DISCONNECT"
	EventMessage    EventType = "MESSAGE"
)

// Event 傳輸層事件
type Event struct {
	Type         EventType
	ConnectionID string
	Origin       string
	Body         []byte
}

// Status 回應狀態類別
type Status int

// 回應狀態
const (
	StatusOK Status = iota
	StatusValidation
	StatusNotFound
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusValidation:
		return "validation"
	case StatusNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// HTTPStatus 對應的 HTTP 狀態碼
func (s Status) HTTPStatus() int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusValidation:
		return http.StatusBadRequest
	case StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Reply 事件處理結果
type Reply struct {
	Status  Status `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EventHandler 處理傳輸層事件（由 Router 實現）
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) Reply
}

// Router 信令路由器
//
// 連線狀態機：Disconnected → Connected → Joined ⇄ Connected → Disconnected
type Router struct {
	registry        *Registry
	manager         *Manager
	deliverer       Deliverer
	fanoutLimit     int
	deliveryTimeout time.Duration
	logger          *slog.Logger
	metrics         *Metrics
	now             func() time.Time
}

// NewRouter 創建信令路由器，fanout 上限至少為 1
func NewRouter(registry *Registry, manager *Manager, deliverer Deliverer, cfg *Config, logger *slog.Logger) *Router {
	fanout := max(cfg.Relay.FanoutLimit, 1)

	return &Router{
		registry:        registry,
		manager:         manager,
		deliverer:       deliverer,
		fanoutLimit:     fanout,
		deliveryTimeout: cfg.Timeouts.Delivery,
		logger:          logger.With("component", "router"),
		now:             time.Now,
	}
}

// WithMetrics 設定指標收集器
func (r *Router) WithMetrics(metrics *Metrics) *Router {
	r.metrics = metrics
	return r
}

// HandleEvent 處理一個傳輸層事件並返回狀態分類的回應
func (r *Router) HandleEvent(ctx context.Context, ev Event) Reply {
	ctx = logger.WithConnectionID(ctx, ev.ConnectionID)

	var (
		message string
		err     error
	)

	switch ev.Type {
	case EventConnect:
		err = r.Connect(ctx, ev.ConnectionID, Metadata{Origin: ev.Origin, ConnectedAt: r.now().UTC()})
		message = "Connected"
	case EventDisconnect:
		err = r.Disconnect(ctx, ev.ConnectionID)
		message = "Disconnected"
	case EventMessage:
		message, err = r.HandleMessage(ctx, ev.ConnectionID, ev.Body)
	default:
		err = apperrors.ErrUnhandledEvent.WithDetails(string(ev.Type))
	}

	reply := r.reply(ctx, message, err)
	r.metrics.event(ev.Type, reply.Status)
	return reply
}

// reply 將錯誤轉為回應，內部錯誤不對外暴露細節
func (r *Router) reply(ctx context.Context, message string, err error) Reply {
	if err == nil {
		return Reply{Status: StatusOK, Message: message}
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal error")
	}

	switch {
	case apperrors.IsUnhandled(err):
		r.logger.WarnContext(ctx, "未處理的事件", "details", appErr.Details)
		return Reply{Status: StatusOK, Message: "Unhandled event type"}
	case apperrors.IsValidation(err):
		r.logger.WarnContext(ctx, "訊息被拒絕", "error", err)
		return Reply{Status: StatusValidation, Code: appErr.Code, Message: appErr.Message}
	case apperrors.IsNotFound(err):
		r.logger.WarnContext(ctx, "訊息被拒絕", "error", err)
		return Reply{Status: StatusNotFound, Code: appErr.Code, Message: appErr.Message}
	default:
		r.logger.ErrorContext(ctx, "事件處理失敗", "error", err)
		return Reply{Status: StatusInternal, Code: appErr.Code, Message: appErr.Message}
	}
}

// HandleMessage 解析應用訊息並分派，返回成功時的回應文字
func (r *Router) HandleMessage(ctx context.Context, connID string, body []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", apperrors.ErrInvalidMessage.WithDetails(err.Error())
	}

	switch env.Type {
	case MsgJoin, MsgLeave, MsgOffer, MsgAnswer, MsgICECandidate, MsgPing:
		r.metrics.message(env.Type)
	default:
		r.metrics.message("unknown")
		return "", apperrors.ErrUnknownMessageType.WithDetails(string(env.Type))
	}

	r.logger.DebugContext(ctx, "收到訊息", "type", env.Type)

	switch {
	case env.Type == MsgJoin:
		return "Joined room", r.Join(ctx, connID, env.PlayerID)
	case env.Type == MsgLeave:
		return "Left room", r.Leave(ctx, connID, env.PlayerID)
	case env.Type.IsSignaling():
		return fmt.Sprintf("%s forwarded", env.Type), r.Relay(ctx, connID, env, body)
	default:
		return "Pong sent", r.Ping(ctx, connID)
	}
}

// Connect 建立連線記錄
func (r *Router) Connect(ctx context.Context, connID string, meta Metadata) error {
	if _, err := r.registry.Register(ctx, connID, meta); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "客戶端已連線", "origin", meta.Origin)
	return nil
}

// Disconnect 清理連線：若仍在房間則視同離開，最後刪除記錄
//
// 連線不存在時為空操作。
func (r *Router) Disconnect(ctx context.Context, connID string) error {
	conn, err := r.registry.LookupByID(ctx, connID)
	if apperrors.IsNotFound(err) {
		r.logger.DebugContext(ctx, "斷線的連線不存在")
		return nil
	}
	if err != nil {
		return err
	}

	if conn.PlayerID != "" && conn.RoomID != "" && r.isAuthoritative(ctx, conn) {
		if err := r.leaveRoom(ctx, conn.ID, conn.RoomID, conn.PlayerID, false); err != nil {
			return err
		}
	}

	if err := r.registry.Remove(ctx, connID); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "客戶端已斷線", "player_id", conn.PlayerID, "room_id", conn.RoomID)
	return nil
}

// isAuthoritative 舊連線（玩家已從新連線重新登入）斷線時不影響房間
func (r *Router) isAuthoritative(ctx context.Context, conn *store.Connection) bool {
	current, err := r.registry.LookupByPlayer(ctx, conn.PlayerID)
	if err != nil {
		return true
	}
	return current.ID == conn.ID
}

// Join 為玩家配對房間並通知房內其他玩家
//
// 配對失敗時連線恢復原本的綁定；換了身分時，舊身分在配對成功後才離開房間。
func (r *Router) Join(ctx context.Context, connID, playerID string) error {
	if playerID == "" {
		return apperrors.ErrMissingPlayerID
	}
	ctx = logger.WithPlayerID(ctx, playerID)

	conn, err := r.registry.LookupByID(ctx, connID)
	if err != nil {
		return err
	}

	previousRoom := conn.RoomID
	switching := conn.PlayerID != "" && conn.PlayerID != playerID

	// 先宣告玩家身分，避免配對時被當成失效成員修剪
	claimRoom := previousRoom
	if switching {
		claimRoom = ""
	}
	if err := r.registry.SetPlayerAndRoom(ctx, connID, playerID, claimRoom); err != nil {
		return err
	}

	roomID, err := r.manager.AssignRoom(ctx, playerID)
	if err != nil {
		r.restoreBinding(context.WithoutCancel(ctx), conn, switching)
		return err
	}
	ctx = logger.WithRoomID(ctx, roomID)

	if previousRoom != "" && (switching || previousRoom != roomID) {
		leaving := playerID
		if switching {
			leaving = conn.PlayerID
		}
		if err := r.leaveRoom(ctx, connID, previousRoom, leaving, false); err != nil {
			return err
		}
	}

	if err := r.registry.SetPlayerAndRoom(ctx, connID, playerID, roomID); err != nil {
		return err
	}

	members, err := r.manager.GetMembers(ctx, roomID)
	if err != nil {
		return err
	}
	others := make([]string, 0, len(members))
	for _, m := range members {
		if m != playerID {
			others = append(others, m)
		}
	}

	info, err := encode(newRoomInfo(roomID, others))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode room info")
	}
	if err := r.deliver(ctx, connID, info); err != nil {
		r.logger.WarnContext(ctx, "房間資訊未送達", "error", err)
	}

	// 重複 join 不再通知其他玩家
	if switching || previousRoom != roomID {
		r.notifyRoom(ctx, roomID, playerID, PlayerEvent{Type: MsgNewPlayer, PlayerID: playerID})
	}

	r.logger.InfoContext(ctx, "玩家加入房間", "members", len(members))
	return nil
}

// restoreBinding 將連線恢復為 join 之前的玩家與房間
//
// 換身分時舊身分可能已在配對中被當成失效成員修剪，reseat 為 true 時放回原房間。
func (r *Router) restoreBinding(ctx context.Context, conn *store.Connection, reseat bool) {
	if conn.PlayerID == "" {
		if err := r.registry.ClearPlayer(ctx, conn.ID); err != nil {
			r.logger.ErrorContext(ctx, "恢復連線綁定失敗", "error", err)
		}
		return
	}

	if err := r.registry.SetPlayerAndRoom(ctx, conn.ID, conn.PlayerID, conn.RoomID); err != nil {
		r.logger.ErrorContext(ctx, "恢復連線綁定失敗",
			"previous_player_id", conn.PlayerID,
			"previous_room_id", conn.RoomID,
			"error", err)
		return
	}
	if !reseat || conn.RoomID == "" {
		return
	}

	err := r.manager.RestorePlayer(ctx, conn.RoomID, conn.PlayerID)
	if apperrors.IsNotFound(err) {
		// 房間已被清理
		err = r.registry.ClearRoom(ctx, conn.ID)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "恢復房間成員失敗",
			"previous_player_id", conn.PlayerID,
			"previous_room_id", conn.RoomID,
			"error", err)
	}
}

// Leave 離開目前房間，保留玩家身分
func (r *Router) Leave(ctx context.Context, connID, playerID string) error {
	conn, err := r.registry.LookupByID(ctx, connID)
	if err != nil {
		return err
	}
	if conn.RoomID == "" {
		return apperrors.ErrNotInRoom
	}

	player := conn.PlayerID
	if player == "" {
		player = playerID
	}
	ctx = logger.WithRoomID(logger.WithPlayerID(ctx, player), conn.RoomID)

	if err := r.leaveRoom(ctx, connID, conn.RoomID, player, true); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "玩家離開房間")
	return nil
}

// leaveRoom 將玩家移出房間並通知剩餘成員
//
// unbind 為 true 時同時解除連線與房間的關聯。
func (r *Router) leaveRoom(ctx context.Context, connID, roomID, playerID string, unbind bool) error {
	if err := r.manager.RemovePlayer(ctx, roomID, playerID); err != nil {
		return err
	}
	if unbind {
		if err := r.registry.ClearRoom(ctx, connID); err != nil {
			return err
		}
	}

	r.notifyRoom(ctx, roomID, playerID, PlayerEvent{Type: MsgPlayerLeft, PlayerID: playerID})
	return nil
}

// Relay 將協商訊息原封不動轉送給 to
func (r *Router) Relay(ctx context.Context, connID string, env Envelope, raw []byte) error {
	if env.To == "" {
		return apperrors.ErrMissingRecipient
	}

	target, err := r.registry.LookupByPlayer(ctx, env.To)
	if err != nil {
		return err
	}

	err = r.deliver(ctx, target.ID, raw)
	if apperrors.IsGone(err) {
		// 收件人剛好離線：登記已清理，視為已處理
		return nil
	}
	if err != nil {
		return err
	}

	r.logger.DebugContext(ctx, "協商訊息已轉送", "type", env.Type, "from", env.From, "to", env.To)
	return nil
}

// Ping 回覆 pong 給發送者，不改變任何房間或連線狀態
func (r *Router) Ping(ctx context.Context, connID string) error {
	data, err := encode(newPong(r.now()))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode pong")
	}

	err = r.deliver(ctx, connID, data)
	if apperrors.IsGone(err) {
		return nil
	}
	return err
}

// notifyRoom 向房間內除 except 以外的所有連線廣播
//
// 每個收件人獨立投遞，失敗只記錄日誌。
func (r *Router) notifyRoom(ctx context.Context, roomID, except string, msg any) {
	data, err := encode(msg)
	if err != nil {
		r.logger.ErrorContext(ctx, "編碼通知失敗", "error", err)
		return
	}

	targets, err := r.registry.ListInRoom(ctx, roomID)
	if err != nil {
		r.logger.ErrorContext(ctx, "列舉房間連線失敗", "room_id", roomID, "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(r.fanoutLimit)

	for playerID, connID := range targets {
		if playerID == except {
			continue
		}
		g.Go(func() error {
			if err := r.deliver(ctx, connID, data); err != nil {
				r.logger.WarnContext(ctx, "通知未送達",
					"recipient", playerID,
					"recipient_connection", connID,
					"error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
}

// deliver 投遞一則訊息；目標已離線時從登記表移除
func (r *Router) deliver(ctx context.Context, connID string, data []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	err := r.deliverer.Send(sendCtx, connID, data)
	cancel()

	switch {
	case err == nil:
		r.metrics.delivery("ok")
		return nil
	case apperrors.IsGone(err):
		r.metrics.delivery("gone")
		if rmErr := r.registry.Remove(ctx, connID); rmErr != nil {
			r.logger.ErrorContext(ctx, "移除失效連線失敗",
				"recipient_connection", connID,
				"error", rmErr)
		} else {
			r.logger.InfoContext(ctx, "已移除失效連線", "recipient_connection", connID)
		}
		return err
	case errors.Is(err, context.DeadlineExceeded):
		r.metrics.delivery("timeout")
		return apperrors.ErrDeliveryTimeout.WithDetails(connID)
	case apperrors.IsTransient(err):
		r.metrics.delivery("timeout")
		return err
	default:
		r.metrics.delivery("error")
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "delivery failed")
	}
}

// Kick 由服務端關閉連接
//
// 連接所在的 Hub 會在讀取端結束時送出 DISCONNECT；
// 連接已不存在時直接清理登記。
func (r *Router) Kick(ctx context.Context, connID string) error {
	if _, err := r.registry.LookupByID(ctx, connID); err != nil {
		return err
	}

	closeCtx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	err := r.deliverer.Close(closeCtx, connID)
	cancel()

	if apperrors.IsGone(err) {
		return r.Disconnect(ctx, connID)
	}
	if err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "連線已被關閉", "connection_id", connID)
	return nil
}
