package internal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
)

// Metadata 建立連線時由傳輸層提供的資訊
type Metadata struct {
	Origin      string
	ConnectedAt time.Time
}

// Registry 連線登記表
//
// 記錄每條傳輸層連線目前代表哪個玩家、位於哪個房間。
// 所有狀態都在 store 中，Registry 本身無狀態，可被多個節點共用。
//
// 錯誤分類：
//   - 記錄不存在 → NOT_FOUND
//   - 儲存超時 → TIMEOUT
//   - 其他儲存錯誤 → STORAGE_ERROR
type Registry struct {
	store   store.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry 創建連線登記表，timeout 限制每次儲存呼叫的時間
func NewRegistry(s store.Store, timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:   s,
		timeout: timeout,
		logger:  logger.With("component", "registry"),
	}
}

// Register 建立連線記錄
func (r *Registry) Register(ctx context.Context, connID string, meta Metadata) (*store.Connection, error) {
	if connID == "" {
		return nil, apperrors.Validation("connection id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.store.CreateConnection(ctx, &store.Connection{
		ID:        connID,
		CreatedAt: meta.ConnectedAt,
		Origin:    meta.Origin,
	})
	if err != nil {
		return nil, storeError(err, "register connection")
	}

	r.logger.DebugContext(ctx, "連線已登記", "connection_id", connID, "origin", meta.Origin)
	return conn, nil
}

// LookupByID 查詢連線
func (r *Registry) LookupByID(ctx context.Context, connID string) (*store.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.store.GetConnection(ctx, connID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrConnectionNotFound
	}
	if err != nil {
		return nil, storeError(err, "lookup connection")
	}
	return conn, nil
}

// LookupByPlayer 查詢玩家的權威連線（最近綁定的那條）
func (r *Registry) LookupByPlayer(ctx context.Context, playerID string) (*store.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.store.ConnectionByPlayer(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrRecipientNotConnected
	}
	if err != nil {
		return nil, storeError(err, "lookup player connection")
	}
	return conn, nil
}

// ListInRoom 返回房間內 playerID -> connectionID
func (r *Registry) ListInRoom(ctx context.Context, roomID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conns, err := r.store.ConnectionsInRoom(ctx, roomID)
	if err != nil {
		return nil, storeError(err, "list room connections")
	}
	return conns, nil
}

// SetPlayerAndRoom 綁定玩家與房間，roomID 為空表示只綁定玩家
func (r *Registry) SetPlayerAndRoom(ctx context.Context, connID, playerID, roomID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.store.BindConnection(ctx, connID, playerID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.ErrConnectionNotFound
	}
	if err != nil {
		return storeError(err, "bind connection")
	}
	return nil
}

// ClearRoom 解除連線與房間的關聯，保留玩家身分
func (r *Registry) ClearRoom(ctx context.Context, connID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.UnbindRoom(ctx, connID); err != nil {
		return storeError(err, "clear room")
	}
	return nil
}

// ClearPlayer 解除連線的玩家身分與房間，回到剛連線的狀態
func (r *Registry) ClearPlayer(ctx context.Context, connID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.UnbindPlayer(ctx, connID); err != nil {
		return storeError(err, "clear player")
	}
	return nil
}

// Remove 刪除連線記錄，不存在時不報錯
func (r *Registry) Remove(ctx context.Context, connID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.DeleteConnection(ctx, connID); err != nil {
		return storeError(err, "remove connection")
	}

	r.logger.DebugContext(ctx, "連線已移除", "connection_id", connID)
	return nil
}

// storeError 將儲存層錯誤轉為應用錯誤
func storeError(err error, message string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, message)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(err, apperrors.ErrCodeTimeout, message)
	default:
		return apperrors.Storage(err, message)
	}
}
