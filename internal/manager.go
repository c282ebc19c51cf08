package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
)

// 系統設計問題：
//   多個無狀態節點同時為玩家配對房間，如何保證房間永不超員？
//
// 核心挑戰：
//   1. 讀取成員數與寫入成員之間有競態（兩人同時看到 4/5）
//   2. 斷線玩家仍留在成員清單中，佔用名額
//   3. 房間 ID 需要跨節點唯一
//
// 設計方案：
//   ✅ 容量檢查與加入合併為儲存層的原子操作（AddMember）
//   ✅ 選房前修剪沒有有效連線的成員
//   ✅ 房間滿了就嘗試下一個候選，都不行才開新房
//   ✅ 房間 ID 含時間、納秒與玩家 ID 片段，衝突時重試

const maxCreateAttempts = 5

// Manager 房間管理器
//
// 兩種配對策略：
//   - capacity：選第一個 0 < 有效人數 < 容量 的房間，否則開新房
//   - single：所有玩家進入同一個固定房間，不限人數
type Manager struct {
	store        store.Store
	registry     *Registry
	policy       string
	capacity     int
	singleRoomID string
	grace        time.Duration
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
}

// NewManager 創建房間管理器
func NewManager(s store.Store, registry *Registry, cfg *Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:        s,
		registry:     registry,
		policy:       cfg.Matchmaking.Policy,
		capacity:     cfg.Matchmaking.Capacity,
		singleRoomID: cfg.Matchmaking.SingleRoomID,
		grace:        cfg.Matchmaking.RoomGrace,
		timeout:      cfg.Timeouts.Store,
		logger:       logger.With("component", "manager"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics 設定指標收集器
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Capacity 每個房間的人數上限，0 表示不限
func (m *Manager) Capacity() int {
	if m.policy == PolicySingle {
		return 0
	}
	return m.capacity
}

// AssignRoom 為玩家選擇房間並加入
//
// 流程：
//  1. 玩家的權威連線已在某個仍列有他的房間 → 直接返回（重複 join）
//  2. 依建立順序列舉房間，修剪失效成員
//  3. 第一個 0 < 有效人數 < 容量 的房間嘗試原子加入
//  4. 沒有可用房間 → 建立新房間，玩家為唯一成員
func (m *Manager) AssignRoom(ctx context.Context, playerID string) (string, error) {
	if playerID == "" {
		return "", apperrors.ErrMissingPlayerID
	}

	if m.policy == PolicySingle {
		return m.assignSingle(ctx, playerID)
	}

	if roomID, ok := m.currentRoom(ctx, playerID); ok {
		return roomID, nil
	}

	rooms, err := m.listRooms(ctx)
	if err != nil {
		return "", err
	}

	for _, room := range rooms {
		active, err := m.activeMembers(ctx, room)
		if err != nil {
			return "", err
		}
		if slices.Contains(active, playerID) {
			return room.ID, nil
		}
		if len(active) == 0 || len(active) >= m.capacity {
			continue
		}

		added, err := m.addMember(ctx, room.ID, playerID, m.capacity)
		if errors.Is(err, store.ErrNotFound) {
			// 房間剛被清理
			continue
		}
		if err != nil {
			return "", err
		}
		if !added {
			// 同時有其他玩家填滿了房間
			m.logger.DebugContext(ctx, "房間已被同時填滿", "room_id", room.ID, "player_id", playerID)
			continue
		}

		m.logger.InfoContext(ctx, "玩家分配到房間",
			"room_id", room.ID,
			"player_id", playerID,
			"active_members", len(active)+1)
		return room.ID, nil
	}

	return m.createRoom(ctx, playerID)
}

// currentRoom 玩家的權威連線是否已綁定到仍列有他的房間
func (m *Manager) currentRoom(ctx context.Context, playerID string) (string, bool) {
	conn, err := m.registry.LookupByPlayer(ctx, playerID)
	if err != nil || conn.RoomID == "" {
		return "", false
	}

	members, err := m.GetMembers(ctx, conn.RoomID)
	if err != nil || !slices.Contains(members, playerID) {
		return "", false
	}
	return conn.RoomID, true
}

func (m *Manager) assignSingle(ctx context.Context, playerID string) (string, error) {
	for range maxCreateAttempts {
		added, err := m.addMember(ctx, m.singleRoomID, playerID, 0)
		if errors.Is(err, store.ErrNotFound) {
			if err := m.ensureRoom(ctx, m.singleRoomID); err != nil {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", err
		}
		if added {
			return m.singleRoomID, nil
		}
	}
	return "", apperrors.New(apperrors.ErrCodeInternal, "could not join the shared room")
}

func (m *Manager) ensureRoom(ctx context.Context, roomID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.store.CreateRoom(ctx, &store.Room{ID: roomID, CreatedAt: m.now()})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return storeError(err, "create room")
	}
	if err == nil {
		m.metrics.roomCreated()
		m.logger.InfoContext(ctx, "房間已建立", "room_id", roomID)
	}
	return nil
}

// createRoom 建立只有 playerID 一人的新房間
func (m *Manager) createRoom(ctx context.Context, playerID string) (string, error) {
	for attempt := range maxCreateAttempts {
		now := m.now()
		roomID := newRoomID(now, playerID)

		createCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.store.CreateRoom(createCtx, &store.Room{
			ID:        roomID,
			Members:   []string{playerID},
			CreatedAt: now,
		})
		cancel()

		if errors.Is(err, store.ErrConflict) {
			m.logger.WarnContext(ctx, "房間 ID 衝突", "room_id", roomID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", storeError(err, "create room")
		}

		m.metrics.roomCreated()
		m.logger.InfoContext(ctx, "房間已建立", "room_id", roomID, "player_id", playerID)
		return roomID, nil
	}

	return "", apperrors.New(apperrors.ErrCodeInternal, "could not allocate a unique room id")
}

// newRoomID 生成 game-<yyyymmddhhmmss>-<納秒 base36>-<玩家 ID 前 8 字>
func newRoomID(now time.Time, playerID string) string {
	fragment := []rune(playerID)
	if len(fragment) > 8 {
		fragment = fragment[:8]
	}
	return fmt.Sprintf("game-%s-%s-%s",
		now.Format("20060102150405"),
		strconv.FormatInt(int64(now.Nanosecond()), 36),
		string(fragment))
}

// activeMembers 返回房間中仍有有效連線的成員，並移除其餘成員
func (m *Manager) activeMembers(ctx context.Context, room *store.Room) ([]string, error) {
	if len(room.Members) == 0 {
		return nil, nil
	}

	inRoom, err := m.registry.ListInRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}

	active := make([]string, 0, len(room.Members))
	for _, member := range room.Members {
		if _, ok := inRoom[member]; ok {
			active = append(active, member)
			continue
		}

		// 連線可能正在綁定到此房間，只要玩家仍有連線就視為有效
		_, err := m.registry.LookupByPlayer(ctx, member)
		if err == nil {
			active = append(active, member)
			continue
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}

		if _, err := m.removeMember(ctx, room.ID, member); err != nil {
			return nil, err
		}
		m.logger.InfoContext(ctx, "修剪失效成員", "room_id", room.ID, "player_id", member)
	}

	return active, nil
}

// RemovePlayer 將玩家移出房間
//
// 房間或玩家不存在時只記錄日誌，不返回錯誤。
func (m *Manager) RemovePlayer(ctx context.Context, roomID, playerID string) error {
	removed, err := m.removeMember(ctx, roomID, playerID)
	if err != nil {
		return err
	}
	if !removed {
		m.logger.WarnContext(ctx, "玩家不在房間成員中", "room_id", roomID, "player_id", playerID)
		return nil
	}

	m.logger.InfoContext(ctx, "玩家已移出房間", "room_id", roomID, "player_id", playerID)
	return nil
}

// RestorePlayer 將玩家放回原本的房間，不檢查容量
//
// 只用於撤銷失敗的 join：玩家原本就佔有這個名額。房間已不存在時返回 NOT_FOUND。
func (m *Manager) RestorePlayer(ctx context.Context, roomID, playerID string) error {
	_, err := m.addMember(ctx, roomID, playerID, 0)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.ErrRoomNotFound
	}
	return err
}

// GetMembers 返回房間成員（已排序）
func (m *Manager) GetMembers(ctx context.Context, roomID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	members, err := m.store.Members(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrRoomNotFound
	}
	if err != nil {
		return nil, storeError(err, "get members")
	}
	return members, nil
}

// GetRoom 返回房間記錄
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	room, err := m.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrRoomNotFound
	}
	if err != nil {
		return nil, storeError(err, "get room")
	}
	return room, nil
}

// ListRooms 依建立時間列出所有房間
func (m *Manager) ListRooms(ctx context.Context) ([]*store.Room, error) {
	return m.listRooms(ctx)
}

func (m *Manager) listRooms(ctx context.Context) ([]*store.Room, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return nil, storeError(err, "list rooms")
	}
	return rooms, nil
}

func (m *Manager) addMember(ctx context.Context, roomID, playerID string, capacity int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	added, err := m.store.AddMember(ctx, roomID, playerID, capacity)
	if errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, storeError(err, "add member")
	}
	return added, nil
}

func (m *Manager) removeMember(ctx context.Context, roomID, playerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	removed, err := m.store.RemoveMember(ctx, roomID, playerID)
	if err != nil {
		return false, storeError(err, "remove member")
	}
	return removed, nil
}

// Sweep 刪除沒有有效成員且超過寬限期的房間，返回刪除數量
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	rooms, err := m.listRooms(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-m.grace)
	deleted := 0

	for _, room := range rooms {
		if !room.CreatedAt.Before(cutoff) {
			continue
		}

		active, err := m.activeMembers(ctx, room)
		if err != nil {
			return deleted, err
		}
		if len(active) > 0 {
			continue
		}

		delCtx, cancel := context.WithTimeout(ctx, m.timeout)
		ok, err := m.store.DeleteRoomIfEmpty(delCtx, room.ID, cutoff)
		cancel()
		if err != nil {
			return deleted, storeError(err, "delete room")
		}
		if ok {
			deleted++
			m.metrics.roomDeleted()
			m.logger.InfoContext(ctx, "已刪除空房間", "room_id", room.ID)
		}
	}

	return deleted, nil
}

// CleanupLoop 定期執行 Sweep，直到 ctx 結束
func (m *Manager) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "清理房間失敗", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RoomStats 房間統計
type RoomStats struct {
	Policy       string `json:"policy"`
	Capacity     int    `json:"capacity"`
	TotalRooms   int    `json:"total_rooms"`
	TotalMembers int    `json:"total_members"`
	EmptyRooms   int    `json:"empty_rooms"`
	FullRooms    int    `json:"full_rooms"`
}

// Stats 獲取統計資訊
func (m *Manager) Stats(ctx context.Context) (*RoomStats, error) {
	rooms, err := m.listRooms(ctx)
	if err != nil {
		return nil, err
	}

	stats := &RoomStats{
		Policy:     m.policy,
		Capacity:   m.Capacity(),
		TotalRooms: len(rooms),
	}
	for _, room := range rooms {
		n := len(room.Members)
		stats.TotalMembers += n
		switch {
		case n == 0:
			stats.EmptyRooms++
		case stats.Capacity > 0 && n >= stats.Capacity:
			stats.FullRooms++
		}
	}
	return stats, nil
}

// Ping 檢查儲存是否可用
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		return storeError(err, "ping store")
	}
	return nil
}
