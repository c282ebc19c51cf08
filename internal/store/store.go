// Package store 定義連線與房間記錄的持久化介面
//
// 系統設計問題：
//
//	多個無狀態的事件處理同時讀寫同一份資料時，如何避免遺失更新？
//
// 設計方案：
//
//	✅ 成員集合只透過原子的 add/remove 修改，不做整份覆寫
//	✅ 以 player 與 room 的二級索引取代全表掃描
//	✅ 容量檢查與加入在同一個原子操作內完成
//
// 目前有三種實現：Memory（單機、測試）、Redis（Lua 腳本）、Postgres（交易 + 行鎖）。
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound 記錄不存在
	ErrNotFound = errors.New("store: not found")

	// ErrConflict 記錄已存在
	ErrConflict = errors.New("store: already exists")
)

// Connection 傳輸層連線記錄
type Connection struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	PlayerID  string    `json:"player_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	BoundAt   time.Time `json:"bound_at,omitzero"`
}

// Room 房間記錄
type Room struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 連線與房間的持久化介面
//
// 所有方法都必須是冪等且原子的：重試同一呼叫不會產生錯誤或重複資料。
type Store interface {
	// CreateConnection 若不存在則建立，返回實際儲存的記錄
	CreateConnection(ctx context.Context, conn *Connection) (*Connection, error)
	GetConnection(ctx context.Context, connID string) (*Connection, error)
	// DeleteConnection 刪除連線及仍指向它的索引，不存在時不報錯
	DeleteConnection(ctx context.Context, connID string) error
	// BindConnection 設定玩家與房間，並將玩家索引指向此連線
	BindConnection(ctx context.Context, connID, playerID, roomID string) error
	// UnbindRoom 清除房間關聯，保留玩家身分
	UnbindRoom(ctx context.Context, connID string) error
	// UnbindPlayer 清除玩家與房間，玩家索引仍指向此連線時一併刪除
	UnbindPlayer(ctx context.Context, connID string) error
	// ConnectionByPlayer 返回玩家索引指向的連線
	//
	// 索引只跟隨最近一次 BindConnection：該連線換了身分或被刪除後，
	// 即使較舊的連線仍記著這個玩家，也返回 ErrNotFound。
	ConnectionByPlayer(ctx context.Context, playerID string) (*Connection, error)
	// ConnectionsInRoom 返回 playerID -> connectionID
	ConnectionsInRoom(ctx context.Context, roomID string) (map[string]string, error)

	// CreateRoom 若 ID 已存在返回 ErrConflict
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	// ListRooms 依建立時間排序
	ListRooms(ctx context.Context) ([]*Room, error)
	Members(ctx context.Context, roomID string) ([]string, error)
	// AddMember 原子地修剪失效成員、檢查容量並加入
	//
	// 已是成員時返回 true；有效成員數已達 capacity 時返回 false。
	// capacity <= 0 表示不限。
	AddMember(ctx context.Context, roomID, playerID string, capacity int) (bool, error)
	// RemoveMember 返回玩家是否原本在房間中
	RemoveMember(ctx context.Context, roomID, playerID string) (bool, error)
	// DeleteRoomIfEmpty 刪除沒有成員且建立時間早於 createdBefore 的房間
	DeleteRoomIfEmpty(ctx context.Context, roomID string, createdBefore time.Time) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
