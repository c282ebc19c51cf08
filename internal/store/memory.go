package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory 單機記憶體實現
//
// 所有索引都在同一把鎖下維護，因此每個方法天然原子。
// 適用於單節點部署與測試；多節點部署請使用 Redis 或 Postgres。
type Memory struct {
	mu        sync.RWMutex
	conns     map[string]*Connection       // connID -> Connection
	players   map[string]string            // playerID -> connID
	roomConns map[string]map[string]string // roomID -> connID -> playerID
	rooms     map[string]*memoryRoom       // roomID -> room
}

type memoryRoom struct {
	createdAt time.Time
	members   map[string]struct{}
}

// NewMemory 創建記憶體儲存
func NewMemory() *Memory {
	return &Memory{
		conns:     make(map[string]*Connection),
		players:   make(map[string]string),
		roomConns: make(map[string]map[string]string),
		rooms:     make(map[string]*memoryRoom),
	}
}

// CreateConnection 實現 Store
func (m *Memory) CreateConnection(ctx context.Context, conn *Connection) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.conns[conn.ID]; ok {
		cp := *existing
		return &cp, nil
	}

	stored := *conn
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.conns[conn.ID] = &stored

	cp := stored
	return &cp, nil
}

// GetConnection 實現 Store
func (m *Memory) GetConnection(ctx context.Context, connID string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

// DeleteConnection 實現 Store
func (m *Memory) DeleteConnection(ctx context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}

	m.detachRoomLocked(conn)
	if conn.PlayerID != "" && m.players[conn.PlayerID] == connID {
		delete(m.players, conn.PlayerID)
	}
	delete(m.conns, connID)

	return nil
}

// BindConnection 實現 Store
func (m *Memory) BindConnection(ctx context.Context, connID, playerID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return ErrNotFound
	}

	if conn.RoomID != roomID {
		m.detachRoomLocked(conn)
	}
	if conn.PlayerID != "" && conn.PlayerID != playerID && m.players[conn.PlayerID] == connID {
		delete(m.players, conn.PlayerID)
	}

	conn.PlayerID = playerID
	conn.RoomID = roomID
	conn.BoundAt = time.Now().UTC()
	m.players[playerID] = connID

	if roomID != "" {
		if m.roomConns[roomID] == nil {
			m.roomConns[roomID] = make(map[string]string)
		}
		m.roomConns[roomID][connID] = playerID
	}

	return nil
}

// UnbindRoom 實現 Store
func (m *Memory) UnbindRoom(ctx context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	m.detachRoomLocked(conn)
	conn.RoomID = ""

	return nil
}

// UnbindPlayer 實現 Store
func (m *Memory) UnbindPlayer(ctx context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	m.detachRoomLocked(conn)
	if conn.PlayerID != "" && m.players[conn.PlayerID] == connID {
		delete(m.players, conn.PlayerID)
	}
	conn.PlayerID = ""
	conn.RoomID = ""
	conn.BoundAt = time.Time{}

	return nil
}

// detachRoomLocked 從房間索引移除連線（呼叫者需持有寫鎖）
func (m *Memory) detachRoomLocked(conn *Connection) {
	if conn.RoomID == "" {
		return
	}
	if idx, ok := m.roomConns[conn.RoomID]; ok {
		delete(idx, conn.ID)
		if len(idx) == 0 {
			delete(m.roomConns, conn.RoomID)
		}
	}
}

// ConnectionByPlayer 實現 Store
func (m *Memory) ConnectionByPlayer(ctx context.Context, playerID string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connID, ok := m.players[playerID]
	if !ok {
		return nil, ErrNotFound
	}
	conn, ok := m.conns[connID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

// ConnectionsInRoom 實現 Store
func (m *Memory) ConnectionsInRoom(ctx context.Context, roomID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]string)
	for connID, playerID := range m.roomConns[roomID] {
		// 同一玩家有多條連線時，以玩家索引指向的為準
		if existing, ok := result[playerID]; ok && m.players[playerID] == existing {
			continue
		}
		result[playerID] = connID
	}
	return result, nil
}

// CreateRoom 實現 Store
func (m *Memory) CreateRoom(ctx context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.ID]; ok {
		return ErrConflict
	}

	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	r := &memoryRoom{
		createdAt: createdAt,
		members:   make(map[string]struct{}, len(room.Members)),
	}
	for _, p := range room.Members {
		r.members[p] = struct{}{}
	}
	m.rooms[room.ID] = r

	return nil
}

// GetRoom 實現 Store
func (m *Memory) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.snapshot(roomID), nil
}

// ListRooms 實現 Store
func (m *Memory) ListRooms(ctx context.Context) ([]*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for id, r := range m.rooms {
		rooms = append(rooms, r.snapshot(id))
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// Members 實現 Store
func (m *Memory) Members(ctx context.Context, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.snapshot(roomID).Members, nil
}

// AddMember 實現 Store
func (m *Memory) AddMember(ctx context.Context, roomID, playerID string, capacity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, ErrNotFound
	}

	// 修剪沒有有效連線的成員
	for member := range r.members {
		if _, live := m.players[member]; !live && member != playerID {
			delete(r.members, member)
		}
	}

	if _, ok := r.members[playerID]; ok {
		return true, nil
	}
	if capacity > 0 && len(r.members) >= capacity {
		return false, nil
	}
	r.members[playerID] = struct{}{}

	return true, nil
}

// RemoveMember 實現 Store
func (m *Memory) RemoveMember(ctx context.Context, roomID, playerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	if _, ok := r.members[playerID]; !ok {
		return false, nil
	}
	delete(r.members, playerID)

	return true, nil
}

// DeleteRoomIfEmpty 實現 Store
func (m *Memory) DeleteRoomIfEmpty(ctx context.Context, roomID string, createdBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok || len(r.members) > 0 || !r.createdAt.Before(createdBefore) {
		return false, nil
	}
	delete(m.rooms, roomID)

	return true, nil
}

// Ping 實現 Store
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close 實現 Store
func (m *Memory) Close() error {
	return nil
}

func (r *memoryRoom) snapshot(id string) *Room {
	members := make([]string, 0, len(r.members))
	for p := range r.members {
		members = append(members, p)
	}
	sort.Strings(members)
	return &Room{ID: id, Members: members, CreatedAt: r.createdAt}
}
