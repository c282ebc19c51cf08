// Package storetest 提供 store.Store 實現共用的行為測試
//
// 每個後端（Memory、Redis、Postgres）都跑同一套測試，確保語意一致：
//
//	func TestRedis(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { ... })
//	}
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 為每個子測試建立一個乾淨的儲存
type Factory func(t *testing.T) store.Store

// Run 執行完整的行為測試
func Run(t *testing.T, newStore Factory) {
	t.Run("connection lifecycle", func(t *testing.T) { testConnectionLifecycle(t, newStore(t)) })
	t.Run("create connection is put-if-absent", func(t *testing.T) { testCreateConnectionIdempotent(t, newStore(t)) })
	t.Run("bind moves room index", func(t *testing.T) { testBindMovesRoomIndex(t, newStore(t)) })
	t.Run("latest bound connection is authoritative", func(t *testing.T) { testAuthoritativeConnection(t, newStore(t)) })
	t.Run("player index follows the latest bind", func(t *testing.T) { testPlayerIndexFollowsLatestBind(t, newStore(t)) })
	t.Run("unbind player", func(t *testing.T) { testUnbindPlayer(t, newStore(t)) })
	t.Run("room create conflict", func(t *testing.T) { testCreateRoomConflict(t, newStore(t)) })
	t.Run("create room with initial members", func(t *testing.T) { testCreateRoomMembers(t, newStore(t)) })
	t.Run("list rooms in creation order", func(t *testing.T) { testListRoomsOrder(t, newStore(t)) })
	t.Run("add member respects capacity", func(t *testing.T) { testAddMemberCapacity(t, newStore(t)) })
	t.Run("add member prunes stale members", func(t *testing.T) { testAddMemberPrunes(t, newStore(t)) })
	t.Run("remove member is idempotent", func(t *testing.T) { testRemoveMember(t, newStore(t)) })
	t.Run("delete room if empty", func(t *testing.T) { testDeleteRoomIfEmpty(t, newStore(t)) })
	t.Run("concurrent add member never exceeds capacity", func(t *testing.T) { testConcurrentAddMember(t, newStore(t)) })
}

func testConnectionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	created, err := s.CreateConnection(ctx, &store.Connection{ID: "c1", Origin: "https://game.example"})
	require.NoError(t, err)
	assert.Equal(t, "c1", created.ID)
	assert.Equal(t, "https://game.example", created.Origin)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Empty(t, created.PlayerID)

	_, err = s.GetConnection(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.BindConnection(ctx, "c1", "alice", "room-1"))

	conn, err := s.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", conn.PlayerID)
	assert.Equal(t, "room-1", conn.RoomID)
	assert.False(t, conn.BoundAt.IsZero())

	byPlayer, err := s.ConnectionByPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", byPlayer.ID)

	inRoom, err := s.ConnectionsInRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "c1"}, inRoom)

	require.NoError(t, s.UnbindRoom(ctx, "c1"))
	conn, err = s.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, conn.RoomID)
	assert.Equal(t, "alice", conn.PlayerID)

	inRoom, err = s.ConnectionsInRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, inRoom)

	require.NoError(t, s.DeleteConnection(ctx, "c1"))
	require.NoError(t, s.DeleteConnection(ctx, "c1"), "delete must be idempotent")
	require.NoError(t, s.UnbindRoom(ctx, "c1"), "unbind of a missing connection is a no-op")

	_, err = s.ConnectionByPlayer(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.BindConnection(ctx, "c1", "alice", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateConnectionIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.CreateConnection(ctx, &store.Connection{ID: "c1"})
	require.NoError(t, err)
	require.NoError(t, s.BindConnection(ctx, "c1", "alice", ""))

	// 重試不會覆蓋已綁定的玩家
	again, err := s.CreateConnection(ctx, &store.Connection{ID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", again.PlayerID)
	assert.WithinDuration(t, first.CreatedAt, again.CreatedAt, time.Millisecond)
}

func testBindMovesRoomIndex(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.CreateConnection(ctx, &store.Connection{ID: "c1"})
	require.NoError(t, err)
	require.NoError(t, s.BindConnection(ctx, "c1", "alice", "room-1"))
	require.NoError(t, s.BindConnection(ctx, "c1", "alice", "room-2"))

	old, err := s.ConnectionsInRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, old)

	current, err := s.ConnectionsInRoom(ctx, "room-2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "c1"}, current)
}

func testAuthoritativeConnection(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		_, err := s.CreateConnection(ctx, &store.Connection{ID: id})
		require.NoError(t, err)
	}
	require.NoError(t, s.BindConnection(ctx, "old", "alice", "room-1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.BindConnection(ctx, "new", "alice", "room-1"))

	conn, err := s.ConnectionByPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "new", conn.ID)

	inRoom, err := s.ConnectionsInRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "new"}, inRoom)
}

func testPlayerIndexFollowsLatestBind(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		_, err := s.CreateConnection(ctx, &store.Connection{ID: id})
		require.NoError(t, err)
	}
	require.NoError(t, s.BindConnection(ctx, "old", "alice", "room-1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.BindConnection(ctx, "new", "alice", "room-1"))

	// 較新的連線換成 bob，舊連線仍記著 alice，但索引不會退回舊連線
	require.NoError(t, s.BindConnection(ctx, "new", "bob", "room-1"))

	_, err := s.ConnectionByPlayer(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	conn, err := s.ConnectionByPlayer(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "new", conn.ID)

	old, err := s.GetConnection(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "alice", old.PlayerID)

	// 刪除較新的連線同樣不會讓索引指回舊連線
	require.NoError(t, s.BindConnection(ctx, "old", "carol", ""))
	require.NoError(t, s.BindConnection(ctx, "new", "carol", ""))
	require.NoError(t, s.DeleteConnection(ctx, "new"))

	_, err = s.ConnectionByPlayer(ctx, "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUnbindPlayer(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		_, err := s.CreateConnection(ctx, &store.Connection{ID: id})
		require.NoError(t, err)
	}
	require.NoError(t, s.BindConnection(ctx, "c1", "alice", "room-1"))

	require.NoError(t, s.UnbindPlayer(ctx, "c1"))

	conn, err := s.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, conn.PlayerID)
	assert.Empty(t, conn.RoomID)
	assert.True(t, conn.BoundAt.IsZero())

	_, err = s.ConnectionByPlayer(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	inRoom, err := s.ConnectionsInRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, inRoom)

	// 索引已指向其他連線時不受影響
	require.NoError(t, s.BindConnection(ctx, "c1", "bob", ""))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.BindConnection(ctx, "c2", "bob", ""))
	require.NoError(t, s.UnbindPlayer(ctx, "c1"))

	conn, err = s.ConnectionByPlayer(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "c2", conn.ID)

	require.NoError(t, s.UnbindPlayer(ctx, "missing"), "unbind of a missing connection is a no-op")
}

func testCreateRoomConflict(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "room-1", Members: []string{"alice"}}))
	err := s.CreateRoom(ctx, &store.Room{ID: "room-1"})
	assert.ErrorIs(t, err, store.ErrConflict)

	room, err := s.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, room.Members)

	_, err = s.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Members(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateRoomMembers(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "room-1", Members: []string{"p2", "p1"}}))

	members, err := s.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, members)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"p1", "p2"}, rooms[0].Members)

	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "room-2"}))
	members, err = s.Members(ctx, "room-2")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func testListRoomsOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	// 以與建立時間相反的順序寫入
	for i, id := range []string{"room-c", "room-b", "room-a"} {
		created := base.Add(time.Duration(2-i) * time.Second)
		require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: id, CreatedAt: created}))
	}

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, "room-a", rooms[0].ID)
	assert.Equal(t, "room-b", rooms[1].ID)
	assert.Equal(t, "room-c", rooms[2].ID)
	assert.NotNil(t, rooms[0].Members)
}

// live 建立一條綁定玩家的連線，讓該玩家在修剪時被視為有效
func live(t *testing.T, s store.Store, playerID string) {
	t.Helper()
	ctx := context.Background()
	connID := "conn-" + playerID
	_, err := s.CreateConnection(ctx, &store.Connection{ID: connID})
	require.NoError(t, err)
	require.NoError(t, s.BindConnection(ctx, connID, playerID, ""))
}

func testAddMemberCapacity(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "room-1"}))

	for _, p := range []string{"p1", "p2"} {
		live(t, s, p)
		added, err := s.AddMember(ctx, "room-1", p, 2)
		require.NoError(t, err)
		assert.True(t, added)
	}

	// 已是成員：冪等
	added, err := s.AddMember(ctx, "room-1", "p1", 2)
	require.NoError(t, err)
	assert.True(t, added)

	live(t, s, "p3")
	added, err = s.AddMember(ctx, "room-1", "p3", 2)
	require.NoError(t, err)
	assert.False(t, added, "room is full")

	// capacity <= 0 不設上限
	added, err = s.AddMember(ctx, "room-1", "p3", 0)
	require.NoError(t, err)
	assert.True(t, added)

	members, err := s.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, members)

	_, err = s.AddMember(ctx, "missing", "p1", 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAddMemberPrunes(t *testing.T, s store.Store) {
	ctx := context.Background()

	// ghost 沒有任何連線
	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "room-1", Members: []string{"ghost", "p1"}}))
	live(t, s, "p1")
	live(t, s, "p2")

	added, err := s.AddMember(ctx, "room-1", "p2", 2)
	require.NoError(t, err)
	assert.True(t, added)

	members, err := s.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, members)
}

func testRemoveMember(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "room-1", Members: []string{"p1"}}))

	removed, err := s.RemoveMember(ctx, "room-1", "p1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveMember(ctx, "room-1", "p1")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.RemoveMember(ctx, "missing", "p1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func testDeleteRoomIfEmpty(t *testing.T, s store.Store) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "empty", CreatedAt: past}))
	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "busy", Members: []string{"p1"}, CreatedAt: past}))
	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "fresh"}))

	cutoff := time.Now().UTC().Add(-time.Minute)

	deleted, err := s.DeleteRoomIfEmpty(ctx, "busy", cutoff)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteRoomIfEmpty(ctx, "fresh", cutoff)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteRoomIfEmpty(ctx, "empty", cutoff)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetRoom(ctx, "empty")
	assert.ErrorIs(t, err, store.ErrNotFound)

	deleted, err = s.DeleteRoomIfEmpty(ctx, "empty", cutoff)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testConcurrentAddMember(t *testing.T, s store.Store) {
	ctx := context.Background()
	const capacity = 5
	const players = 20

	require.NoError(t, s.CreateRoom(ctx, &store.Room{ID: "room-1"}))
	for i := range players {
		live(t, s, fmt.Sprintf("p%02d", i))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
	)
	for i := range players {
		wg.Add(1)
		go func(playerID string) {
			defer wg.Done()
			added, err := s.AddMember(ctx, "room-1", playerID, capacity)
			assert.NoError(t, err)
			if added {
				mu.Lock()
				joined++
				mu.Unlock()
			}
		}(fmt.Sprintf("p%02d", i))
	}
	wg.Wait()

	members, err := s.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, members, capacity)
	assert.Equal(t, capacity, joined)
}
