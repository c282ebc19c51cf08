package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-signaling-relay/internal"
	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry() *internal.Registry {
	return internal.NewRegistry(store.NewMemory(), time.Second, testLogger())
}

// TestRegistry_Register 測試連線登記
func TestRegistry_Register(t *testing.T) {
	reg := newRegistry()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := reg.Register(ctx, "", internal.Metadata{})
	assert.True(t, apperrors.IsValidation(err))

	conn, err := reg.Register(ctx, "c1", internal.Metadata{Origin: "https://game.example", ConnectedAt: at})
	require.NoError(t, err)
	assert.Equal(t, "c1", conn.ID)
	assert.Equal(t, "https://game.example", conn.Origin)
	assert.True(t, conn.CreatedAt.Equal(at))

	// 重複登記返回既有記錄
	again, err := reg.Register(ctx, "c1", internal.Metadata{Origin: "other"})
	require.NoError(t, err)
	assert.Equal(t, "https://game.example", again.Origin)
}

// TestRegistry_Lookup 測試查詢
func TestRegistry_Lookup(t *testing.T) {
	reg := newRegistry()
	ctx := context.Background()

	_, err := reg.LookupByID(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)

	_, err = reg.LookupByPlayer(ctx, "nobody")
	assert.ErrorIs(t, err, apperrors.ErrRecipientNotConnected)

	err = reg.SetPlayerAndRoom(ctx, "missing", "p", "r")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = reg.Register(ctx, "c1", internal.Metadata{})
	require.NoError(t, err)
	require.NoError(t, reg.SetPlayerAndRoom(ctx, "c1", "alice", "room-1"))

	conn, err := reg.LookupByPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", conn.ID)
	assert.Equal(t, "room-1", conn.RoomID)
}

// TestRegistry_AuthoritativeConnection 最近綁定的連線代表玩家
func TestRegistry_AuthoritativeConnection(t *testing.T) {
	reg := newRegistry()
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		_, err := reg.Register(ctx, id, internal.Metadata{})
		require.NoError(t, err)
	}

	require.NoError(t, reg.SetPlayerAndRoom(ctx, "old", "alice", "room-1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, reg.SetPlayerAndRoom(ctx, "new", "alice", "room-1"))

	conn, err := reg.LookupByPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "new", conn.ID)

	inRoom, err := reg.ListInRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "new"}, inRoom)

	// 刪除舊連線不影響新的權威連線
	require.NoError(t, reg.Remove(ctx, "old"))
	conn, err = reg.LookupByPlayer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "new", conn.ID)
}

// TestRegistry_ListInRoom 測試房間內的連線
func TestRegistry_ListInRoom(t *testing.T) {
	reg := newRegistry()
	ctx := context.Background()

	for _, b := range []struct{ conn, player, room string }{
		{"c1", "a", "r1"},
		{"c2", "b", "r1"},
		{"c3", "c", "r2"},
	} {
		_, err := reg.Register(ctx, b.conn, internal.Metadata{})
		require.NoError(t, err)
		require.NoError(t, reg.SetPlayerAndRoom(ctx, b.conn, b.player, b.room))
	}

	inRoom, err := reg.ListInRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "c1", "b": "c2"}, inRoom)

	empty, err := reg.ListInRoom(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, reg.ClearRoom(ctx, "c2"))
	inRoom, err = reg.ListInRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "c1"}, inRoom)

	conn, err := reg.LookupByID(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "b", conn.PlayerID)
	assert.Empty(t, conn.RoomID)
}

// TestRegistry_Remove 刪除是冪等的
func TestRegistry_Remove(t *testing.T) {
	reg := newRegistry()
	ctx := context.Background()

	_, err := reg.Register(ctx, "c1", internal.Metadata{})
	require.NoError(t, err)
	require.NoError(t, reg.SetPlayerAndRoom(ctx, "c1", "a", "r1"))

	require.NoError(t, reg.Remove(ctx, "c1"))
	require.NoError(t, reg.Remove(ctx, "c1"))

	_, err = reg.LookupByPlayer(ctx, "a")
	assert.True(t, apperrors.IsNotFound(err))

	inRoom, err := reg.ListInRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, inRoom)
}

// TestRegistry_ClearPlayer 解除玩家身分後連線回到剛連線的狀態
func TestRegistry_ClearPlayer(t *testing.T) {
	reg := newRegistry()
	ctx := context.Background()

	_, err := reg.Register(ctx, "c1", internal.Metadata{})
	require.NoError(t, err)
	require.NoError(t, reg.SetPlayerAndRoom(ctx, "c1", "a", "r1"))

	require.NoError(t, reg.ClearPlayer(ctx, "c1"))

	conn, err := reg.LookupByID(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, conn.PlayerID)
	assert.Empty(t, conn.RoomID)

	_, err = reg.LookupByPlayer(ctx, "a")
	assert.True(t, apperrors.IsNotFound(err))

	inRoom, err := reg.ListInRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, inRoom)

	require.NoError(t, reg.ClearPlayer(ctx, "missing"))
}
