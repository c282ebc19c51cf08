package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 以 Redis 實現的儲存
//
// Key 設計：
//
//	{prefix}:conn:{id}              Hash   連線記錄
//	{prefix}:player:{playerID}      String 玩家 → 權威連線 ID
//	{prefix}:roomconns:{roomID}     Hash   連線 ID → 玩家 ID
//	{prefix}:rooms                  ZSet   房間 ID（score = 建立時間，微秒）
//	{prefix}:room:{roomID}          Hash   房間記錄
//	{prefix}:room:{roomID}:members  Set    成員玩家 ID
//
// 所有跨 key 的修改都透過 Lua 腳本執行，Redis 單執行緒保證腳本原子性。
// 腳本內部會組出索引 key，因此只支援單節點或 Sentinel，不支援 Cluster。
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis 創建 Redis 儲存
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "relay"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) connKey(id string) string { return r.prefix + ":conn:" + id }
func (r *Redis) playerKey(id string) string { return r.prefix + ":player:" + id }
func (r *Redis) roomConnsKey(id string) string { return r.prefix + ":roomconns:" + id }
func (r *Redis) roomsKey() string { return r.prefix + ":rooms" }
func (r *Redis) roomKey(id string) string { return r.prefix + ":room:" + id }
func (r *Redis) membersKey(id string) string { return r.prefix + ":room:" + id + ":members" }

// KEYS[1]: 連線 Hash
// ARGV: id, created_at, origin
var createConnScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'created_at', ARGV[2], 'origin', ARGV[3],
    'player_id', '', 'room_id', '', 'bound_at', '')
return 1
`)

// KEYS[1]: 連線 Hash
// ARGV: prefix, connID
var deleteConnScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local player = redis.call('HGET', KEYS[1], 'player_id')
local room = redis.call('HGET', KEYS[1], 'room_id')
if room and room ~= '' then
    redis.call('HDEL', ARGV[1] .. ':roomconns:' .. room, ARGV[2])
end
if player and player ~= '' then
    local pkey = ARGV[1] .. ':player:' .. player
    if redis.call('GET', pkey) == ARGV[2] then
        redis.call('DEL', pkey)
    end
end
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS[1]: 連線 Hash
// ARGV: prefix, connID, playerID, roomID, bound_at
var bindConnScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local oldRoom = redis.call('HGET', KEYS[1], 'room_id')
local oldPlayer = redis.call('HGET', KEYS[1], 'player_id')
if oldRoom and oldRoom ~= '' and oldRoom ~= ARGV[4] then
    redis.call('HDEL', ARGV[1] .. ':roomconns:' .. oldRoom, ARGV[2])
end
if oldPlayer and oldPlayer ~= '' and oldPlayer ~= ARGV[3] then
    local okey = ARGV[1] .. ':player:' .. oldPlayer
    if redis.call('GET', okey) == ARGV[2] then
        redis.call('DEL', okey)
    end
end
redis.call('HSET', KEYS[1], 'player_id', ARGV[3], 'room_id', ARGV[4], 'bound_at', ARGV[5])
redis.call('SET', ARGV[1] .. ':player:' .. ARGV[3], ARGV[2])
if ARGV[4] ~= '' then
    redis.call('HSET', ARGV[1] .. ':roomconns:' .. ARGV[4], ARGV[2], ARGV[3])
end
return 1
`)

// KEYS[1]: 連線 Hash
// ARGV: prefix, connID
var unbindRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local room = redis.call('HGET', KEYS[1], 'room_id')
if room and room ~= '' then
    redis.call('HDEL', ARGV[1] .. ':roomconns:' .. room, ARGV[2])
end
redis.call('HSET', KEYS[1], 'room_id', '')
return 1
`)

// KEYS[1]: 連線 Hash
// ARGV: prefix, connID
var unbindPlayerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local room = redis.call('HGET', KEYS[1], 'room_id')
local player = redis.call('HGET', KEYS[1], 'player_id')
if room and room ~= '' then
    redis.call('HDEL', ARGV[1] .. ':roomconns:' .. room, ARGV[2])
end
if player and player ~= '' then
    local pkey = ARGV[1] .. ':player:' .. player
    if redis.call('GET', pkey) == ARGV[2] then
        redis.call('DEL', pkey)
    end
end
redis.call('HSET', KEYS[1], 'player_id', '', 'room_id', '', 'bound_at', '')
return 1
`)

// KEYS[1]: 房間 Hash  KEYS[2]: 房間 ZSet  KEYS[3]: 成員 Set
// ARGV: roomID, created_at（微秒）, 初始成員...
//
// 房間與初始成員在同一個腳本內寫入，其他節點不會看到沒有成員的新房間
var createRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'created_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('DEL', KEYS[3])
for i = 3, #ARGV do
    redis.call('SADD', KEYS[3], ARGV[i])
end
return 1
`)

// KEYS[1]: 房間 Hash  KEYS[2]: 成員 Set
// ARGV: prefix, playerID, capacity
//
// 返回 -1 房間不存在，0 已滿，1 已加入
var addMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
local members = redis.call('SMEMBERS', KEYS[2])
for _, m in ipairs(members) do
    if m ~= ARGV[2] and redis.call('EXISTS', ARGV[1] .. ':player:' .. m) == 0 then
        redis.call('SREM', KEYS[2], m)
    end
end
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
    return 1
end
local cap = tonumber(ARGV[3])
if cap > 0 and redis.call('SCARD', KEYS[2]) >= cap then
    return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// KEYS[1]: 房間 Hash  KEYS[2]: 成員 Set  KEYS[3]: 房間 ZSet
// ARGV: roomID, cutoff（微秒）
var deleteRoomIfEmptyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
if redis.call('SCARD', KEYS[2]) > 0 then
    return 0
end
local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
if created and created >= tonumber(ARGV[2]) then
    return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// CreateConnection 實現 Store
func (r *Redis) CreateConnection(ctx context.Context, conn *Connection) (*Connection, error) {
	createdAt := conn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := createConnScript.Run(ctx, r.client,
		[]string{r.connKey(conn.ID)},
		conn.ID, formatMicros(createdAt), conn.Origin,
	).Err()
	if err != nil {
		return nil, fmt.Errorf("redis create connection: %w", err)
	}

	return r.GetConnection(ctx, conn.ID)
}

// GetConnection 實現 Store
func (r *Redis) GetConnection(ctx context.Context, connID string) (*Connection, error) {
	fields, err := r.client.HGetAll(ctx, r.connKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get connection: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeConnection(fields), nil
}

// DeleteConnection 實現 Store
func (r *Redis) DeleteConnection(ctx context.Context, connID string) error {
	err := deleteConnScript.Run(ctx, r.client,
		[]string{r.connKey(connID)},
		r.prefix, connID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis delete connection: %w", err)
	}
	return nil
}

// BindConnection 實現 Store
func (r *Redis) BindConnection(ctx context.Context, connID, playerID, roomID string) error {
	ok, err := bindConnScript.Run(ctx, r.client,
		[]string{r.connKey(connID)},
		r.prefix, connID, playerID, roomID, formatMicros(time.Now().UTC()),
	).Int()
	if err != nil {
		return fmt.Errorf("redis bind connection: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// UnbindRoom 實現 Store
func (r *Redis) UnbindRoom(ctx context.Context, connID string) error {
	err := unbindRoomScript.Run(ctx, r.client,
		[]string{r.connKey(connID)},
		r.prefix, connID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis unbind room: %w", err)
	}
	return nil
}

// UnbindPlayer 實現 Store
func (r *Redis) UnbindPlayer(ctx context.Context, connID string) error {
	err := unbindPlayerScript.Run(ctx, r.client,
		[]string{r.connKey(connID)},
		r.prefix, connID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis unbind player: %w", err)
	}
	return nil
}

// ConnectionByPlayer 實現 Store
func (r *Redis) ConnectionByPlayer(ctx context.Context, playerID string) (*Connection, error) {
	connID, err := r.client.Get(ctx, r.playerKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get player index: %w", err)
	}
	return r.GetConnection(ctx, connID)
}

// ConnectionsInRoom 實現 Store
func (r *Redis) ConnectionsInRoom(ctx context.Context, roomID string) (map[string]string, error) {
	index, err := r.client.HGetAll(ctx, r.roomConnsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get room index: %w", err)
	}

	result := make(map[string]string, len(index))
	var duplicated []string
	for connID, playerID := range index {
		if _, ok := result[playerID]; ok {
			duplicated = append(duplicated, playerID)
			continue
		}
		result[playerID] = connID
	}

	// 同一玩家有多條連線時，以玩家索引指向的為準
	for _, playerID := range duplicated {
		connID, err := r.client.Get(ctx, r.playerKey(playerID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis get player index: %w", err)
		}
		if _, inRoom := index[connID]; inRoom {
			result[playerID] = connID
		}
	}

	return result, nil
}

// CreateRoom 實現 Store
func (r *Redis) CreateRoom(ctx context.Context, room *Room) error {
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	args := make([]any, 0, 2+len(room.Members))
	args = append(args, room.ID, formatMicros(createdAt))
	for _, m := range room.Members {
		args = append(args, m)
	}

	created, err := createRoomScript.Run(ctx, r.client,
		[]string{r.roomKey(room.ID), r.roomsKey(), r.membersKey(room.ID)},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("redis create room: %w", err)
	}
	if created == 0 {
		return ErrConflict
	}
	return nil
}

// GetRoom 實現 Store
func (r *Redis) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	pipe := r.client.Pipeline()
	createdCmd := pipe.HGet(ctx, r.roomKey(roomID), "created_at")
	membersCmd := pipe.SMembers(ctx, r.membersKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get room: %w", err)
	}

	created, err := createdCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get room: %w", err)
	}

	return &Room{
		ID:        roomID,
		Members:   sortedCopy(membersCmd.Val()),
		CreatedAt: parseMicros(created),
	}, nil
}

// ListRooms 實現 Store
func (r *Redis) ListRooms(ctx context.Context) ([]*Room, error) {
	entries, err := r.client.ZRangeWithScores(ctx, r.roomsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list rooms: %w", err)
	}
	if len(entries) == 0 {
		return []*Room{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(entries))
	for i, z := range entries {
		cmds[i] = pipe.SMembers(ctx, r.membersKey(z.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis list room members: %w", err)
	}

	rooms := make([]*Room, len(entries))
	for i, z := range entries {
		rooms[i] = &Room{
			ID:        z.Member.(string),
			Members:   sortedCopy(cmds[i].Val()),
			CreatedAt: time.UnixMicro(int64(z.Score)).UTC(),
		}
	}
	return rooms, nil
}

// Members 實現 Store
func (r *Redis) Members(ctx context.Context, roomID string) ([]string, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

// AddMember 實現 Store
func (r *Redis) AddMember(ctx context.Context, roomID, playerID string, capacity int) (bool, error) {
	result, err := addMemberScript.Run(ctx, r.client,
		[]string{r.roomKey(roomID), r.membersKey(roomID)},
		r.prefix, playerID, capacity,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis add member: %w", err)
	}

	switch result {
	case -1:
		return false, ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

// RemoveMember 實現 Store
func (r *Redis) RemoveMember(ctx context.Context, roomID, playerID string) (bool, error) {
	removed, err := r.client.SRem(ctx, r.membersKey(roomID), playerID).Result()
	if err != nil {
		return false, fmt.Errorf("redis remove member: %w", err)
	}
	return removed > 0, nil
}

// DeleteRoomIfEmpty 實現 Store
func (r *Redis) DeleteRoomIfEmpty(ctx context.Context, roomID string, createdBefore time.Time) (bool, error) {
	deleted, err := deleteRoomIfEmptyScript.Run(ctx, r.client,
		[]string{r.roomKey(roomID), r.membersKey(roomID), r.roomsKey()},
		roomID, formatMicros(createdBefore),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete room: %w", err)
	}
	return deleted == 1, nil
}

// Ping 實現 Store
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 實現 Store
func (r *Redis) Close() error {
	return r.client.Close()
}

func decodeConnection(fields map[string]string) *Connection {
	conn := &Connection{
		ID:        fields["id"],
		CreatedAt: parseMicros(fields["created_at"]),
		PlayerID:  fields["player_id"],
		RoomID:    fields["room_id"],
		Origin:    fields["origin"],
	}
	if v := fields["bound_at"]; v != "" {
		conn.BoundAt = parseMicros(v)
	}
	return conn
}

func formatMicros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(v string) time.Time {
	us, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
