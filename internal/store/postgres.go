package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres 以 PostgreSQL 實現的儲存
//
// 成員關係存在 relay_room_members（主鍵 room_id + player_id），
// 加入與移除都是單列 INSERT/DELETE；容量檢查在鎖住房間列的交易中完成。
// 玩家的權威連線由 relay_players 索引決定，與 Memory、Redis 的玩家索引語意相同。
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 Postgres 儲存，資料表由 migrations 套件建立
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const connectionColumns = `c.id, c.created_at, COALESCE(c.player_id, ''), COALESCE(c.room_id, ''), COALESCE(c.origin, ''), c.bound_at`

func scanConnection(row pgx.Row) (*Connection, error) {
	var (
		conn    Connection
		boundAt *time.Time
	)
	err := row.Scan(&conn.ID, &conn.CreatedAt, &conn.PlayerID, &conn.RoomID, &conn.Origin, &boundAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if boundAt != nil {
		conn.BoundAt = boundAt.UTC()
	}
	conn.CreatedAt = conn.CreatedAt.UTC()
	return &conn, nil
}

// CreateConnection 實現 Store
func (p *Postgres) CreateConnection(ctx context.Context, conn *Connection) (*Connection, error) {
	createdAt := conn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO relay_connections (id, created_at, origin)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (id) DO NOTHING`,
		conn.ID, createdAt, conn.Origin)
	if err != nil {
		return nil, fmt.Errorf("postgres create connection: %w", err)
	}

	return p.GetConnection(ctx, conn.ID)
}

// GetConnection 實現 Store
func (p *Postgres) GetConnection(ctx context.Context, connID string) (*Connection, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM relay_connections c WHERE c.id = $1`, connID)
	conn, err := scanConnection(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("postgres get connection: %w", err)
	}
	return conn, err
}

// DeleteConnection 實現 Store，指向它的玩家索引由外鍵串聯刪除
func (p *Postgres) DeleteConnection(ctx context.Context, connID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM relay_connections WHERE id = $1`, connID); err != nil {
		return fmt.Errorf("postgres delete connection: %w", err)
	}
	return nil
}

// BindConnection 實現 Store
func (p *Postgres) BindConnection(ctx context.Context, connID, playerID, roomID string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var oldPlayer string
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(player_id, '') FROM relay_connections WHERE id = $1 FOR UPDATE`,
			connID).Scan(&oldPlayer)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres lock connection: %w", err)
		}

		// 換了身分：舊玩家的索引若仍指向此連線就刪除
		if oldPlayer != "" && oldPlayer != playerID {
			if _, err := tx.Exec(ctx, `
				DELETE FROM relay_players WHERE player_id = $1 AND connection_id = $2`,
				oldPlayer, connID); err != nil {
				return fmt.Errorf("postgres drop player index: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE relay_connections
			SET player_id = $2, room_id = NULLIF($3, ''), bound_at = clock_timestamp()
			WHERE id = $1`,
			connID, playerID, roomID); err != nil {
			return fmt.Errorf("postgres bind connection: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO relay_players (player_id, connection_id) VALUES ($1, $2)
			ON CONFLICT (player_id) DO UPDATE SET connection_id = EXCLUDED.connection_id`,
			playerID, connID); err != nil {
			return fmt.Errorf("postgres set player index: %w", err)
		}
		return nil
	})
}

// UnbindRoom 實現 Store
func (p *Postgres) UnbindRoom(ctx context.Context, connID string) error {
	if _, err := p.pool.Exec(ctx, `UPDATE relay_connections SET room_id = NULL WHERE id = $1`, connID); err != nil {
		return fmt.Errorf("postgres unbind room: %w", err)
	}
	return nil
}

// UnbindPlayer 實現 Store
func (p *Postgres) UnbindPlayer(ctx context.Context, connID string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM relay_players WHERE connection_id = $1`, connID); err != nil {
			return fmt.Errorf("postgres drop player index: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE relay_connections
			SET player_id = NULL, room_id = NULL, bound_at = NULL
			WHERE id = $1`, connID); err != nil {
			return fmt.Errorf("postgres unbind player: %w", err)
		}
		return nil
	})
}

// ConnectionByPlayer 實現 Store
func (p *Postgres) ConnectionByPlayer(ctx context.Context, playerID string) (*Connection, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM relay_players p
		JOIN relay_connections c ON c.id = p.connection_id
		WHERE p.player_id = $1`, playerID)
	conn, err := scanConnection(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("postgres get connection by player: %w", err)
	}
	return conn, err
}

// ConnectionsInRoom 實現 Store
func (p *Postgres) ConnectionsInRoom(ctx context.Context, roomID string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (c.player_id) c.player_id, c.id
		FROM relay_connections c
		LEFT JOIN relay_players p ON p.player_id = c.player_id AND p.connection_id = c.id
		WHERE c.room_id = $1 AND c.player_id IS NOT NULL
		ORDER BY c.player_id, (p.connection_id IS NOT NULL) DESC, c.bound_at DESC NULLS LAST`, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres list room connections: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var playerID, connID string
		if err := rows.Scan(&playerID, &connID); err != nil {
			return nil, fmt.Errorf("postgres scan room connection: %w", err)
		}
		result[playerID] = connID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list room connections: %w", err)
	}
	return result, nil
}

// CreateRoom 實現 Store
func (p *Postgres) CreateRoom(ctx context.Context, room *Room) error {
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO relay_rooms (id, created_at) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING`, room.ID, createdAt)
		if err != nil {
			return fmt.Errorf("postgres create room: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}

		for _, member := range room.Members {
			if _, err := tx.Exec(ctx, `
				INSERT INTO relay_room_members (room_id, player_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, room.ID, member); err != nil {
				return fmt.Errorf("postgres add initial member: %w", err)
			}
		}
		return nil
	})
}

// GetRoom 實現 Store
func (p *Postgres) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := p.pool.QueryRow(ctx, `
		SELECT r.id, r.created_at,
		       COALESCE(array_agg(m.player_id ORDER BY m.player_id) FILTER (WHERE m.player_id IS NOT NULL), '{}')
		FROM relay_rooms r
		LEFT JOIN relay_room_members m ON m.room_id = r.id
		WHERE r.id = $1
		GROUP BY r.id, r.created_at`, roomID).Scan(&room.ID, &room.CreatedAt, &room.Members)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get room: %w", err)
	}
	room.CreatedAt = room.CreatedAt.UTC()
	return &room, nil
}

// ListRooms 實現 Store
func (p *Postgres) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT r.id, r.created_at,
		       COALESCE(array_agg(m.player_id ORDER BY m.player_id) FILTER (WHERE m.player_id IS NOT NULL), '{}')
		FROM relay_rooms r
		LEFT JOIN relay_room_members m ON m.room_id = r.id
		GROUP BY r.id, r.created_at
		ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, fmt.Errorf("postgres list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []*Room{}
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.CreatedAt, &room.Members); err != nil {
			return nil, fmt.Errorf("postgres scan room: %w", err)
		}
		room.CreatedAt = room.CreatedAt.UTC()
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list rooms: %w", err)
	}
	return rooms, nil
}

// Members 實現 Store
func (p *Postgres) Members(ctx context.Context, roomID string) ([]string, error) {
	room, err := p.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

// AddMember 實現 Store
func (p *Postgres) AddMember(ctx context.Context, roomID, playerID string, capacity int) (bool, error) {
	var added bool

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		// 鎖住房間列，序列化同一房間的加入
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM relay_rooms WHERE id = $1 FOR UPDATE`, roomID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres lock room: %w", err)
		}

		// 修剪沒有有效連線的成員
		if _, err := tx.Exec(ctx, `
			DELETE FROM relay_room_members m
			WHERE m.room_id = $1 AND m.player_id <> $2
			  AND NOT EXISTS (SELECT 1 FROM relay_players p WHERE p.player_id = m.player_id)`,
			roomID, playerID); err != nil {
			return fmt.Errorf("postgres prune members: %w", err)
		}

		var isMember bool
		var count int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(bool_or(player_id = $2), false), COUNT(*)
			FROM relay_room_members WHERE room_id = $1`, roomID, playerID).Scan(&isMember, &count); err != nil {
			return fmt.Errorf("postgres count members: %w", err)
		}
		if isMember {
			added = true
			return nil
		}
		if capacity > 0 && count >= capacity {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO relay_room_members (room_id, player_id) VALUES ($1, $2)`,
			roomID, playerID); err != nil {
			return fmt.Errorf("postgres add member: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// RemoveMember 實現 Store
func (p *Postgres) RemoveMember(ctx context.Context, roomID, playerID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM relay_room_members WHERE room_id = $1 AND player_id = $2`, roomID, playerID)
	if err != nil {
		return false, fmt.Errorf("postgres remove member: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteRoomIfEmpty 實現 Store
func (p *Postgres) DeleteRoomIfEmpty(ctx context.Context, roomID string, createdBefore time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM relay_rooms r
		WHERE r.id = $1 AND r.created_at < $2
		  AND NOT EXISTS (SELECT 1 FROM relay_room_members m WHERE m.room_id = r.id)`,
		roomID, createdBefore)
	if err != nil {
		return false, fmt.Errorf("postgres delete room: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Ping 實現 Store
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close 實現 Store
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
