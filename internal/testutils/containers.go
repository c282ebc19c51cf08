// Package testutils 提供整合測試用的容器管理
//
// 本套件以 testcontainers 啟動：
//   - Redis 測試容器（store.Redis）
//   - PostgreSQL 測試容器，並執行內嵌遷移（store.Postgres）
//   - NATS 測試容器（跨節點投遞）
//
// 所有容器都會在測試結束時自動清理；`go test -short` 會跳過整合測試。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/14-signaling-relay/internal/migrations"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcnats "github.com/testcontainers/testcontainers-go/modules/nats"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Logger 測試用日誌，只輸出警告以上
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn, // 測試時減少日誌噪音
	}))
}

func skipShort(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}

// RedisEnv Redis 測試環境
type RedisEnv struct {
	Client    *redis.Client
	Addr      string
	container tc.Container
}

// SetupRedis 啟動 Redis 容器並返回已連線的客戶端
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupRedis(t)
//	    s := store.NewRedis(env.Client, "test")
//	}
func SetupRedis(t testing.TB) *RedisEnv {
	t.Helper()
	skipShort(t)

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env := &RedisEnv{container: container}
	t.Cleanup(func() {
		if env.Client != nil {
			_ = env.Client.Close()
		}
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.Addr = endpoint

	env.Client = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.Client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return env
}

// Flush 清空 Redis 資料（用於測試之間的清理）
func (env *RedisEnv) Flush(t testing.TB) {
	t.Helper()
	if err := env.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// PostgresEnv PostgreSQL 測試環境
type PostgresEnv struct {
	Pool      *pgxpool.Pool
	DSN       string
	container tc.Container
}

// SetupPostgres 啟動 PostgreSQL 容器、執行遷移並建立連接池
func SetupPostgres(t testing.TB) *PostgresEnv {
	t.Helper()
	skipShort(t)

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("relay"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env := &PostgresEnv{container: container}
	t.Cleanup(func() {
		if env.Pool != nil {
			env.Pool.Close()
		}
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.DSN = dsn

	migrator, err := migrations.New(dsn, Logger())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	if err := migrator.Close(); err != nil {
		t.Fatalf("failed to close migrator: %v", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 20
	config.MinConns = 2

	env.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.Pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	return env
}

// Truncate 清空所有資料表（用於測試之間的清理）
func (env *PostgresEnv) Truncate(t testing.TB) {
	t.Helper()
	_, err := env.Pool.Exec(context.Background(),
		"TRUNCATE TABLE relay_room_members, relay_rooms, relay_players, relay_connections CASCADE")
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

// NATSEnv NATS 測試環境
type NATSEnv struct {
	URL       string
	container tc.Container
}

// SetupNATS 啟動 NATS 容器
func SetupNATS(t testing.TB) *NATSEnv {
	t.Helper()
	skipShort(t)

	ctx := context.Background()

	container, err := tcnats.Run(ctx, "nats:2.10-alpine")
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get nats connection string: %v", err)
	}

	return &NATSEnv{URL: url, container: container}
}

// Connect 建立一條新的 NATS 連線，測試結束時關閉
func (env *NATSEnv) Connect(t testing.TB) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(env.URL, nats.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("failed to connect to nats: %v", err)
	}
	t.Cleanup(nc.Close)

	return nc
}
