package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-signaling-relay/internal"
	"github.com/koopa0/system-design/14-signaling-relay/internal/migrations"
	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	"github.com/koopa0/system-design/14-signaling-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	flag.Parse()

	// 載入配置
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 設定日誌
	log, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日誌失敗: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 連接儲存後端
	s, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("開啟儲存失敗", "backend", cfg.Relay.Backend, "error", err)
		os.Exit(1)
	}
	defer s.Close()

	metrics := internal.NewMetrics()
	hub := internal.NewHub(cfg, log).WithMetrics(metrics)
	outbox := internal.NewOutbox(cfg.Relay.SendBufferSize, log).WithMetrics(metrics)
	local := internal.Local{hub, outbox}

	// 有設定 NATS 時跨節點投遞，否則只投遞到本節點
	var deliverer internal.Deliverer = local
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = internal.Connect(cfg.NATS.URL, log)
		if err != nil {
			log.Error("連接 NATS 失敗", "error", err)
			os.Exit(1)
		}
		broker := internal.NewBroker(nc, cfg.NATS.SubjectPrefix, local, log)
		hub.WithAttacher(broker)
		outbox.WithAttacher(broker)
		deliverer = broker
		log.Info("已啟用跨節點投遞", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	registry := internal.NewRegistry(s, cfg.Timeouts.Store, log)
	manager := internal.NewManager(s, registry, cfg, log).WithMetrics(metrics)
	router := internal.NewRouter(registry, manager, deliverer, cfg, log).WithMetrics(metrics)
	handler := internal.NewHandler(router, manager, hub, outbox, log).WithMetrics(metrics)

	// 背景清理空房間
	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go manager.CleanupLoop(cleanupCtx, cfg.Matchmaking.CleanupInterval)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("信令中繼啟動",
			"port", cfg.Server.Port,
			"backend", cfg.Relay.Backend,
			"policy", cfg.Matchmaking.Policy,
			"capacity", manager.Capacity())
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("服務器錯誤", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		log.Info("收到關閉信號", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		stopCleanup()

		// 先停止接受新請求，再關閉 WebSocket
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("服務器關閉失敗", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("強制關閉服務器失敗", "error", closeErr)
			}
		}
		hub.Stop()

		if nc != nil {
			if err := nc.Drain(); err != nil {
				log.Error("排空 NATS 連接失敗", "error", err)
				nc.Close()
			}
		}
	}

	log.Info("服務器已停止")
}

// openStore 依 relay.backend 建立儲存
func openStore(ctx context.Context, cfg *internal.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Relay.Backend {
	case internal.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("已連接 Redis", "addr", cfg.Redis.Addr)
		return store.NewRedis(client, cfg.Redis.KeyPrefix), nil

	case internal.BackendPostgres:
		dsn := cfg.PostgresDSN()

		// 執行資料庫遷移
		migrator, err := migrations.New(dsn, log)
		if err != nil {
			return nil, err
		}
		if err := migrator.Up(); err != nil {
			_ = migrator.Close()
			return nil, err
		}
		if err := migrator.Close(); err != nil {
			log.Warn("關閉遷移器失敗", "error", err)
		}

		// 使用 pgxpool 而非單一連線
		pgConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.MinConns = cfg.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		log.Info("已連接 PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.DBName)
		return store.NewPostgres(pool), nil

	default:
		return store.NewMemory(), nil
	}
}
