package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 配對策略
const (
	PolicyCapacity = "capacity" // 依容量填滿房間，滿了就開新房
	PolicySingle   = "single"   // 所有玩家進入同一個固定房間
)

// 儲存後端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// AllowedOrigins 空表示允許所有來源
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		KeyPrefix    string        `yaml:"key_prefix"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		// URL 為空時只做本機投遞
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Relay struct {
		Backend        string `yaml:"backend"`
		SendBufferSize int    `yaml:"send_buffer_size"`
		// FanoutLimit 單次廣播同時進行的投遞數
		FanoutLimit int `yaml:"fanout_limit"`
	} `yaml:"relay"`

	Matchmaking struct {
		Policy          string        `yaml:"policy"`
		Capacity        int           `yaml:"capacity"`
		SingleRoomID    string        `yaml:"single_room_id"`
		RoomGrace       time.Duration `yaml:"room_grace"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"matchmaking"`

	Timeouts struct {
		Store    time.Duration `yaml:"store"`
		Delivery time.Duration `yaml:"delivery"`
	} `yaml:"timeouts"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.KeyPrefix = "relay"

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "relay"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.NATS.SubjectPrefix = "relay.deliver"

	cfg.Relay.Backend = BackendMemory
	cfg.Relay.SendBufferSize = 256
	cfg.Relay.FanoutLimit = 8

	cfg.Matchmaking.Policy = PolicyCapacity
	cfg.Matchmaking.Capacity = 5
	cfg.Matchmaking.SingleRoomID = "lobby"
	cfg.Matchmaking.RoomGrace = 2 * time.Minute
	cfg.Matchmaking.CleanupInterval = 30 * time.Second

	cfg.Timeouts.Store = 3 * time.Second
	cfg.Timeouts.Delivery = 2 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig 載入配置檔案，未設定的欄位沿用預設值
//
// path 為空時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if backend := os.Getenv("RELAY_BACKEND"); backend != "" {
		c.Relay.Backend = backend
	}
}

// Validate 檢查配置是否合法
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Relay.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("relay.backend must be one of memory, redis, postgres: %q", c.Relay.Backend))
	}
	if c.Relay.SendBufferSize <= 0 {
		errs = append(errs, errors.New("relay.send_buffer_size must be positive"))
	}
	if c.Relay.FanoutLimit <= 0 {
		errs = append(errs, errors.New("relay.fanout_limit must be positive"))
	}

	switch c.Matchmaking.Policy {
	case PolicyCapacity:
		if c.Matchmaking.Capacity < 2 {
			errs = append(errs, fmt.Errorf("matchmaking.capacity must be at least 2: %d", c.Matchmaking.Capacity))
		}
	case PolicySingle:
		if c.Matchmaking.SingleRoomID == "" {
			errs = append(errs, errors.New("matchmaking.single_room_id is required for the single policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("matchmaking.policy must be capacity or single: %q", c.Matchmaking.Policy))
	}

	if c.Timeouts.Store <= 0 || c.Timeouts.Delivery <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
