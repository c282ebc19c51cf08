package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/14-signaling-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel 測試日誌級別解析
func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), in)
	}
}

// TestNew_ContextAttrs 測試上下文欄位輸出
func TestNew_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Level: "debug", Format: "json"})

	ctx := logger.WithConnectionID(context.Background(), "conn-1")
	ctx = logger.WithPlayerID(ctx, "alice")
	ctx = logger.WithRoomID(ctx, "game-1")

	log.With("component", "router").InfoContext(ctx, "玩家加入房間")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "玩家加入房間", entry["msg"])
	assert.Equal(t, "conn-1", entry["connection_id"])
	assert.Equal(t, "alice", entry["player_id"])
	assert.Equal(t, "game-1", entry["room_id"])
	assert.Equal(t, "router", entry["component"])
}

// TestNew_LevelFilter 測試級別過濾
func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.Options{Level: "warn"})

	log.Info("不應輸出")
	assert.Zero(t, buf.Len())

	log.Warn("應輸出")
	assert.Contains(t, buf.String(), "應輸出")
}
