package internal_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-signaling-relay/internal"
	"github.com/koopa0/system-design/14-signaling-relay/internal/store"
	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

func testConfig() *internal.Config {
	cfg := internal.DefaultConfig()
	cfg.Timeouts.Store = time.Second
	cfg.Timeouts.Delivery = time.Second
	return cfg
}

// recorder 記錄投遞內容的 Deliverer
type recorder struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	gone   map[string]bool
	closed []string
}

func newRecorder() *recorder {
	return &recorder{
		sent: make(map[string][][]byte),
		gone: make(map[string]bool),
	}
}

func (d *recorder) Send(ctx context.Context, connID string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone[connID] {
		return apperrors.ErrConnectionGone.WithDetails(connID)
	}
	d.sent[connID] = append(d.sent[connID], data)
	return nil
}

func (d *recorder) Close(ctx context.Context, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone[connID] {
		return apperrors.ErrConnectionGone.WithDetails(connID)
	}
	d.closed = append(d.closed, connID)
	return nil
}

func (d *recorder) markGone(connID string) {
	d.mu.Lock()
	d.gone[connID] = true
	d.mu.Unlock()
}

func (d *recorder) reset() {
	d.mu.Lock()
	d.sent = make(map[string][][]byte)
	d.mu.Unlock()
}

func (d *recorder) raw(connID string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent[connID]...)
}

func (d *recorder) messages(t *testing.T, connID string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, data := range d.raw(connID) {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		out = append(out, msg)
	}
	return out
}

func (d *recorder) ofType(t *testing.T, connID, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, msg := range d.messages(t, connID) {
		if msg["type"] == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// relay 組裝好的單節點中繼
type relay struct {
	store     store.Store
	registry  *internal.Registry
	manager   *internal.Manager
	router    *internal.Router
	deliverer *recorder
}

func newRelay(t *testing.T, cfg *internal.Config) *relay {
	t.Helper()
	return newRelayWithStore(t, cfg, store.NewMemory())
}

func newRelayWithStore(t *testing.T, cfg *internal.Config, s store.Store) *relay {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	logger := testLogger()
	registry := internal.NewRegistry(s, cfg.Timeouts.Store, logger)
	manager := internal.NewManager(s, registry, cfg, logger)
	d := newRecorder()

	return &relay{
		store:     s,
		registry:  registry,
		manager:   manager,
		router:    internal.NewRouter(registry, manager, d, cfg, logger),
		deliverer: d,
	}
}

func (r *relay) connect(t *testing.T, connID string) {
	t.Helper()
	reply := r.router.HandleEvent(context.Background(), internal.Event{
		Type:         internal.EventConnect,
		ConnectionID: connID,
		Origin:       "http://localhost",
	})
	require.Equal(t, internal.StatusOK, reply.Status, reply.Message)
}

func (r *relay) send(connID string, msg map[string]any) internal.Reply {
	body, _ := json.Marshal(msg)
	return r.router.HandleEvent(context.Background(), internal.Event{
		Type:         internal.EventMessage,
		ConnectionID: connID,
		Body:         body,
	})
}

// join 連線並加入，返回分配到的房間
func (r *relay) join(t *testing.T, connID, playerID string) string {
	t.Helper()
	reply := r.send(connID, map[string]any{"type": "join", "playerId": playerID})
	require.Equal(t, internal.StatusOK, reply.Status, reply.Message)

	conn, err := r.registry.LookupByID(context.Background(), connID)
	require.NoError(t, err)
	require.NotEmpty(t, conn.RoomID)
	return conn.RoomID
}

func (r *relay) members(t *testing.T, roomID string) []string {
	t.Helper()
	members, err := r.manager.GetMembers(context.Background(), roomID)
	require.NoError(t, err)
	return members
}
