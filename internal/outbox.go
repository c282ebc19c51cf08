package internal

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
)

// 系統設計問題：
//   經由 POST /api/v1/events 建立的連線沒有 WebSocket，伺服器要推給它的訊息放哪裡？
//
// 核心挑戰：
//   1. Router 投遞時不知道連線屬於哪種傳輸層
//   2. 閘道取走訊息之前，訊息不能因為「找不到連線」被當成 GONE 丟掉
//   3. 不取訊息的閘道不能讓記憶體無限成長
//
// 設計方案：
//   ✅ Outbox 與 Hub 一樣實現 Transport，由 Local 依連線所在位置分派
//   ✅ 每條連線一個有上限的佇列，滿了回報 TIMEOUT（與 Hub 的緩衝區一致）
//   ✅ 閘道以 GET /api/v1/connections/{id}/messages 取走佇列內容

// Outbox 事件入口連線的待取訊息佇列
type Outbox struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	limit    int
	attacher Attacher
	metrics  *Metrics
	logger   *slog.Logger
}

// NewOutbox 創建佇列，limit 是每條連線最多保留的訊息數
func NewOutbox(limit int, logger *slog.Logger) *Outbox {
	return &Outbox{
		queues: make(map[string][][]byte),
		limit:  limit,
		logger: logger.With("component", "outbox"),
	}
}

// WithAttacher 設定跨節點投遞的掛載點
func (o *Outbox) WithAttacher(a Attacher) *Outbox {
	o.attacher = a
	return o
}

// WithMetrics 設定指標收集器
func (o *Outbox) WithMetrics(metrics *Metrics) *Outbox {
	o.metrics = metrics
	return o
}

// Open 為連線建立佇列，已存在時保留原有內容
func (o *Outbox) Open(connID string) {
	o.mu.Lock()
	_, exists := o.queues[connID]
	if !exists {
		o.queues[connID] = nil
	}
	o.mu.Unlock()

	if exists {
		return
	}
	o.metrics.queueOpened()

	if o.attacher != nil {
		if err := o.attacher.Attach(connID); err != nil {
			o.logger.Error("掛載連線失敗", "connection_id", connID, "error", err)
		}
	}
}

// Drop 丟棄連線的佇列，返回是否存在
func (o *Outbox) Drop(connID string) bool {
	o.mu.Lock()
	_, exists := o.queues[connID]
	delete(o.queues, connID)
	o.mu.Unlock()

	if !exists {
		return false
	}
	o.metrics.queueClosed()

	if o.attacher != nil {
		o.attacher.Detach(connID)
	}
	return true
}

// Send 實現 Deliverer
//
// 沒有佇列 → GONE；佇列已滿 → TIMEOUT（暫時性）。
func (o *Outbox) Send(ctx context.Context, connID string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, exists := o.queues[connID]
	if !exists {
		return apperrors.ErrConnectionGone.WithDetails(connID)
	}
	if o.limit > 0 && len(queue) >= o.limit {
		o.logger.Warn("佇列已滿", "connection_id", connID)
		return apperrors.New(apperrors.ErrCodeTimeout, "outbox full").WithDetails(connID)
	}

	o.queues[connID] = append(queue, data)
	return nil
}

// Close 實現 Deliverer
//
// 佇列式連線沒有讀取端會送出 DISCONNECT，丟棄佇列後回報 GONE，
// 讓呼叫端直接清理登記。
func (o *Outbox) Close(ctx context.Context, connID string) error {
	if o.Drop(connID) {
		o.logger.Info("伺服器關閉佇列連線", "connection_id", connID)
	}
	return apperrors.ErrConnectionGone.WithDetails(connID)
}

// Has 連線是否有佇列
func (o *Outbox) Has(connID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, exists := o.queues[connID]
	return exists
}

// Drain 取走並清空連線的佇列，依投遞順序排列
func (o *Outbox) Drain(connID string) ([][]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, exists := o.queues[connID]
	if !exists {
		return nil, apperrors.ErrConnectionNotFound
	}
	o.queues[connID] = nil

	if queue == nil {
		return [][]byte{}, nil
	}
	return queue, nil
}

// Count 目前有佇列的連線數
func (o *Outbox) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues)
}
