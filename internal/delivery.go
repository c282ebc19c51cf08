package internal

import (
	"context"

	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
)

// Deliverer 將位元組推送到某條傳輸層連線
//
// 實現必須以錯誤碼回報結果，呼叫端不做字串比對：
//
//	GONE           → 連線已不存在，呼叫端會清理登記
//	TIMEOUT        → 暫時性失敗（超時、緩衝區滿）
//	INTERNAL_ERROR → 其他失敗
//
// Hub 與 Outbox 是單節點實現；Broker 透過 NATS 轉發到持有連線的節點。
type Deliverer interface {
	Send(ctx context.Context, connID string, data []byte) error
	Close(ctx context.Context, connID string) error
}

// DelivererFunc 將函數轉為只支援 Send 的 Deliverer
type DelivererFunc func(ctx context.Context, connID string, data []byte) error

// Send 實現 Deliverer
func (f DelivererFunc) Send(ctx context.Context, connID string, data []byte) error {
	return f(ctx, connID, data)
}

// Close 實現 Deliverer，不做任何事
func (f DelivererFunc) Close(ctx context.Context, connID string) error {
	return nil
}

// Transport 持有一部分連線的 Deliverer
type Transport interface {
	Deliverer
	Has(connID string) bool
}

// Local 本節點的所有傳輸層，依連線所在的傳輸層投遞
//
// WebSocket 連線在 Hub，經由事件入口建立的連線在 Outbox。
type Local []Transport

// Has 連線是否在本節點
func (l Local) Has(connID string) bool {
	return l.owner(connID) != nil
}

// Send 實現 Deliverer，連線不在本節點時回報 GONE
func (l Local) Send(ctx context.Context, connID string, data []byte) error {
	t := l.owner(connID)
	if t == nil {
		return apperrors.ErrConnectionGone.WithDetails(connID)
	}
	return t.Send(ctx, connID, data)
}

// Close 實現 Deliverer
func (l Local) Close(ctx context.Context, connID string) error {
	t := l.owner(connID)
	if t == nil {
		return apperrors.ErrConnectionGone.WithDetails(connID)
	}
	return t.Close(ctx, connID)
}

func (l Local) owner(connID string) Transport {
	for _, t := range l {
		if t.Has(connID) {
			return t
		}
	}
	return nil
}
