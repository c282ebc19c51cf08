package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/koopa0/system-design/14-signaling-relay/pkg/errors"
)

// Broker 透過 NATS 在節點之間投遞
//
// 多節點部署時，某條 WebSocket 只存在於一個節點的 Hub。
// 持有連接的節點訂閱 <prefix>.<connID>，其他節點以 request/reply 投遞：
//
//	Router → Broker.Send
//	           ├─ 連接在本節點 → Local.Send（Hub 或 Outbox）
//	           └─ 否則 → NATS Request → 持有節點 → Local.Send → 回覆錯誤碼
//
// 沒有任何訂閱者（ErrNoResponders）表示連接已不存在，回報 GONE。
// 回覆內容為空表示成功，否則是 pkg/errors 的錯誤碼。
type Broker struct {
	nc     *nats.Conn
	prefix string
	local  Transport
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

// NewBroker 創建跨節點投遞器
func NewBroker(nc *nats.Conn, prefix string, local Transport, logger *slog.Logger) *Broker {
	if prefix == "" {
		prefix = "relay.deliver"
	}
	return &Broker{
		nc:     nc,
		prefix: prefix,
		local:  local,
		logger: logger.With("component", "broker"),
		subs:   make(map[string][]*nats.Subscription),
	}
}

// Connect 連接 NATS Server
//
// 選項說明：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("signaling-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連接中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS 已重新連接", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func (b *Broker) deliverSubject(connID string) string {
	return b.prefix + "." + connID
}

func (b *Broker) closeSubject(connID string) string {
	return b.prefix + ".close." + connID
}

// Send 實現 Deliverer
func (b *Broker) Send(ctx context.Context, connID string, data []byte) error {
	if b.local.Has(connID) {
		return b.local.Send(ctx, connID, data)
	}
	return b.request(ctx, b.deliverSubject(connID), connID, data)
}

// Close 實現 Deliverer
func (b *Broker) Close(ctx context.Context, connID string) error {
	if b.local.Has(connID) {
		return b.local.Close(ctx, connID)
	}
	return b.request(ctx, b.closeSubject(connID), connID, nil)
}

func (b *Broker) request(ctx context.Context, subject, connID string, data []byte) error {
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return apperrors.ErrConnectionGone.WithDetails(connID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return apperrors.ErrDeliveryTimeout.WithDetails(connID)
	case err != nil:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "nats request failed")
	}

	return decodeReply(connID, msg.Data)
}

// decodeReply 將持有節點回覆的錯誤碼還原為錯誤
func decodeReply(connID string, data []byte) error {
	switch code := string(data); code {
	case "":
		return nil
	case apperrors.ErrCodeGone:
		return apperrors.ErrConnectionGone.WithDetails(connID)
	case apperrors.ErrCodeTimeout:
		return apperrors.ErrDeliveryTimeout.WithDetails(connID)
	default:
		return apperrors.New(code, "remote delivery failed").WithDetails(connID)
	}
}

// Attach 實現 Attacher：訂閱本節點連接的投遞主題
func (b *Broker) Attach(connID string) error {
	deliverSub, err := b.nc.Subscribe(b.deliverSubject(connID), func(msg *nats.Msg) {
		err := b.local.Send(context.Background(), connID, msg.Data)
		b.respond(msg, err)
	})
	if err != nil {
		return fmt.Errorf("subscribe deliver subject: %w", err)
	}

	closeSub, err := b.nc.Subscribe(b.closeSubject(connID), func(msg *nats.Msg) {
		err := b.local.Close(context.Background(), connID)
		b.respond(msg, err)
	})
	if err != nil {
		_ = deliverSub.Unsubscribe()
		return fmt.Errorf("subscribe close subject: %w", err)
	}

	b.mu.Lock()
	b.subs[connID] = []*nats.Subscription{deliverSub, closeSub}
	b.mu.Unlock()

	// 確認訂閱已送達 server，之後其他節點的投遞才找得到
	if err := b.nc.Flush(); err != nil {
		b.logger.Warn("NATS flush 失敗", "connection_id", connID, "error", err)
	}

	return nil
}

func (b *Broker) respond(msg *nats.Msg, err error) {
	var reply []byte
	if err != nil {
		reply = []byte(apperrors.Code(err))
	}
	if rerr := msg.Respond(reply); rerr != nil {
		b.logger.Warn("NATS 回覆失敗", "subject", msg.Subject, "error", rerr)
	}
}

// Detach 實現 Attacher：取消訂閱，之後的遠端投遞會得到 GONE
func (b *Broker) Detach(connID string) {
	b.mu.Lock()
	subs := b.subs[connID]
	delete(b.subs, connID)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Warn("NATS 取消訂閱失敗", "subject", sub.Subject, "error", err)
		}
	}
}

// Attached 本節點目前掛載的連接數
func (b *Broker) Attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
