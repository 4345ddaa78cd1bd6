package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"bazaar/engine"
)

// StreamNotifier 透過 Redis Stream 把市集通知送往各個遊戲伺服器實例
// 實作 engine.Notifier。
type StreamNotifier struct {
	producer *Producer
}

// NewStreamNotifier 建立以事件發布者為後端的通知器。
func NewStreamNotifier(producer *Producer) (*StreamNotifier, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	return &StreamNotifier{producer: producer}, nil
}

// Notify 發布給指定玩家的市集事件。
func (n *StreamNotifier) Notify(ctx context.Context, player uuid.UUID, event engine.MarketEvent) error {
	const op = "Notify"
	if err := n.producer.Publish(PlayerEvent{Player: player, Event: event}); err != nil {
		return fmt.Errorf("[%s] Fail to publish market event, err=%w", op, err)
	}
	return nil
}
