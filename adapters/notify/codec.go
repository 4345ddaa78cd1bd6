package notify

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"bazaar/engine"
)

// PlayerEvent 是流經 Redis Stream 的市集事件，帶著收件玩家。
type PlayerEvent struct {
	Player uuid.UUID          `msgpack:"player"`
	Event  engine.MarketEvent `msgpack:"event"`
}

// encodeMessage 將事件序列化為 stream 訊息
// 使用 msgpack 編碼後再以 base64 放進單一欄位。
func encodeMessage(event PlayerEvent) (map[string]any, error) {
	bytes, err := msgpack.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// decodeMessage 從 stream 訊息還原事件。
func decodeMessage(message map[string]any) (PlayerEvent, error) {
	var event PlayerEvent
	dataStr, ok := message["data"].(string)
	if !ok {
		return event, fmt.Errorf("data field not found or invalid type")
	}
	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return event, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(bytes, &event); err != nil {
		return event, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return event, nil
}
