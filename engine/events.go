package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventType 代表市集事件的種類。
type EventType string

const (
	EventOutbid        EventType = "OUTBID"
	EventBidAccepted   EventType = "BID_ACCEPTED"
	EventSold          EventType = "SOLD"
	EventExpiredUnsold EventType = "EXPIRED_UNSOLD"
	EventCancelled     EventType = "CANCELLED"
	EventBuyoutPending EventType = "BUYOUT_PENDING"
)

// MarketEvent 是發送給玩家與事件串流的市集事件。
type MarketEvent struct {
	Type        EventType `json:"type"`
	AuctionName string    `json:"auctionName"`
	Player      uuid.UUID `json:"player"`
	PlayerName  string    `json:"playerName"`
	Amount      int64     `json:"amount"`
	At          time.Time `json:"at"`
}
