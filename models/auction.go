package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuctionState 代表拍賣的生命週期狀態。
// SOLD、EXPIRED_UNSOLD、CANCELLED 為終態，一旦進入就不會再離開。
type AuctionState string

const (
	StateOpen          AuctionState = "OPEN"
	StatePendingBuyout AuctionState = "PENDING_BUYOUT"
	StateSold          AuctionState = "SOLD"
	StateExpiredUnsold AuctionState = "EXPIRED_UNSOLD"
	StateCancelled     AuctionState = "CANCELLED"
)

// Terminal 判斷狀態是否為終態。
func (s AuctionState) Terminal() bool {
	return s == StateSold || s == StateExpiredUnsold || s == StateCancelled
}

// Auction 代表市集中的一筆掛單
// 包含賣家、物品保管代碼、起標價、直購價、目前最高出價與到期時間等資訊。
// NameKey 為小寫後的名稱，掛單名稱在非終態掛單之間不分大小寫唯一，
// 終態掛單的名稱可以被新掛單重複使用（參考 user_identity 的部分唯一索引作法）。
type Auction struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	Name       string    `gorm:"type:varchar(64);not null;<-:create"`
	NameKey    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_auctions_active_name,where:state IN ('OPEN','PENDING_BUYOUT');<-:create"`
	SellerID   uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	SellerName string    `gorm:"type:varchar(64);not null;<-:create"`

	// ItemHandle 是外部保管者(custody)發出的不透明物品代碼，市集不解析其內容
	ItemHandle string `gorm:"type:text;not null;<-:create"`

	StartPrice  int64  `gorm:"type:bigint;not null;<-:create"`
	BuyoutPrice *int64 `gorm:"type:bigint;<-:create"`

	ListedAt  time.Time `gorm:"type:timestamp with time zone;not null;<-:create"`
	ExpiresAt time.Time `gorm:"type:timestamp with time zone;not null;index"`

	// 目前最高出價，沒有人出價時為 nil
	HighestBid        *int64     `gorm:"type:bigint"`
	HighestBidderID   *uuid.UUID `gorm:"type:uuid"`
	HighestBidderName string     `gorm:"type:varchar(64)"`

	// EscrowRef 是最高出價在經濟系統中的保留代碼，重啟後用來還原資金帳本
	EscrowRef string `gorm:"type:text"`

	State AuctionState `gorm:"type:varchar(16);not null;index"`

	// Version 在每次變更時遞增，排程器以此做樂觀檢查
	Version int64 `gorm:"type:bigint;not null"`
}

// NameKeyOf 將掛單名稱正規化為索引鍵。
func NameKeyOf(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HasBid 判斷掛單是否已有人出價。
func (a *Auction) HasBid() bool {
	return a.HighestBid != nil && a.HighestBidderID != nil
}

// Floor 回傳下一次出價必須嚴格超過的金額。
func (a *Auction) Floor() int64 {
	if a.HighestBid != nil && *a.HighestBid > a.StartPrice {
		return *a.HighestBid
	}
	return a.StartPrice
}

// Clone 回傳掛單的淺層複本，讓呼叫者在鎖外安全讀取。
func (a *Auction) Clone() *Auction {
	cp := *a
	if a.BuyoutPrice != nil {
		v := *a.BuyoutPrice
		cp.BuyoutPrice = &v
	}
	if a.HighestBid != nil {
		v := *a.HighestBid
		cp.HighestBid = &v
	}
	if a.HighestBidderID != nil {
		v := *a.HighestBidderID
		cp.HighestBidderID = &v
	}
	return &cp
}
