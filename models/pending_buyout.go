package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PendingBuyout 代表一個短效的直購確認權杖
// 每個掛單同時只會有一個有效權杖，新的直購請求會取代舊的權杖。
// 權杖會持久化，服務重啟後能還原尚未過期的確認流程。
type PendingBuyout struct {
	gorm.Model

	AuctionID     uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	NameKey       string    `gorm:"type:varchar(64);not null;index"`
	RequesterID   uuid.UUID `gorm:"type:uuid;not null"`
	RequesterName string    `gorm:"type:varchar(64);not null"`
	IssuedAt      time.Time `gorm:"type:timestamp with time zone;not null"`
	ExpiresAt     time.Time `gorm:"type:timestamp with time zone;not null"`
}

// Expired 判斷權杖在指定時間點是否已失效。
func (p *PendingBuyout) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
