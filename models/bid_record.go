package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BidRecord 代表掛單的一筆出價紀錄
// 每次成功的出價都會留下一筆紀錄，掛單結束後仍保留作為歷史資料。
type BidRecord struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID  uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	BidderID   uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	BidderName string    `gorm:"type:varchar(64);not null;<-:create"`
	Amount     int64     `gorm:"type:bigint;not null;<-:create"`
}
