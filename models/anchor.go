package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Anchor 代表市集唯一的傳送點
// 以固定主鍵儲存，整個系統最多只會有一筆紀錄。
type Anchor struct {
	gorm.Model

	ID int `gorm:"primaryKey"`

	World string  `gorm:"type:varchar(64);not null"`
	X     float64 `gorm:"not null"`
	Y     float64 `gorm:"not null"`
	Z     float64 `gorm:"not null"`
	Yaw   float32 `gorm:"not null"`
	Pitch float32 `gorm:"not null"`

	SetByID   uuid.UUID `gorm:"type:uuid;not null"`
	SetByName string    `gorm:"type:varchar(64);not null"`
	SetAt     time.Time `gorm:"type:timestamp with time zone;not null"`
}

// AnchorSingletonID 是 Anchor 紀錄的固定主鍵。
const AnchorSingletonID = 1
