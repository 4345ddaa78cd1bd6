package models

import "gorm.io/gorm"

// MarketState 代表市集的全域開關
// 以固定主鍵儲存，關閉時會阻擋新的掛單、出價與直購請求。
type MarketState struct {
	gorm.Model

	ID   int  `gorm:"primaryKey"`
	Open bool `gorm:"not null"`
}

// MarketStateSingletonID 是 MarketState 紀錄的固定主鍵。
const MarketStateSingletonID = 1
