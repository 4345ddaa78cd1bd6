package engine

import "time"

// Config 定義市集引擎的可調參數。
type Config struct {
	// DefaultDuration 是 setAuction 未指定時長時使用的預設拍賣時長
	DefaultDuration time.Duration
	// MaxDuration 是單筆掛單允許的最長拍賣時長
	MaxDuration time.Duration
	// BuyoutTTL 是直購確認權杖的有效時間
	BuyoutTTL time.Duration
	// SweepInterval 是到期結算排程器的掃描週期
	SweepInterval time.Duration
	// MaxNameLength 是掛單名稱的長度上限
	MaxNameLength int
}

// DefaultConfig 回傳引擎的預設參數。
func DefaultConfig() Config {
	return Config{
		DefaultDuration: 24 * time.Hour,
		MaxDuration:     7 * 24 * time.Hour,
		BuyoutTTL:       30 * time.Second,
		SweepInterval:   5 * time.Second,
		MaxNameLength:   48,
	}
}

// withDefaults 補上未設定的欄位，讓零值 Config 也能運作。
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = d.DefaultDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.BuyoutTTL <= 0 {
		c.BuyoutTTL = d.BuyoutTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = d.MaxNameLength
	}
	return c
}
