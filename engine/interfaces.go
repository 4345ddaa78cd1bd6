//go:generate mockgen -package=engine -destination=mock.go -source=interfaces.go

package engine

import (
	"context"

	"github.com/google/uuid"

	"bazaar/models"
)

// Economy 定義外部經濟系統的操作介面
// 實作必須保證每位玩家的扣款與入帳是原子的。
type Economy interface {
	// Reserve 從玩家餘額中保留金額，回傳保留代碼；
	// 餘額不足時回傳 ErrInsufficientFunds
	Reserve(ctx context.Context, player uuid.UUID, amount int64) (string, error)
	// Release 取消保留並將金額退還玩家
	Release(ctx context.Context, reservation string) error
	// Transfer 將保留的金額轉入指定玩家
	Transfer(ctx context.Context, reservation string, to uuid.UUID) error
}

// ItemCustody 定義外部物品保管者的操作介面
// 市集只保存 Hold 回傳的不透明代碼，不解析物品內容。
type ItemCustody interface {
	// Hold 代管一份物品內容並回傳保管代碼
	Hold(ctx context.Context, owner uuid.UUID, payload []byte) (string, error)
	// Release 將保管的物品交付給指定玩家並回傳其內容
	Release(ctx context.Context, handle string, to uuid.UUID) ([]byte, error)
}

// Notifier 定義對玩家發送市集事件的介面。
type Notifier interface {
	Notify(ctx context.Context, player uuid.UUID, event MarketEvent) error
}

// Persistence 定義市集狀態的持久化介面
// 每次成功的變更都必須在操作回報成功前寫入，寫入失敗時操作會整體回滾。
type Persistence interface {
	// SaveAuction 寫入掛單，bid 不為 nil 時在同一交易內寫入出價紀錄
	SaveAuction(ctx context.Context, auction *models.Auction, bid *models.BidRecord) error
	// LoadActiveAuctions 載入所有非終態的掛單
	LoadActiveAuctions(ctx context.Context) ([]models.Auction, error)
	// LoadBidRecords 載入掛單的出價紀錄，由新到舊排序
	LoadBidRecords(ctx context.Context, auctionID uuid.UUID) ([]models.BidRecord, error)

	SavePendingBuyout(ctx context.Context, token *models.PendingBuyout) error
	DeletePendingBuyout(ctx context.Context, auctionID uuid.UUID) error
	LoadPendingBuyouts(ctx context.Context) ([]models.PendingBuyout, error)

	SaveAnchor(ctx context.Context, anchor *models.Anchor) error
	DeleteAnchor(ctx context.Context) error
	LoadAnchor(ctx context.Context) (*models.Anchor, error)

	SaveMarketOpen(ctx context.Context, open bool) error
	LoadMarketOpen(ctx context.Context) (bool, error)
}

// SweepLock 讓多實例部署只由一個實例執行到期結算掃描。
// 單實例部署可以不設定，排程器會直接執行掃描。
type SweepLock interface {
	// TryAcquire 嘗試取得掃描權，成功時回傳釋放函式
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}
