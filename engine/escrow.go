package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Reservation 代表經濟系統中一筆被保留的金額。
type Reservation struct {
	ID         string
	BidderID   uuid.UUID
	BidderName string
	Amount     int64
}

// EscrowLedger 透過外部經濟系統保留、退還與轉移資金，
// 並追蹤每個掛單目前由哪位出價者持有保留金額。
// 不變條件：任一掛單同時至多只有一筆有效的保留。
type EscrowLedger struct {
	economy Economy
	logger  *slog.Logger

	mu   sync.Mutex
	held map[uuid.UUID]Reservation // key 為掛單 ID
}

// NewEscrowLedger 建立資金保管帳本。
func NewEscrowLedger(economy Economy, logger *slog.Logger) *EscrowLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowLedger{
		economy: economy,
		logger:  logger.With(slog.String("caller", "EscrowLedger")),
		held:    make(map[uuid.UUID]Reservation),
	}
}

// Reserve 向經濟系統保留金額，尚未和任何掛單關聯。
// 餘額不足時回傳 ErrInsufficientFunds。
func (l *EscrowLedger) Reserve(ctx context.Context, bidder uuid.UUID, bidderName string, amount int64) (Reservation, error) {
	const op = "EscrowLedger.Reserve"
	id, err := l.economy.Reserve(ctx, bidder, amount)
	if err != nil {
		return Reservation{}, fmt.Errorf("[%s] Fail to reserve funds, player=%s, err=%w", op, bidder, err)
	}
	return Reservation{ID: id, BidderID: bidder, BidderName: bidderName, Amount: amount}, nil
}

// Commit 把保留金額記到掛單名下並回傳先前的保留（若有）。
// 呼叫端應在掛單變更成功寫入後呼叫，再自行退還先前的保留。
func (l *EscrowLedger) Commit(auctionID uuid.UUID, res Reservation) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.held[auctionID]
	l.held[auctionID] = res
	return prev, ok
}

// Drop 移除掛單名下的保留並回傳它，沒有保留時回傳 false。
func (l *EscrowLedger) Drop(auctionID uuid.UUID) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.held[auctionID]
	if ok {
		delete(l.held, auctionID)
	}
	return res, ok
}

// Held 回傳掛單目前的保留金額。
func (l *EscrowLedger) Held(auctionID uuid.UUID) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.held[auctionID]
	return res, ok
}

// Refund 向經濟系統退還一筆保留金額。
func (l *EscrowLedger) Refund(ctx context.Context, res Reservation) error {
	const op = "EscrowLedger.Refund"
	if err := l.economy.Release(ctx, res.ID); err != nil {
		l.logger.Error("Fail to refund reservation",
			slog.String("reservation", res.ID),
			slog.String("bidder", res.BidderID.String()),
			slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to release reservation, err=%w", op, err)
	}
	return nil
}

// Payout 將保留金額轉入賣家帳戶。
func (l *EscrowLedger) Payout(ctx context.Context, res Reservation, seller uuid.UUID) error {
	const op = "EscrowLedger.Payout"
	if err := l.economy.Transfer(ctx, res.ID, seller); err != nil {
		l.logger.Error("Fail to pay out reservation",
			slog.String("reservation", res.ID),
			slog.String("seller", seller.String()),
			slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to transfer reservation, err=%w", op, err)
	}
	return nil
}

// Rearm 在服務重啟後重新登記掛單的保留金額。
// 經濟系統的保留本身是持久的，這裡只還原帳本的對應關係。
func (l *EscrowLedger) Rearm(auctionID uuid.UUID, res Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[auctionID] = res
}
