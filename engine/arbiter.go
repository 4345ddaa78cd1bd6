package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bazaar/models"
)

// BidArbiter 驗證並套用出價
// 同一掛單的兩筆並發出價經過仲裁後恰好只有一筆成立，
// 敗方的保留金額要嘛從未入帳，要嘛立即退還。
type BidArbiter struct {
	store    *AuctionStore
	escrow   *EscrowLedger
	gate     *AccessGate
	notifier Notifier
	logger   *slog.Logger
}

// NewBidArbiter 建立出價仲裁者。
func NewBidArbiter(store *AuctionStore, escrow *EscrowLedger, gate *AccessGate, notifier Notifier, logger *slog.Logger) *BidArbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BidArbiter{
		store:    store,
		escrow:   escrow,
		gate:     gate,
		notifier: notifier,
		logger:   logger.With(slog.String("caller", "BidArbiter")),
	}
}

// Bid 對掛單出價。
// 流程：鎖內快照 -> 鎖外向經濟系統保留金額 -> 重新進入臨界區驗證後提交。
// 提交時重新驗證狀態與價格下限，版本飄移時以當前紀錄重新仲裁一次，
// 仍不成立就退還保留金額並回傳 ErrStateConflict。
func (b *BidArbiter) Bid(ctx context.Context, bidder uuid.UUID, bidderName, name string, offer int64) (*models.Auction, error) {
	const op = "BidArbiter.Bid"
	if !b.gate.IsOpen() {
		return nil, ErrGateClosed
	}
	snap, ok := b.store.Snapshot(name)
	if !ok {
		return nil, fmt.Errorf("[%s] name=%s, err=%w", op, name, ErrNotFound)
	}
	if snap.State != models.StateOpen {
		return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, snap.State, ErrStateConflict)
	}
	if offer <= snap.Floor() {
		return nil, fmt.Errorf("[%s] bid %d must exceed %d, err=%w", op, offer, snap.Floor(), ErrStateConflict)
	}

	// 在臨界區外向經濟系統保留金額，避免鎖被外部呼叫拖住
	res, err := b.escrow.Reserve(ctx, bidder, bidderName, offer)
	if err != nil {
		return nil, err
	}

	var prev Reservation
	var outbid bool
	updated, err := b.store.MutateThen(ctx, name, func(a *models.Auction) (*models.BidRecord, error) {
		if a.State != models.StateOpen {
			return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, a.State, ErrStateConflict)
		}
		if offer <= a.Floor() {
			return nil, fmt.Errorf("[%s] bid %d must exceed %d, err=%w", op, offer, a.Floor(), ErrStateConflict)
		}
		a.HighestBid = &offer
		a.HighestBidderID = &bidder
		a.HighestBidderName = bidderName
		a.EscrowRef = res.ID
		a.Version++
		return &models.BidRecord{
			ID:         uuid.New(),
			AuctionID:  a.ID,
			BidderID:   bidder,
			BidderName: bidderName,
			Amount:     offer,
		}, nil
	}, func(a *models.Auction) {
		// 帳本在掛單臨界區內換手，競爭的出價不會把退款套在錯的保留上
		prev, outbid = b.escrow.Commit(a.ID, res)
	})
	if err != nil {
		// 提交失敗，立刻退還剛保留的金額
		if refundErr := b.escrow.Refund(ctx, res); refundErr != nil {
			b.logger.Error("Fail to refund losing reservation", slog.String("name", name), slog.Any("error", refundErr))
		}
		return nil, err
	}

	// 提交成功後退還前一位出價者的保留金額並通知被超越
	if outbid {
		if err := b.escrow.Refund(ctx, prev); err != nil {
			b.logger.Error("Fail to refund outbid reservation", slog.String("name", name), slog.Any("error", err))
		}
		b.notify(ctx, prev.BidderID, MarketEvent{
			Type:        EventOutbid,
			AuctionName: updated.Name,
			Player:      bidder,
			PlayerName:  bidderName,
			Amount:      offer,
			At:          time.Now(),
		})
	}
	b.notify(ctx, bidder, MarketEvent{
		Type:        EventBidAccepted,
		AuctionName: updated.Name,
		Player:      bidder,
		PlayerName:  bidderName,
		Amount:      offer,
		At:          time.Now(),
	})
	b.logger.Info("Higher bid occurs",
		slog.String("auction", updated.Name),
		slog.String("bidder", bidder.String()),
		slog.Int64("bid", offer))
	return updated, nil
}

func (b *BidArbiter) notify(ctx context.Context, player uuid.UUID, event MarketEvent) {
	if err := b.notifier.Notify(ctx, player, event); err != nil {
		b.logger.Warn("Fail to notify player", slog.String("player", player.String()), slog.Any("error", err))
	}
}
