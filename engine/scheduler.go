package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bazaar/models"
)

// ExpiryScheduler 定期掃描到期的掛單並進行結算
// 每次結算都帶著掃描時讀到的版本做樂觀檢查，
// 和並發的出價或直購互相競爭時，恰好只有一方成立，結算不會套用兩次。
// 掃描本身不持有任何掛單鎖，外部呼叫不會拖住其他操作。
type ExpiryScheduler struct {
	store    *AuctionStore
	escrow   *EscrowLedger
	buyouts  *BuyoutCoordinator
	custody  ItemCustody
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	// sweepLock 非 nil 時，每輪掃描前先取得掃描權
	sweepLock SweepLock

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewExpiryScheduler 建立到期結算排程器。
func NewExpiryScheduler(store *AuctionStore, escrow *EscrowLedger, buyouts *BuyoutCoordinator, custody ItemCustody, notifier Notifier, sweepLock SweepLock, cfg Config, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryScheduler{
		store:     store,
		escrow:    escrow,
		buyouts:   buyouts,
		custody:   custody,
		notifier:  notifier,
		sweepLock: sweepLock,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("caller", "ExpiryScheduler")),
	}
}

// Start 啟動排程器的掃描迴圈。
func (s *ExpiryScheduler) Start() {
	if s.cancelFunc != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.logger.Info("Start expiry scheduler", slog.Duration("interval", s.cfg.SweepInterval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("Expiry scheduler stopped")
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Close 停止排程器並等待進行中的掃描結束。
func (s *ExpiryScheduler) Close() {
	if s.cancelFunc == nil {
		return
	}
	s.cancelFunc()
	s.wg.Wait()
	s.cancelFunc = nil
}

func (s *ExpiryScheduler) tick(ctx context.Context) {
	if s.sweepLock != nil {
		release, ok, err := s.sweepLock.TryAcquire(ctx)
		if err != nil {
			s.logger.Error("Fail to acquire sweep lock", slog.Any("error", err))
			return
		}
		if !ok {
			s.logger.Debug("Another instance holds the sweep lock")
			return
		}
		defer release()
	}
	s.Sweep(ctx)
}

// Sweep 執行一輪掃描：先惰性處理過期的直購權杖，再結算到期的掛單。
// 獨立導出讓測試可以直接觸發一輪掃描。
func (s *ExpiryScheduler) Sweep(ctx context.Context) {
	now := time.Now()
	for _, snap := range s.store.ActiveSnapshots(ListFilter{}) {
		if ctx.Err() != nil {
			return
		}
		if snap.State == models.StatePendingBuyout {
			s.buyouts.FreshenIfExpired(ctx, snap.Name)
			// 權杖過期的掛單回到 OPEN 後在同一輪重新評估
			fresh, ok := s.store.Snapshot(snap.Name)
			if !ok || fresh.State != models.StateOpen {
				continue
			}
			snap = fresh
		}
		if snap.State != models.StateOpen || now.Before(snap.ExpiresAt) {
			continue
		}
		if err := s.settle(ctx, snap); err != nil {
			if errors.Is(err, ErrStateConflict) {
				// 並發的出價或直購贏了這次競爭，下一輪再看
				s.logger.Debug("Settlement lost the race", slog.String("auction", snap.Name))
				continue
			}
			s.logger.Error("Fail to settle auction", slog.String("auction", snap.Name), slog.Any("error", err))
		}
	}
}

// settle 結算單一掛單。
// 先在臨界區內以版本檢查提交終態並持久化，成功後才進行資金轉移與物品交付，
// 讓鎖不會被外部呼叫拖住，也保證結算恰好套用一次。
func (s *ExpiryScheduler) settle(ctx context.Context, snap *models.Auction) error {
	const op = "ExpiryScheduler.settle"
	var res Reservation
	var had bool
	updated, err := s.store.MutateThen(ctx, snap.Name, func(a *models.Auction) (*models.BidRecord, error) {
		if a.State != models.StateOpen {
			return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, a.State, ErrStateConflict)
		}
		if a.Version != snap.Version {
			return nil, fmt.Errorf("[%s] version moved from %d to %d, err=%w", op, snap.Version, a.Version, ErrStateConflict)
		}
		if time.Now().Before(a.ExpiresAt) {
			return nil, fmt.Errorf("[%s] auction no longer due, err=%w", op, ErrStateConflict)
		}
		if a.HasBid() {
			a.State = models.StateSold
		} else {
			a.State = models.StateExpiredUnsold
		}
		a.Version++
		return nil, nil
	}, func(a *models.Auction) {
		// 帳本在掛單臨界區內清空，晚到的出價無法再把保留掛回這張掛單
		if a.State == models.StateSold {
			res, had = s.escrow.Drop(a.ID)
		}
	})
	if err != nil {
		return err
	}
	s.store.Remove(updated.Name)
	s.buyouts.DropToken(ctx, updated.Name, updated.ID)

	if updated.State == models.StateSold {
		if !had {
			// 帳本沒有對應的保留時退回持久化的保留代碼
			res = Reservation{
				ID:         updated.EscrowRef,
				BidderID:   *updated.HighestBidderID,
				BidderName: updated.HighestBidderName,
				Amount:     *updated.HighestBid,
			}
		}
		if err := s.escrow.Payout(ctx, res, updated.SellerID); err != nil {
			s.logger.Error("Fail to pay seller on settlement", slog.String("auction", updated.Name), slog.Any("error", err))
		}
		if _, err := s.custody.Release(ctx, updated.ItemHandle, *updated.HighestBidderID); err != nil {
			s.logger.Error("Fail to release item to winner", slog.String("auction", updated.Name), slog.Any("error", err))
		}
		event := MarketEvent{
			Type:        EventSold,
			AuctionName: updated.Name,
			Player:      *updated.HighestBidderID,
			PlayerName:  updated.HighestBidderName,
			Amount:      *updated.HighestBid,
			At:          time.Now(),
		}
		s.notify(ctx, updated.SellerID, event)
		s.notify(ctx, *updated.HighestBidderID, event)
		s.logger.Info("Auction settled as sold",
			slog.String("auction", updated.Name),
			slog.Int64("price", *updated.HighestBid))
		return nil
	}

	// 無人出價，物品退還賣家
	if _, err := s.custody.Release(ctx, updated.ItemHandle, updated.SellerID); err != nil {
		s.logger.Error("Fail to return item to seller", slog.String("auction", updated.Name), slog.Any("error", err))
	}
	s.notify(ctx, updated.SellerID, MarketEvent{
		Type:        EventExpiredUnsold,
		AuctionName: updated.Name,
		Player:      updated.SellerID,
		PlayerName:  updated.SellerName,
		At:          time.Now(),
	})
	s.logger.Info("Auction expired unsold", slog.String("auction", updated.Name))
	return nil
}

func (s *ExpiryScheduler) notify(ctx context.Context, player uuid.UUID, event MarketEvent) {
	if err := s.notifier.Notify(ctx, player, event); err != nil {
		s.logger.Warn("Fail to notify player", slog.Any("error", err))
	}
}
