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

// BuyoutCoordinator 負責兩段式的直購流程
// 先發出短效的確認權杖，確認成功才真正成交，避免玩家誤觸造成不可逆的購買。
// 每個掛單同時至多一個有效權杖，權杖過期採惰性偵測加排程器掃描。
//
// 鎖序：掛單臨界區在前，權杖表的鎖在後；
// 任何持有權杖表鎖的路徑都不得再呼叫 AuctionStore。
type BuyoutCoordinator struct {
	store    *AuctionStore
	escrow   *EscrowLedger
	gate     *AccessGate
	custody  ItemCustody
	notifier Notifier
	db       Persistence
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	tokens map[string]*models.PendingBuyout // key 為掛單的 NameKey
}

// NewBuyoutCoordinator 建立直購協調者。
func NewBuyoutCoordinator(store *AuctionStore, escrow *EscrowLedger, gate *AccessGate, custody ItemCustody, notifier Notifier, db Persistence, cfg Config, logger *slog.Logger) *BuyoutCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuyoutCoordinator{
		store:    store,
		escrow:   escrow,
		gate:     gate,
		custody:  custody,
		notifier: notifier,
		db:       db,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("caller", "BuyoutCoordinator")),
		tokens:   make(map[string]*models.PendingBuyout),
	}
}

// Restore 從持久層還原尚未過期的權杖，已過期的在還原時直接讓掛單回到 OPEN。
func (b *BuyoutCoordinator) Restore(ctx context.Context) error {
	const op = "BuyoutCoordinator.Restore"
	tokens, err := b.db.LoadPendingBuyouts(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load pending buyouts, err=%w", op, err)
	}
	now := time.Now()
	for i := range tokens {
		token := tokens[i]
		if token.Expired(now) {
			b.expireToken(ctx, &token)
			continue
		}
		b.mu.Lock()
		b.tokens[token.NameKey] = &token
		b.mu.Unlock()
	}
	b.logger.Info("Restored pending buyouts", slog.Int("count", len(tokens)))
	return nil
}

// Request 發出直購確認權杖並讓掛單進入 PENDING_BUYOUT。
// 掛單已在 PENDING_BUYOUT 時，新的請求只取代權杖，狀態不變。
func (b *BuyoutCoordinator) Request(ctx context.Context, sender uuid.UUID, senderName, name string) (*models.PendingBuyout, error) {
	const op = "BuyoutCoordinator.Request"
	if !b.gate.IsOpen() {
		return nil, ErrGateClosed
	}
	b.FreshenIfExpired(ctx, name)

	snap, ok := b.store.Snapshot(name)
	if !ok {
		return nil, fmt.Errorf("[%s] name=%s, err=%w", op, name, ErrNotFound)
	}
	if snap.BuyoutPrice == nil {
		return nil, fmt.Errorf("[%s] auction has no buyout price, err=%w", op, ErrStateConflict)
	}
	if snap.State != models.StateOpen && snap.State != models.StatePendingBuyout {
		return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, snap.State, ErrStateConflict)
	}

	now := time.Now()
	token := &models.PendingBuyout{
		AuctionID:     snap.ID,
		NameKey:       snap.NameKey,
		RequesterID:   sender,
		RequesterName: senderName,
		IssuedAt:      now,
		ExpiresAt:     now.Add(b.cfg.BuyoutTTL),
	}

	transitioned := false
	if snap.State == models.StateOpen {
		_, err := b.store.Mutate(ctx, name, func(a *models.Auction) (*models.BidRecord, error) {
			if a.State != models.StateOpen {
				return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, a.State, ErrStateConflict)
			}
			a.State = models.StatePendingBuyout
			a.Version++
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		transitioned = true
	}
	if err := b.db.SavePendingBuyout(ctx, token); err != nil {
		b.logger.Error("Fail to persist pending buyout", slog.String("name", name), slog.Any("error", err))
		// 只回滾這次請求造成的狀態轉移；換發權杖失敗時既有權杖與狀態原封不動
		if transitioned {
			b.revertToOpen(ctx, name)
		}
		return nil, fmt.Errorf("[%s] Fail to persist pending buyout, err=%w", op, ErrPersistence)
	}
	b.mu.Lock()
	b.tokens[snap.NameKey] = token
	b.mu.Unlock()

	b.logger.Info("Buyout pending",
		slog.String("auction", snap.Name),
		slog.String("requester", sender.String()),
		slog.Duration("ttl", b.cfg.BuyoutTTL))
	b.notify(ctx, snap.SellerID, MarketEvent{
		Type:        EventBuyoutPending,
		AuctionName: snap.Name,
		Player:      sender,
		PlayerName:  senderName,
		Amount:      *snap.BuyoutPrice,
		At:          now,
	})
	return token, nil
}

// Confirm 完成直購。
// 權杖不存在時回傳 ErrStateConflict，已過期時回傳 ErrExpiredConfirmation
// 並讓掛單回到 OPEN，請求者不符時回傳 ErrWrongRequester。
func (b *BuyoutCoordinator) Confirm(ctx context.Context, buyer uuid.UUID, name string) (*models.Auction, error) {
	const op = "BuyoutCoordinator.Confirm"
	nameKey := models.NameKeyOf(name)

	b.mu.Lock()
	token, ok := b.tokens[nameKey]
	if ok {
		cp := *token
		token = &cp
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("[%s] no pending buyout for %s, err=%w", op, name, ErrStateConflict)
	}
	if token.Expired(time.Now()) {
		b.FreshenIfExpired(ctx, name)
		return nil, fmt.Errorf("[%s] confirmation window elapsed, err=%w", op, ErrExpiredConfirmation)
	}
	if token.RequesterID != buyer {
		return nil, fmt.Errorf("[%s] token belongs to %s, err=%w", op, token.RequesterID, ErrWrongRequester)
	}

	snap, ok := b.store.Snapshot(name)
	if !ok {
		return nil, fmt.Errorf("[%s] name=%s, err=%w", op, name, ErrNotFound)
	}
	if snap.State != models.StatePendingBuyout || snap.BuyoutPrice == nil {
		return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, snap.State, ErrStateConflict)
	}
	price := *snap.BuyoutPrice

	// 鎖外保留直購金額；失敗時狀態與權杖都不變，買家可以在時限內重試
	res, err := b.escrow.Reserve(ctx, buyer, token.RequesterName, price)
	if err != nil {
		return nil, err
	}

	var prev Reservation
	var hadBid bool
	updated, err := b.store.MutateThen(ctx, name, func(a *models.Auction) (*models.BidRecord, error) {
		if a.State != models.StatePendingBuyout {
			return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, a.State, ErrStateConflict)
		}
		// 在掛單臨界區內重新驗證權杖，確保確認的是當下有效的那一張
		b.mu.Lock()
		cur, live := b.tokens[a.NameKey]
		b.mu.Unlock()
		if !live || cur.RequesterID != buyer || !cur.IssuedAt.Equal(token.IssuedAt) {
			return nil, fmt.Errorf("[%s] token superseded, err=%w", op, ErrStateConflict)
		}
		if cur.Expired(time.Now()) {
			return nil, fmt.Errorf("[%s] confirmation window elapsed, err=%w", op, ErrExpiredConfirmation)
		}
		a.State = models.StateSold
		a.Version++
		return nil, nil
	}, func(a *models.Auction) {
		// 帳本在掛單臨界區內清空，晚到的出價無法再把保留掛回這張掛單
		prev, hadBid = b.escrow.Drop(a.ID)
	})
	if err != nil {
		if refundErr := b.escrow.Refund(ctx, res); refundErr != nil {
			b.logger.Error("Fail to refund buyout reservation", slog.String("name", name), slog.Any("error", refundErr))
		}
		if errors.Is(err, ErrExpiredConfirmation) {
			b.FreshenIfExpired(ctx, name)
		}
		return nil, err
	}

	b.dropToken(ctx, nameKey, updated.ID)
	b.store.Remove(name)

	// 結算：退還既有的最高出價保留，直購金額轉給賣家，物品交付買家
	if hadBid {
		if err := b.escrow.Refund(ctx, prev); err != nil {
			b.logger.Error("Fail to refund outbid reservation on buyout", slog.String("name", name), slog.Any("error", err))
		}
		b.notify(ctx, prev.BidderID, MarketEvent{
			Type:        EventOutbid,
			AuctionName: updated.Name,
			Player:      buyer,
			PlayerName:  token.RequesterName,
			Amount:      price,
			At:          time.Now(),
		})
	}
	if err := b.escrow.Payout(ctx, res, updated.SellerID); err != nil {
		b.logger.Error("Fail to pay seller on buyout", slog.String("name", name), slog.Any("error", err))
	}
	if _, err := b.custody.Release(ctx, updated.ItemHandle, buyer); err != nil {
		b.logger.Error("Fail to release item to buyer", slog.String("name", name), slog.Any("error", err))
	}
	sold := MarketEvent{
		Type:        EventSold,
		AuctionName: updated.Name,
		Player:      buyer,
		PlayerName:  token.RequesterName,
		Amount:      price,
		At:          time.Now(),
	}
	b.notify(ctx, updated.SellerID, sold)
	b.notify(ctx, buyer, sold)
	b.logger.Info("Buyout completed",
		slog.String("auction", updated.Name),
		slog.String("buyer", buyer.String()),
		slog.Int64("price", price))
	return updated, nil
}

// FreshenIfExpired 惰性處理過期權杖：移除權杖並讓掛單回到 OPEN。
// 在每次存取掛單前呼叫，排程器的掃描也會定期呼叫。
func (b *BuyoutCoordinator) FreshenIfExpired(ctx context.Context, name string) {
	nameKey := models.NameKeyOf(name)
	b.mu.Lock()
	token, ok := b.tokens[nameKey]
	if ok && !token.Expired(time.Now()) {
		ok = false
	}
	var cp models.PendingBuyout
	if ok {
		cp = *token
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.expireToken(ctx, &cp)
}

// LiveToken 回傳掛單目前有效的權杖複本。
func (b *BuyoutCoordinator) LiveToken(name string) (*models.PendingBuyout, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	token, ok := b.tokens[models.NameKeyOf(name)]
	if !ok || token.Expired(time.Now()) {
		return nil, false
	}
	cp := *token
	return &cp, true
}

// DropToken 在掛單因取消或結算離場時一併清掉權杖。
func (b *BuyoutCoordinator) DropToken(ctx context.Context, name string, auctionID uuid.UUID) {
	b.dropToken(ctx, models.NameKeyOf(name), auctionID)
}

func (b *BuyoutCoordinator) expireToken(ctx context.Context, token *models.PendingBuyout) {
	b.logger.Info("Buyout confirmation expired", slog.String("nameKey", token.NameKey))
	b.revertToOpen(ctx, token.NameKey)
	b.dropToken(ctx, token.NameKey, token.AuctionID)
}

func (b *BuyoutCoordinator) revertToOpen(ctx context.Context, name string) {
	_, err := b.store.Mutate(ctx, name, func(a *models.Auction) (*models.BidRecord, error) {
		if a.State != models.StatePendingBuyout {
			return nil, ErrStateConflict
		}
		a.State = models.StateOpen
		a.Version++
		return nil, nil
	})
	if err != nil && !errors.Is(err, ErrStateConflict) && !errors.Is(err, ErrNotFound) {
		b.logger.Error("Fail to revert auction to open", slog.String("name", name), slog.Any("error", err))
	}
}

func (b *BuyoutCoordinator) dropToken(ctx context.Context, nameKey string, auctionID uuid.UUID) {
	b.mu.Lock()
	delete(b.tokens, nameKey)
	b.mu.Unlock()
	if err := b.db.DeletePendingBuyout(ctx, auctionID); err != nil {
		b.logger.Warn("Fail to delete pending buyout", slog.String("nameKey", nameKey), slog.Any("error", err))
	}
}

func (b *BuyoutCoordinator) notify(ctx context.Context, player uuid.UUID, event MarketEvent) {
	if err := b.notifier.Notify(ctx, player, event); err != nil {
		b.logger.Warn("Fail to notify player", slog.String("player", player.String()), slog.Any("error", err))
	}
}
