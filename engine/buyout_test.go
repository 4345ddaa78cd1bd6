package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bazaar/models"
)

func TestBuyoutRequestIssuesToken(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	seller := uuid.New()
	buyer := uuid.New()
	listAuction(t, e, seller, "sword", 100, ptrInt64(500))

	token, err := e.BuyoutRequest(context.Background(), buyer, "Alice", "sword")
	require.NoError(t, err)
	require.Equal(t, buyer, token.RequesterID)
	require.True(t, token.ExpiresAt.After(time.Now()))

	snap, ok := e.store.Snapshot("sword")
	require.True(t, ok)
	require.Equal(t, models.StatePendingBuyout, snap.State)

	// 賣家收到待確認通知
	eventType, ok := deps.notifier.lastTypeFor(seller)
	require.True(t, ok)
	require.Equal(t, EventBuyoutPending, eventType)
}

func TestBuyoutRequestWithoutBuyoutPrice(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	listAuction(t, e, uuid.New(), "sword", 100, nil)

	_, err := e.BuyoutRequest(context.Background(), uuid.New(), "Alice", "sword")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestBuyoutConfirmCompletesSale(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	seller := uuid.New()
	buyer := uuid.New()
	deps.economy.deposit(buyer, 1000)
	auction := listAuction(t, e, seller, "sword", 100, ptrInt64(500))

	_, err := e.BuyoutRequest(context.Background(), buyer, "Alice", "sword")
	require.NoError(t, err)
	sold, err := e.BuyoutConfirm(context.Background(), buyer, "sword")
	require.NoError(t, err)
	require.Equal(t, models.StateSold, sold.State)

	// 買家付款、賣家入帳、物品交付買家
	require.Equal(t, int64(500), deps.economy.balanceOf(buyer))
	require.Equal(t, int64(500), deps.economy.balanceOf(seller))
	to, delivered := deps.custody.deliveredTo(auction.ItemHandle)
	require.True(t, delivered)
	require.Equal(t, buyer, to)

	// 掛單離場，名稱可以再次使用
	_, ok := e.store.Snapshot("sword")
	require.False(t, ok)
	_, ok = e.PendingBuyoutFor("sword")
	require.False(t, ok)

	// 終態已持久化
	stored, ok := deps.db.storedAuction(auction.ID)
	require.True(t, ok)
	require.Equal(t, models.StateSold, stored.State)
}

func TestBuyoutConfirmRefundsOutbidBidder(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	seller := uuid.New()
	bidder := uuid.New()
	buyer := uuid.New()
	deps.economy.deposit(bidder, 1000)
	deps.economy.deposit(buyer, 1000)
	listAuction(t, e, seller, "sword", 100, ptrInt64(500))

	_, err := e.Bid(context.Background(), bidder, "Alice", "sword", 200)
	require.NoError(t, err)
	_, err = e.BuyoutRequest(context.Background(), buyer, "Bob", "sword")
	require.NoError(t, err)
	_, err = e.BuyoutConfirm(context.Background(), buyer, "sword")
	require.NoError(t, err)

	// 被直購擊敗的出價者全額退還
	require.Equal(t, int64(1000), deps.economy.balanceOf(bidder))
	require.Equal(t, int64(500), deps.economy.balanceOf(seller))
	require.Equal(t, int64(0), deps.economy.reservedTotal())
	eventType, ok := deps.notifier.lastTypeFor(bidder)
	require.True(t, ok)
	require.Equal(t, EventOutbid, eventType)
}

func TestBuyoutConfirmWrongRequester(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	buyer := uuid.New()
	stranger := uuid.New()
	listAuction(t, e, uuid.New(), "sword", 100, ptrInt64(500))

	_, err := e.BuyoutRequest(context.Background(), buyer, "Alice", "sword")
	require.NoError(t, err)
	_, err = e.BuyoutConfirm(context.Background(), stranger, "sword")
	require.ErrorIs(t, err, ErrWrongRequester)

	// 權杖仍屬於原請求者
	token, ok := e.PendingBuyoutFor("sword")
	require.True(t, ok)
	require.Equal(t, buyer, token.RequesterID)
}

func TestBuyoutConfirmWithoutRequest(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	listAuction(t, e, uuid.New(), "sword", 100, ptrInt64(500))

	_, err := e.BuyoutConfirm(context.Background(), uuid.New(), "sword")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestBuyoutConfirmAfterExpiryRevertsToOpen(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{BuyoutTTL: 10 * time.Millisecond}, deps)
	buyer := uuid.New()
	deps.economy.deposit(buyer, 1000)
	listAuction(t, e, uuid.New(), "sword", 100, ptrInt64(500))

	_, err := e.BuyoutRequest(context.Background(), buyer, "Alice", "sword")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = e.BuyoutConfirm(context.Background(), buyer, "sword")
	require.ErrorIs(t, err, ErrExpiredConfirmation)

	// 掛單回到 OPEN，買家分文未付
	snap, ok := e.store.Snapshot("sword")
	require.True(t, ok)
	require.Equal(t, models.StateOpen, snap.State)
	require.Equal(t, int64(1000), deps.economy.balanceOf(buyer))
	_, ok = e.PendingBuyoutFor("sword")
	require.False(t, ok)
}

func TestNewRequestSupersedesToken(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	first := uuid.New()
	second := uuid.New()
	deps.economy.deposit(first, 1000)
	deps.economy.deposit(second, 1000)
	listAuction(t, e, uuid.New(), "sword", 100, ptrInt64(500))

	_, err := e.BuyoutRequest(context.Background(), first, "Alice", "sword")
	require.NoError(t, err)
	_, err = e.BuyoutRequest(context.Background(), second, "Bob", "sword")
	require.NoError(t, err)

	// 舊權杖已被取代，原請求者無法確認
	_, err = e.BuyoutConfirm(context.Background(), first, "sword")
	require.ErrorIs(t, err, ErrWrongRequester)
	_, err = e.BuyoutConfirm(context.Background(), second, "sword")
	require.NoError(t, err)
}

func TestBuyoutRequestPersistFailureRevertsState(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	listAuction(t, e, uuid.New(), "sword", 100, ptrInt64(500))

	deps.db.failSaveToken = true
	_, err := e.BuyoutRequest(context.Background(), uuid.New(), "Alice", "sword")
	require.ErrorIs(t, err, ErrPersistence)

	snap, ok := e.store.Snapshot("sword")
	require.True(t, ok)
	require.Equal(t, models.StateOpen, snap.State)
	_, ok = e.PendingBuyoutFor("sword")
	require.False(t, ok)
}

func TestBuyoutReplacementPersistFailureKeepsExistingToken(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	seller := uuid.New()
	first := uuid.New()
	second := uuid.New()
	deps.economy.deposit(first, 1000)
	listAuction(t, e, seller, "sword", 100, ptrInt64(500))

	_, err := e.BuyoutRequest(context.Background(), first, "Alice", "sword")
	require.NoError(t, err)

	// 換發權杖失敗時不得動到既有權杖與掛單狀態
	deps.db.failSaveToken = true
	_, err = e.BuyoutRequest(context.Background(), second, "Bob", "sword")
	require.ErrorIs(t, err, ErrPersistence)

	snap, ok := e.store.Snapshot("sword")
	require.True(t, ok)
	require.Equal(t, models.StatePendingBuyout, snap.State)
	token, ok := e.PendingBuyoutFor("sword")
	require.True(t, ok)
	require.Equal(t, first, token.RequesterID)

	// 原請求者仍可在時限內完成確認
	deps.db.failSaveToken = false
	sold, err := e.BuyoutConfirm(context.Background(), first, "sword")
	require.NoError(t, err)
	require.Equal(t, models.StateSold, sold.State)
	require.Equal(t, int64(500), deps.economy.balanceOf(seller))
}

func TestBuyoutRestoreRevertsExpiredToken(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{BuyoutTTL: 10 * time.Millisecond}, deps)
	buyer := uuid.New()
	listAuction(t, e, uuid.New(), "sword", 100, ptrInt64(500))
	_, err := e.BuyoutRequest(context.Background(), buyer, "Alice", "sword")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// 模擬重啟：新引擎從同一個持久層還原
	restarted := newTestEngine(t, Config{BuyoutTTL: 10 * time.Millisecond}, deps)
	require.NoError(t, restarted.store.Restore(context.Background()))
	require.NoError(t, restarted.buyouts.Restore(context.Background()))

	snap, ok := restarted.store.Snapshot("sword")
	require.True(t, ok)
	require.Equal(t, models.StateOpen, snap.State)
	_, ok = restarted.PendingBuyoutFor("sword")
	require.False(t, ok)
}
