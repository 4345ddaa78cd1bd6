package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bazaar/models"
)

func TestBidReservesFundsAndRecordsHistory(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	seller := uuid.New()
	bidder := uuid.New()
	deps.economy.deposit(bidder, 1000)
	listAuction(t, e, seller, "sword", 100, nil)

	updated, err := e.Bid(context.Background(), bidder, "Alice", "sword", 150)
	require.NoError(t, err)
	require.Equal(t, int64(150), *updated.HighestBid)
	require.Equal(t, bidder, *updated.HighestBidderID)
	require.Equal(t, int64(2), updated.Version)

	// 出價金額已從餘額保留
	require.Equal(t, int64(850), deps.economy.balanceOf(bidder))
	held, ok := e.EscrowHeld(updated.ID)
	require.True(t, ok)
	require.Equal(t, int64(150), held.Amount)

	// 出價紀錄與通知
	_, records, err := e.GetAuction(context.Background(), "sword")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(150), records[0].Amount)
	eventType, ok := deps.notifier.lastTypeFor(bidder)
	require.True(t, ok)
	require.Equal(t, EventBidAccepted, eventType)
}

func TestBidMustStrictlyExceedFloor(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	bidder := uuid.New()
	deps.economy.deposit(bidder, 10000)
	listAuction(t, e, uuid.New(), "sword", 100, nil)

	cases := []struct {
		name  string
		offer int64
		ok    bool
	}{
		{name: "等於起標價應被拒絕", offer: 100, ok: false},
		{name: "高於起標價應成立", offer: 101, ok: true},
		{name: "等於目前最高價應被拒絕", offer: 101, ok: false},
		{name: "低於目前最高價應被拒絕", offer: 50, ok: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := e.Bid(context.Background(), bidder, "Alice", "sword", c.offer)
			if c.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrStateConflict)
			}
		})
	}
}

func TestOutbidRefundsPreviousBidder(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	alice := uuid.New()
	bob := uuid.New()
	deps.economy.deposit(alice, 1000)
	deps.economy.deposit(bob, 1000)
	auction := listAuction(t, e, uuid.New(), "sword", 100, nil)

	_, err := e.Bid(context.Background(), alice, "Alice", "sword", 150)
	require.NoError(t, err)
	_, err = e.Bid(context.Background(), bob, "Bob", "sword", 200)
	require.NoError(t, err)

	// Alice 的保留已退還，Bob 的保留生效
	require.Equal(t, int64(1000), deps.economy.balanceOf(alice))
	require.Equal(t, int64(800), deps.economy.balanceOf(bob))

	// 任一時刻掛單名下至多一筆保留，金額等於目前最高價
	held, ok := e.EscrowHeld(auction.ID)
	require.True(t, ok)
	require.Equal(t, bob, held.BidderID)
	require.Equal(t, int64(200), held.Amount)
	require.Equal(t, int64(200), deps.economy.reservedTotal())

	eventType, ok := deps.notifier.lastTypeFor(alice)
	require.True(t, ok)
	require.Equal(t, EventOutbid, eventType)
}

func TestBidInsufficientFunds(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	bidder := uuid.New()
	deps.economy.deposit(bidder, 100)
	listAuction(t, e, uuid.New(), "sword", 100, nil)

	_, err := e.Bid(context.Background(), bidder, "Alice", "sword", 150)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// 失敗的出價不留下任何狀態
	require.Equal(t, int64(100), deps.economy.balanceOf(bidder))
	snap, ok := e.store.Snapshot("sword")
	require.True(t, ok)
	require.False(t, snap.HasBid())
}

func TestBidBlockedWhenGateClosed(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	bidder := uuid.New()
	deps.economy.deposit(bidder, 1000)
	listAuction(t, e, uuid.New(), "sword", 100, nil)

	require.NoError(t, e.SetOpen(context.Background(), false))
	_, err := e.Bid(context.Background(), bidder, "Alice", "sword", 150)
	require.ErrorIs(t, err, ErrGateClosed)
}

func TestBidPersistFailureRefundsReservation(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	bidder := uuid.New()
	deps.economy.deposit(bidder, 1000)
	listAuction(t, e, uuid.New(), "sword", 100, nil)

	deps.db.failSaveAuction = true
	_, err := e.Bid(context.Background(), bidder, "Alice", "sword", 150)
	require.ErrorIs(t, err, ErrPersistence)

	// 剛保留的金額已退還，掛單維持無人出價
	require.Equal(t, int64(1000), deps.economy.balanceOf(bidder))
	require.Equal(t, int64(0), deps.economy.reservedTotal())
	snap, ok := e.store.Snapshot("sword")
	require.True(t, ok)
	require.False(t, snap.HasBid())
	require.Equal(t, models.StateOpen, snap.State)
}

func TestBidOnUnknownAuction(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	_, err := e.Bid(context.Background(), uuid.New(), "Alice", "ghost", 150)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentBidsKeepSingleReservation(t *testing.T) {
	deps := newTestDeps()
	e := newTestEngine(t, Config{}, deps)
	auction := listAuction(t, e, uuid.New(), "sword", 10, nil)

	const bidders = 4
	const rounds = 25
	unexpected := make(chan error, bidders*rounds)
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		bidder := uuid.New()
		deps.economy.deposit(bidder, 1_000_000)
		wg.Add(1)
		go func(n int, bidder uuid.UUID) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				offer := int64(10 + r*bidders + n + 1)
				_, err := e.Bid(context.Background(), bidder, fmt.Sprintf("bidder-%d", n), "sword", offer)
				// 輸掉仲裁的出價以 ErrStateConflict 收場，其餘錯誤都是缺陷
				if err != nil && !errors.Is(err, ErrStateConflict) {
					unexpected <- err
				}
			}
		}(i, bidder)
	}
	wg.Wait()
	close(unexpected)
	for err := range unexpected {
		require.NoError(t, err)
	}

	// 帳本恰好持有最高出價者的那一筆保留，保留總額等於目前最高價
	snap, ok := e.store.Snapshot("sword")
	require.True(t, ok)
	require.True(t, snap.HasBid())
	require.Equal(t, *snap.HighestBid, deps.economy.reservedTotal())
	held, ok := e.EscrowHeld(auction.ID)
	require.True(t, ok)
	require.Equal(t, *snap.HighestBid, held.Amount)
	require.Equal(t, *snap.HighestBidderID, held.BidderID)
	require.Equal(t, snap.EscrowRef, held.ID)
}
