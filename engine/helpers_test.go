package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bazaar/models"
)

// fakeEconomy 是測試用的記憶體經濟系統，行為與 Redis 版本一致。
type fakeEconomy struct {
	mu           sync.Mutex
	balances     map[uuid.UUID]int64
	reservations map[string]fakeReservation
	reserveErr   error
}

type fakeReservation struct {
	player uuid.UUID
	amount int64
}

func newFakeEconomy() *fakeEconomy {
	return &fakeEconomy{
		balances:     make(map[uuid.UUID]int64),
		reservations: make(map[string]fakeReservation),
	}
}

func (e *fakeEconomy) deposit(player uuid.UUID, amount int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[player] += amount
}

func (e *fakeEconomy) balanceOf(player uuid.UUID) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[player]
}

func (e *fakeEconomy) reservedTotal() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total int64
	for _, res := range e.reservations {
		total += res.amount
	}
	return total
}

func (e *fakeEconomy) Reserve(_ context.Context, player uuid.UUID, amount int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reserveErr != nil {
		return "", e.reserveErr
	}
	if e.balances[player] < amount {
		return "", ErrInsufficientFunds
	}
	e.balances[player] -= amount
	id := "rsv_" + uuid.NewString()
	e.reservations[id] = fakeReservation{player: player, amount: amount}
	return id, nil
}

func (e *fakeEconomy) Release(_ context.Context, reservation string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.reservations[reservation]
	if !ok {
		return fmt.Errorf("reservation %s not found", reservation)
	}
	e.balances[res.player] += res.amount
	delete(e.reservations, reservation)
	return nil
}

func (e *fakeEconomy) Transfer(_ context.Context, reservation string, to uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.reservations[reservation]
	if !ok {
		return fmt.Errorf("reservation %s not found", reservation)
	}
	e.balances[to] += res.amount
	delete(e.reservations, reservation)
	return nil
}

// fakeCustody 是測試用的物品保管者，紀錄每個物品最後交付給誰。
type fakeCustody struct {
	mu        sync.Mutex
	items     map[string][]byte
	delivered map[string]uuid.UUID
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{
		items:     make(map[string][]byte),
		delivered: make(map[string]uuid.UUID),
	}
}

func (c *fakeCustody) Hold(_ context.Context, _ uuid.UUID, payload []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle := "item_" + uuid.NewString()
	c.items[handle] = append([]byte(nil), payload...)
	return handle, nil
}

func (c *fakeCustody) Release(_ context.Context, handle string, to uuid.UUID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.items[handle]
	if !ok {
		return nil, fmt.Errorf("item %s not held", handle)
	}
	delete(c.items, handle)
	c.delivered[handle] = to
	return payload, nil
}

func (c *fakeCustody) deliveredTo(handle string) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	to, ok := c.delivered[handle]
	return to, ok
}

func (c *fakeCustody) holding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// fakeNotifier 收集發送給每位玩家的事件。
type fakeNotifier struct {
	mu     sync.Mutex
	events map[uuid.UUID][]MarketEvent
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[uuid.UUID][]MarketEvent)}
}

func (n *fakeNotifier) Notify(_ context.Context, player uuid.UUID, event MarketEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[player] = append(n.events[player], event)
	return nil
}

func (n *fakeNotifier) eventsFor(player uuid.UUID) []MarketEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]MarketEvent(nil), n.events[player]...)
}

func (n *fakeNotifier) lastTypeFor(player uuid.UUID) (EventType, bool) {
	events := n.eventsFor(player)
	if len(events) == 0 {
		return "", false
	}
	return events[len(events)-1].Type, true
}

var errInjected = errors.New("injected failure")

// fakeDB 是測試用的記憶體持久層，可注入寫入失敗。
type fakeDB struct {
	mu       sync.Mutex
	auctions map[uuid.UUID]models.Auction
	bids     map[uuid.UUID][]models.BidRecord
	tokens   map[uuid.UUID]models.PendingBuyout
	anchor   *models.Anchor
	open     *bool

	failSaveAuction bool
	failSaveToken   bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		auctions: make(map[uuid.UUID]models.Auction),
		bids:     make(map[uuid.UUID][]models.BidRecord),
		tokens:   make(map[uuid.UUID]models.PendingBuyout),
	}
}

func (db *fakeDB) SaveAuction(_ context.Context, auction *models.Auction, bid *models.BidRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failSaveAuction {
		return errInjected
	}
	db.auctions[auction.ID] = *auction.Clone()
	if bid != nil {
		record := *bid
		record.CreatedAt = time.Now()
		db.bids[auction.ID] = append(db.bids[auction.ID], record)
	}
	return nil
}

func (db *fakeDB) LoadActiveAuctions(context.Context) ([]models.Auction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.Auction
	for _, a := range db.auctions {
		if !a.State.Terminal() {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

func (db *fakeDB) LoadBidRecords(_ context.Context, auctionID uuid.UUID) ([]models.BidRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	records := db.bids[auctionID]
	out := make([]models.BidRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func (db *fakeDB) SavePendingBuyout(_ context.Context, token *models.PendingBuyout) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failSaveToken {
		return errInjected
	}
	db.tokens[token.AuctionID] = *token
	return nil
}

func (db *fakeDB) DeletePendingBuyout(_ context.Context, auctionID uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.tokens, auctionID)
	return nil
}

func (db *fakeDB) LoadPendingBuyouts(context.Context) ([]models.PendingBuyout, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]models.PendingBuyout, 0, len(db.tokens))
	for _, token := range db.tokens {
		out = append(out, token)
	}
	return out, nil
}

func (db *fakeDB) SaveAnchor(_ context.Context, anchor *models.Anchor) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *anchor
	db.anchor = &cp
	return nil
}

func (db *fakeDB) DeleteAnchor(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.anchor = nil
	return nil
}

func (db *fakeDB) LoadAnchor(context.Context) (*models.Anchor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.anchor == nil {
		return nil, nil
	}
	cp := *db.anchor
	return &cp, nil
}

func (db *fakeDB) SaveMarketOpen(_ context.Context, open bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.open = &open
	return nil
}

func (db *fakeDB) LoadMarketOpen(context.Context) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.open == nil {
		return true, nil
	}
	return *db.open, nil
}

func (db *fakeDB) storedAuction(id uuid.UUID) (models.Auction, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.auctions[id]
	return a, ok
}

// testDeps 將所有假協作者綁在一起，方便測試檢查副作用。
type testDeps struct {
	db       *fakeDB
	economy  *fakeEconomy
	custody  *fakeCustody
	notifier *fakeNotifier
}

func newTestDeps() *testDeps {
	return &testDeps{
		db:       newFakeDB(),
		economy:  newFakeEconomy(),
		custody:  newFakeCustody(),
		notifier: newFakeNotifier(),
	}
}

func (d *testDeps) dependencies() Dependencies {
	return Dependencies{
		Persistence: d.db,
		Economy:     d.economy,
		Custody:     d.custody,
		Notifier:    d.notifier,
	}
}

func newTestEngine(t *testing.T, cfg Config, deps *testDeps) *Engine {
	t.Helper()
	return New(cfg, deps.dependencies())
}

// listAuction 建立一筆掛單並回傳，物品先交給保管者。
func listAuction(t *testing.T, e *Engine, seller uuid.UUID, name string, startPrice int64, buyoutPrice *int64) *models.Auction {
	t.Helper()
	handle, err := e.custody.Hold(context.Background(), seller, []byte("item:"+name))
	require.NoError(t, err)
	auction, err := e.CreateAuction(context.Background(), CreateParams{
		SellerID:    seller,
		SellerName:  "seller-" + name,
		Name:        name,
		ItemHandle:  handle,
		StartPrice:  startPrice,
		BuyoutPrice: buyoutPrice,
	})
	require.NoError(t, err)
	return auction
}

// rewindExpiry 把掛單的到期時間撥到過去，讓掃描把它視為到期。
func rewindExpiry(t *testing.T, e *Engine, name string) *models.Auction {
	t.Helper()
	updated, err := e.store.Mutate(context.Background(), name, func(a *models.Auction) (*models.BidRecord, error) {
		a.ExpiresAt = time.Now().Add(-time.Minute)
		return nil, nil
	})
	require.NoError(t, err)
	return updated
}

func ptrInt64(v int64) *int64 {
	return &v
}
