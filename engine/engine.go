package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bazaar/models"
)

// Engine 聚合市集的所有元件，對指令層提供完整的操作介面。
// 指令層（聊天指令、主控台）只負責參數解析與權限字串比對，
// 所有狀態與不變條件都由這裡維護。
type Engine struct {
	cfg    Config
	logger *slog.Logger

	db       Persistence
	custody  ItemCustody
	notifier Notifier

	store     *AuctionStore
	escrow    *EscrowLedger
	arbiter   *BidArbiter
	buyouts   *BuyoutCoordinator
	scheduler *ExpiryScheduler
	gate      *AccessGate
	anchors   *AnchorRegistry
}

// Dependencies 是建立引擎需要的外部協作者。
type Dependencies struct {
	Persistence Persistence
	Economy     Economy
	Custody     ItemCustody
	Notifier    Notifier
	// SweepLock 可為 nil，單實例部署不需要
	SweepLock SweepLock
	Logger    *slog.Logger
}

// New 建立市集引擎。
func New(cfg Config, deps Dependencies) *Engine {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := NewAuctionStore(deps.Persistence, cfg, logger)
	escrow := NewEscrowLedger(deps.Economy, logger)
	gate := NewAccessGate(deps.Persistence, logger)
	anchors := NewAnchorRegistry(deps.Persistence, logger)
	arbiter := NewBidArbiter(store, escrow, gate, deps.Notifier, logger)
	buyouts := NewBuyoutCoordinator(store, escrow, gate, deps.Custody, deps.Notifier, deps.Persistence, cfg, logger)
	scheduler := NewExpiryScheduler(store, escrow, buyouts, deps.Custody, deps.Notifier, deps.SweepLock, cfg, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With(slog.String("caller", "Engine")),
		db:        deps.Persistence,
		custody:   deps.Custody,
		notifier:  deps.Notifier,
		store:     store,
		escrow:    escrow,
		arbiter:   arbiter,
		buyouts:   buyouts,
		scheduler: scheduler,
		gate:      gate,
		anchors:   anchors,
	}
}

// Start 還原持久化的狀態並啟動到期結算排程器。
func (e *Engine) Start(ctx context.Context) error {
	const op = "Engine.Start"
	if err := e.store.Restore(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to restore auctions, err=%w", op, err)
	}
	if err := e.gate.Restore(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to restore market gate, err=%w", op, err)
	}
	if err := e.anchors.Restore(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to restore anchor, err=%w", op, err)
	}
	if err := e.buyouts.Restore(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to restore pending buyouts, err=%w", op, err)
	}
	// 重新登記最高出價的資金保留，經濟系統中的保留本身是持久的
	for _, a := range e.store.ActiveSnapshots(ListFilter{}) {
		if a.HasBid() && a.EscrowRef != "" {
			e.escrow.Rearm(a.ID, Reservation{
				ID:         a.EscrowRef,
				BidderID:   *a.HighestBidderID,
				BidderName: a.HighestBidderName,
				Amount:     *a.HighestBid,
			})
		}
	}
	e.scheduler.Start()
	return nil
}

// Close 停止排程器。
func (e *Engine) Close() {
	e.scheduler.Close()
}

// CreateAuction 建立新掛單。
// 物品已由指令層透過保管者代管，這裡只收到不透明的保管代碼。
func (e *Engine) CreateAuction(ctx context.Context, p CreateParams) (*models.Auction, error) {
	if !e.gate.IsOpen() {
		return nil, ErrGateClosed
	}
	return e.store.Create(ctx, p)
}

// Bid 對掛單出價。
func (e *Engine) Bid(ctx context.Context, bidder uuid.UUID, bidderName, name string, offer int64) (*models.Auction, error) {
	e.buyouts.FreshenIfExpired(ctx, name)
	return e.arbiter.Bid(ctx, bidder, bidderName, name, offer)
}

// BuyoutRequest 發出直購確認權杖。
func (e *Engine) BuyoutRequest(ctx context.Context, sender uuid.UUID, senderName, name string) (*models.PendingBuyout, error) {
	return e.buyouts.Request(ctx, sender, senderName, name)
}

// BuyoutConfirm 完成直購。
func (e *Engine) BuyoutConfirm(ctx context.Context, buyer uuid.UUID, name string) (*models.Auction, error) {
	return e.buyouts.Confirm(ctx, buyer, name)
}

// Cancel 取消掛單。
// 只有賣家（或帶覆寫權限的管理端）能取消，而且掛單必須還沒有任何出價。
func (e *Engine) Cancel(ctx context.Context, requester uuid.UUID, name string, override bool) (*models.Auction, error) {
	const op = "Engine.Cancel"
	e.buyouts.FreshenIfExpired(ctx, name)

	snap, ok := e.store.Snapshot(name)
	if !ok {
		return nil, fmt.Errorf("[%s] name=%s, err=%w", op, name, ErrNotFound)
	}
	if requester != snap.SellerID && !override {
		return nil, fmt.Errorf("[%s] requester=%s, err=%w", op, requester, ErrPermissionDenied)
	}
	if snap.HasBid() {
		return nil, fmt.Errorf("[%s] err=%w", op, ErrAuctionHasBids)
	}

	updated, err := e.store.Mutate(ctx, name, func(a *models.Auction) (*models.BidRecord, error) {
		if a.State != models.StateOpen {
			return nil, fmt.Errorf("[%s] auction is %s, err=%w", op, a.State, ErrStateConflict)
		}
		if a.HasBid() {
			return nil, fmt.Errorf("[%s] err=%w", op, ErrAuctionHasBids)
		}
		a.State = models.StateCancelled
		a.Version++
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	e.store.Remove(updated.Name)
	e.buyouts.DropToken(ctx, updated.Name, updated.ID)

	// 沒有出價就沒有資金保留需要退還，只要把物品還給賣家
	if _, err := e.custody.Release(ctx, updated.ItemHandle, updated.SellerID); err != nil {
		e.logger.Error("Fail to return item on cancel", slog.String("auction", updated.Name), slog.Any("error", err))
	}
	if err := e.notifier.Notify(ctx, updated.SellerID, MarketEvent{
		Type:        EventCancelled,
		AuctionName: updated.Name,
		Player:      requester,
		At:          time.Now(),
	}); err != nil {
		e.logger.Warn("Fail to notify seller on cancel", slog.Any("error", err))
	}
	e.logger.Info("Auction cancelled", slog.String("auction", updated.Name), slog.String("requester", requester.String()))
	return updated, nil
}

// GetAuction 回傳掛單與其出價紀錄（由新到舊）。
func (e *Engine) GetAuction(ctx context.Context, name string) (*models.Auction, []models.BidRecord, error) {
	const op = "Engine.GetAuction"
	e.buyouts.FreshenIfExpired(ctx, name)
	snap, ok := e.store.Snapshot(name)
	if !ok {
		return nil, nil, fmt.Errorf("[%s] name=%s, err=%w", op, name, ErrNotFound)
	}
	records, err := e.db.LoadBidRecords(ctx, snap.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("[%s] Fail to load bid records, err=%w", op, err)
	}
	return snap, records, nil
}

// ListAuctions 回傳符合條件的進行中掛單，依到期時間由近到遠排序。
func (e *Engine) ListAuctions(filter ListFilter) []*models.Auction {
	return e.store.ActiveSnapshots(filter)
}

// AuctionNames 回傳所有進行中掛單的名稱，供指令補全使用。
func (e *Engine) AuctionNames() []string {
	return namesOf(e.store.ActiveSnapshots(ListFilter{}))
}

// AuctionNamesWithBuyout 回傳所有設有直購價的進行中掛單名稱。
func (e *Engine) AuctionNamesWithBuyout() []string {
	hasBuyout := true
	return namesOf(e.store.ActiveSnapshots(ListFilter{HasBuyout: &hasBuyout}))
}

// AuctionNamesOwnedBy 回傳指定賣家進行中掛單的名稱。
func (e *Engine) AuctionNamesOwnedBy(seller uuid.UUID) []string {
	return namesOf(e.store.ActiveSnapshots(ListFilter{Seller: &seller}))
}

// SetOpen 切換市集開關。
func (e *Engine) SetOpen(ctx context.Context, open bool) error {
	return e.gate.SetOpen(ctx, open)
}

// IsOpen 回傳市集是否開放。
func (e *Engine) IsOpen() bool {
	return e.gate.IsOpen()
}

// SpawnAnchor 設定市集傳送點。
func (e *Engine) SpawnAnchor(ctx context.Context, loc Location, setBy uuid.UUID, setByName string) error {
	return e.anchors.Set(ctx, loc, setBy, setByName)
}

// RemoveSpawnAnchor 移除市集傳送點。
func (e *Engine) RemoveSpawnAnchor(ctx context.Context) error {
	return e.anchors.Remove(ctx)
}

// Teleport 回傳傳送點位置，由宿主伺服器實際移動玩家。
func (e *Engine) Teleport(player uuid.UUID) (Location, error) {
	loc, err := e.anchors.Get()
	if err != nil {
		return Location{}, err
	}
	e.logger.Debug("Teleport to market anchor", slog.String("player", player.String()))
	return loc, nil
}

// PendingBuyoutFor 回傳掛單目前有效的直購權杖。
func (e *Engine) PendingBuyoutFor(name string) (*models.PendingBuyout, bool) {
	return e.buyouts.LiveToken(name)
}

// EscrowHeld 回傳掛單目前的資金保留，主要供監控與測試檢查不變條件。
func (e *Engine) EscrowHeld(auctionID uuid.UUID) (Reservation, bool) {
	return e.escrow.Held(auctionID)
}

// Sweep 立刻執行一輪到期掃描，主控台的管理指令會用到。
func (e *Engine) Sweep(ctx context.Context) {
	e.scheduler.Sweep(ctx)
}

func namesOf(auctions []*models.Auction) []string {
	names := make([]string, 0, len(auctions))
	for _, a := range auctions {
		names = append(names, a.Name)
	}
	return names
}
