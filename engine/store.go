package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bazaar/models"
)

// AuctionStore 是掛單的權威集合
// 以小寫名稱為鍵維護記憶體索引，每筆掛單有自己的臨界區，
// 索引本身由一把短暫持有的全域鎖保護。
// 所有成功的變更都會先寫入持久層再更新記憶體狀態。
type AuctionStore struct {
	db     Persistence
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex       // 保護 index 的讀寫
	index map[string]*record // key 為 models.NameKeyOf(name)
}

// record 將掛單與其專屬的臨界區綁在一起。
type record struct {
	mu sync.Mutex
	a  *models.Auction
}

// NewAuctionStore 建立掛單集合。
func NewAuctionStore(db Persistence, cfg Config, logger *slog.Logger) *AuctionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuctionStore{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("caller", "AuctionStore")),
		index:  make(map[string]*record),
	}
}

// Restore 從持久層載入所有非終態掛單，重建記憶體索引。
// 應在服務啟動時、接受任何操作之前呼叫。
func (s *AuctionStore) Restore(ctx context.Context) error {
	const op = "AuctionStore.Restore"
	auctions, err := s.db.LoadActiveAuctions(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load active auctions, err=%w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range auctions {
		a := auctions[i]
		s.index[a.NameKey] = &record{a: &a}
	}
	s.logger.Info("Restored active auctions", slog.Int("count", len(auctions)))
	return nil
}

// CreateParams 是建立掛單需要的輸入。
type CreateParams struct {
	SellerID   uuid.UUID
	SellerName string
	Name       string
	ItemHandle string
	StartPrice int64
	// BuyoutPrice 為 nil 時掛單沒有直購價
	BuyoutPrice *int64
	// Hours 為 0 時使用預設拍賣時長
	Hours int
}

// Create 建立新掛單並寫入持久層。
// 名稱與進行中的掛單重複時回傳 ErrDuplicateName，
// 價格或時長不合法時回傳 ErrValidation。
func (s *AuctionStore) Create(ctx context.Context, p CreateParams) (*models.Auction, error) {
	const op = "AuctionStore.Create"
	if err := s.validate(p); err != nil {
		return nil, err
	}

	duration := s.cfg.DefaultDuration
	if p.Hours > 0 {
		duration = time.Duration(p.Hours) * time.Hour
	}
	now := time.Now()
	auction := &models.Auction{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(p.Name),
		NameKey:     models.NameKeyOf(p.Name),
		SellerID:    p.SellerID,
		SellerName:  p.SellerName,
		ItemHandle:  p.ItemHandle,
		StartPrice:  p.StartPrice,
		BuyoutPrice: p.BuyoutPrice,
		ListedAt:    now,
		ExpiresAt:   now.Add(duration),
		State:       models.StateOpen,
		Version:     1,
	}

	// 先在索引中保留名稱，再於索引鎖外寫入持久層；
	// 寫入失敗時把保留的名稱撤回
	r := &record{a: auction}
	r.mu.Lock()
	s.mu.Lock()
	if _, exists := s.index[auction.NameKey]; exists {
		s.mu.Unlock()
		r.mu.Unlock()
		return nil, fmt.Errorf("[%s] name=%s, err=%w", op, auction.Name, ErrDuplicateName)
	}
	s.index[auction.NameKey] = r
	s.mu.Unlock()

	if err := s.db.SaveAuction(ctx, auction, nil); err != nil {
		s.mu.Lock()
		delete(s.index, auction.NameKey)
		s.mu.Unlock()
		r.mu.Unlock()
		s.logger.Error("Fail to persist new auction", slog.String("name", auction.Name), slog.Any("error", err))
		return nil, fmt.Errorf("[%s] Fail to persist auction, err=%w", op, ErrPersistence)
	}
	cloned := auction.Clone()
	r.mu.Unlock()
	return cloned, nil
}

func (s *AuctionStore) validate(p CreateParams) error {
	name := strings.TrimSpace(p.Name)
	if name == "" || len(name) > s.cfg.MaxNameLength {
		return fmt.Errorf("invalid auction name %q: %w", p.Name, ErrValidation)
	}
	if p.StartPrice <= 0 {
		return fmt.Errorf("start price must be positive: %w", ErrValidation)
	}
	if p.BuyoutPrice != nil && *p.BuyoutPrice <= p.StartPrice {
		return fmt.Errorf("buyout price must exceed start price: %w", ErrValidation)
	}
	if p.Hours < 0 || time.Duration(p.Hours)*time.Hour > s.cfg.MaxDuration {
		return fmt.Errorf("invalid auction duration: %w", ErrValidation)
	}
	return nil
}

// Snapshot 回傳掛單的複本，查無掛單時回傳 false。
func (s *AuctionStore) Snapshot(name string) (*models.Auction, bool) {
	r, ok := s.lookup(name)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.a.Clone(), true
}

// Mutate 在掛單的臨界區內執行 fn 並持久化結果。
// fn 收到的是掛單的複本，回傳錯誤時記憶體狀態不會改變；
// fn 可以回傳一筆新的出價紀錄，會和掛單在同一交易內寫入。
// 持久化失敗時回傳 ErrPersistence 且記憶體狀態回滾。
func (s *AuctionStore) Mutate(ctx context.Context, name string, fn func(a *models.Auction) (*models.BidRecord, error)) (*models.Auction, error) {
	return s.MutateThen(ctx, name, fn, nil)
}

// MutateThen 同 Mutate，另外在持久化成功後、離開掛單臨界區前執行 committed。
// 必須和掛單變更原子完成的記憶體簿記（例如資金保留帳本的換手）
// 要放進 committed，否則會和並發的同掛單變更交錯。
func (s *AuctionStore) MutateThen(ctx context.Context, name string, fn func(a *models.Auction) (*models.BidRecord, error), committed func(a *models.Auction)) (*models.Auction, error) {
	const op = "AuctionStore.Mutate"
	r, ok := s.lookup(name)
	if !ok {
		return nil, fmt.Errorf("[%s] name=%s, err=%w", op, name, ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := r.a.Clone()
	bid, err := fn(cp)
	if err != nil {
		return nil, err
	}
	if err := s.db.SaveAuction(ctx, cp, bid); err != nil {
		s.logger.Error("Fail to persist auction mutation", slog.String("name", name), slog.Any("error", err))
		return nil, fmt.Errorf("[%s] Fail to persist auction, err=%w", op, ErrPersistence)
	}
	r.a = cp
	if committed != nil {
		committed(cp)
	}
	return cp.Clone(), nil
}

// Remove 把到達終態的掛單移出索引，持久層的紀錄保留作為歷史。
func (s *AuctionStore) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, models.NameKeyOf(name))
}

// ListFilter 是 ActiveSnapshots 的篩選條件，欄位皆為可選。
type ListFilter struct {
	Seller    *uuid.UUID
	HasBuyout *bool
	Prefix    string
}

// ActiveSnapshots 回傳符合條件的進行中掛單複本，依到期時間由近到遠排序。
func (s *AuctionStore) ActiveSnapshots(filter ListFilter) []*models.Auction {
	s.mu.RLock()
	records := make([]*record, 0, len(s.index))
	for _, r := range s.index {
		records = append(records, r)
	}
	s.mu.RUnlock()

	prefix := models.NameKeyOf(filter.Prefix)
	out := make([]*models.Auction, 0, len(records))
	for _, r := range records {
		r.mu.Lock()
		a := r.a.Clone()
		r.mu.Unlock()
		if filter.Seller != nil && a.SellerID != *filter.Seller {
			continue
		}
		if filter.HasBuyout != nil && (a.BuyoutPrice != nil) != *filter.HasBuyout {
			continue
		}
		if prefix != "" && !strings.HasPrefix(a.NameKey, prefix) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].NameKey < out[j].NameKey
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

func (s *AuctionStore) lookup(name string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.index[models.NameKeyOf(name)]
	return r, ok
}
