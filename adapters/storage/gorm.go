package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"bazaar/models"
)

// DBConfig 描述資料庫連線設定。
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
}

// Open 建立資料庫連線並同步資料表結構。
func Open(config DBConfig) (*gorm.DB, error) {
	const op = "Open"
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.User, config.Password, config.Host, config.Port, config.Database, config.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(
		&models.Auction{},
		&models.BidRecord{},
		&models.PendingBuyout{},
		&models.Anchor{},
		&models.MarketState{},
	); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database schema, err=%w", op, err)
	}
	return db, nil
}

// GormPersistence 以關聯式資料庫保存市集狀態，實作 engine.Persistence。
type GormPersistence struct {
	db *gorm.DB
}

// NewGormPersistence 建立資料庫持久層。
func NewGormPersistence(db *gorm.DB) (*GormPersistence, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &GormPersistence{db: db}, nil
}

// SaveAuction 寫入掛單，bid 不為 nil 時在同一交易內寫入出價紀錄。
func (p *GormPersistence) SaveAuction(ctx context.Context, auction *models.Auction, bid *models.BidRecord) error {
	const op = "SaveAuction"
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(auction); result.Error != nil {
			return result.Error
		}
		if bid != nil {
			if result := tx.Create(bid); result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to save auction, auction=%s, err=%w", op, auction.ID, err)
	}
	return nil
}

// LoadActiveAuctions 載入所有非終態的掛單。
func (p *GormPersistence) LoadActiveAuctions(ctx context.Context) ([]models.Auction, error) {
	const op = "LoadActiveAuctions"
	var auctions []models.Auction
	result := p.db.WithContext(ctx).
		Where("state IN ?", []models.AuctionState{models.StateOpen, models.StatePendingBuyout}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "expires_at"}}).
		Find(&auctions)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to load active auctions, err=%w", op, result.Error)
	}
	return auctions, nil
}

// LoadBidRecords 載入掛單的出價紀錄，由新到舊排序。
func (p *GormPersistence) LoadBidRecords(ctx context.Context, auctionID uuid.UUID) ([]models.BidRecord, error) {
	const op = "LoadBidRecords"
	var bids []models.BidRecord
	result := p.db.WithContext(ctx).
		Where(&models.BidRecord{AuctionID: auctionID}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		Find(&bids)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to load bid records, auction=%s, err=%w", op, auctionID, result.Error)
	}
	return bids, nil
}

func (p *GormPersistence) SavePendingBuyout(ctx context.Context, token *models.PendingBuyout) error {
	const op = "SavePendingBuyout"
	result := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "auction_id"}},
		UpdateAll: true,
	}).Create(token)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to save pending buyout, auction=%s, err=%w", op, token.AuctionID, result.Error)
	}
	return nil
}

func (p *GormPersistence) DeletePendingBuyout(ctx context.Context, auctionID uuid.UUID) error {
	const op = "DeletePendingBuyout"
	// 硬刪除，讓同一掛單之後的權杖可以重新插入
	result := p.db.WithContext(ctx).Unscoped().Delete(&models.PendingBuyout{AuctionID: auctionID})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to delete pending buyout, auction=%s, err=%w", op, auctionID, result.Error)
	}
	return nil
}

func (p *GormPersistence) LoadPendingBuyouts(ctx context.Context) ([]models.PendingBuyout, error) {
	const op = "LoadPendingBuyouts"
	var tokens []models.PendingBuyout
	if result := p.db.WithContext(ctx).Find(&tokens); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to load pending buyouts, err=%w", op, result.Error)
	}
	return tokens, nil
}

func (p *GormPersistence) SaveAnchor(ctx context.Context, anchor *models.Anchor) error {
	const op = "SaveAnchor"
	anchor.ID = models.AnchorSingletonID
	result := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(anchor)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to save anchor, err=%w", op, result.Error)
	}
	return nil
}

func (p *GormPersistence) DeleteAnchor(ctx context.Context) error {
	const op = "DeleteAnchor"
	// 硬刪除，重新設置傳送點時才能以固定主鍵重新插入
	result := p.db.WithContext(ctx).Unscoped().Delete(&models.Anchor{ID: models.AnchorSingletonID})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to delete anchor, err=%w", op, result.Error)
	}
	return nil
}

func (p *GormPersistence) LoadAnchor(ctx context.Context) (*models.Anchor, error) {
	const op = "LoadAnchor"
	var anchor models.Anchor
	result := p.db.WithContext(ctx).First(&anchor, models.AnchorSingletonID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to load anchor, err=%w", op, result.Error)
	}
	return &anchor, nil
}

func (p *GormPersistence) SaveMarketOpen(ctx context.Context, open bool) error {
	const op = "SaveMarketOpen"
	result := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"open"}),
	}).Create(&models.MarketState{ID: models.MarketStateSingletonID, Open: open})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to save market state, err=%w", op, result.Error)
	}
	return nil
}

func (p *GormPersistence) LoadMarketOpen(ctx context.Context) (bool, error) {
	const op = "LoadMarketOpen"
	var state models.MarketState
	result := p.db.WithContext(ctx).First(&state, models.MarketStateSingletonID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		// 從未設定過市集狀態時預設開放
		return true, nil
	}
	if result.Error != nil {
		return false, fmt.Errorf("[%s] Fail to load market state, err=%w", op, result.Error)
	}
	return state.Open, nil
}
