package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// AccessGate 是市集的全域開關
// 關閉時阻擋新的掛單、出價與直購請求，
// 不影響進行中的確認流程與結算。
type AccessGate struct {
	db     Persistence
	logger *slog.Logger

	mu   sync.RWMutex
	open bool
}

// NewAccessGate 建立市集開關，預設為開啟。
func NewAccessGate(db Persistence, logger *slog.Logger) *AccessGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessGate{
		db:     db,
		logger: logger.With(slog.String("caller", "AccessGate")),
		open:   true,
	}
}

// Restore 從持久層還原開關狀態。
func (g *AccessGate) Restore(ctx context.Context) error {
	const op = "AccessGate.Restore"
	open, err := g.db.LoadMarketOpen(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load market state, err=%w", op, err)
	}
	g.mu.Lock()
	g.open = open
	g.mu.Unlock()
	return nil
}

// IsOpen 回傳市集是否開放。
func (g *AccessGate) IsOpen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.open
}

// SetOpen 切換市集開關並持久化。
// 寫入失敗時開關維持原狀並回傳 ErrPersistence。
func (g *AccessGate) SetOpen(ctx context.Context, open bool) error {
	const op = "AccessGate.SetOpen"
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.db.SaveMarketOpen(ctx, open); err != nil {
		g.logger.Error("Fail to persist market state", slog.Bool("open", open), slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to persist market state, err=%w", op, ErrPersistence)
	}
	g.open = open
	g.logger.Info("Market gate switched", slog.Bool("open", open))
	return nil
}
