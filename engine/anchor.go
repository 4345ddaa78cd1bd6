package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bazaar/models"
)

// Location 是遊戲世界中的一個座標。
type Location struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

// AnchorRegistry 管理市集唯一的傳送點
// 傳送點可有可無，設定與移除都是整個值的原子替換。
type AnchorRegistry struct {
	db     Persistence
	logger *slog.Logger

	mu     sync.RWMutex
	anchor *models.Anchor
}

// NewAnchorRegistry 建立傳送點註冊表。
func NewAnchorRegistry(db Persistence, logger *slog.Logger) *AnchorRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnchorRegistry{
		db:     db,
		logger: logger.With(slog.String("caller", "AnchorRegistry")),
	}
}

// Restore 從持久層還原傳送點。
func (r *AnchorRegistry) Restore(ctx context.Context) error {
	const op = "AnchorRegistry.Restore"
	anchor, err := r.db.LoadAnchor(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load anchor, err=%w", op, err)
	}
	r.mu.Lock()
	r.anchor = anchor
	r.mu.Unlock()
	return nil
}

// Set 設定傳送點並持久化。
func (r *AnchorRegistry) Set(ctx context.Context, loc Location, setBy uuid.UUID, setByName string) error {
	const op = "AnchorRegistry.Set"
	anchor := &models.Anchor{
		ID:        models.AnchorSingletonID,
		World:     loc.World,
		X:         loc.X,
		Y:         loc.Y,
		Z:         loc.Z,
		Yaw:       loc.Yaw,
		Pitch:     loc.Pitch,
		SetByID:   setBy,
		SetByName: setByName,
		SetAt:     time.Now(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.SaveAnchor(ctx, anchor); err != nil {
		r.logger.Error("Fail to persist anchor", slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to persist anchor, err=%w", op, ErrPersistence)
	}
	r.anchor = anchor
	return nil
}

// Remove 移除傳送點。
func (r *AnchorRegistry) Remove(ctx context.Context) error {
	const op = "AnchorRegistry.Remove"
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anchor == nil {
		return fmt.Errorf("[%s] no anchor set, err=%w", op, ErrNotFound)
	}
	if err := r.db.DeleteAnchor(ctx); err != nil {
		r.logger.Error("Fail to delete anchor", slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to delete anchor, err=%w", op, ErrPersistence)
	}
	r.anchor = nil
	return nil
}

// Get 回傳目前的傳送點位置，未設定時回傳 ErrNotFound。
func (r *AnchorRegistry) Get() (Location, error) {
	const op = "AnchorRegistry.Get"
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.anchor == nil {
		return Location{}, fmt.Errorf("[%s] no anchor set, err=%w", op, ErrNotFound)
	}
	return Location{
		World: r.anchor.World,
		X:     r.anchor.X,
		Y:     r.anchor.Y,
		Z:     r.anchor.Z,
		Yaw:   r.anchor.Yaw,
		Pitch: r.anchor.Pitch,
	}, nil
}
