package redlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// SweepLock 是清算排程器的跨實例領導鎖
// 同一時刻只有一個服務實例能持有鎖並執行到期清算，持有期間會自動續期，
// 避免單輪清算超過鎖的過期時間。實作 engine.SweepLock。
type SweepLock struct {
	mutex   *redsync.Mutex
	logger  *slog.Logger
	options sweepLockOptions
}

type sweepLockOptions struct {
	expiry        time.Duration
	renewInterval time.Duration
	logger        *slog.Logger
}

type SweepLockOption func(*sweepLockOptions)

// WithSweepLockExpiry 設置鎖過期時間
func WithSweepLockExpiry(d time.Duration) SweepLockOption {
	return func(o *sweepLockOptions) {
		o.expiry = d
	}
}

// WithSweepLockRenewInterval 設置自動續期間隔
func WithSweepLockRenewInterval(d time.Duration) SweepLockOption {
	return func(o *sweepLockOptions) {
		o.renewInterval = d
	}
}

// WithSweepLockLogger 設置日誌記錄器
func WithSweepLockLogger(logger *slog.Logger) SweepLockOption {
	return func(o *sweepLockOptions) {
		o.logger = logger
	}
}

// NewSweepLock 創建清算領導鎖。
func NewSweepLock(client *redis.Client, key string, opts ...SweepLockOption) *SweepLock {
	options := sweepLockOptions{
		expiry:        8 * time.Second,
		renewInterval: 0, // 會在下面根據expiry計算
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	// 如果未設置續期間隔，使用過期時間的1/3
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	pool := goredis.NewPool(client)
	rs := redsync.New(pool)

	mutex := rs.NewMutex(
		key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
	)

	return &SweepLock{
		mutex:   mutex,
		logger:  options.logger.With(slog.String("caller", "redlock.SweepLock"), slog.String("key", key)),
		options: options,
	}
}

// TryAcquire 嘗試取得領導鎖
// 鎖被其他實例持有時回傳 ok=false 而非錯誤，取得成功後會啟動自動續期，
// 呼叫回傳的 release 停止續期並釋放鎖。
func (l *SweepLock) TryAcquire(ctx context.Context) (release func(), ok bool, err error) {
	const op = "TryAcquire"
	if err := l.mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("[%s] Fail to acquire sweep lock, err=%w", op, err)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.options.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				success, err := l.mutex.Extend()
				if err != nil || !success {
					l.logger.Warn("Fail to extend sweep lock", slog.Any("error", err))
					return
				}
			}
		}
	}()

	release = func() {
		cancel()
		wg.Wait()
		if _, err := l.mutex.Unlock(); err != nil {
			l.logger.Warn("Fail to unlock sweep lock", slog.Any("error", err))
		}
	}
	return release, true, nil
}
