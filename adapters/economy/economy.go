package economy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bazaar/engine"
)

// RedisEconomy 以 Redis 實作 engine.Economy
// 餘額與保留都存在 Redis，所有異動透過 Lua 腳本執行，
// 保證每位玩家的扣款與入帳是原子的。
type RedisEconomy struct {
	client *redis.Client
	opts   Options
}

// Options 定義 RedisEconomy 的配置選項。
type Options struct {
	// KeyPrefix 加在所有鍵之前，讓多個系統共用同一個 Redis
	KeyPrefix string
}

type Option func(*Options)

// WithKeyPrefix 設定鍵前綴。
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.KeyPrefix = prefix
	}
}

// New 建立 Redis 經濟系統。
func New(client *redis.Client, opts ...Option) *RedisEconomy {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	return &RedisEconomy{client: client, opts: options}
}

func (e *RedisEconomy) balanceKey(player uuid.UUID) string {
	return e.opts.KeyPrefix + "balance:" + player.String()
}

func (e *RedisEconomy) reservationKey(id string) string {
	return e.opts.KeyPrefix + "reservation:" + id
}

// Reserve 從玩家餘額中保留金額。
// 餘額不足時回傳 engine.ErrInsufficientFunds，不留下任何變更。
func (e *RedisEconomy) Reserve(ctx context.Context, player uuid.UUID, amount int64) (string, error) {
	const op = "RedisEconomy.Reserve"
	if amount <= 0 {
		return "", fmt.Errorf("[%s] amount must be positive, got %d", op, amount)
	}
	id := "rsv_" + uuid.NewString()
	status, err := reserveScript.Run(ctx, e.client,
		[]string{e.balanceKey(player), e.reservationKey(id)},
		amount, player.String(), e.balanceKey(player),
	).Int()
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to run reserve script, err=%w", op, err)
	}
	if status == 0 {
		return "", fmt.Errorf("[%s] player=%s amount=%d, err=%w", op, player, amount, engine.ErrInsufficientFunds)
	}
	return id, nil
}

// Release 取消保留並退還金額。
func (e *RedisEconomy) Release(ctx context.Context, reservation string) error {
	const op = "RedisEconomy.Release"
	status, err := releaseScript.Run(ctx, e.client, []string{e.reservationKey(reservation)}).Int()
	if err != nil {
		return fmt.Errorf("[%s] Fail to run release script, err=%w", op, err)
	}
	if status == 0 {
		return fmt.Errorf("[%s] reservation %s not found", op, reservation)
	}
	return nil
}

// Transfer 將保留的金額轉入指定玩家。
func (e *RedisEconomy) Transfer(ctx context.Context, reservation string, to uuid.UUID) error {
	const op = "RedisEconomy.Transfer"
	status, err := transferScript.Run(ctx, e.client,
		[]string{e.reservationKey(reservation), e.balanceKey(to)},
	).Int()
	if err != nil {
		return fmt.Errorf("[%s] Fail to run transfer script, err=%w", op, err)
	}
	if status == 0 {
		return fmt.Errorf("[%s] reservation %s not found", op, reservation)
	}
	return nil
}

// Deposit 存入金額，管理端與測試使用。
func (e *RedisEconomy) Deposit(ctx context.Context, player uuid.UUID, amount int64) error {
	const op = "RedisEconomy.Deposit"
	if err := e.client.IncrBy(ctx, e.balanceKey(player), amount).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to deposit, err=%w", op, err)
	}
	return nil
}

// Balance 查詢玩家餘額，不存在的玩家餘額為 0。
func (e *RedisEconomy) Balance(ctx context.Context, player uuid.UUID) (int64, error) {
	const op = "RedisEconomy.Balance"
	val, err := e.client.Get(ctx, e.balanceKey(player)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to get balance, err=%w", op, err)
	}
	return val, nil
}
