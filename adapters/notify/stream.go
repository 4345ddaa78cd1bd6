package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

// ErrClosed 代表 producer 或 consumer 已關閉。
var ErrClosed = errors.New("notify stream is closed")

type streamOptions struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
}

type StreamOption func(*streamOptions)

// WithLogger 設定日誌記錄器。
func WithLogger(logger *slog.Logger) StreamOption {
	return func(o *streamOptions) {
		o.logger = logger
	}
}

// WithBufferSize 設定緩衝大小。
func WithBufferSize(size int) StreamOption {
	return func(o *streamOptions) {
		o.bufferSize = size
	}
}

// WithBlockTimeout 設定 consumer 阻塞讀取的超時時間。
func WithBlockTimeout(d time.Duration) StreamOption {
	return func(o *streamOptions) {
		o.blockTimeout = d
	}
}

func defaultStreamOptions() streamOptions {
	return streamOptions{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
	}
}

// Producer 把市集事件寫入 Redis Stream
// 發布端不會被 Redis 拖住：事件先進入無界緩衝，由背景 goroutine 送出。
type Producer struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[PlayerEvent]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex // 保護 closed 與 upstream 的生命週期
	closed     bool
	logger     *slog.Logger
	options    streamOptions
}

// NewProducer 建立事件發布者。
func NewProducer(client *redis.Client, stream string, opts ...StreamOption) (*Producer, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}
	options := defaultStreamOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Producer{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "notify.Producer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

// Start 啟動背景發布 goroutine。
func (p *Producer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[PlayerEvent](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting event producer")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("event producer goroutine stopped")
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-p.upstream.Out:
				message, err := encodeMessage(event)
				if err != nil {
					p.logger.Error("encode event error", slog.Any("error", err))
					continue
				}
				id, err := p.client.XAdd(ctx, &redis.XAddArgs{
					Stream: p.stream,
					Values: message,
				}).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					p.logger.Error("publish event error", slog.Any("error", err))
					continue
				}
				p.logger.Debug("event published", slog.String("messageId", id))
			}
		}
	}()
}

// Publish 發布一個事件，只把事件放進緩衝後立即返回。
// 緩衝無界，持鎖寫入不會阻塞。
func (p *Producer) Publish(event PlayerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.upstream.In <- event
	return nil
}

// Close 關閉發布者並等待背景 goroutine 結束。
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancelFunc()
	p.wg.Wait()
	p.logger.Info("event producer closed")
}

// Consumer 從 Redis Stream 讀取市集事件
// 只讀取啟動之後的新事件，解析失敗的訊息會記錄後跳過。
type Consumer struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan PlayerEvent
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex // 保護 closed 與 downStream 的生命週期
	closed     bool
	logger     *slog.Logger
	options    streamOptions
}

// NewConsumer 建立事件消費者。
func NewConsumer(client *redis.Client, stream string, opts ...StreamOption) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}
	options := defaultStreamOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Consumer{
		client:  client,
		stream:  stream,
		lastID:  "$",
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "notify.Consumer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

// Start 啟動背景讀取 goroutine。
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.downStream = make(chan PlayerEvent, c.options.bufferSize)
	c.cancelFunc = cancel
	c.closed = false
	c.logger.Info("starting event consumer")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.logger.Info("event consumer goroutine stopped")
		defer close(c.downStream)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				message, err := c.fetchNext(ctx)
				if err != nil {
					if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
						continue
					}
					c.logger.Error("fetch event error", slog.Any("error", err))
					continue
				}
				event, err := decodeMessage(message.Values)
				if err != nil {
					c.logger.Error("decode event error",
						slog.String("messageId", message.ID),
						slog.Any("error", err))
					continue
				}
				select {
				case <-ctx.Done():
					return
				case c.downStream <- event:
				}
			}
		}
	}()
}

func (c *Consumer) fetchNext(ctx context.Context) (redis.XMessage, error) {
	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.stream, c.lastID},
		Count:   1,
		Block:   c.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		message := streams[0].Messages[0]
		c.lastID = message.ID
		return message, nil
	}
	return redis.XMessage{}, redis.Nil
}

// Subscribe 回傳事件通道，Close 之後通道會被關閉。
func (c *Consumer) Subscribe() <-chan PlayerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downStream
}

// Close 關閉消費者並等待背景 goroutine 結束。
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancelFunc()
	c.wg.Wait()
	c.logger.Info("event consumer closed")
}
