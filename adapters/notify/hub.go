package notify

import (
	"log/slog"
	"sync"
)

// AllAuctions 訂閱此名稱可以收到所有拍賣的事件。
const AllAuctions = "*"

// Hub 把消費者讀到的事件依拍賣名稱廣播給訂閱者
// 訂閱者的通道滿了就丟棄該事件，不能讓單一慢速客戶端拖垮整個廣播。
type Hub struct {
	consumer   *Consumer
	mu         sync.RWMutex
	subscribes map[string]map[chan PlayerEvent]struct{}
	wg         sync.WaitGroup
	closed     bool
	bufferSize int
	logger     *slog.Logger
}

// NewHub 建立事件廣播中心。
func NewHub(consumer *Consumer, opts ...StreamOption) (*Hub, error) {
	if consumer == nil {
		return nil, ErrClosed
	}
	options := defaultStreamOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Hub{
		consumer:   consumer,
		subscribes: make(map[string]map[chan PlayerEvent]struct{}),
		closed:     true,
		bufferSize: options.bufferSize,
		logger:     options.logger.With(slog.String("caller", "notify.Hub")),
	}, nil
}

// Start 啟動廣播 goroutine，從消費者通道讀取事件並分派。
func (h *Hub) Start() {
	h.mu.Lock()
	if !h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = false
	h.mu.Unlock()
	h.logger.Info("starting event hub")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.logger.Info("event hub goroutine stopped")
		for event := range h.consumer.Subscribe() {
			h.broadcast(event)
		}
	}()
}

func (h *Hub) broadcast(event PlayerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, name := range []string{event.Event.AuctionName, AllAuctions} {
		for ch := range h.subscribes[name] {
			select {
			case ch <- event:
			default:
				h.logger.Warn("subscriber channel is full, event dropped",
					slog.String("auction", event.Event.AuctionName))
			}
		}
	}
}

// Subscribe 訂閱指定拍賣名稱的事件，名稱為 AllAuctions 時訂閱全部。
func (h *Hub) Subscribe(auction string) chan PlayerEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan PlayerEvent, h.bufferSize)
	if h.subscribes[auction] == nil {
		h.subscribes[auction] = make(map[chan PlayerEvent]struct{})
	}
	h.subscribes[auction][ch] = struct{}{}
	return ch
}

// Unsubscribe 取消訂閱並關閉通道。
func (h *Hub) Unsubscribe(auction string, ch chan PlayerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribes[auction]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(h.subscribes, auction)
	}
	close(ch)
}

// Close 關閉廣播中心，等待分派 goroutine 結束並關閉所有訂閱通道。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.consumer.Close()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for auction, subs := range h.subscribes {
		for ch := range subs {
			close(ch)
		}
		delete(h.subscribes, auction)
	}
	h.logger.Info("event hub closed")
}
