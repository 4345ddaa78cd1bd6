package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bazaar/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupStream(t *testing.T) *redis.Client {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}

func newTestEvent(name string) PlayerEvent {
	return PlayerEvent{
		Player: uuid.New(),
		Event: engine.MarketEvent{
			Type:        engine.EventBidAccepted,
			AuctionName: name,
			Amount:      1200,
			At:          time.Now().Truncate(time.Second),
		},
	}
}

func TestProducerConsumerRoundTrip(t *testing.T) {
	client := setupStream(t)

	consumer, err := NewConsumer(client, "market-events", WithBlockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	consumer.Start()
	defer consumer.Close()

	producer, err := NewProducer(client, "market-events")
	require.NoError(t, err)
	producer.Start()
	defer producer.Close()

	want := newTestEvent("精靈長劍")
	require.NoError(t, producer.Publish(want))

	select {
	case got := <-consumer.Subscribe():
		require.Equal(t, want.Player, got.Player)
		require.Equal(t, want.Event.Type, got.Event.Type)
		require.Equal(t, want.Event.AuctionName, got.Event.AuctionName)
		require.Equal(t, want.Event.Amount, got.Event.Amount)
	case <-time.After(3 * time.Second):
		t.Fatal("event was not delivered in time")
	}
}

func TestProducerPublishAfterClose(t *testing.T) {
	client := setupStream(t)

	producer, err := NewProducer(client, "market-events")
	require.NoError(t, err)
	producer.Start()
	producer.Close()

	require.ErrorIs(t, producer.Publish(newTestEvent("精靈長劍")), ErrClosed)
}

func TestProducerCloseDuringConcurrentPublish(t *testing.T) {
	client := setupStream(t)

	producer, err := NewProducer(client, "market-events")
	require.NoError(t, err)
	producer.Start()

	// 與 Close 並發的 Publish 只允許成功或回報 ErrClosed
	const publishers = 4
	unexpected := make(chan error, publishers*50)
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := producer.Publish(newTestEvent("精靈長劍")); err != nil && !errors.Is(err, ErrClosed) {
					unexpected <- err
				}
			}
		}()
	}
	producer.Close()
	wg.Wait()
	close(unexpected)
	for err := range unexpected {
		require.NoError(t, err)
	}

	require.ErrorIs(t, producer.Publish(newTestEvent("精靈長劍")), ErrClosed)
}

func TestConsumerSkipsMalformedMessage(t *testing.T) {
	client := setupStream(t)

	consumer, err := NewConsumer(client, "market-events", WithBlockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	consumer.Start()
	defer consumer.Close()

	producer, err := NewProducer(client, "market-events")
	require.NoError(t, err)
	producer.Start()
	defer producer.Close()

	// 先塞一筆無法解析的訊息，消費者應跳過並繼續處理後面的事件
	_, err = client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "market-events",
		Values: map[string]any{"data": "not-base64-msgpack!"},
	}).Result()
	require.NoError(t, err)

	want := newTestEvent("矮人戰斧")
	require.NoError(t, producer.Publish(want))

	select {
	case got := <-consumer.Subscribe():
		require.Equal(t, want.Event.AuctionName, got.Event.AuctionName)
	case <-time.After(3 * time.Second):
		t.Fatal("event was not delivered in time")
	}
}
