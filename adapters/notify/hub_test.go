package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupHub(t *testing.T) *Hub {
	t.Helper()
	client := setupStream(t)
	consumer, err := NewConsumer(client, "market-events", WithBlockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	consumer.Start()

	hub, err := NewHub(consumer)
	require.NoError(t, err)
	hub.Start()
	t.Cleanup(hub.Close)
	return hub
}

func TestHubRoutesByAuctionName(t *testing.T) {
	hub := setupHub(t)

	sword := hub.Subscribe("精靈長劍")
	axe := hub.Subscribe("矮人戰斧")
	all := hub.Subscribe(AllAuctions)

	event := newTestEvent("精靈長劍")
	hub.broadcast(event)

	select {
	case got := <-sword:
		require.Equal(t, "精靈長劍", got.Event.AuctionName)
	default:
		t.Fatal("sword subscriber should receive the event")
	}
	select {
	case got := <-all:
		require.Equal(t, "精靈長劍", got.Event.AuctionName)
	default:
		t.Fatal("wildcard subscriber should receive the event")
	}
	select {
	case <-axe:
		t.Fatal("axe subscriber should not receive the event")
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := setupHub(t)

	ch := hub.Subscribe("精靈長劍")
	hub.Unsubscribe("精靈長劍", ch)

	_, ok := <-ch
	require.False(t, ok)

	// 重複取消訂閱不應造成 panic
	hub.Unsubscribe("精靈長劍", ch)

	hub.broadcast(newTestEvent("精靈長劍"))
}

func TestHubDropsEventWhenSubscriberIsFull(t *testing.T) {
	hub := setupHub(t)
	hub.bufferSize = 1

	ch := hub.Subscribe("精靈長劍")
	hub.broadcast(newTestEvent("精靈長劍"))
	hub.broadcast(newTestEvent("精靈長劍"))

	require.Len(t, ch, 1)
}

func TestHubDeliversFromStream(t *testing.T) {
	client := setupStream(t)
	consumer, err := NewConsumer(client, "market-events", WithBlockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	consumer.Start()

	hub, err := NewHub(consumer)
	require.NoError(t, err)
	hub.Start()
	defer hub.Close()

	producer, err := NewProducer(client, "market-events")
	require.NoError(t, err)
	producer.Start()
	defer producer.Close()

	ch := hub.Subscribe(AllAuctions)
	want := newTestEvent("精靈長劍")
	require.NoError(t, producer.Publish(want))

	select {
	case got := <-ch:
		require.Equal(t, want.Event.AuctionName, got.Event.AuctionName)
		require.Equal(t, want.Player, got.Player)
	case <-time.After(3 * time.Second):
		t.Fatal("event was not delivered in time")
	}
}
