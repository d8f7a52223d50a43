package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe(EventPriceTick, 1)
	ch2, cancel2 := b.Subscribe(EventPriceTick, 1)
	defer cancel1()
	defer cancel2()

	tick := PriceTick{ExchangeID: 1, Symbol: "BTCUSDT", Price: 100}
	b.Publish(EventPriceTick, tick)

	assert.Equal(t, tick, <-ch1)
	assert.Equal(t, tick, <-ch2)
}

func TestPublishSkipsOtherEvents(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(EventCycleCompleted, 1)
	defer cancel()

	b.Publish(EventPriceTick, PriceTick{Price: 1})
	assert.Empty(t, ch)
}

func TestCancelClosesChannelAndStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(EventBotFailed, 1)

	cancel()
	cancel() // second call is harmless

	_, open := <-ch
	assert.False(t, open)

	// No panic and no delivery to the removed subscriber.
	b.Publish(EventBotFailed, BotFailure{BotID: 1})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(EventPriceTick, 1)
	defer cancel()

	b.Publish(EventPriceTick, PriceTick{Price: 1})
	b.Publish(EventPriceTick, PriceTick{Price: 2})
	b.Publish(EventPriceTick, PriceTick{Price: 3})

	require.Len(t, ch, 1)
	assert.Equal(t, PriceTick{Price: 1}, <-ch)
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe(EventStreamDown, 1)

	b.Close()
	b.Close() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publish and Subscribe after Close are inert.
	b.Publish(EventStreamDown, int64(1))
	late, cancel := b.Subscribe(EventStreamDown, 1)
	defer cancel()
	_, open = <-late
	assert.False(t, open)
}
