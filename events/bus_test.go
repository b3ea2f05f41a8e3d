package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(nil)

	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Publish(TopicBotState, map[string]any{"bot_id": "b1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		evt := <-ch
		assert.Equal(t, TopicBotState, evt.Topic)
		assert.Equal(t, "b1", evt.Payload["bot_id"])
		assert.False(t, evt.Timestamp.IsZero())
	}
}

func TestPerSubscriberFIFO(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(TopicTradeOpened, map[string]any{"seq": i})
	}
	for i := 0; i < 5; i++ {
		evt := <-ch
		assert.Equal(t, i, evt.Payload["seq"])
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	dropped := 0
	bus := NewBus(func(string) { dropped++ })
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Overflow the buffer without draining.
	total := defaultBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish(TopicBotAnalysis, map[string]any{"seq": i})
	}
	assert.Equal(t, 10, dropped)

	// The oldest events are gone; delivery resumes from seq 10.
	evt := <-ch
	assert.Equal(t, 10, evt.Payload["seq"])
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // double-cancel is safe

	_, open := <-ch
	require.False(t, open)
	assert.Zero(t, bus.SubscriberCount())

	// Publishing after cancel must not panic.
	bus.Publish(TopicControllerCycle, nil)
}
