package events_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pverani/bluehub/internal/events"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := events.NewBroadcaster(4)

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	assert.Equal(t, 2, b.Subscribers())

	b.Publish(events.Event{Type: events.TypeScanningStatus, Data: "on"})

	ev := <-s1.Events()
	assert.Equal(t, events.TypeScanningStatus, ev.Type)
	assert.Equal(t, "on", ev.Data)

	ev = <-s2.Events()
	assert.Equal(t, events.TypeScanningStatus, ev.Type)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	b := events.NewBroadcaster(2)
	sub := b.Subscribe()

	for i := range 5 {
		b.Publish(events.Event{Type: events.TypeLogUpdate, Data: fmt.Sprintf("event %d", i)})
	}

	// the queue holds the two newest events; the older three were dropped
	ev := <-sub.Events()
	assert.Equal(t, "event 3", ev.Data)

	ev = <-sub.Events()
	assert.Equal(t, "event 4", ev.Data)

	select {
	case <-sub.Events():
		t.Fatal("queue should be empty")
	default:
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	b := events.NewBroadcaster(2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := range 4 {
		b.Publish(events.Event{Type: events.TypeLogUpdate, Data: i})

		ev := <-fast.Events()
		assert.Equal(t, i, ev.Data)
	}

	// slow kept only the newest two
	ev := <-slow.Events()
	assert.Equal(t, 2, ev.Data)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := events.NewBroadcaster(2)
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.Subscribers())

	_, open := <-sub.Events()
	assert.False(t, open)

	// double unsubscribe is a no-op
	b.Unsubscribe(sub)
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := events.NewBroadcaster(2)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	require.NotPanics(t, func() {
		b.Publish(events.Event{Type: events.TypeDevicesUpdate})
	})
}

func TestZeroBufferFallsBackToDefault(t *testing.T) {
	t.Parallel()

	b := events.NewBroadcaster(0)
	sub := b.Subscribe()

	for i := range events.DefaultSubscriberBuffer {
		b.Publish(events.Event{Type: events.TypeLogUpdate, Data: i})
	}

	ev := <-sub.Events()
	assert.Equal(t, 0, ev.Data, "nothing dropped while within default buffer")
}
