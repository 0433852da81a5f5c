package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New()
	ch1, unsub1 := bus.Subscribe("topic", 1)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe("topic", 1)
	defer unsub2()

	bus.Publish(Message{Topic: "topic", Kind: "state_changed", ID: "x"})

	select {
	case m := <-ch1:
		assert.Equal(t, "x", m.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ch1")
	}
	select {
	case m := <-ch2:
		assert.Equal(t, "x", m.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ch2")
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe("topic", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		bus.Publish(Message{Topic: "topic", ID: "1"})
		bus.Publish(Message{Topic: "topic", ID: "2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
	require.Len(t, ch, 1)
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe("topic", 1)
	unsub()
	unsub()

	assert.Equal(t, 0, bus.SubscriberCount("topic"))
	_, open := <-ch
	assert.False(t, open)
}
