package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	linked, unsubLinked := b.Subscribe(4, AccountLinked)
	defer unsubLinked()

	b.Publish(Event{Type: BroadcastCycle})
	b.Publish(Event{Type: AccountLinked, Data: int64(7)})

	require.Len(t, all, 2)
	require.Len(t, linked, 1)
	e := <-linked
	assert.Equal(t, AccountLinked, e.Type)
	assert.Equal(t, int64(7), e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: BroadcastCycle})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: AccountLinked})
}
