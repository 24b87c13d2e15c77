package distributor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusrpc/nimbus/distributor"
)

func drain(t *testing.T, ch <-chan distributor.Item, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		select {
		case item, ok := <-ch:
			require.True(t, ok)
			out = append(out, item.Payload.(int))
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d items", i, n)
		}
	}
	return out
}

func TestFanoutFairnessWithPause(t *testing.T) {
	d := distributor.New(distributor.Config{BufferSize: 16}, nil)
	defer d.Dispose()

	a, err := d.Subscribe(0)
	require.NoError(t, err)
	b, err := d.Subscribe(0)
	require.NoError(t, err)
	c, err := d.Subscribe(0)
	require.NoError(t, err)

	require.NoError(t, d.Pause(b.ID))

	for i := 1; i <= 10; i++ {
		d.Publish(distributor.Item{Payload: i})
	}

	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, drain(t, a.Inbox, 10))
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, drain(t, c.Inbox, 10))

	select {
	case <-b.Inbox:
		t.Fatal("paused subscriber should not have received anything")
	default:
	}

	require.NoError(t, d.Resume(b.ID))
	d.Publish(distributor.Item{Payload: 11})
	require.Equal(t, []int{11}, drain(t, b.Inbox, 1))
}

func TestPublishToIsTargeted(t *testing.T) {
	d := distributor.New(distributor.Config{}, nil)
	defer d.Dispose()

	a, err := d.Subscribe(0)
	require.NoError(t, err)
	b, err := d.Subscribe(0)
	require.NoError(t, err)

	require.NoError(t, d.PublishTo(a.ID, distributor.Item{Payload: 42}))
	require.Equal(t, []int{42}, drain(t, a.Inbox, 1))

	select {
	case <-b.Inbox:
		t.Fatal("untargeted subscriber should not have received the item")
	default:
	}
}

func TestSlowSubscriberIsClosedWithResourceExhausted(t *testing.T) {
	d := distributor.New(distributor.Config{BufferSize: 1}, nil)
	defer d.Dispose()

	sub, err := d.Subscribe(0)
	require.NoError(t, err)

	d.Publish(distributor.Item{Payload: 1})
	d.Publish(distributor.Item{Payload: 2}) // inbox already full, publish never blocks

	_, ok := <-sub.Inbox
	require.True(t, ok)
	_, ok = <-sub.Inbox
	require.False(t, ok, "inbox should have been closed on overflow")
	require.Error(t, sub.Err())
}

func TestCloseInactiveEvictsStaleSubscribers(t *testing.T) {
	d := distributor.New(distributor.Config{}, nil)
	defer d.Dispose()

	sub, err := d.Subscribe(0)
	require.NoError(t, err)

	closed := d.CloseInactive(-time.Second) // negative threshold: cutoff is in the future, so every subscriber is stale
	require.Equal(t, 1, closed)

	_, ok := <-sub.Inbox
	require.False(t, ok)
}

func TestDuplicateSubscriberIDFailsAlreadyExists(t *testing.T) {
	d := distributor.New(distributor.Config{}, nil)
	defer d.Dispose()

	_, err := d.Subscribe(7)
	require.NoError(t, err)
	_, err = d.Subscribe(7)
	require.Error(t, err)
}
