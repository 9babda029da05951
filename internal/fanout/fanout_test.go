package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesEverySubscriber(t *testing.T) {
	h := New[string](0)
	a, unsubA := h.Subscribe()
	defer unsubA()
	b, unsubB := h.Subscribe()
	defer unsubB()

	h.Publish("x")

	assert.Equal(t, "x", <-a)
	assert.Equal(t, "x", <-b)
	assert.Equal(t, 2, h.Subscribers())
}

func TestHub_Unsubscribe(t *testing.T) {
	h := New[int](1)
	ch, unsub := h.Subscribe()

	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())

	h.Publish(1)
	assert.Zero(t, h.Dropped())
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := New[int](1)
	ch, unsub := h.Subscribe()
	defer unsub()

	h.Publish(1)
	h.Publish(2)

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, uint64(1), h.Dropped())
}

func TestHub_Close(t *testing.T) {
	h := New[int](0)
	ch, unsub := h.Subscribe()

	h.Close()
	h.Close()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}
