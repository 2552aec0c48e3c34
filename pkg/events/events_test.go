package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus("connection", nil)

	var got []Event
	unsubscribe := bus.Subscribe(func(ev Event) {
		got = append(got, ev)
	})

	bus.Publish(Connected, map[string]interface{}{"addr": "localhost:6379"})

	require.Len(t, got, 1)
	assert.Equal(t, Connected, got[0].Type)
	assert.Equal(t, "connection", got[0].Source)
	assert.Equal(t, "localhost:6379", got[0].Fields["addr"])
	assert.False(t, got[0].Time.IsZero())

	unsubscribe()
	bus.Publish(Connected, nil)
	assert.Len(t, got, 1, "unsubscribed handler must not be called")
}

func TestBus_CloseRemovesListeners(t *testing.T) {
	bus := NewBus("cache", nil)
	calls := 0
	bus.Subscribe(func(Event) { calls++ })
	bus.Subscribe(func(Event) { calls++ })
	assert.Equal(t, 2, bus.Len())

	bus.Close()
	assert.Equal(t, 0, bus.Len())

	bus.Publish(CacheInvalidated, nil)
	assert.Equal(t, 0, calls)

	// subscribing after close is a no-op
	bus.Subscribe(func(Event) { calls++ })()
	assert.Equal(t, 0, bus.Len())
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus("session", nil)
	delivered := 0
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Publish(UserBlocked, nil)
	})
	assert.Equal(t, 1, delivered)
}

func TestBus_Forward(t *testing.T) {
	src := NewBus("session", nil)
	dst := NewBus("master", nil)

	var forwarded Event
	dst.Subscribe(func(ev Event) { forwarded = ev })
	src.Subscribe(dst.Forward)

	src.Publish(LockAcquired, map[string]interface{}{"key": "X"})
	assert.Equal(t, LockAcquired, forwarded.Type)
	assert.Equal(t, "session", forwarded.Source, "forwarded events keep their source")
}
