package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/logger"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return NewBus(logger.Default())
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := newTestBus(t)

	var order []int
	bus.On("proc.test", func(e *Event) { order = append(order, 1) })
	bus.On("proc.test", func(e *Event) { order = append(order, 2) })
	bus.On("proc.test", func(e *Event) { order = append(order, 3) })

	bus.Emit("proc.test", map[string]any{"pid": 1})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEmitStampsMonotonicEventID(t *testing.T) {
	bus := newTestBus(t)

	var ids []uint64
	bus.On("tick", func(e *Event) {
		ids = append(ids, e.ID)
		assert.Equal(t, e.ID, e.Payload[EventIDKey])
	})

	bus.Emit("tick", nil)
	bus.Emit("tick", map[string]any{"n": 2})
	bus.Emit("tick", nil)

	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	bus := newTestBus(t)

	var reached bool
	bus.On("boom", func(e *Event) { panic("handler exploded") })
	bus.On("boom", func(e *Event) { reached = true })

	assert.NotPanics(t, func() {
		bus.Emit("boom", nil)
	})
	assert.True(t, reached)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)

	var count int
	off := bus.On("x", func(e *Event) { count++ })

	bus.Emit("x", nil)
	off()
	bus.Emit("x", nil)

	assert.Equal(t, 1, count)
}

func TestOnAnyReceivesAfterTyped(t *testing.T) {
	bus := newTestBus(t)

	var order []string
	bus.OnAny(func(e *Event) { order = append(order, "any:"+e.Type) })
	bus.On("a", func(e *Event) { order = append(order, "typed") })

	bus.Emit("a", nil)
	bus.Emit("b", nil)

	assert.Equal(t, []string{"typed", "any:a", "any:b"}, order)
}
