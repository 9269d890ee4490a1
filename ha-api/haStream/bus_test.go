package haStream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "sse.state_changed", Channel("state_changed"))
	assert.Equal(t, "sse.*", Channel(""))
	assert.Equal(t, "sse.*", Channel("*"))
}

func TestBusDeliversByType(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	var got []string
	bus.Subscribe("state_changed", func(ev haStructs.StreamEvent) { got = append(got, "specific:"+ev.EventType) })
	bus.Subscribe("", func(ev haStructs.StreamEvent) { got = append(got, "all:"+ev.EventType) })

	bus.Publish(haStructs.StreamEvent{EventType: "state_changed"})
	bus.Publish(haStructs.StreamEvent{EventType: "call_service"})

	assert.Equal(t, []string{"specific:state_changed", "all:state_changed", "all:call_service"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	count := 0
	sub := bus.Subscribe("x", func(haStructs.StreamEvent) { count++ })
	other := bus.Subscribe("x", func(haStructs.StreamEvent) {})
	assert.Equal(t, 2, bus.Len())
	assert.NotEqual(t, sub.Id, other.Id)

	bus.Publish(haStructs.StreamEvent{EventType: "x"})
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.Publish(haStructs.StreamEvent{EventType: "x"})

	assert.Equal(t, 1, count)
	assert.Equal(t, 1, bus.Len())
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	delivered := false
	bus.Subscribe("x", func(haStructs.StreamEvent) { panic("boom") })
	bus.Subscribe("x", func(haStructs.StreamEvent) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(haStructs.StreamEvent{EventType: "x"}) })
	assert.True(t, delivered)
}

func TestBusConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	var mu sync.Mutex
	delivered := 0
	stable := bus.Subscribe("x", func(haStructs.StreamEvent) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub := bus.Subscribe("x", func(haStructs.StreamEvent) {})
				bus.Unsubscribe(sub)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(haStructs.StreamEvent{EventType: "x"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, delivered)
	bus.Unsubscribe(stable)
	assert.Equal(t, 0, bus.Len())
}
