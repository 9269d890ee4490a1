package haStream

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

const (
	channelPrefix = "sse."
	allEvents     = channelPrefix + "*"
)

// Channel is the bus key for an event type.
func Channel(eventType string) string {
	if eventType == "" || eventType == "*" {
		return allEvents
	}
	return channelPrefix + eventType
}

type Handler func(event haStructs.StreamEvent)

type Subscription struct {
	Id      string
	Channel string
	handler Handler
}

// Bus delivers stream events to subscribers keyed by "sse."+eventType.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	logger *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers handler for one event type, or for every event when eventType
// is "" or "*".
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	sub := &Subscription{
		Id:      uuid.NewString(),
		Channel: Channel(eventType),
		handler: handler,
	}
	b.mu.Lock()
	b.subs[sub.Channel] = append(b.subs[sub.Channel], sub)
	b.mu.Unlock()
	b.logger.Debugf("Subscription %s on %s", sub.Id, sub.Channel)
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.Channel]
	idx := slices.Index(subs, sub)
	if idx == -1 {
		return
	}
	// copy so that a Publish iterating the old slice is unaffected
	b.subs[sub.Channel] = slices.Delete(slices.Clone(subs), idx, idx+1)
}

// Publish hands event to the subscribers of its type, then to the catch-all subscribers.
// Handlers run synchronously, in subscription order.
func (b *Bus) Publish(event haStructs.StreamEvent) {
	b.mu.RLock()
	specific := b.subs[Channel(event.EventType)]
	all := b.subs[allEvents]
	b.mu.RUnlock()

	for _, sub := range specific {
		b.deliver(sub, event)
	}
	for _, sub := range all {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *Subscription, event haStructs.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Subscriber %s panicked on %s: %v", sub.Id, event.EventType, r)
		}
	}()
	sub.handler(event)
}

// Len is the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
