package gigbuds

import (
	"sync"
	"sync/atomic"

	"github.com/gigbuds/go-realtime-sdk/api"
	"github.com/gigbuds/go-realtime-sdk/util"
)

// SubscriptionToken identifies one Subscribe call. Tokens are never reused.
type SubscriptionToken uint64

type EventHandler func(event api.ClientEvent)

type subscription struct {
	eventType api.ClientEventType
	handler   EventHandler
}

// EventBus fans client events out to subscribers. Handlers run synchronously on the
// publishing goroutine, in subscription order, and must not block. Connection events
// are published while the client's lifecycle lock is held.
type EventBus struct {
	mu            sync.RWMutex
	subscriptions map[SubscriptionToken]subscription
	order         []SubscriptionToken
	nextToken     atomic.Uint64
	external      chan api.ClientEvent
}

func NewEventBus(external chan api.ClientEvent) *EventBus {
	return &EventBus{
		subscriptions: make(map[SubscriptionToken]subscription),
		external:      external,
	}
}

func (b *EventBus) Subscribe(eventType api.ClientEventType, handler EventHandler) SubscriptionToken {
	token := SubscriptionToken(b.nextToken.Add(1))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[token] = subscription{eventType: eventType, handler: handler}
	b.order = append(b.order, token)
	return token
}

// Unsubscribe removes the subscription and reports whether it was still registered.
func (b *EventBus) Unsubscribe(token SubscriptionToken) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[token]; !ok {
		return false
	}
	delete(b.subscriptions, token)
	for i, t := range b.order {
		if t == token {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// SubscriberCount returns the number of live subscriptions for eventType.
func (b *EventBus) SubscriberCount(eventType api.ClientEventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, sub := range b.subscriptions {
		if sub.eventType == eventType {
			count++
		}
	}
	return count
}

func (b *EventBus) Publish(event api.ClientEvent) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.order))
	for _, token := range b.order {
		if sub := b.subscriptions[token]; sub.eventType == event.EventType {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}

	if b.external != nil {
		select {
		case b.external <- event:
		default:
			util.Debugf("Client event handler channel full, dropping %s event", event.EventType)
		}
	}
}
