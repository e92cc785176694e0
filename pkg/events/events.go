// Package events provides a small in-process pub/sub broker used to push
// task lifecycle transitions to live listeners (the /task/events SSE
// endpoint) without requiring them to poll /task/list.
package events

import (
	"sync"

	"github.com/basalt-run/fleetrun/pkg/types"
)

// Subscriber is a channel that receives published events.
type Subscriber chan *types.TaskEvent

// Broker fans a single stream of TaskEvents out to any number of
// subscribers, dropping events for subscribers that fall behind rather
// than blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.TaskEvent
	stopCh      chan struct{}
}

// NewBroker creates an unstarted broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.TaskEvent, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Subscribers are not closed so late readers can
// still drain whatever is left in their buffer.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new listener.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a listener's channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for distribution to every subscriber.
func (b *Broker) Publish(event *types.TaskEvent) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than block the broker
		}
	}
}

// SubscriberCount reports how many listeners are currently registered.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
