package event

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is how many events a slow subscriber may lag behind before events are dropped
// for it.
const subscriberBuffer = 32

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]chan Event),
	}
}

// Broker fans out events to subscribers. It never blocks the notifying goroutine: a subscriber that
// does not keep up misses events.
type Broker struct {
	lock        sync.Mutex
	subscribers map[string]chan Event
	lastID      uint64
}

// Subscribe registers a new subscriber and returns its id.
func (b *Broker) Subscribe() string {
	b.lock.Lock()
	defer b.lock.Unlock()

	id := uuid.NewString()
	b.subscribers[id] = make(chan Event, subscriberBuffer)
	return id
}

func (b *Broker) Unsubscribe(id string) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if channel, ok := b.subscribers[id]; ok {
		close(channel)
		delete(b.subscribers, id)
	}
}

// Subscribers returns the ids of all subscribers sorted.
func (b *Broker) Subscribers() []string {
	b.lock.Lock()
	defer b.lock.Unlock()

	return slices.Sorted(maps.Keys(b.subscribers))
}

// Notify assigns the event the next id and sends it to every subscriber.
func (b *Broker) Notify(_ context.Context, event Event) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.lastID++
	event.ID = b.lastID
	for _, channel := range b.subscribers {
		select {
		case channel <- event:
		default:
		}
	}
}

// Receive waits for the next event of given subscriber. It returns false if the subscriber is
// unknown, was unsubscribed or ctx is done.
func (b *Broker) Receive(ctx context.Context, id string) (Event, bool) {
	b.lock.Lock()
	channel, ok := b.subscribers[id]
	b.lock.Unlock()
	if !ok {
		return Event{}, false
	}

	select {
	case event, ok := <-channel:
		return event, ok
	case <-ctx.Done():
		return Event{}, false
	}
}
