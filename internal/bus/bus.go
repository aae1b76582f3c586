package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It also keeps a change revision that only grows; readers compare revisions
// instead of relying on every event arriving.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
	rev  atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Changed bumps the revision and publishes a change event for chatID.
// A zero chatID means the change is not scoped to one chat.
func (b *Bus) Changed(kind string, chatID int64) uint64 {
	rev := b.rev.Add(1)
	b.Publish(Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ChatID:    chatID,
		Revision:  rev,
		Timestamp: time.Now(),
	})
	return rev
}

// Revision returns the number of changes published so far.
func (b *Bus) Revision() uint64 {
	return b.rev.Load()
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
