// Package memory implements an in-process notification channel.
// Safe for concurrent use. Intended for unit testing and development.
package memory

import (
	"sync"

	"github.com/xraph/tether/notify"
)

// Compile-time interface check.
var _ notify.Channel = (*Bus)(nil)

// Bus fans published messages out to every subscribed listener on the
// publisher's goroutine.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]notify.Listener
}

// New returns a new empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]notify.Listener)}
}

// Subscribe implements notify.Channel.
func (b *Bus) Subscribe(l notify.Listener) (notify.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := b.nextID
	b.nextID++
	b.subs[key] = l

	return &subscription{bus: b, key: key}, nil
}

// Publish delivers a message to all current subscribers.
func (b *Bus) Publish(m notify.Message) {
	for _, l := range b.snapshot() {
		l.Deliver(m)
	}
}

// PublishStatus delivers a transport status event to all current
// subscribers. Tests use it to simulate disconnects.
func (b *Bus) PublishStatus(s notify.Status) {
	for _, l := range b.snapshot() {
		l.DeliverStatus(s)
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) snapshot() []notify.Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]notify.Listener, 0, len(b.subs))
	for _, l := range b.subs {
		out = append(out, l)
	}
	return out
}

type subscription struct {
	bus  *Bus
	key  int
	once sync.Once
}

// Unsubscribe implements notify.Subscription.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.key)
		s.bus.mu.Unlock()
	})
	return nil
}
