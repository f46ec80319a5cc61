package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Handler consumes auth events delivered by an EventSource.
type Handler interface {
	Handle(evt AuthEvent)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(evt AuthEvent)

// Handle implements Handler.
func (f HandlerFunc) Handle(evt AuthEvent) {
	if f == nil {
		return
	}
	f(evt)
}

// EventSource is the subscribe side of the auth event bus.
type EventSource interface {
	Subscribe(channel string, h Handler) (unsubscribe func())
}

// Publisher is the emit side of the auth event bus.
type Publisher interface {
	Publish(channel string, evt AuthEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, AuthEvent) {}

// NormalizePublisher returns a no-op publisher when p is nil.
func NormalizePublisher(p Publisher) Publisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

type subscription struct {
	id      uuid.UUID
	handler Handler
}

// Bus is an in-process publish/subscribe channel. Events are delivered
// synchronously, one publish at a time, in emission order.
type Bus struct {
	mu       sync.RWMutex
	delivery sync.Mutex
	channels map[string][]subscription
	logger   Logger
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithBusLogger overrides the logger used to report handler panics.
func WithBusLogger(logger Logger) BusOption {
	return func(b *Bus) {
		b.logger = normalizeLogger(logger)
	}
}

// NewBus returns an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		channels: map[string][]subscription{},
		logger:   defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers h on channel. The returned function removes the
// subscription and is safe to call more than once.
func (b *Bus) Subscribe(channel string, h Handler) func() {
	if h == nil {
		return func() {}
	}

	sub := subscription{id: uuid.New(), handler: h}

	b.mu.Lock()
	b.channels[channel] = append(b.channels[channel], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(channel, sub.id)
		})
	}
}

// Publish delivers evt to every current subscriber of channel.
func (b *Bus) Publish(channel string, evt AuthEvent) {
	if evt == nil {
		return
	}

	b.delivery.Lock()
	defer b.delivery.Unlock()

	b.mu.RLock()
	subs := append([]subscription(nil), b.channels[channel]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(channel, sub, evt)
	}
}

// Subscribers returns the number of handlers registered on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

func (b *Bus) dispatch(channel string, sub subscription, evt AuthEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("auth event handler panicked",
				"channel", channel,
				"event", evt.Kind(),
				"subscription", sub.id.String(),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	sub.handler.Handle(evt)
}

func (b *Bus) remove(channel string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.channels[channel]
	for i, sub := range subs {
		if sub.id == id {
			b.channels[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.channels[channel]) == 0 {
		delete(b.channels, channel)
	}
}
