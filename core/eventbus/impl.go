package eventbus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"ucdriver-go/core/event"
)

// subscription represents a single event subscription.
type subscription struct {
	id       string
	handler  EventHandler
	driverID string // Empty string means subscribe to all drivers
	method   string // Lowercased CDP method pattern; empty for non-CDP subscriptions
}

func (s *subscription) matches(e event.Event) bool {
	if s.driverID != "" {
		de, ok := e.(event.DriverEvent)
		if !ok || de.DriverID() != s.driverID {
			return false
		}
	}
	if s.method == "" {
		return true
	}
	ce, ok := e.(*event.CDPEventReceived)
	if !ok {
		return false
	}
	return MethodMatches(s.method, ce.Method)
}

// MethodMatches reports whether a CDP method satisfies pattern.
func MethodMatches(pattern, method string) bool {
	pattern = strings.ToLower(pattern)
	method = strings.ToLower(method)
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		domain, _, _ := strings.Cut(method, ".")
		return domain == strings.TrimSuffix(pattern, ".*")
	default:
		return pattern == method
	}
}

// channelEventBus is a channel-based implementation of EventBus.
type channelEventBus struct {
	eventChan     chan event.Event
	subscriptions map[string]*subscription
	mu            sync.RWMutex
	closeMu       sync.RWMutex
	closed        atomic.Bool
	dropped       atomic.Uint64
	wg            sync.WaitGroup
	logger        *slog.Logger
}

// New creates a new EventBus with the specified buffer size.
func New(bufferSize int) EventBus {
	return NewWithLogger(bufferSize, nil)
}

// NewWithLogger creates a new EventBus that reports dropped events and
// handler panics to logger.
func NewWithLogger(bufferSize int, logger *slog.Logger) EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	bus := &channelEventBus{
		eventChan:     make(chan event.Event, bufferSize),
		subscriptions: make(map[string]*subscription),
		logger:        logger.With("component", "eventbus"),
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish publishes an event to all subscribers.
func (b *channelEventBus) Publish(e event.Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed.Load() {
		return
	}

	select {
	case b.eventChan <- e:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("Event dropped, buffer full", "event", e.EventName(), "dropped_total", n)
	}
}

// Subscribe subscribes to all events.
func (b *channelEventBus) Subscribe(handler EventHandler) string {
	return b.subscribe(&subscription{handler: handler})
}

// SubscribeDriver subscribes to events from a specific driver.
func (b *channelEventBus) SubscribeDriver(driverID string, handler EventHandler) string {
	return b.subscribe(&subscription{handler: handler, driverID: driverID})
}

// SubscribeCDP subscribes to CDP events matching pattern.
func (b *channelEventBus) SubscribeCDP(driverID, pattern string, handler EventHandler) string {
	if pattern == "" {
		pattern = "*"
	}
	return b.subscribe(&subscription{
		handler:  handler,
		driverID: driverID,
		method:   strings.ToLower(pattern),
	})
}

func (b *channelEventBus) subscribe(sub *subscription) string {
	sub.id = uuid.NewString()

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a subscription by its ID.
func (b *channelEventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	delete(b.subscriptions, subscriptionID)
	b.mu.Unlock()
}

// Close shuts down the event bus.
func (b *channelEventBus) Close() {
	b.closeMu.Lock()
	if b.closed.Swap(true) {
		b.closeMu.Unlock()
		return
	}
	close(b.eventChan)
	b.closeMu.Unlock()

	b.wg.Wait()
}

// dispatch is the main event dispatch loop.
func (b *channelEventBus) dispatch() {
	defer b.wg.Done()

	for e := range b.eventChan {
		b.deliverEvent(e)
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (b *channelEventBus) deliverEvent(e event.Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.matches(e) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked",
						"event", e.EventName(),
						"subscription", sub.id,
						"panic", r)
				}
			}()
			sub.handler(e)
		}()
	}
}
