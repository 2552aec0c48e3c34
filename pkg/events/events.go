// Package events provides a typed observer registry owned by each component.
//
// Every component holds its own Bus; listeners are registered explicitly and
// removed either through the returned unsubscribe function or by Close during
// shutdown. There is no process-wide registry.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names an event emitted by a component
type Type string

const (
	Connected          Type = "connected"
	ConnectionError    Type = "connection_error"
	FailoverSuccess    Type = "failover_success"
	FailoverFailed     Type = "failover_failed"
	CacheInvalidated   Type = "cache_invalidated"
	RateLimitExceeded  Type = "rate_limit_exceeded"
	UserBlocked        Type = "user_blocked"
	LockAcquired       Type = "lock_acquired"
	LockReleased       Type = "lock_released"
	MixingSessionCache Type = "mixing_session_cached"
	AddressBlacklisted Type = "address_blacklisted"
	SystemWarning      Type = "system_warning"
	SystemCritical     Type = "system_critical"
)

// Event is a single notification
type Event struct {
	Type   Type
	Source string // emitting component, e.g. "connection"
	Time   time.Time
	Fields map[string]interface{}
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is a per-component listener registry
type Bus struct {
	mu       sync.RWMutex
	source   string
	nextID   uint64
	handlers map[uint64]Handler
	closed   bool
	logger   *zap.Logger
}

// NewBus creates a bus whose events are stamped with source
func NewBus(source string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		source:   source,
		handlers: make(map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers h and returns a function that removes it
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers an event of type t to every listener
func (b *Bus) Publish(t Type, fields map[string]interface{}) {
	b.mu.RLock()
	if b.closed || len(b.handlers) == 0 {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	ev := Event{Type: t, Source: b.source, Time: time.Now(), Fields: fields}
	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

// Forward republishes an event received from another bus unchanged
func (b *Bus) Forward(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("source", ev.Source),
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}

// Len returns the number of registered listeners
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Close removes every listener; later Subscribe and Publish calls are no-ops
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[uint64]Handler)
	b.closed = true
}
