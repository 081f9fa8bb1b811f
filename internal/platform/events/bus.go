// Package events provides the in-process, fire-and-forget publish/subscribe
// bus the device gateway emits lifecycle and alert events on. Delivery is
// best-effort: the publisher never waits for subscriber completion, and a
// panicking subscriber is isolated and logged rather than failing the
// emitting operation.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one emitted notification. Payload is consumer-defined.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // e.g. "device:registered", "vital_alert:critical"
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler consumes one event. Handlers run on their own goroutine.
type Handler func(evt Event)

type subscription struct {
	pattern string
	handler Handler
}

// Bus is a topic-pattern pub/sub hub. Patterns are exact event types
// ("sync:completed"), a prefix wildcard ("vital_alert:*"), or "*" for all.
type Bus struct {
	mu     sync.RWMutex
	logger zerolog.Logger
	subs   []subscription
	wg     sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "events").Logger()}
}

// Subscribe registers a handler for every event whose type matches pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
}

// Publish delivers the event to all matching subscribers without waiting for
// them. The event id and timestamp are filled in when absent.
func (b *Bus) Publish(eventType string, payload any) {
	evt := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	var matched []Handler
	for _, sub := range b.subs {
		if matches(sub.pattern, eventType) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Str("event_type", evt.Type).
						Interface("panic", r).
						Msg("event subscriber panicked")
				}
			}()
			h(evt)
		}()
	}
}

// Wait blocks until all in-flight deliveries finish. Intended for shutdown
// and tests.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// matches reports whether pattern covers eventType. Patterns are exact,
// "prefix:*", or "*".
func matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}
