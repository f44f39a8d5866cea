// Package events provides the in-process fire-and-forget event bus used to
// notify downstream consumers (UI, notifications) of chat changes.
package events

import (
	"log/slog"
	"sync"

	"github.com/finteca/cobraflow/internal/models"
)

// Handler consumes a published event. Handlers run asynchronously; no
// acknowledgement is expected.
type Handler func(evt models.Event)

// Bus routes events by name to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
	slog.Debug("Event handler subscribed", "event", name, "count", len(b.handlers[name]))
}

// Publish delivers the event to every subscriber of its name. Delivery is
// fire-and-forget: each handler runs in its own goroutine and panics are
// contained.
func (b *Bus) Publish(evt models.Event) {
	b.mu.RLock()
	subscribed := b.handlers[evt.Name]
	b.mu.RUnlock()

	slog.Debug("Publishing event", "event", evt.Name, "chatID", evt.ChatID, "handlers", len(subscribed))
	for _, h := range subscribed {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked", "event", evt.Name, "panic", r)
				}
			}()
			h(evt)
		}()
	}
}
