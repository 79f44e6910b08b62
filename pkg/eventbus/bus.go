// Package eventbus fans status-change events out to scope subscriptions.
// Each observer session owns its own Bus instance, injected at construction,
// so subscription lifecycle is deterministic and never shared across sessions.
package eventbus

import (
	"log"
	"runtime/debug"
	"sync"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Handler consumes one event.
type Handler func(protocol.Event)

// Bus is a synchronous scope-keyed pub/sub fan-out. Every handle subscribed
// to a scope receives every event published to it (fan-out, not queue
// semantics). Callbacks bound to the same scope fire in publish order when
// events are published from a single goroutine, which is how both the relay
// feed and the poll fallback drive a session's bus.
type Bus struct {
	mu     sync.RWMutex
	scopes map[string][]*Handle
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{scopes: make(map[string][]*Handle)}
}

// Subscribe registers interest in scope and returns a Handle to bind
// callbacks on. Multiple handles per scope are independent.
func (b *Bus) Subscribe(scope string) *Handle {
	h := &Handle{
		bus:      b,
		scope:    scope,
		handlers: make(map[protocol.EventType][]Handler),
	}
	b.mu.Lock()
	b.scopes[scope] = append(b.scopes[scope], h)
	b.mu.Unlock()
	return h
}

// Unsubscribe closes every handle bound to scope. Events published after it
// returns are not delivered to them; re-subscribing starts clean.
func (b *Bus) Unsubscribe(scope string) {
	b.mu.Lock()
	for _, h := range b.scopes[scope] {
		h.markClosed()
	}
	delete(b.scopes, scope)
	b.mu.Unlock()
}

// Publish delivers ev to every handle of every scope the event belongs to.
// A panicking callback is recovered and logged so one bad handler cannot
// block delivery to the rest.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.RLock()
	var targets []*Handle
	for _, scope := range ev.Scopes() {
		targets = append(targets, b.scopes[scope]...)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h.dispatch(ev)
	}
}

// SubscriptionCount returns the number of live handles across all scopes.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, handles := range b.scopes {
		count += len(handles)
	}
	return count
}

// Handle is one subscription to one scope.
type Handle struct {
	bus   *Bus
	scope string

	mu       sync.RWMutex
	closed   bool
	handlers map[protocol.EventType][]Handler
	any      []Handler
}

// Scope returns the scope this handle is bound to.
func (h *Handle) Scope() string { return h.scope }

// On binds fn to one event type. Binding after events were published only
// affects later events.
func (h *Handle) On(t protocol.EventType, fn Handler) {
	h.mu.Lock()
	h.handlers[t] = append(h.handlers[t], fn)
	h.mu.Unlock()
}

// OnAny binds fn to every event type on this handle's scope. Type-specific
// callbacks fire first, then OnAny callbacks, each group in binding order.
func (h *Handle) OnAny(fn Handler) {
	h.mu.Lock()
	h.any = append(h.any, fn)
	h.mu.Unlock()
}

// Close detaches this handle from the bus. Other handles on the same scope
// keep receiving events.
func (h *Handle) Close() {
	h.markClosed()
	h.bus.removeHandle(h)
}

func (h *Handle) markClosed() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *Handle) dispatch(ev protocol.Event) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	specific := make([]Handler, len(h.handlers[ev.Type]))
	copy(specific, h.handlers[ev.Type])
	anyHandlers := make([]Handler, len(h.any))
	copy(anyHandlers, h.any)
	h.mu.RUnlock()

	for _, fn := range specific {
		safeCall(fn, ev)
	}
	for _, fn := range anyHandlers {
		safeCall(fn, ev)
	}
}

func (b *Bus) removeHandle(target *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handles := b.scopes[target.scope]
	for i, h := range handles {
		if h == target {
			b.scopes[target.scope] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(b.scopes[target.scope]) == 0 {
		delete(b.scopes, target.scope)
	}
}

// safeCall invokes a callback and recovers from panics so a misbehaving
// observer cannot stall the fan-out.
func safeCall(fn Handler, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event callback panicked for %s: %v\n%s", ev.Type, r, debug.Stack())
		}
	}()
	fn(ev)
}
