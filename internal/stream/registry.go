package stream

import "sync"

// registry is the subscription registry: channel name to ordered handlers.
// It is the durable desired state replayed after every reconnect, shared
// between caller goroutines and the session state machine.
//
// Invariant: a channel with no handlers is absent from the map, never
// present with an empty slice.
type registry struct {
	mu       sync.Mutex
	order    []string
	handlers map[string][]Handler
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string][]Handler),
	}
}

// add appends a handler to the channel, creating the entry if absent.
// Returns true if the channel was newly registered.
func (r *registry) add(channel string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.handlers[channel]
	r.handlers[channel] = append(r.handlers[channel], h)
	if !exists {
		r.order = append(r.order, channel)
	}
	return !exists
}

// remove drops the channel entirely, all handlers included. The protocol's
// unsubscribe is channel-scoped, not per-handler. Returns true if the
// channel was registered.
func (r *registry) remove(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[channel]; !exists {
		return false
	}
	delete(r.handlers, channel)
	for i, ch := range r.order {
		if ch == channel {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// get returns a copy of the channel's handlers in registration order.
// Safe to iterate while the registry is mutated concurrently.
func (r *registry) get(channel string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs := r.handlers[channel]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// channels returns a stable snapshot of registered channel names in
// registration order, used for resubscribe-on-reconnect.
func (r *registry) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// clear removes all subscriptions. Used by explicit close only; connection
// loss must keep the registry intact.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = nil
	r.handlers = make(map[string][]Handler)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
