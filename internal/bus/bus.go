// Package bus implements the glob-keyed publish/subscribe event hub that
// connects the session manager, ingestion pipeline, and librarian worker
// to the gateway's per-connection fan-out and the extension host's
// source-routed delivery (§4.1).
package bus

import (
	"path"
	"strings"
	"sync"
)

// Event is a single named occurrence broadcast to subscribers.
type Event struct {
	Name         string
	Payload      interface{}
	ConnectionID string // set when the event is scoped to one client connection
	Source       string // set when the event should also be routed to an extension source route
}

// Handler receives matched events.
type Handler func(Event)

type subscription struct {
	id           string
	glob         string
	connectionID string // non-empty: only deliver events with no ConnectionID, or matching this one
	handler      Handler
}

// Bus is a glob-keyed pub/sub hub. A connection receives an event when the
// event name matches one of its subscribed globs AND the event either has
// no ConnectionID, matches the subscriber's connection, or (handled by
// Publish's source-route branch) matches a registered source route.
//
// Open Question resolution: when an event's Source also matches a
// registered extension source route, it is delivered to BOTH the matching
// WS subscribers and the extension (spec.md's own stated default).
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*subscription // subscriber id -> its subscriptions
	sourceRoutes  map[string]Handler          // source route token -> extension delivery callback
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscriptions: make(map[string][]*subscription),
		sourceRoutes:  make(map[string]Handler),
	}
}

// Subscribe registers handler for events matching glob on behalf of
// subscriber id, scoped to connectionID (empty means "no connection
// scoping", used by non-WS subscribers like the TTS bridge).
func (b *Bus) Subscribe(id, glob, connectionID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[id] = append(b.subscriptions[id], &subscription{
		id:           id,
		glob:         glob,
		connectionID: connectionID,
		handler:      handler,
	})
}

// Unsubscribe removes all subscriptions registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, id)
}

// RegisterSourceRoute associates a source token (e.g. an extension's
// declared sourceRoutes entry) with a delivery callback (§4.1, §4.2).
func (b *Bus) RegisterSourceRoute(source string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sourceRoutes[source] = handler
}

// UnregisterSourceRoute removes a previously registered source route.
func (b *Bus) UnregisterSourceRoute(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sourceRoutes, source)
}

// Publish delivers event to every matching subscription and, when the
// event carries a Source matching a registered route, to that extension
// too.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if !globMatch(sub.glob, event.Name) {
				continue
			}
			if event.ConnectionID != "" && sub.connectionID != "" && sub.connectionID != event.ConnectionID {
				continue
			}
			sub.handler(event)
		}
	}

	if event.Source != "" {
		if h, ok := b.sourceRoutes[event.Source]; ok {
			h(event)
		}
	}
}

// globMatch supports exact names and "prefix.*" globs, per §4.1, and
// falls back to path.Match for any other pattern (the gateway's own "*"
// subscription relies on that). No third party glob library appears
// anywhere in the retrieval pack, so this stays stdlib (see DESIGN.md).
func globMatch(glob, name string) bool {
	if glob == name {
		return true
	}
	if strings.HasSuffix(glob, ".*") {
		prefix := strings.TrimSuffix(glob, "*")
		return strings.HasPrefix(name, prefix)
	}
	ok, err := path.Match(glob, name)
	return err == nil && ok
}
