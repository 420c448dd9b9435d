package relay

import (
	"sync"

	"github.com/relaykit/relay.go/relay/secure"
)

// router maps wire-level topics to callbacks. One callback per topic;
// the last registration for a name wins. Dispatch for a topic with no
// binding discards silently.
type router struct {
	mu        sync.RWMutex
	bindings  map[string]func(payload interface{})
	obfuscate bool
}

func newRouter(obfuscate bool) *router {
	return &router{
		bindings:  make(map[string]func(payload interface{})),
		obfuscate: obfuscate,
	}
}

// topic maps an event name to its wire-level topic.
func (r *router) topic(event string) string {
	if r.obfuscate {
		return secure.ObfuscateEvent(event)
	}
	return event
}

func (r *router) Bind(event string, cb func(payload interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings[r.topic(event)] = cb
}

func (r *router) Unbind(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bindings, r.topic(event))
}

// Dispatch invokes the callback bound to a wire topic, if any. The topic
// must match the binding exactly; inbound topics are already obfuscated
// by the sender when obfuscation is in force.
func (r *router) Dispatch(topic string, payload interface{}) bool {
	r.mu.RLock()
	cb := r.bindings[topic]
	r.mu.RUnlock()

	if cb == nil {
		return false
	}
	cb(payload)
	return true
}
