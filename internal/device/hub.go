package device

import (
	"sort"
	"sync"
)

// Observer is called with the attribute group that changed.
type Observer func(group string)

// Subscription identifies a registered observer.
type Subscription uint64

// Hub fans change notifications out to observers keyed by attribute group.
// Observers run synchronously on the notifying goroutine, outside the hub's
// lock, so they may subscribe or unsubscribe from inside a callback.
type Hub struct {
	mu     sync.Mutex
	next   Subscription
	groups map[string]map[Subscription]Observer
	index  map[Subscription]string
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		groups: make(map[string]map[Subscription]Observer),
		index:  make(map[Subscription]string),
	}
}

// Subscribe registers fn for changes to group.
func (h *Hub) Subscribe(group string, fn Observer) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	subs, ok := h.groups[group]
	if !ok {
		subs = make(map[Subscription]Observer)
		h.groups[group] = subs
	}
	subs[id] = fn
	h.index[id] = group
	return id
}

// Unsubscribe removes a registration. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.index[id]
	if !ok {
		return
	}
	delete(h.index, id)
	delete(h.groups[group], id)
	if len(h.groups[group]) == 0 {
		delete(h.groups, group)
	}
}

// Notify calls every observer of each group, in subscription order.
func (h *Hub) Notify(groups ...string) {
	type call struct {
		id    Subscription
		group string
		fn    Observer
	}

	h.mu.Lock()
	var calls []call
	for _, g := range groups {
		for id, fn := range h.groups[g] {
			calls = append(calls, call{id, g, fn})
		}
	}
	h.mu.Unlock()

	sort.SliceStable(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	for _, c := range calls {
		c.fn(c.group)
	}
}
