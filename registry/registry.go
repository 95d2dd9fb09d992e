// Package registry implements the Channel Access resource registry
// (spec.md component E): a process-wide table of opaque 32-bit IDs mapping
// to channels and monitors, plus the server's client list, modeled on
// aistore's xact/xreg registry (RWMutex-guarded maps with an atomic ID
// counter, install/remove/lookup as the whole public surface).
/*
 * Copyright (c) 2024, casrv authors.
 */
package registry

import (
	"sync"

	"github.com/oksanagit/casrv/cmn/atomic"
	"github.com/oksanagit/casrv/cmn/debug"
)

// Kind tags an installed Item so that a stray lookup by the wrong kind
// cannot cross type (spec.md §4.E): a monitor ID handed to a channel
// lookup, or vice versa, is rejected rather than silently type-asserted.
type Kind uint8

const (
	KindChannel Kind = iota + 1
	KindMonitor
)

func (k Kind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// Item is anything installable in the registry: casrv's channel.Channel
// satisfies this directly; a standalone monitor handle could too, though
// in this implementation monitors are looked up through their owning
// channel (see channel.Channel.Monitor) and only channels are actually
// installed here. The Kind tag is retained for the server-level monitor
// case the spec allows for.
type Item interface {
	ResID() uint32
	ResKind() Kind
}

// Client is the minimal view the registry needs of an installed client
// (casrv's client.Stream satisfies this); kept as an interface to avoid an
// import cycle between registry and client.
type Client interface {
	ConnID() string
}

// Registry is the server-wide resource table.
type Registry struct {
	mu      sync.RWMutex
	items   map[uint32]Item
	nextID  atomic.Uint32

	cmu     sync.RWMutex
	clients map[string]Client
}

func New() *Registry {
	return &Registry{
		items:   make(map[uint32]Item),
		clients: make(map[string]Client),
	}
}

// Allocate hands out a fresh opaque ID for a soon-to-be-installed item
// (e.g. a channel's SID), without installing anything yet: callers need
// the ID to construct the item before Install can store it.
func (r *Registry) Allocate() uint32 {
	for {
		id := r.nextID.Add(1)
		if id != 0 {
			return id
		}
		// wrapped to the reserved zero value; try again
	}
}

// InstallItem stores an item under its own ResID(). Invariant (spec.md §8
// invariant 1): a channel exists in the registry iff it exists in its
// client's channel list; callers are responsible for the client-side half
// of that invariant.
func (r *Registry) InstallItem(it Item) {
	debug.Assert(it.ResID() != 0, "registry: refusing to install item with zero ID")
	r.mu.Lock()
	r.items[it.ResID()] = it
	r.mu.Unlock()
}

// RemoveItem removes an installed item by ID. Removing an ID that was
// never installed, or was already removed, is a no-op.
func (r *Registry) RemoveItem(id uint32) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

// LookupRes finds an installed item by ID, rejecting a kind mismatch
// (spec.md §4.E "kind tags distinguish channels from monitors so that a
// stray lookup cannot cross type").
func (r *Registry) LookupRes(id uint32, kind Kind) (Item, bool) {
	r.mu.RLock()
	it, ok := r.items[id]
	r.mu.RUnlock()
	if !ok || it.ResKind() != kind {
		return nil, false
	}
	return it, true
}

// Len reports the number of currently-installed items, for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// InstallClient adds a client to the server's client list under the
// registry's client-list guard (spec.md §3 "installed in the server's
// client list at construction under a guard"). The caller supplies the
// client's own correlation ID (cmn/cos.GenUUID) as the key.
func (r *Registry) InstallClient(c Client) {
	r.cmu.Lock()
	r.clients[c.ConnID()] = c
	r.cmu.Unlock()
}

// RemoveClient removes a client from the server's client list, the last
// step of the teardown cascade (spec.md §4.J).
func (r *Registry) RemoveClient(c Client) {
	r.cmu.Lock()
	delete(r.clients, c.ConnID())
	r.cmu.Unlock()
}

// Clients returns a snapshot slice of installed clients, for broadcast-
// style operations (e.g. a future admin "list connections").
func (r *Registry) Clients() []Client {
	r.cmu.RLock()
	defer r.cmu.RUnlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount reports the number of installed clients.
func (r *Registry) ClientCount() int {
	r.cmu.RLock()
	defer r.cmu.RUnlock()
	return len(r.clients)
}
