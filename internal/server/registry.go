package server

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/snowfight/snowfight/internal/conn"
)

// How long the id of a removed connection is remembered, so that late
// removals of it can be told apart from removals of ids never seen.
const tombstoneExpiration = 10 * time.Minute

// registry is the insertion ordered set of live connections.
type registry struct {
	mu    sync.RWMutex
	byID  map[conn.ID]*conn.Connection
	order []conn.ID

	removed *cache.Cache
}

func newRegistry() *registry {
	return &registry{
		byID:    make(map[conn.ID]*conn.Connection),
		removed: cache.New(tombstoneExpiration, 2*tombstoneExpiration),
	}
}

func (r *registry) add(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.ID()]; ok {
		return
	}
	r.byID[c.ID()] = c
	r.order = append(r.order, c.ID())
}

// remove deletes the connection with id and returns it along with a snapshot
// of the connections that remain. ok is false if id was not registered.
func (r *registry) remove(id conn.ID) (removed *conn.Connection, remaining []*conn.Connection, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed, ok = r.byID[id]
	if !ok {
		return nil, nil, false
	}
	delete(r.byID, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.removed.SetDefault(string(id), time.Now())

	return removed, r.snapshotLocked(), true
}

// removeAll empties the registry and returns what it held, in order.
func (r *registry) removeAll() []*conn.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.snapshotLocked()
	for _, c := range all {
		r.removed.SetDefault(string(c.ID()), time.Now())
	}
	r.byID = make(map[conn.ID]*conn.Connection)
	r.order = nil
	return all
}

func (r *registry) snapshot() []*conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *registry) snapshotLocked() []*conn.Connection {
	clients := make([]*conn.Connection, 0, len(r.order))
	for _, id := range r.order {
		clients = append(clients, r.byID[id])
	}
	return clients
}

func (r *registry) contains(id conn.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// wasRemoved reports whether id was registered and removed recently.
func (r *registry) wasRemoved(id conn.ID) bool {
	_, ok := r.removed.Get(string(id))
	return ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
