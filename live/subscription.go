package live

import (
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// Watch sets have set semantics. Watching twice is the same as watching once,
// and unwatching something not watched is a no-op. Resource ids are not
// checked against any store.

func (self *Registry) Watch(conn Conn, kind ResourceKind, id ResourceId) {
	state := self.state(conn)
	ids, ok := state.watches[kind]
	if !ok {
		ids = map[ResourceId]bool{}
		state.watches[kind] = ids
	}
	if ids[id] {
		return
	}
	ids[id] = true

	key := ResourceKey{Kind: kind, Id: id}
	keyWatchers, ok := self.watchers[key]
	if !ok {
		keyWatchers = map[Id]*connectionState{}
		self.watchers[key] = keyWatchers
	}
	keyWatchers[conn.Id()] = state
	glog.V(1).Infof("[r]%s watch %s (%d)\n", conn.Id(), key, len(keyWatchers))
}

func (self *Registry) Unwatch(conn Conn, kind ResourceKind, id ResourceId) {
	state, ok := self.connections[conn.Id()]
	if !ok {
		return
	}
	ids, ok := state.watches[kind]
	if !ok || !ids[id] {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(state.watches, kind)
	}
	key := ResourceKey{Kind: kind, Id: id}
	self.removeWatcher(key, state)
	glog.V(1).Infof("[r]%s unwatch %s\n", conn.Id(), key)
}

func (self *Registry) removeWatcher(key ResourceKey, state *connectionState) {
	if keyWatchers, ok := self.watchers[key]; ok {
		delete(keyWatchers, state.conn.Id())
		if len(keyWatchers) == 0 {
			delete(self.watchers, key)
		}
	}
}

// open connections watching the resource, in accept order
func (self *Registry) WatchersOf(kind ResourceKind, id ResourceId) []Conn {
	return openConns(self.watchers[ResourceKey{Kind: kind, Id: id}])
}

// the resource ids of `kind` watched by the connection, sorted
func (self *Registry) Watched(conn Conn, kind ResourceKind) []ResourceId {
	state, ok := self.connections[conn.Id()]
	if !ok {
		return []ResourceId{}
	}
	return sortedIds(state.watches[kind])
}

func (self *Registry) WatchCount() int {
	n := 0
	for _, keyWatchers := range self.watchers {
		n += len(keyWatchers)
	}
	return n
}

func sortedIds(ids map[ResourceId]bool) []ResourceId {
	sorted := make([]ResourceId, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)
	return sorted
}
