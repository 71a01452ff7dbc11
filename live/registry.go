package live

import (
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// one open bidirectional transport
type Conn interface {
	Id() Id
	// false once the transport has reported a read or write failure,
	// which may be before the close has been processed by the registry
	IsOpen() bool
	// non-blocking. Returns false if the message was dropped.
	Send(message []byte) bool
}

type connectionState struct {
	conn     Conn
	identity Identity
	watches  map[ResourceKind]map[ResourceId]bool
}

// The registry tracks every live connection, the identity each one claimed,
// and what each one watches. Identity and watcher maps are indexes over
// `connections` and are only changed in lock-step with it.
//
// The registry is not safe for concurrent use. The server owns exactly one
// and only touches it from its event loop.
type Registry struct {
	connections         map[Id]*connectionState
	identityConnections map[Identity]map[Id]*connectionState
	watchers            map[ResourceKey]map[Id]*connectionState
}

func NewRegistry() *Registry {
	return &Registry{
		connections:         map[Id]*connectionState{},
		identityConnections: map[Identity]map[Id]*connectionState{},
		watchers:            map[ResourceKey]map[Id]*connectionState{},
	}
}

// tracks a newly accepted connection with no identity and no watches
func (self *Registry) Add(conn Conn) {
	self.state(conn)
}

func (self *Registry) state(conn Conn) *connectionState {
	state, ok := self.connections[conn.Id()]
	if !ok {
		state = &connectionState{
			conn:    conn,
			watches: map[ResourceKind]map[ResourceId]bool{},
		}
		self.connections[conn.Id()] = state
	}
	return state
}

// A connection belongs to at most one identity. Registering a different
// identity replaces the previous association.
func (self *Registry) Register(conn Conn, identity Identity) {
	if identity == "" {
		return
	}
	state := self.state(conn)
	if state.identity == identity {
		return
	}
	self.removeIdentity(state)

	state.identity = identity
	identityConnections, ok := self.identityConnections[identity]
	if !ok {
		identityConnections = map[Id]*connectionState{}
		self.identityConnections[identity] = identityConnections
	}
	identityConnections[conn.Id()] = state
	glog.V(1).Infof("[r]%s register %s (%d)\n", conn.Id(), identity, len(identityConnections))
}

// removes the connection from every index. Safe to call more than once.
func (self *Registry) Unregister(conn Conn) {
	state, ok := self.connections[conn.Id()]
	if !ok {
		return
	}
	self.removeIdentity(state)
	for kind, ids := range state.watches {
		for id := range ids {
			self.removeWatcher(ResourceKey{Kind: kind, Id: id}, state)
		}
	}
	state.watches = map[ResourceKind]map[ResourceId]bool{}
	delete(self.connections, conn.Id())
	glog.V(1).Infof("[r]%s unregister\n", conn.Id())
}

func (self *Registry) removeIdentity(state *connectionState) {
	if state.identity == "" {
		return
	}
	if identityConnections, ok := self.identityConnections[state.identity]; ok {
		delete(identityConnections, state.conn.Id())
		if len(identityConnections) == 0 {
			delete(self.identityConnections, state.identity)
		}
	}
	state.identity = ""
}

// open connections owned by the identity, in accept order
func (self *Registry) ConnectionsFor(identity Identity) []Conn {
	return openConns(self.identityConnections[identity])
}

// the identity bound to the connection, or "" when unregistered or unknown
func (self *Registry) Identity(conn Conn) Identity {
	if state, ok := self.connections[conn.Id()]; ok {
		return state.identity
	}
	return ""
}

func (self *Registry) Contains(conn Conn) bool {
	_, ok := self.connections[conn.Id()]
	return ok
}

// every open connection, in accept order
func (self *Registry) Connections() []Conn {
	return openConns(self.connections)
}

// one connection as reported by the stats api
type ConnectionInfo struct {
	ConnectionId Id           `json:"connectionId"`
	Identity     Identity     `json:"identity,omitempty"`
	Projects     []ResourceId `json:"projects"`
	Agendas      []ResourceId `json:"agendas"`
}

// every open connection with its identity and watches, in accept order
func (self *Registry) Describe() []*ConnectionInfo {
	infos := []*ConnectionInfo{}
	for _, conn := range self.Connections() {
		state := self.connections[conn.Id()]
		infos = append(infos, &ConnectionInfo{
			ConnectionId: conn.Id(),
			Identity:     state.identity,
			Projects:     sortedIds(state.watches[ResourceKindProject]),
			Agendas:      sortedIds(state.watches[ResourceKindAgenda]),
		})
	}
	return infos
}

func (self *Registry) ConnectionCount() int {
	return len(self.connections)
}

func (self *Registry) IdentityCount() int {
	return len(self.identityConnections)
}

func openConns(states map[Id]*connectionState) []Conn {
	conns := make([]Conn, 0, len(states))
	for _, state := range states {
		if state.conn.IsOpen() {
			conns = append(conns, state.conn)
		}
	}
	sortConns(conns)
	return conns
}

func sortConns(conns []Conn) {
	slices.SortFunc(conns, func(a Conn, b Conn) int {
		switch {
		case a.Id().LessThan(b.Id()):
			return -1
		case b.Id().LessThan(a.Id()):
			return 1
		default:
			return 0
		}
	})
}
