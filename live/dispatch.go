package live

import (
	"encoding/json"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// Fans an event out to matching open connections. Delivery is best-effort:
// closed connections are skipped, full send buffers drop the message, and
// nothing is queued or retried.
//
// The returned counts are the number of sends attempted. They exist for logging
// and tests, the collaborator surface on `Server` does not expose them.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
	}
}

// every open connection owned by any of the identities
func (self *Dispatcher) ToIdentities(identities []Identity, event any) int {
	message, ok := encodeEvent(event)
	if !ok {
		return 0
	}
	candidates := []Conn{}
	for _, identity := range identities {
		candidates = append(candidates, self.registry.ConnectionsFor(identity)...)
	}
	n := self.deliver(candidates, message, NoExclude)
	glog.V(2).Infof("[d]identities %v -> %d\n", identities, n)
	return n
}

func (self *Dispatcher) ToProjectWatchers(projectId ResourceId, event any, exclude Identity) int {
	return self.ToWatchers(ResourceKindProject, projectId, event, exclude)
}

func (self *Dispatcher) ToAgendaWatchers(agendaId ResourceId, event any, exclude Identity) int {
	return self.ToWatchers(ResourceKindAgenda, agendaId, event, exclude)
}

// every open connection watching the resource, except those owned by `exclude`
func (self *Dispatcher) ToWatchers(kind ResourceKind, id ResourceId, event any, exclude Identity) int {
	message, ok := encodeEvent(event)
	if !ok {
		return 0
	}
	n := self.deliver(self.registry.WatchersOf(kind, id), message, exclude)
	glog.V(2).Infof("[d]watchers %s/%s exclude=%q -> %d\n", kind, id, exclude, n)
	return n
}

// every open connection, except those owned by `exclude`
func (self *Dispatcher) ToAll(event any, exclude Identity) int {
	message, ok := encodeEvent(event)
	if !ok {
		return 0
	}
	n := self.deliver(self.registry.Connections(), message, exclude)
	glog.V(2).Infof("[d]all exclude=%q -> %d\n", exclude, n)
	return n
}

func (self *Dispatcher) deliver(candidates []Conn, message []byte, exclude Identity) int {
	sent := map[Id]bool{}
	n := 0
	for _, conn := range candidates {
		if sent[conn.Id()] {
			continue
		}
		sent[conn.Id()] = true
		if !conn.IsOpen() {
			continue
		}
		if exclude != NoExclude && self.registry.Identity(conn) == exclude {
			continue
		}
		n += 1
		if !conn.Send(message) {
			glog.Infof("[d]%s drop\n", conn.Id())
		}
	}
	return n
}

// Events are serialized once per broadcast. Bytes passed in are copied,
// since delivery happens after the caller returns.
func encodeEvent(event any) ([]byte, bool) {
	var message []byte
	switch v := event.(type) {
	case json.RawMessage:
		message = slices.Clone(v)
	case []byte:
		message = slices.Clone(v)
	default:
		var err error
		message, err = json.Marshal(event)
		if err != nil {
			glog.Infof("[d]event encode error = %s\n", err)
			return nil, false
		}
	}
	return message, true
}
