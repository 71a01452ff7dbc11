package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ClientState int

const (
	ClientStateDisconnected ClientState = iota
	ClientStateConnecting
	ClientStateOpen
	ClientStateReconnectWait
)

func (self ClientState) String() string {
	switch self {
	case ClientStateDisconnected:
		return "disconnected"
	case ClientStateConnecting:
		return "connecting"
	case ClientStateOpen:
		return "open"
	case ClientStateReconnectWait:
		return "reconnect_wait"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ClientSettings struct {
	// the nth consecutive failure waits `n * ReconnectDelay`
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Scheduler            Scheduler
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ReconnectDelay:       2000 * time.Millisecond,
		MaxReconnectAttempts: 5,
		Scheduler:            RealScheduler(),
	}
}

type EventFunction = func(event *Event)

// The client keeps one live connection to the server for a bound identity.
//
// Watches are retained locally for the lifetime of the binding and replayed
// after every successful (re)connect, since the server forgets a connection's
// watches when it closes. After an unexpected close the client retries with
// linear backoff up to `MaxReconnectAttempts`, then stays disconnected until
// `Connect` is called again. `State` is the only way to observe that.
//
// State transitions are serialized by `stateLock`. Dialing happens off the lock,
// and transport callbacks carry the generation they were created in so that
// events from a replaced transport are ignored.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer   Dialer
	settings *ClientSettings

	stateLock       sync.Mutex
	state           ClientState
	identity        Identity
	attempts        int
	generation      uint64
	transport       Transport
	cancelReconnect func() bool
	watches         map[ResourceKind]map[ResourceId]bool

	handlersLock sync.Mutex
	handlers     map[string]*CallbackList[EventFunction]
	anyHandlers  *CallbackList[EventFunction]
}

func NewClientWithDefaults(ctx context.Context, url string) *Client {
	return NewClient(ctx, NewWsDialerWithDefaults(url), DefaultClientSettings())
}

func NewClient(ctx context.Context, dialer Dialer, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	if settings.Scheduler == nil {
		settings.Scheduler = RealScheduler()
	}
	return &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		dialer:      dialer,
		settings:    settings,
		state:       ClientStateDisconnected,
		watches:     map[ResourceKind]map[ResourceId]bool{},
		handlers:    map[string]*CallbackList[EventFunction]{},
		anyHandlers: NewCallbackList[EventFunction](),
	}
}

// Binds the identity and connects. Calling again resets the attempt counter,
// which is how an application resumes after the client has given up.
func (self *Client) Connect(identity Identity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	previousIdentity := self.identity
	self.identity = identity
	self.attempts = 0

	switch self.state {
	case ClientStateOpen:
		if previousIdentity != identity {
			self.sendFrame(RegisterFrame(identity))
		}
	case ClientStateConnecting:
		// the dial in flight registers the bound identity when it opens
	default:
		self.stopReconnect()
		self.dial()
	}
}

// Clears the identity and every retained watch, cancels a pending reconnect,
// and closes the transport. A later `Connect` starts fresh.
func (self *Client) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.identity = ""
	self.watches = map[ResourceKind]map[ResourceId]bool{}
	self.attempts = 0
	self.stopReconnect()
	self.generation += 1
	if self.transport != nil {
		self.transport.Close()
		self.transport = nil
	}
	self.state = ClientStateDisconnected
	glog.V(1).Infof("[c]disconnect\n")
}

// Disconnects and releases the client. The client cannot be reused.
func (self *Client) Close() {
	self.Disconnect()
	self.cancel()
}

// The watch is retained even when not open, and is sent on the next open.
func (self *Client) Watch(kind ResourceKind, id ResourceId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ids, ok := self.watches[kind]
	if !ok {
		ids = map[ResourceId]bool{}
		self.watches[kind] = ids
	}
	ids[id] = true

	if self.state == ClientStateOpen {
		self.sendFrame(WatchFrame(kind, id))
	}
}

func (self *Client) Unwatch(kind ResourceKind, id ResourceId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ids, ok := self.watches[kind]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(self.watches, kind)
		}
	}

	if self.state == ClientStateOpen {
		self.sendFrame(UnwatchFrame(kind, id))
	}
}

func (self *Client) WatchProject(projectId ResourceId) {
	self.Watch(ResourceKindProject, projectId)
}

func (self *Client) UnwatchProject(projectId ResourceId) {
	self.Unwatch(ResourceKindProject, projectId)
}

func (self *Client) WatchAgenda(agendaId ResourceId) {
	self.Watch(ResourceKindAgenda, agendaId)
}

func (self *Client) UnwatchAgenda(agendaId ResourceId) {
	self.Unwatch(ResourceKindAgenda, agendaId)
}

// retained watches of `kind`, sorted
func (self *Client) Watched(kind ResourceKind) []ResourceId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedIds(self.watches[kind])
}

func (self *Client) State() ClientState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Client) Identity() Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.identity
}

// consecutive failures since the last successful open
func (self *Client) Attempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attempts
}

// Calls `handler` for each incoming event with the given type.
// Handlers run on the transport's receive goroutine and must not block.
func (self *Client) On(eventType string, handler EventFunction) (remove func()) {
	self.handlersLock.Lock()
	callbacks, ok := self.handlers[eventType]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.handlers[eventType] = callbacks
	}
	self.handlersLock.Unlock()

	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// Calls `handler` for every incoming event.
func (self *Client) OnAny(handler EventFunction) (remove func()) {
	callbackId := self.anyHandlers.Add(handler)
	return func() {
		self.anyHandlers.Remove(callbackId)
	}
}

// must be called with the state lock
func (self *Client) sendFrame(frame *ClientFrame) {
	if frame == nil || self.transport == nil {
		return
	}
	message, err := EncodeClientFrame(frame)
	if err != nil {
		glog.Infof("[c]frame encode error = %s\n", err)
		return
	}
	if !self.transport.Send(message) {
		glog.Infof("[c]drop %s\n", frame.Type)
	}
}

// must be called with the state lock
func (self *Client) stopReconnect() {
	if self.cancelReconnect != nil {
		self.cancelReconnect()
		self.cancelReconnect = nil
	}
}

// must be called with the state lock
func (self *Client) dial() {
	self.generation += 1
	generation := self.generation
	self.state = ClientStateConnecting
	glog.V(1).Infof("[c]connect %s (%d)\n", self.identity, self.attempts)

	go func() {
		transport, err := self.dialer.Dial(
			self.ctx,
			func(message []byte) {
				self.receive(generation, message)
			},
			func(err error) {
				self.closed(generation, err)
			},
		)
		self.opened(generation, transport, err)
	}()
}

func (self *Client) opened(generation uint64, transport Transport, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation != self.generation || self.state != ClientStateConnecting {
		// replaced while dialing
		if transport != nil {
			transport.Close()
		}
		return
	}
	if err != nil {
		glog.Infof("[c]connect error = %s\n", err)
		self.failed()
		return
	}

	self.transport = transport
	self.state = ClientStateOpen
	self.attempts = 0
	glog.V(1).Infof("[c]open %s\n", self.identity)

	self.sendFrame(RegisterFrame(self.identity))
	for _, kind := range ResourceKinds {
		for _, id := range sortedIds(self.watches[kind]) {
			self.sendFrame(WatchFrame(kind, id))
		}
	}
}

func (self *Client) closed(generation uint64, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation != self.generation {
		return
	}
	switch self.state {
	case ClientStateOpen, ClientStateConnecting:
		if err != nil {
			glog.Infof("[c]closed error = %s\n", err)
		}
		self.failed()
	}
}

// Handles an unexpected close or a failed dial.
// Must be called with the state lock.
func (self *Client) failed() {
	self.generation += 1
	if self.transport != nil {
		self.transport.Close()
		self.transport = nil
	}

	if self.identity == "" {
		self.state = ClientStateDisconnected
		return
	}

	self.attempts += 1
	if self.settings.MaxReconnectAttempts < self.attempts {
		glog.Infof("[c]reconnect gave up after %d attempts\n", self.settings.MaxReconnectAttempts)
		self.state = ClientStateDisconnected
		return
	}

	generation := self.generation
	delay := time.Duration(self.attempts) * self.settings.ReconnectDelay
	self.state = ClientStateReconnectWait
	self.cancelReconnect = self.settings.Scheduler.AfterFunc(delay, func() {
		self.reconnect(generation)
	})
	glog.V(1).Infof("[c]reconnect %d in %s\n", self.attempts, delay)
}

func (self *Client) reconnect(generation uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation != self.generation || self.state != ClientStateReconnectWait {
		return
	}
	self.cancelReconnect = nil
	select {
	case <-self.ctx.Done():
		self.state = ClientStateDisconnected
		return
	default:
	}
	self.dial()
}

func (self *Client) receive(generation uint64, message []byte) {
	self.stateLock.Lock()
	current := generation == self.generation
	self.stateLock.Unlock()
	if !current {
		return
	}

	event, err := DecodeEvent(message)
	if err != nil {
		// a bad message does not close the transport
		glog.Infof("[c]bad event = %s\n", err)
		return
	}

	self.handlersLock.Lock()
	callbacks := self.handlers[event.Type]
	self.handlersLock.Unlock()

	handlers := self.anyHandlers.Get()
	if callbacks != nil {
		handlers = append(handlers, callbacks.Get()...)
	}
	for _, handler := range handlers {
		HandleError(func() {
			handler(event)
		})
	}
}
