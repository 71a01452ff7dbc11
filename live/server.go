package live

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type ServerSettings struct {
	EventBufferSize  int
	SendBufferSize   int
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// must be longer than `PingTimeout`, since pongs are what keep an idle client readable
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	AllowedOrigins []string
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		EventBufferSize:  1024,
		SendBufferSize:   64,
		MaxMessageSize:   16 * 1024,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingTimeout:      25 * time.Second,
	}
}

// The server accepts websocket connections and routes broadcasts to them.
//
// All registry state is owned by a single event loop goroutine. Accepts,
// inbound frames, closes, and broadcasts are posted to the loop as events and
// each runs to completion before the next, so a broadcast never sees a
// half-removed connection. Event handlers never block on the network:
// sends are enqueued on a per-connection buffer that a writer goroutine drains.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings

	registry   *Registry
	dispatcher *Dispatcher

	events chan func()

	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context) *Server {
	return NewServer(ctx, DefaultServerSettings())
}

func NewServer(ctx context.Context, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := NewRegistry()
	server := &Server{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		registry:   registry,
		dispatcher: NewDispatcher(registry),
		events:     make(chan func(), settings.EventBufferSize),
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin:      checkOrigin(settings.AllowedOrigins),
		},
	}
	go server.run()
	return server
}

func checkOrigin(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(r *http.Request) bool {
			return true
		}
	}
	allowed := map[string]bool{}
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

func (self *Server) run() {
	defer func() {
		for _, conn := range self.registry.Connections() {
			if c, ok := conn.(*serverConn); ok {
				c.Close()
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			HandleError(event)
		}
	}
}

// returns false if the server is closed
func (self *Server) post(event func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}

// Broadcasts do not wait on a busy loop. When the event buffer is full the
// broadcast is dropped and logged, the same as a full connection send buffer.
func (self *Server) postBroadcast(event func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	default:
		glog.Infof("[s]event buffer full, drop broadcast\n")
		return false
	}
}

// runs `do` on the event loop and waits for it
func (self *Server) call(ctx context.Context, do func()) error {
	done := make(chan struct{})
	if !self.post(func() {
		defer close(done)
		do()
	}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return context.Canceled
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already responded
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	conn := newServerConn(ws, self.settings)
	if !self.post(func() {
		self.registry.Add(conn)
	}) {
		conn.Close()
		return
	}
	glog.V(1).Infof("[s]%s accept %s\n", conn.Id(), r.RemoteAddr)

	go conn.runWriter(self.ctx)

	conn.runReader(func(message []byte) bool {
		return self.post(func() {
			HandleClientFrame(self.registry, conn, message)
		})
	})

	conn.Close()
	self.post(func() {
		self.registry.Unregister(conn)
	})
	glog.V(1).Infof("[s]%s close\n", conn.Id())
}

// Applies one client frame to the registry. Malformed frames are logged and
// unknown frame types ignored; neither closes the connection.
func HandleClientFrame(registry *Registry, conn Conn, message []byte) {
	frame, err := DecodeClientFrame(message)
	if err != nil {
		glog.Infof("[s]%s bad frame = %s\n", conn.Id(), err)
		return
	}

	if frame.Type == FrameTypeRegister {
		if frame.UserId == "" {
			glog.V(1).Infof("[s]%s register missing userId\n", conn.Id())
			return
		}
		registry.Register(conn, frame.UserId)
		return
	}

	key, watch, ok := frame.ResourceKey()
	if !ok {
		glog.V(2).Infof("[s]%s ignore frame type %q\n", conn.Id(), frame.Type)
		return
	}
	if key.Id == "" {
		glog.V(1).Infof("[s]%s %s missing %s id\n", conn.Id(), frame.Type, key.Kind)
		return
	}
	if watch {
		registry.Watch(conn, key.Kind, key.Id)
	} else {
		registry.Unwatch(conn, key.Kind, key.Id)
	}
}

// The broadcast methods are safe to call from any goroutine and never block.
// The event is serialized by the caller and delivery happens on the event loop.
// Nothing is reported back about who received it.

func (self *Server) BroadcastToIdentities(identities []Identity, event any) {
	message, ok := encodeEvent(event)
	if !ok {
		return
	}
	identities = append([]Identity{}, identities...)
	self.postBroadcast(func() {
		self.dispatcher.ToIdentities(identities, message)
	})
}

func (self *Server) BroadcastToProjectWatchers(projectId ResourceId, event any, exclude Identity) {
	self.broadcastToWatchers(ResourceKindProject, projectId, event, exclude)
}

func (self *Server) BroadcastToAgendaWatchers(agendaId ResourceId, event any, exclude Identity) {
	self.broadcastToWatchers(ResourceKindAgenda, agendaId, event, exclude)
}

func (self *Server) broadcastToWatchers(kind ResourceKind, id ResourceId, event any, exclude Identity) {
	message, ok := encodeEvent(event)
	if !ok {
		return
	}
	self.postBroadcast(func() {
		self.dispatcher.ToWatchers(kind, id, message, exclude)
	})
}

func (self *Server) BroadcastToAll(event any, exclude Identity) {
	message, ok := encodeEvent(event)
	if !ok {
		return
	}
	self.postBroadcast(func() {
		self.dispatcher.ToAll(message, exclude)
	})
}

type ServerStats struct {
	Connections int `json:"connections"`
	Identities  int `json:"identities"`
	Watches     int `json:"watches"`
}

func (self *Server) Stats(ctx context.Context) (*ServerStats, error) {
	stats := &ServerStats{}
	err := self.call(ctx, func() {
		stats.Connections = self.registry.ConnectionCount()
		stats.Identities = self.registry.IdentityCount()
		stats.Watches = self.registry.WatchCount()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (self *Server) Connections(ctx context.Context) ([]*ConnectionInfo, error) {
	var infos []*ConnectionInfo
	err := self.call(ctx, func() {
		infos = self.registry.Describe()
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (self *Server) Close() {
	self.cancel()
}

// the server side of one websocket
type serverConn struct {
	id       Id
	ws       *websocket.Conn
	settings *ServerSettings

	send chan []byte
	open atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newServerConn(ws *websocket.Conn, settings *ServerSettings) *serverConn {
	conn := &serverConn{
		id:       NewId(),
		ws:       ws,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
		done:     make(chan struct{}),
	}
	conn.open.Store(true)
	return conn
}

func (self *serverConn) Id() Id {
	return self.id
}

func (self *serverConn) IsOpen() bool {
	return self.open.Load()
}

func (self *serverConn) Send(message []byte) bool {
	if !self.IsOpen() {
		return false
	}
	select {
	case self.send <- message:
		return true
	default:
		return false
	}
}

func (self *serverConn) Close() {
	self.closeOnce.Do(func() {
		self.open.Store(false)
		close(self.done)
		self.ws.Close()
	})
}

func (self *serverConn) runWriter(ctx context.Context) {
	defer self.Close()

	ping := time.NewTicker(self.settings.PingTimeout)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-self.done:
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[s]%s-> error = %s\n", self.id, err)
				return
			}
			glog.V(2).Infof("[s]%s->\n", self.id)
		case <-ping.C:
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// reads until the transport fails. `receive` returns false to stop reading.
func (self *serverConn) runReader(receive func(message []byte) bool) {
	self.ws.SetReadLimit(self.settings.MaxMessageSize)
	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				glog.Infof("[s]%s<- error = %s\n", self.id, err)
			}
			return
		}
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			glog.V(2).Infof("[s]%s<-\n", self.id)
			if !receive(message) {
				return
			}
		}
	}
}
