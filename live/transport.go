package live

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// one outbound connection owned by a `Client`
type Transport interface {
	// non-blocking. Returns false if the message was dropped.
	Send(message []byte) bool
	// must not call the dialer's `closed` callback on the calling goroutine
	Close()
}

// Opens a transport. After a successful dial, `closed` is called exactly once
// when the transport ends, including after a local `Close`.
// `receive` is called for each inbound message, in order.
type Dialer interface {
	Dial(ctx context.Context, receive func(message []byte), closed func(err error)) (Transport, error)
}

type WsDialerSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	SendBufferSize   int
	Header           http.Header
}

func DefaultWsDialerSettings() *WsDialerSettings {
	return &WsDialerSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingTimeout:      25 * time.Second,
		SendBufferSize:   64,
	}
}

type WsDialer struct {
	url      string
	settings *WsDialerSettings
}

func NewWsDialerWithDefaults(url string) *WsDialer {
	return NewWsDialer(url, DefaultWsDialerSettings())
}

func NewWsDialer(url string, settings *WsDialerSettings) *WsDialer {
	return &WsDialer{
		url:      url,
		settings: settings,
	}
}

func (self *WsDialer) Dial(ctx context.Context, receive func(message []byte), closed func(err error)) (Transport, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	var ws *websocket.Conn
	var err error
	connect := func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, self.url, self.settings.Header)
		return ws, err
	}
	if glog.V(2) {
		ws, err = TraceWithReturnError("[t]connect "+self.url, connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		return nil, err
	}

	handleCtx, handleCancel := context.WithCancel(ctx)
	transport := &wsTransport{
		ctx:      handleCtx,
		cancel:   handleCancel,
		ws:       ws,
		settings: self.settings,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}
	go transport.run(receive, closed)
	return transport, nil
}

type wsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsDialerSettings

	send chan []byte

	errMutex sync.Mutex
	err      error
}

func (self *wsTransport) setErr(err error) {
	self.errMutex.Lock()
	defer self.errMutex.Unlock()
	if self.err == nil {
		self.err = err
	}
}

func (self *wsTransport) run(receive func(message []byte), closed func(err error)) {
	defer func() {
		self.ws.Close()
		self.errMutex.Lock()
		err := self.err
		self.errMutex.Unlock()
		closed(err)
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer func() {
			self.cancel()
			wg.Done()
		}()

		ping := time.NewTicker(self.settings.PingTimeout)
		defer ping.Stop()

		for {
			select {
			case <-self.ctx.Done():
				deadline := time.Now().Add(self.settings.WriteTimeout)
				self.ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					deadline,
				)
				return
			case message := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]-> error = %s\n", err)
					self.setErr(err)
					return
				}
				glog.V(2).Infof("[ts]->\n")
			case <-ping.C:
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					self.setErr(err)
					return
				}
			}
		}
	}()

	go func() {
		defer func() {
			self.cancel()
			wg.Done()
		}()

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		self.ws.SetPongHandler(func(string) error {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})

		for {
			messageType, message, err := self.ws.ReadMessage()
			if err != nil {
				select {
				case <-self.ctx.Done():
				default:
					glog.Infof("[tr]<- error = %s\n", err)
					self.setErr(err)
				}
				return
			}
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				glog.V(2).Infof("[tr]<-\n")
				receive(message)
			default:
				glog.V(2).Infof("[tr]other=%d <-\n", messageType)
			}
		}
	}()

	<-self.ctx.Done()
	// unblock the reader
	self.ws.SetReadDeadline(time.Now())
	wg.Wait()
}

func (self *wsTransport) Send(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		return false
	}
}

func (self *wsTransport) Close() {
	self.cancel()
}
