package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

func TestHandleClientFrame(t *testing.T) {
	registry := NewRegistry()

	a := newTestConn()
	registry.Add(a)

	HandleClientFrame(registry, a, []byte(`{"type":"register","userId":7}`))
	assert.Equal(t, registry.Identity(a), Identity("7"))

	HandleClientFrame(registry, a, []byte(`{"type":"watch_project","projectId":42}`))
	HandleClientFrame(registry, a, []byte(`{"type":"watch_project","projectId":"42"}`))
	HandleClientFrame(registry, a, []byte(`{"type":"watch_agenda","agendaId":5}`))
	assert.Equal(t, registry.Watched(a, ResourceKindProject), []ResourceId{"42"})
	assert.Equal(t, registry.Watched(a, ResourceKindAgenda), []ResourceId{"5"})

	HandleClientFrame(registry, a, []byte(`{"type":"unwatch_agenda","agendaId":5}`))
	assert.Equal(t, registry.Watched(a, ResourceKindAgenda), []ResourceId{})

	// malformed, unknown, and incomplete frames change nothing
	HandleClientFrame(registry, a, []byte(`{"type":"watch_project",`))
	HandleClientFrame(registry, a, []byte(`{"type":"subscribe_everything"}`))
	HandleClientFrame(registry, a, []byte(`{"type":"ping","projectId":{}}`))
	HandleClientFrame(registry, a, []byte(`{"type":"watch_project"}`))
	HandleClientFrame(registry, a, []byte(`{"type":"register"}`))
	HandleClientFrame(registry, a, []byte(`{"type":"register","userId":true}`))
	assert.Equal(t, registry.Identity(a), Identity("7"))
	assert.Equal(t, registry.Watched(a, ResourceKindProject), []ResourceId{"42"})
	assert.Equal(t, registry.WatchCount(), 1)
	assert.Equal(t, a.IsOpen(), true)
}

func TestCheckOrigin(t *testing.T) {
	allowAll := checkOrigin(nil)
	allowOne := checkOrigin([]string{"https://app.example.com"})

	for _, c := range []struct {
		origin   string
		allowAll bool
		allowOne bool
	}{
		{"", true, true},
		{"https://app.example.com", true, true},
		{"https://evil.example.com", true, false},
	} {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if c.origin != "" {
			r.Header.Set("Origin", c.origin)
		}
		assert.Equal(t, allowAll(r), c.allowAll)
		assert.Equal(t, allowOne(r), c.allowOne)
	}
}

func newTestServer(t *testing.T, ctx context.Context) (*Server, string) {
	server := NewServerWithDefaults(ctx)
	httpServer := httptest.NewServer(NewRouter(server, DefaultApiSettings()))
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	wsUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	return server, wsUrl
}

func dialTestWs(t *testing.T, wsUrl string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		ws.Close()
	})
	return ws
}

func writeTestFrame(t *testing.T, ws *websocket.Conn, frame string) {
	err := ws.WriteMessage(websocket.TextMessage, []byte(frame))
	assert.Equal(t, err, nil)
}

func readTestEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	event := map[string]any{}
	err = json.Unmarshal(message, &event)
	assert.Equal(t, err, nil)
	return event
}

func waitFor(t *testing.T, condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForStats(t *testing.T, server *Server, expected ServerStats) {
	waitFor(t, func() bool {
		stats, err := server.Stats(context.Background())
		return err == nil && *stats == expected
	})
}

func TestServerProjectWatchersExcludeActor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, wsUrl := newTestServer(t, ctx)

	a := dialTestWs(t, wsUrl)
	writeTestFrame(t, a, `{"type":"register","userId":"7"}`)
	writeTestFrame(t, a, `{"type":"watch_project","projectId":42}`)

	b := dialTestWs(t, wsUrl)
	writeTestFrame(t, b, `{"type":"register","userId":"9"}`)
	writeTestFrame(t, b, `{"type":"watch_project","projectId":42}`)

	waitForStats(t, server, ServerStats{Connections: 2, Identities: 2, Watches: 2})

	server.BroadcastToProjectWatchers(
		"42",
		map[string]any{"type": "comment_added", "projectId": 42},
		"9",
	)
	// broadcasts are delivered in order per connection,
	// so the marker is the first thing `b` sees if the comment was excluded
	server.BroadcastToAll(map[string]any{"type": "marker"}, NoExclude)

	event := readTestEvent(t, a)
	assert.Equal(t, event["type"], "comment_added")
	assert.Equal(t, event["projectId"], float64(42))
	assert.Equal(t, readTestEvent(t, a)["type"], "marker")

	assert.Equal(t, readTestEvent(t, b)["type"], "marker")
}

func TestServerUnwatchedAgenda(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, wsUrl := newTestServer(t, ctx)

	a := dialTestWs(t, wsUrl)
	writeTestFrame(t, a, `{"type":"register","userId":"7"}`)
	writeTestFrame(t, a, `{"type":"watch_project","projectId":5}`)
	waitForStats(t, server, ServerStats{Connections: 1, Identities: 1, Watches: 1})

	server.BroadcastToAgendaWatchers("5", map[string]any{"type": "agenda_updated", "agendaId": 5}, NoExclude)
	server.BroadcastToIdentities([]Identity{"7"}, map[string]any{"type": "marker"})

	assert.Equal(t, readTestEvent(t, a)["type"], "marker")
}

func TestServerBadFrameKeepsConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, wsUrl := newTestServer(t, ctx)

	a := dialTestWs(t, wsUrl)
	writeTestFrame(t, a, `this is not json`)
	writeTestFrame(t, a, `{"type":"unknown_type"}`)
	writeTestFrame(t, a, `{"type":"register","userId":"7"}`)
	waitForStats(t, server, ServerStats{Connections: 1, Identities: 1, Watches: 0})

	server.BroadcastToIdentities([]Identity{"7"}, map[string]any{"type": "notification"})
	assert.Equal(t, readTestEvent(t, a)["type"], "notification")
}

func TestServerCloseUnregisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, wsUrl := newTestServer(t, ctx)

	a := dialTestWs(t, wsUrl)
	writeTestFrame(t, a, `{"type":"register","userId":"7"}`)
	writeTestFrame(t, a, `{"type":"watch_agenda","agendaId":5}`)

	b := dialTestWs(t, wsUrl)
	writeTestFrame(t, b, `{"type":"register","userId":"7"}`)
	waitForStats(t, server, ServerStats{Connections: 2, Identities: 1, Watches: 1})

	a.Close()
	waitForStats(t, server, ServerStats{Connections: 1, Identities: 1, Watches: 0})

	b.Close()
	waitForStats(t, server, ServerStats{Connections: 0, Identities: 0, Watches: 0})
}

func TestServerMultipleConnectionsPerIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, wsUrl := newTestServer(t, ctx)

	a1 := dialTestWs(t, wsUrl)
	a2 := dialTestWs(t, wsUrl)
	for _, ws := range []*websocket.Conn{a1, a2} {
		writeTestFrame(t, ws, `{"type":"register","userId":"7"}`)
		writeTestFrame(t, ws, `{"type":"watch_agenda","agendaId":"5"}`)
	}
	waitForStats(t, server, ServerStats{Connections: 2, Identities: 1, Watches: 2})

	server.BroadcastToAgendaWatchers("5", map[string]any{"type": "agenda_updated", "agendaId": 5}, NoExclude)
	server.BroadcastToAll(map[string]any{"type": "marker"}, NoExclude)

	for _, ws := range []*websocket.Conn{a1, a2} {
		assert.Equal(t, readTestEvent(t, ws)["type"], "agenda_updated")
		assert.Equal(t, readTestEvent(t, ws)["type"], "marker")
	}
}

func TestServerClosed(t *testing.T) {
	server := NewServerWithDefaults(context.Background())
	server.Close()

	_, err := server.Stats(context.Background())
	assert.NotEqual(t, err, nil)

	// broadcasts after close are dropped, not blocked
	server.BroadcastToAll(map[string]any{"type": "notification"}, NoExclude)
}

// blocks the event loop until the returned func is called
func pauseTestServer(t *testing.T, server *Server) func() {
	started := make(chan struct{})
	release := make(chan struct{})
	assert.Equal(t, server.post(func() {
		close(started)
		<-release
	}), true)
	<-started
	return func() {
		close(release)
	}
}

func TestServerBroadcastCopiesEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewServerWithDefaults(ctx)
	defer server.Close()

	a := newTestConn()
	err := server.call(ctx, func() {
		server.registry.Register(a, "7")
	})
	assert.Equal(t, err, nil)

	resume := pauseTestServer(t, server)
	message := []byte(`{"type":"a"}`)
	server.BroadcastToAll(message, NoExclude)
	raw := json.RawMessage(`{"type":"b"}`)
	server.BroadcastToIdentities([]Identity{"7"}, raw)
	// the caller reuses its buffers before delivery
	copy(message, `{"type":"X"}`)
	copy(raw, `{"type":"Y"}`)
	resume()

	waitFor(t, func() bool {
		return len(a.received()) == 2
	})
	assert.Equal(t, a.received(), []string{`{"type":"a"}`, `{"type":"b"}`})
}

func TestServerBroadcastDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultServerSettings()
	settings.EventBufferSize = 2
	server := NewServer(ctx, settings)
	defer server.Close()

	a := newTestConn()
	err := server.call(ctx, func() {
		server.registry.Register(a, "7")
		server.registry.Watch(a, ResourceKindAgenda, "5")
	})
	assert.Equal(t, err, nil)

	resume := pauseTestServer(t, server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.BroadcastToAll(map[string]any{"type": "first"}, NoExclude)
		server.BroadcastToAgendaWatchers("5", map[string]any{"type": "second"}, NoExclude)
		// the buffer is full, so these are dropped
		server.BroadcastToIdentities([]Identity{"7"}, map[string]any{"type": "third"})
		server.BroadcastToProjectWatchers("42", map[string]any{"type": "fourth"}, NoExclude)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a busy loop")
	}
	resume()

	waitForStats(t, server, ServerStats{Connections: 1, Identities: 1, Watches: 1})
	assert.Equal(t, a.received(), []string{`{"type":"first"}`, `{"type":"second"}`})
}

func TestServerConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, wsUrl := newTestServer(t, ctx)

	a := dialTestWs(t, wsUrl)
	writeTestFrame(t, a, `{"type":"register","userId":"7"}`)
	writeTestFrame(t, a, `{"type":"watch_project","projectId":42}`)
	writeTestFrame(t, a, `{"type":"watch_agenda","agendaId":5}`)
	waitForStats(t, server, ServerStats{Connections: 1, Identities: 1, Watches: 2})

	b := dialTestWs(t, wsUrl)
	writeTestFrame(t, b, `{"type":"watch_project","projectId":"17"}`)
	waitForStats(t, server, ServerStats{Connections: 2, Identities: 1, Watches: 3})

	infos, err := server.Connections(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(infos), 2)
	// accept order
	assert.Equal(t, infos[0].ConnectionId.LessThan(infos[1].ConnectionId), true)
	assert.Equal(t, infos[0].Identity, Identity("7"))
	assert.Equal(t, infos[0].Projects, []ResourceId{"42"})
	assert.Equal(t, infos[0].Agendas, []ResourceId{"5"})
	assert.Equal(t, infos[1].Identity, Identity(""))
	assert.Equal(t, infos[1].Projects, []ResourceId{"17"})
	assert.Equal(t, infos[1].Agendas, []ResourceId{})
}
