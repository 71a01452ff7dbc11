package live

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

const testApiSecret = "test-secret"

func newTestApi(t *testing.T, ctx context.Context) (*Server, string) {
	server := NewServerWithDefaults(ctx)
	apiSettings := DefaultApiSettings()
	apiSettings.Secret = testApiSecret
	apiSettings.MaxBodySize = 1024
	httpServer := httptest.NewServer(NewRouter(server, apiSettings))
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	return server, httpServer.URL
}

func testPost(t *testing.T, url string, token string, body string) int {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	assert.Equal(t, err, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	return resp.StatusCode
}

func TestApiStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, apiUrl := newTestApi(t, ctx)

	token, err := NewApiToken(testApiSecret, "projects-service", time.Minute)
	assert.Equal(t, err, nil)
	otherToken, err := NewApiToken("other-secret", "projects-service", time.Minute)
	assert.Equal(t, err, nil)

	event := `{"event":{"type":"comment_added","projectId":42}}`

	assert.Equal(t, testPost(t, apiUrl+"/broadcast/projects/42", token, event), http.StatusAccepted)
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/agendas/5", token, event), http.StatusAccepted)
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", token, event), http.StatusAccepted)
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/identities", token, `{"identities":["7",9],"event":{"type":"notification"}}`), http.StatusAccepted)

	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", "", event), http.StatusUnauthorized)
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", otherToken, event), http.StatusUnauthorized)
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", "not-a-token", event), http.StatusUnauthorized)

	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", token, `{"event":`), http.StatusBadRequest)
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", token, `{"event":{"projectId":42}}`), http.StatusBadRequest)
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", token, `{}`), http.StatusBadRequest)
	tooLarge := `{"event":{"type":"notification","body":"` + strings.Repeat("x", 2048) + `"}}`
	assert.Equal(t, testPost(t, apiUrl+"/broadcast/all", token, tooLarge), http.StatusBadRequest)

	resp, err := http.Get(apiUrl + "/health")
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	for _, path := range []string{"/stats", "/stats/connections"} {
		resp, err = http.Get(apiUrl + path)
		assert.Equal(t, err, nil)
		resp.Body.Close()
		assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestApiClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, apiUrl := newTestApi(t, ctx)
	wsUrl := "ws" + strings.TrimPrefix(apiUrl, "http") + "/ws"

	a := dialTestWs(t, wsUrl)
	writeTestFrame(t, a, `{"type":"register","userId":"7"}`)
	writeTestFrame(t, a, `{"type":"watch_project","projectId":42}`)
	writeTestFrame(t, a, `{"type":"watch_agenda","agendaId":"a/5"}`)

	b := dialTestWs(t, wsUrl)
	writeTestFrame(t, b, `{"type":"register","userId":"9"}`)
	writeTestFrame(t, b, `{"type":"watch_project","projectId":42}`)

	waitForStats(t, server, ServerStats{Connections: 2, Identities: 2, Watches: 3})

	token, err := NewApiToken(testApiSecret, "projects-service", 0)
	assert.Equal(t, err, nil)
	apiClient := NewApiClient(apiUrl+"/", token)

	stats, err := apiClient.Stats(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, *stats, ServerStats{Connections: 2, Identities: 2, Watches: 3})

	infos, err := apiClient.Connections(ctx)
	assert.Equal(t, err, nil)
	serverInfos, err := server.Connections(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, infos, serverInfos)
	agendas := map[Identity][]ResourceId{}
	for _, info := range infos {
		agendas[info.Identity] = info.Agendas
	}
	assert.Equal(t, agendas, map[Identity][]ResourceId{
		"7": {"a/5"},
		"9": {},
	})

	err = apiClient.BroadcastToProjectWatchers(ctx, "42", map[string]any{"type": "comment_added", "projectId": 42}, "7")
	assert.Equal(t, err, nil)
	err = apiClient.BroadcastToAgendaWatchers(ctx, "a/5", map[string]any{"type": "agenda_updated"}, NoExclude)
	assert.Equal(t, err, nil)
	err = apiClient.BroadcastToIdentities(ctx, []Identity{"9"}, map[string]any{"type": "notification"})
	assert.Equal(t, err, nil)
	err = apiClient.BroadcastToAll(ctx, map[string]any{"type": "marker"}, NoExclude)
	assert.Equal(t, err, nil)

	assert.Equal(t, readTestEvent(t, a)["type"], "agenda_updated")
	assert.Equal(t, readTestEvent(t, a)["type"], "marker")

	event := readTestEvent(t, b)
	assert.Equal(t, event["type"], "comment_added")
	assert.Equal(t, event["projectId"], float64(42))
	assert.Equal(t, readTestEvent(t, b)["type"], "notification")
	assert.Equal(t, readTestEvent(t, b)["type"], "marker")

	// rejected calls come back as errors
	err = apiClient.BroadcastToAll(ctx, map[string]any{"projectId": 42}, NoExclude)
	assert.NotEqual(t, err, nil)

	_, err = NewApiClient(apiUrl, "").Stats(ctx)
	assert.NotEqual(t, err, nil)
}
