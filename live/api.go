package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// body of every broadcast api call
type BroadcastArgs struct {
	Identities      []Identity      `json:"identities,omitempty"`
	ExcludeIdentity Identity        `json:"excludeIdentity,omitempty"`
	Event           json.RawMessage `json:"event"`
}

type ApiSettings struct {
	// when empty the broadcast api is unauthenticated
	Secret      string
	MaxBodySize int64
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		MaxBodySize: 1024 * 1024,
	}
}

// Routes:
//
//	GET  /ws                         websocket endpoint
//	POST /broadcast/identities       {identities, event}
//	POST /broadcast/projects/{id}    {event, excludeIdentity}
//	POST /broadcast/agendas/{id}     {event, excludeIdentity}
//	POST /broadcast/all              {event, excludeIdentity}
//	GET  /stats
//	GET  /stats/connections
//	GET  /health
//
// Broadcasts are accepted with 202 and nothing is reported about delivery.
func NewRouter(server *Server, settings *ApiSettings) *mux.Router {
	api := &broadcastApi{
		server:   server,
		settings: settings,
	}

	router := mux.NewRouter()
	// resource ids are path escaped by `ApiClient`
	router.UseEncodedPath()
	router.Handle("/ws", server).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	authorized := router.NewRoute().Subrouter()
	authorized.Use(api.authorize)
	authorized.HandleFunc("/stats", api.handleStats).Methods(http.MethodGet)
	authorized.HandleFunc("/stats/connections", api.handleConnections).Methods(http.MethodGet)
	authorized.HandleFunc("/broadcast/identities", api.handleIdentities).Methods(http.MethodPost)
	authorized.HandleFunc("/broadcast/projects/{projectId}", api.handleProject).Methods(http.MethodPost)
	authorized.HandleFunc("/broadcast/agendas/{agendaId}", api.handleAgenda).Methods(http.MethodPost)
	authorized.HandleFunc("/broadcast/all", api.handleAll).Methods(http.MethodPost)

	return router
}

type broadcastApi struct {
	server   *Server
	settings *ApiSettings
}

func (self *broadcastApi) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if self.settings.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := ParseApiToken(self.settings.Secret, bearer)
		if err != nil {
			glog.Infof("[api]unauthorized %s = %s\n", r.URL.Path, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		glog.V(2).Infof("[api]%s %s %s\n", claims.Subject, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (self *broadcastApi) readArgs(w http.ResponseWriter, r *http.Request) (*BroadcastArgs, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, self.settings.MaxBodySize))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return nil, false
	}
	args := &BroadcastArgs{}
	if err := json.Unmarshal(body, args); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return nil, false
	}
	if err := ValidateEvent(args.Event); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return args, true
}

func pathId(w http.ResponseWriter, r *http.Request, name string) (ResourceId, bool) {
	id, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil || id == "" {
		http.Error(w, "bad "+name, http.StatusBadRequest)
		return "", false
	}
	return ResourceId(id), true
}

func (self *broadcastApi) handleIdentities(w http.ResponseWriter, r *http.Request) {
	args, ok := self.readArgs(w, r)
	if !ok {
		return
	}
	self.server.BroadcastToIdentities(args.Identities, args.Event)
	w.WriteHeader(http.StatusAccepted)
}

func (self *broadcastApi) handleProject(w http.ResponseWriter, r *http.Request) {
	args, ok := self.readArgs(w, r)
	if !ok {
		return
	}
	projectId, ok := pathId(w, r, "projectId")
	if !ok {
		return
	}
	self.server.BroadcastToProjectWatchers(projectId, args.Event, args.ExcludeIdentity)
	w.WriteHeader(http.StatusAccepted)
}

func (self *broadcastApi) handleAgenda(w http.ResponseWriter, r *http.Request) {
	args, ok := self.readArgs(w, r)
	if !ok {
		return
	}
	agendaId, ok := pathId(w, r, "agendaId")
	if !ok {
		return
	}
	self.server.BroadcastToAgendaWatchers(agendaId, args.Event, args.ExcludeIdentity)
	w.WriteHeader(http.StatusAccepted)
}

func (self *broadcastApi) handleAll(w http.ResponseWriter, r *http.Request) {
	args, ok := self.readArgs(w, r)
	if !ok {
		return
	}
	self.server.BroadcastToAll(args.Event, args.ExcludeIdentity)
	w.WriteHeader(http.StatusAccepted)
}

func (self *broadcastApi) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := self.server.Stats(r.Context())
	if err != nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (self *broadcastApi) handleConnections(w http.ResponseWriter, r *http.Request) {
	infos, err := self.server.Connections(r.Context())
	if err != nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

// Calls the broadcast api from another process.
type ApiClient struct {
	apiUrl     string
	token      string
	httpClient *http.Client
}

func NewApiClient(apiUrl string, token string) *ApiClient {
	return &ApiClient{
		apiUrl:     strings.TrimSuffix(apiUrl, "/"),
		token:      token,
		httpClient: defaultClient(),
	}
}

func (self *ApiClient) BroadcastToIdentities(ctx context.Context, identities []Identity, event any) error {
	return self.broadcast(ctx, "/broadcast/identities", identities, event, NoExclude)
}

func (self *ApiClient) BroadcastToProjectWatchers(ctx context.Context, projectId ResourceId, event any, exclude Identity) error {
	path := fmt.Sprintf("/broadcast/projects/%s", url.PathEscape(string(projectId)))
	return self.broadcast(ctx, path, nil, event, exclude)
}

func (self *ApiClient) BroadcastToAgendaWatchers(ctx context.Context, agendaId ResourceId, event any, exclude Identity) error {
	path := fmt.Sprintf("/broadcast/agendas/%s", url.PathEscape(string(agendaId)))
	return self.broadcast(ctx, path, nil, event, exclude)
}

func (self *ApiClient) BroadcastToAll(ctx context.Context, event any, exclude Identity) error {
	return self.broadcast(ctx, "/broadcast/all", nil, event, exclude)
}

func (self *ApiClient) broadcast(ctx context.Context, path string, identities []Identity, event any, exclude Identity) error {
	eventBytes, ok := encodeEvent(event)
	if !ok {
		return fmt.Errorf("Could not encode event.")
	}
	args := &BroadcastArgs{
		Identities:      identities,
		ExcludeIdentity: exclude,
		Event:           json.RawMessage(eventBytes),
	}
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, err = self.do(ctx, http.MethodPost, path, body)
	return err
}

func (self *ApiClient) Stats(ctx context.Context) (*ServerStats, error) {
	body, err := self.do(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return nil, err
	}
	stats := &ServerStats{}
	if err := json.Unmarshal(body, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (self *ApiClient) Connections(ctx context.Context) ([]*ConnectionInfo, error) {
	body, err := self.do(ctx, http.MethodGet, "/stats/connections", nil)
	if err != nil {
		return nil, err
	}
	infos := []*ConnectionInfo{}
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (self *ApiClient) do(ctx context.Context, method string, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, self.apiUrl+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if self.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.token))
	}

	resp, err := self.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
