package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthhandler "waypoint/internal/health/handler"
	"waypoint/internal/security"
	"waypoint/internal/transport/ws"
)

func init() { gin.SetMode(gin.TestMode) }

type recordingEngine struct {
	mu     sync.Mutex
	users  []string
	guests int
	frames chan string
}

func (e *recordingEngine) Connect(_ context.Context, _ string, id security.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = append(e.users, id.UserID)
	return nil
}

func (e *recordingEngine) ConnectGuest(context.Context, string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guests++
	return nil
}

func (e *recordingEngine) Disconnect(string) {}

func (e *recordingEngine) Receive(_ context.Context, _ string, frame []byte) error {
	e.frames <- string(frame)
	return nil
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("connection refused") }

func newTestRouter(t *testing.T, health *healthhandler.Server) (*httptest.Server, *recordingEngine, *security.Issuer) {
	t.Helper()
	issuer, verifier, err := security.NewTestPair()
	require.NoError(t, err)
	eng := &recordingEngine{frames: make(chan string, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := NewRouter(HTTPDeps{
		Base:     ctx,
		Hub:      ws.NewHub(nil),
		Engine:   eng,
		Verifier: verifier,
		Health:   health,
		Gatherer: prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, eng, issuer
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestRouter(t, healthhandler.NewServer(func() bool { return true }, nil, nil))
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down, _, _ := newTestRouter(t, healthhandler.NewServer(nil, failingPinger{}, nil))
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestRouter(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWS_RequiresToken(t *testing.T) {
	srv, _, _ := newTestRouter(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_AuthenticatedAndGuest(t *testing.T) {
	srv, eng, issuer := newTestRouter(t, nil)
	token, _, err := issuer.Issue(security.Identity{UserID: "alice"})
	require.NoError(t, err)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?access_token="+token), nil)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	select {
	case f := <-eng.frames:
		assert.Equal(t, `{"type":"ping"}`, f)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received")
	}

	g, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/guest"), nil)
	require.NoError(t, err)
	defer g.Close()

	assert.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.users) == 1 && eng.users[0] == "alice" && eng.guests == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}
