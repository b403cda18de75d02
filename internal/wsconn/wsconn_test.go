package wsconn

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"csms/internal/logging"
	"csms/internal/ocpp"
	"csms/internal/router"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu           sync.Mutex
	conns        map[string]router.Connection
	deregistered []string
	frames       chan string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{conns: make(map[string]router.Connection), frames: make(chan string, 8)}
}

func (f *fakeRouter) RegisterConnection(_ context.Context, stationId string, conn router.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[stationId] = conn
	return nil
}

func (f *fakeRouter) DeregisterConnection(_ context.Context, stationId string, _ router.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, stationId)
	f.deregistered = append(f.deregistered, stationId)
}

func (f *fakeRouter) HandleFrame(_ context.Context, stationId string, raw []byte) error {
	f.frames <- stationId + " " + string(raw)
	return nil
}

func (f *fakeRouter) conn(id string) router.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

func (f *fakeRouter) wasDeregistered(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deregistered {
		if d == id {
			return true
		}
	}
	return false
}

func serve(t *testing.T, r Router, opts Options) string {
	t.Helper()
	mux := chi.NewRouter()
	mux.Handle("/ocpp/{stationId}", NewServer(r, opts, logging.Discard()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp/"
}

func dial(t *testing.T, url string, protocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 2 * time.Second}
	ws, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestSession_FramesBothWays(t *testing.T) {
	fr := newFakeRouter()
	base := serve(t, fr, Options{})

	ws := dial(t, base+"CS-1", ocpp.ProtocolOCPP16)
	assert.Equal(t, ocpp.ProtocolOCPP16, ws.Subprotocol())

	require.Eventually(t, func() bool { return fr.conn("CS-1") != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ocpp.ProtocolOCPP16, fr.conn("CS-1").Protocol())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`[2,"1","Heartbeat",{}]`)))
	select {
	case got := <-fr.frames:
		assert.Equal(t, `CS-1 [2,"1","Heartbeat",{}]`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not handed to router")
	}

	require.NoError(t, fr.conn("CS-1").Send(context.Background(), []byte(`[3,"1",{}]`)))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, `[3,"1",{}]`, string(data))

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return fr.wasDeregistered("CS-1") }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_PrefersNewestProtocol(t *testing.T) {
	fr := newFakeRouter()
	base := serve(t, fr, Options{})

	ws := dial(t, base+"CS-2", ocpp.ProtocolOCPP16, ocpp.ProtocolOCPP201)
	assert.Equal(t, ocpp.ProtocolOCPP201, ws.Subprotocol())
}

func TestSession_RejectsUnknownSubprotocol(t *testing.T) {
	fr := newFakeRouter()
	base := serve(t, fr, Options{})

	ws := dial(t, base+"CS-3", "ocpp1.2")
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError))
	assert.Nil(t, fr.conn("CS-3"))
}
