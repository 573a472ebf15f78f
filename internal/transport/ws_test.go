package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plantsync/internal/broadcast"
	"plantsync/internal/flow"
	"plantsync/internal/sim"
)

type wsFixture struct {
	hub    *broadcast.Hub
	srv    *httptest.Server
	client *websocket.Conn
}

func dialFixture(t *testing.T, cfg Config) *wsFixture {
	t.Helper()
	table := flow.NewTable(10*time.Second, zap.NewNop(), nil)
	hub := broadcast.NewHub(broadcast.Config{}, table, nil, nil, zap.NewNop())
	server := NewServer(hub, cfg, zap.NewNop())

	httpSrv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	f := &wsFixture{hub: hub, srv: httpSrv, client: conn}
	t.Cleanup(func() {
		conn.Close()
		httpSrv.Close()
	})
	return f
}

func (f *wsFixture) send(t *testing.T, msg map[string]any) {
	t.Helper()
	require.NoError(t, f.client.WriteJSON(msg))
}

func (f *wsFixture) readFrame(t *testing.T) broadcast.Frame {
	t.Helper()
	f.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame broadcast.Frame
	require.NoError(t, f.client.ReadJSON(&frame))
	return frame
}

func waitClients(t *testing.T, hub *broadcast.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n },
		2*time.Second, 5*time.Millisecond)
}

func TestSubscribeOverWebsocket(t *testing.T) {
	f := dialFixture(t, Config{})
	waitClients(t, f.hub, 1)

	f.send(t, map[string]any{"type": "subscribe", "channel": "pieces"})

	// The subscribe must be applied before a tick can reach us; the hub has
	// no synchronous handshake, so poll through the broadcast.
	state := sim.TickState{Pieces: []sim.PieceSnapshot{{ID: "p1", Model: "MX-3"}}}
	go func() {
		for i := 0; i < 100; i++ {
			f.hub.BroadcastTick("", state, time.Now())
			time.Sleep(20 * time.Millisecond)
		}
	}()

	frame := f.readFrame(t)
	assert.Equal(t, "pieces", frame.Event)
	assert.Equal(t, broadcast.UpdateFull, frame.Envelope.Type)
	assert.Equal(t, uint64(1), frame.Envelope.Version)
}

func TestAckOverWebsocket(t *testing.T) {
	f := dialFixture(t, Config{})
	waitClients(t, f.hub, 1)

	f.send(t, map[string]any{"type": "subscribe", "channel": "pieces"})

	piece := sim.PieceSnapshot{ID: "p1", Progress: 0.1}
	go func() {
		for i := 0; i < 100; i++ {
			f.hub.BroadcastTick("", sim.TickState{Pieces: []sim.PieceSnapshot{piece}}, time.Now())
			time.Sleep(20 * time.Millisecond)
		}
	}()
	first := f.readFrame(t)
	require.Equal(t, uint64(1), first.Envelope.Version)

	f.send(t, map[string]any{"type": "ack", "channel": "pieces", "version": 1})

	changed := piece
	changed.Progress = 0.9
	go func() {
		for i := 0; i < 100; i++ {
			f.hub.BroadcastTick("", sim.TickState{Pieces: []sim.PieceSnapshot{changed}}, time.Now())
			time.Sleep(20 * time.Millisecond)
		}
	}()
	second := f.readFrame(t)
	assert.Equal(t, broadcast.UpdateDelta, second.Envelope.Type)
	assert.Equal(t, uint64(2), second.Envelope.Version)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	f := dialFixture(t, Config{})
	waitClients(t, f.hub, 1)

	require.NoError(t, f.client.WriteMessage(websocket.TextMessage, []byte("not json")))
	f.send(t, map[string]any{"type": "launch_missiles"})

	// The connection survives and keeps serving valid messages.
	f.send(t, map[string]any{"type": "subscribe", "channel": "plant"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.hub.ClientCount())
}

func TestIdleClientStaysConnected(t *testing.T) {
	// A short pong window with no client traffic at all: only the server's
	// own pings can keep the read deadline alive.
	f := dialFixture(t, Config{PongWait: 500 * time.Millisecond})
	waitClients(t, f.hub, 1)

	// The dialer's default ping handler answers pongs as long as something
	// is reading.
	go func() {
		for {
			if _, _, err := f.client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 1, f.hub.ClientCount())
}

func TestCloseDisconnectsHubClient(t *testing.T) {
	f := dialFixture(t, Config{})
	waitClients(t, f.hub, 1)

	require.NoError(t, f.client.Close())
	waitClients(t, f.hub, 0)
}

func TestHealthzEndpoint(t *testing.T) {
	table := flow.NewTable(10*time.Second, zap.NewNop(), nil)
	hub := broadcast.NewHub(broadcast.Config{}, table, nil, nil, zap.NewNop())
	server := NewServer(hub, Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
