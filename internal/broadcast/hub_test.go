package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plantsync/internal/chunk"
	"plantsync/internal/delta"
	"plantsync/internal/flow"
	"plantsync/internal/sim"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

func (c *fakeConn) Write(data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) frame(i int) Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type hubFixture struct {
	hub   *Hub
	table *flow.Table
}

func newFixture(t *testing.T, cfg Config, splitter *chunk.Splitter) *hubFixture {
	t.Helper()
	table := flow.NewTable(10*time.Second, zap.NewNop(), nil)
	return &hubFixture{
		hub:   NewHub(cfg, table, splitter, nil, zap.NewNop()),
		table: table,
	}
}

func waitFrames(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.frameCount() >= n },
		2*time.Second, 5*time.Millisecond)
}

func settle() {
	time.Sleep(50 * time.Millisecond)
}

func rosterState(pieces ...sim.PieceSnapshot) sim.TickState {
	return sim.TickState{Pieces: pieces}
}

func TestSubscribeUnknownChannelIgnored(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)

	f.hub.Subscribe(client.ID, "bogus")
	f.hub.Subscribe(client.ID, "session::plant")
	f.hub.Subscribe(client.ID, "session:s1:bogus")
	assert.False(t, f.hub.Subscribed(client.ID, "bogus"))

	f.hub.BroadcastTick("", rosterState(sim.PieceSnapshot{ID: "p1"}), time.Now())
	settle()
	assert.Equal(t, 0, conn.frameCount())
}

func TestFullDeltaSilenceScenario(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelPieces)

	now := time.Unix(5000, 0)
	piece := sim.PieceSnapshot{ID: "piece-7", Model: "MX-3", Stage: sim.StageBody, Progress: 0.5}

	// Tick 1: never seen this client, full roster goes out.
	f.hub.BroadcastTick("", rosterState(piece), now)
	waitFrames(t, conn, 1)
	first := conn.frame(0)
	assert.Equal(t, ChannelPieces, first.Event)
	assert.Equal(t, UpdateFull, first.Envelope.Type)
	assert.Equal(t, uint64(1), first.Envelope.Version)
	assert.Equal(t, uint64(0), first.Envelope.BaseVersion)
	assert.True(t, first.Envelope.RequiresAck)

	f.hub.HandleAck(client.ID, ChannelPieces, 1)

	// Tick 2: one field flips, only that field travels.
	changed := piece
	changed.Stage = sim.StageDone
	f.hub.BroadcastTick("", rosterState(changed), now.Add(time.Second))
	waitFrames(t, conn, 2)
	second := conn.frame(1)
	assert.Equal(t, UpdateDelta, second.Envelope.Type)
	assert.Equal(t, uint64(2), second.Envelope.Version)
	assert.Equal(t, uint64(1), second.Envelope.BaseVersion)
	data, ok := second.Envelope.Data.(map[string]any)
	require.True(t, ok)
	items := data["items"].([]any)
	require.Len(t, items, 1)
	entry := items[0].(map[string]any)
	assert.Equal(t, "piece-7", entry["id"])
	assert.Equal(t, string(sim.StageDone), entry["stage"])
	assert.NotContains(t, entry, "model")

	f.hub.HandleAck(client.ID, ChannelPieces, 2)

	// Tick 3: nothing changed, nothing emitted.
	f.hub.BroadcastTick("", rosterState(changed), now.Add(2*time.Second))
	settle()
	assert.Equal(t, 2, conn.frameCount())
}

func TestBackpressureWithholdsEmission(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelPieces)

	now := time.Unix(5000, 0)
	piece := sim.PieceSnapshot{ID: "p1", Progress: 0.1}
	f.hub.BroadcastTick("", rosterState(piece), now)
	waitFrames(t, conn, 1)

	// No ack: the next change is withheld, not queued as a stale delta.
	piece.Progress = 0.2
	f.hub.BroadcastTick("", rosterState(piece), now.Add(time.Second))
	settle()
	assert.Equal(t, 1, conn.frameCount())

	f.hub.HandleAck(client.ID, ChannelPieces, 1)
	piece.Progress = 0.3
	f.hub.BroadcastTick("", rosterState(piece), now.Add(2*time.Second))
	waitFrames(t, conn, 2)

	// The delta is computed against what was sent, so it spans both missed
	// progress updates in one hop.
	data := conn.frame(1).Envelope.Data.(map[string]any)
	entry := data["items"].([]any)[0].(map[string]any)
	assert.Equal(t, 0.3, entry["progress"])
}

func TestReplayOnLateSubscribe(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	// Tick with zero subscribers still refreshes the channel cache.
	state := sim.TickState{Plant: &sim.PlantSnapshot{
		ID: "plant-1", Name: "Plant One", Status: sim.StatusRunning,
		Shops: []sim.ShopSnapshot{{ID: "shop-1", Status: sim.StatusRunning}},
	}}
	f.hub.BroadcastTick("", state, time.Unix(5000, 0))

	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelPlant)

	waitFrames(t, conn, 1)
	frame := conn.frame(0)
	assert.Equal(t, ChannelPlant, frame.Event)
	assert.Equal(t, UpdateFull, frame.Envelope.Type)
	assert.Equal(t, uint64(1), frame.Envelope.Version)
}

func TestResubscribeAlwaysGetsFullFirst(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelPieces)

	now := time.Unix(5000, 0)
	piece := sim.PieceSnapshot{ID: "p1", Progress: 0.1}
	f.hub.BroadcastTick("", rosterState(piece), now)
	waitFrames(t, conn, 1)
	f.hub.HandleAck(client.ID, ChannelPieces, 1)

	f.hub.Unsubscribe(client.ID, ChannelPieces)
	f.hub.Subscribe(client.ID, ChannelPieces)

	// The replayed emission is a FULL at version 1, never a delta.
	waitFrames(t, conn, 2)
	frame := conn.frame(1)
	assert.Equal(t, UpdateFull, frame.Envelope.Type)
	assert.Equal(t, uint64(1), frame.Envelope.Version)
}

func TestSessionScopedChannels(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	scoped := ScopedChannel("s1", ChannelPieces)
	f.hub.Subscribe(client.ID, scoped)

	now := time.Unix(5000, 0)
	// Global traffic does not reach a session subscriber.
	f.hub.BroadcastTick("", rosterState(sim.PieceSnapshot{ID: "g1"}), now)
	settle()
	assert.Equal(t, 0, conn.frameCount())

	f.hub.BroadcastTick("s1", rosterState(sim.PieceSnapshot{ID: "s1-piece"}), now)
	waitFrames(t, conn, 1)
	assert.Equal(t, scoped, conn.frame(0).Event)
	assert.Equal(t, scoped, conn.frame(0).Envelope.Channel)
}

func TestDisconnectPurgesEverything(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelPieces)
	f.hub.Subscribe(client.ID, ChannelPlant)
	f.hub.Subscribe(client.ID, ChannelEvents)

	state := sim.TickState{
		Plant:  &sim.PlantSnapshot{ID: "plant-1", Shops: []sim.ShopSnapshot{}},
		Pieces: []sim.PieceSnapshot{{ID: "p1"}},
		Events: []sim.Event{{ID: "e1", Kind: sim.EventPieceCreated}},
	}
	f.hub.BroadcastTick("", state, time.Unix(5000, 0))
	waitFrames(t, conn, 2)

	f.hub.Disconnect(client.ID)

	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, f.hub.ClientCount())
	assert.False(t, f.hub.Subscribed(client.ID, ChannelPieces))
	assert.False(t, f.table.HasClient(client.ID))
	assert.False(t, f.hub.plants.HasKey(delta.Key{Channel: ChannelPlant, ClientID: client.ID}))
	assert.False(t, f.hub.pieces.HasKey(delta.Key{Channel: ChannelPieces, ClientID: client.ID}))
	f.hub.mu.Lock()
	for key := range f.hub.seq {
		assert.NotEqual(t, client.ID, key.ClientID)
	}
	for key := range f.hub.pendingEvents {
		assert.NotEqual(t, client.ID, key.ClientID)
	}
	f.hub.mu.Unlock()

	// Disconnecting twice is harmless.
	f.hub.Disconnect(client.ID)
}

func TestEvictionAtCapacity(t *testing.T) {
	f := newFixture(t, Config{MaxClients: 1}, nil)
	oldConn := &fakeConn{}
	oldClient := f.hub.Register(oldConn)

	newConn := &fakeConn{}
	newClient := f.hub.Register(newConn)

	require.Eventually(t, func() bool { return oldConn.isClosed() },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.hub.ClientCount())
	assert.False(t, f.hub.Subscribed(oldClient.ID, ChannelPieces))
	assert.NotEqual(t, oldClient.ID, newClient.ID)
}

func TestChunkedEmissionBypassesPending(t *testing.T) {
	// A tiny budget forces the plant snapshot through the splitter.
	f := newFixture(t, Config{}, chunk.NewSplitter(512, 8))
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelPlant)

	plant := &sim.PlantSnapshot{ID: "plant-1", Name: "Plant One", Status: sim.StatusRunning}
	for s := 0; s < 3; s++ {
		shop := sim.ShopSnapshot{ID: fmt.Sprintf("shop-%d", s), Name: strings.Repeat("shop ", 30), Status: sim.StatusRunning}
		for l := 0; l < 2; l++ {
			shop.Lines = append(shop.Lines, sim.LineSnapshot{
				ID:   fmt.Sprintf("shop-%d-line-%d", s, l),
				Name: strings.Repeat("line ", 30),
			})
		}
		plant.Shops = append(plant.Shops, shop)
	}
	f.hub.BroadcastTick("", sim.TickState{Plant: plant}, time.Unix(5000, 0))

	waitFrames(t, conn, 4)
	chunks := make([]chunk.Chunk, 0)
	for i := 0; i < conn.frameCount(); i++ {
		frame := conn.frame(i)
		assert.Equal(t, ChannelPlant+":chunk", frame.Event)
		assert.False(t, frame.Envelope.RequiresAck)
		require.NotNil(t, frame.Envelope.ChunkInfo)
		chunks = append(chunks, chunk.Chunk{Info: *frame.Envelope.ChunkInfo, Payload: frame.Envelope.Data})
	}

	rebuilt, err := chunk.MergePlant(chunks)
	require.NoError(t, err)
	assert.Equal(t, "plant-1", rebuilt.ID)
	assert.Len(t, rebuilt.Shops, 3)

	// Chunked sends do not set the pending flag.
	assert.False(t, f.table.Pending(client.ID, ChannelPlant))
}

func TestChunkFailureForcesFullResync(t *testing.T) {
	f := newFixture(t, Config{}, chunk.NewSplitter(256, 8))
	conn := &fakeConn{}
	client := f.hub.Register(conn)

	type widget struct {
		ID   string `json:"id"`
		Blob string `json:"blob"`
	}
	// The diff payload is oversized and unserializable, so the raw splitter
	// has to fail after the delta engine has already advanced the cache.
	engine := delta.NewFlat(
		func(w widget) string { return w.ID },
		func(prev, next widget) map[string]any {
			return map[string]any{"blob": next.Blob, "poison": make(chan int)}
		},
	)
	key := delta.Key{Channel: ChannelPieces, ClientID: client.ID}
	now := time.Unix(5000, 0)

	big := widget{ID: "w1", Blob: strings.Repeat("x", 1024)}
	emitFlat(f.hub, ChannelPieces, engine, []widget{big}, []*Client{client}, now)
	require.True(t, engine.HasKey(key))

	changed := big
	changed.Blob = strings.Repeat("y", 1024)
	emitFlat(f.hub, ChannelPieces, engine, []widget{changed}, []*Client{client}, now.Add(time.Second))

	// The failed emission dropped the cache instead of leaving it ahead of
	// what the client received; the next emission starts over with a FULL.
	assert.False(t, engine.HasKey(key))
	res := engine.Compute(key, []widget{changed})
	assert.True(t, res.FullUpdate)
	assert.Equal(t, uint64(1), res.Version)
}

func TestEventBatchSurvivesBackpressure(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelEvents)

	now := time.Unix(5000, 0)
	tick := func(id string) sim.TickState {
		return sim.TickState{Events: []sim.Event{{ID: id, Kind: sim.EventPieceCreated}}}
	}

	f.hub.BroadcastTick("", tick("e1"), now)
	waitFrames(t, conn, 1)
	first := conn.frame(0)
	assert.Equal(t, uint64(1), first.Envelope.Version)

	// Unacked: the next batch stays queued rather than being dropped.
	f.hub.BroadcastTick("", tick("e2"), now.Add(time.Second))
	settle()
	assert.Equal(t, 1, conn.frameCount())

	f.hub.HandleAck(client.ID, ChannelEvents, 1)
	f.hub.BroadcastTick("", tick("e3"), now.Add(2*time.Second))
	waitFrames(t, conn, 2)

	second := conn.frame(1)
	assert.Equal(t, uint64(2), second.Envelope.Version)
	data := second.Envelope.Data.(map[string]any)
	events := data["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].(map[string]any)["id"])
	assert.Equal(t, "e3", events[1].(map[string]any)["id"])
}

func TestAckGapTriggersResyncNotice(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)
	f.hub.Subscribe(client.ID, ChannelPieces)
	f.hub.Subscribe(client.ID, ChannelControl)

	now := time.Unix(5000, 0)
	f.hub.BroadcastTick("", rosterState(sim.PieceSnapshot{ID: "p1"}), now)
	waitFrames(t, conn, 1)
	f.hub.HandleAck(client.ID, ChannelPieces, 1)

	// Acking far ahead of what was delivered means the client thinks it has
	// versions this hub never confirmed; it is told to resync.
	f.hub.HandleAck(client.ID, ChannelPieces, 5)
	waitFrames(t, conn, 2)
	frame := conn.frame(1)
	assert.Equal(t, ChannelControl, frame.Event)
	data := frame.Envelope.Data.(map[string]any)
	assert.Equal(t, ControlResyncRequired, data["kind"])
}

func TestAckForUnknownChannelDropped(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	conn := &fakeConn{}
	client := f.hub.Register(conn)

	// Malformed acks are dropped without touching flow state.
	f.hub.HandleAck(client.ID, "bogus", 3)
	assert.Equal(t, uint64(0), f.table.LastAck(client.ID, "bogus"))
}
