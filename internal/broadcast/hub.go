// Package broadcast ties the delta engines, flow-control table, and chunk
// splitter together: it owns the client registry and channel memberships and
// runs the per-client emission pipeline every tick.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plantsync/internal/chunk"
	"plantsync/internal/delta"
	"plantsync/internal/flow"
	"plantsync/internal/sim"
	"plantsync/internal/telemetry"
)

// Config bounds the hub's resources.
type Config struct {
	MaxClients  int
	OutboxDepth int
}

// Hub is the emission orchestrator. One instance serves all channels, global
// and session-scoped; every per-client decision flows through the
// backpressure gate, the relevant delta engine, and (for oversized payloads)
// the chunk splitter.
type Hub struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	flowTab  *flow.Table
	splitter *chunk.Splitter
	clock    func() time.Time

	plants  *delta.Hierarchical
	stops   *delta.Flat[sim.Stop]
	buffers *delta.Flat[sim.BufferState]
	pieces  *delta.Flat[sim.PieceSnapshot]
	oee     *delta.Flat[sim.OEERow]
	health  *delta.Flat[HealthStatus]

	mu            sync.Mutex
	clients       map[string]*Client
	members       map[string]map[string]*Client
	lastPlant     map[string]*sim.PlantSnapshot
	lastFlat      map[string]any
	pendingEvents map[delta.Key][]sim.Event
	seq           map[delta.Key]uint64
	startedAt     time.Time
}

// NewHub wires the orchestrator with its collaborators. All dependencies are
// injected; nothing here is package-level state.
func NewHub(cfg Config, flowTab *flow.Table, splitter *chunk.Splitter, metrics *telemetry.Metrics, logger *zap.Logger) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if splitter == nil {
		splitter = chunk.NewSplitter(0, 0)
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		flowTab:  flowTab,
		splitter: splitter,
		clock:    time.Now,

		plants:  delta.NewHierarchical(),
		stops:   delta.NewFlat(delta.StopKey, delta.DiffStop),
		buffers: delta.NewFlat(delta.BufferKey, delta.DiffBuffer),
		pieces:  delta.NewFlat(delta.PieceKey, delta.DiffPiece),
		oee:     delta.NewFlat(delta.OEEKey, delta.DiffOEE),
		health: delta.NewFlat(
			func(h HealthStatus) string { return h.ID },
			diffHealth,
		),

		clients:       make(map[string]*Client),
		members:       make(map[string]map[string]*Client),
		lastPlant:     make(map[string]*sim.PlantSnapshot),
		lastFlat:      make(map[string]any),
		pendingEvents: make(map[delta.Key][]sim.Event),
		seq:           make(map[delta.Key]uint64),
		startedAt:     time.Now(),
	}
}

func diffHealth(prev, next HealthStatus) map[string]any {
	m := make(map[string]any)
	if prev.Status != next.Status {
		m["status"] = next.Status
	}
	if prev.Tick != next.Tick {
		m["tick"] = next.Tick
	}
	if prev.Clients != next.Clients {
		m["clients"] = next.Clients
	}
	if prev.UptimeSecs != next.UptimeSecs {
		m["uptimeSecs"] = next.UptimeSecs
	}
	return m
}

// SetClock overrides the time source; tests use it to drive ack timeouts.
func (h *Hub) SetClock(clock func() time.Time) {
	if clock != nil {
		h.clock = clock
	}
}

// Register admits a new client. At capacity the least-recently-connected
// client is evicted first; the new connection is never the one rejected.
func (h *Hub) Register(conn Conn) *Client {
	now := h.clock()
	client := newClient(uuid.NewString(), conn, now, h.cfg.OutboxDepth, h.dropClient)

	var evicted *Client
	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxClients {
		for _, candidate := range h.clients {
			if evicted == nil || candidate.connectedAt.Before(evicted.connectedAt) {
				evicted = candidate
			}
		}
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	if evicted != nil {
		if h.metrics != nil {
			h.metrics.Evictions.Inc()
		}
		h.logger.Warn("evicting client to admit new connection",
			zap.String("evicted", evicted.ID),
			zap.String("admitted", client.ID))
		h.notifyControl(evicted, ControlEvicted, "connection slot reclaimed for a newer client")
		h.Disconnect(evicted.ID)
	}

	client.start()
	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(h.ClientCount()))
	}
	h.logger.Info("client registered", zap.String("client", client.ID))
	return client
}

// Disconnect purges every trace of the client across the registry, the flow
// table, and all delta caches, then closes the connection. Safe to call
// multiple times and from the client's own writer goroutine.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	for channel, members := range h.members {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.members, channel)
		}
	}
	for key := range h.pendingEvents {
		if key.ClientID == clientID {
			delete(h.pendingEvents, key)
		}
	}
	for key := range h.seq {
		if key.ClientID == clientID {
			delete(h.seq, key)
		}
	}
	h.mu.Unlock()

	h.plants.PurgeClient(clientID)
	h.stops.PurgeClient(clientID)
	h.buffers.PurgeClient(clientID)
	h.pieces.PurgeClient(clientID)
	h.oee.PurgeClient(clientID)
	h.health.PurgeClient(clientID)
	h.flowTab.PurgeClient(clientID)

	client.close()
	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(h.ClientCount()))
	}
	h.logger.Info("client disconnected", zap.String("client", clientID))
}

// Subscribe joins the client to a channel. Unknown channel names are ignored.
// The client's caches and flow state for the channel are reset so its next
// emission is a full update, and the channel's last known state is replayed
// immediately when one exists.
func (h *Hub) Subscribe(clientID, channel string) {
	_, base, ok := SplitChannel(channel)
	if !ok {
		h.logger.Debug("ignoring subscribe to unknown channel", zap.String("channel", channel))
		return
	}

	h.mu.Lock()
	client, known := h.clients[clientID]
	if !known {
		h.mu.Unlock()
		return
	}
	members, ok := h.members[channel]
	if !ok {
		members = make(map[string]*Client)
		h.members[channel] = members
	}
	members[clientID] = client
	h.mu.Unlock()

	h.resetChannelState(base, delta.Key{Channel: channel, ClientID: clientID})
	h.flowTab.ClearChannel(clientID, channel)
	h.replayLastState(base, channel, client)
}

// Unsubscribe removes the client from the channel and clears every piece of
// per-channel state so a later re-subscription starts clean.
func (h *Hub) Unsubscribe(clientID, channel string) {
	_, base, ok := SplitChannel(channel)
	if !ok {
		return
	}
	h.mu.Lock()
	if members, ok := h.members[channel]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.members, channel)
		}
	}
	h.mu.Unlock()

	h.resetChannelState(base, delta.Key{Channel: channel, ClientID: clientID})
	h.flowTab.ClearChannel(clientID, channel)
}

// HandleAck applies a client acknowledgment. Unknown channels are dropped
// silently; any valid ack clears the pending flag, even for an older version.
func (h *Hub) HandleAck(clientID, channel string, version uint64) {
	if _, _, ok := SplitChannel(channel); !ok {
		return
	}
	last := h.flowTab.LastAck(clientID, channel)
	if last > 0 && version > last+1 {
		// The client skipped versions; only an explicit re-subscribe repairs
		// the gap, so make it visible to operators and to the client itself.
		h.logger.Warn("ack version gap",
			zap.String("client", clientID),
			zap.String("channel", channel),
			zap.Uint64("lastAck", last),
			zap.Uint64("ack", version))
		h.mu.Lock()
		client := h.clients[clientID]
		h.mu.Unlock()
		if client != nil {
			h.notifyControl(client, ControlResyncRequired,
				"version gap on "+channel+", re-subscribe for a full update")
		}
	}
	h.flowTab.HandleAck(clientID, channel, version)
}

// BroadcastTick pushes one simulation step to every subscriber in the scope.
// The channel-level last-known-state caches update even with no subscribers,
// so a later subscriber can be brought current without waiting a tick.
func (h *Hub) BroadcastTick(scope string, state sim.TickState, now time.Time) {
	start := h.clock()

	plantCh := ScopedChannel(scope, ChannelPlant)
	stopsCh := ScopedChannel(scope, ChannelStops)
	buffersCh := ScopedChannel(scope, ChannelBuffers)
	piecesCh := ScopedChannel(scope, ChannelPieces)
	oeeCh := ScopedChannel(scope, ChannelOEE)
	healthCh := ScopedChannel(scope, ChannelHealth)
	eventsCh := ScopedChannel(scope, ChannelEvents)

	status := HealthStatus{
		ID:         "server",
		Status:     string(sim.StatusRunning),
		Tick:       0,
		Clients:    h.ClientCount(),
		UptimeSecs: float64(int64(now.Sub(h.startedAt).Seconds())),
	}
	if state.Plant != nil {
		status.Status = string(state.Plant.Status)
		status.Tick = state.Plant.Tick
	}
	healthItems := []HealthStatus{status}

	h.mu.Lock()
	if state.Plant != nil {
		h.lastPlant[plantCh] = state.Plant.Clone()
	}
	h.lastFlat[stopsCh] = state.Stops
	h.lastFlat[buffersCh] = state.Buffers
	h.lastFlat[piecesCh] = state.Pieces
	h.lastFlat[oeeCh] = state.OEE
	h.lastFlat[healthCh] = healthItems

	plantMembers := h.membersLocked(plantCh)
	stopsMembers := h.membersLocked(stopsCh)
	buffersMembers := h.membersLocked(buffersCh)
	piecesMembers := h.membersLocked(piecesCh)
	oeeMembers := h.membersLocked(oeeCh)
	healthMembers := h.membersLocked(healthCh)
	eventsMembers := h.membersLocked(eventsCh)
	if len(state.Events) > 0 {
		for _, client := range eventsMembers {
			key := delta.Key{Channel: eventsCh, ClientID: client.ID}
			h.pendingEvents[key] = append(h.pendingEvents[key], state.Events...)
		}
	}
	h.mu.Unlock()

	if state.Plant != nil {
		for _, client := range plantMembers {
			h.emitPlant(plantCh, client, state.Plant, now)
		}
	}
	emitFlat(h, stopsCh, h.stops, state.Stops, stopsMembers, now)
	emitFlat(h, buffersCh, h.buffers, state.Buffers, buffersMembers, now)
	emitFlat(h, piecesCh, h.pieces, state.Pieces, piecesMembers, now)
	emitFlat(h, oeeCh, h.oee, state.OEE, oeeMembers, now)
	emitFlat(h, healthCh, h.health, healthItems, healthMembers, now)
	for _, client := range eventsMembers {
		h.flushEvents(eventsCh, client, now)
	}

	if h.metrics != nil {
		h.metrics.TickDuration.Observe(h.clock().Sub(start).Seconds())
	}
}

// ClientCount reports the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribed reports whether the client is currently a member of the channel.
func (h *Hub) Subscribed(clientID, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.members[channel]
	if !ok {
		return false
	}
	_, ok = members[clientID]
	return ok
}

func (h *Hub) membersLocked(channel string) []*Client {
	members := h.members[channel]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(members))
	for _, client := range members {
		out = append(out, client)
	}
	return out
}

// emitPlant runs the full pipeline for one client on a hierarchical channel.
func (h *Hub) emitPlant(channel string, client *Client, snapshot *sim.PlantSnapshot, now time.Time) {
	if !h.flowTab.CanEmit(client.ID, channel, now) {
		return
	}
	key := delta.Key{Channel: channel, ClientID: client.ID}
	res := h.plants.Compute(key, snapshot)
	if !res.HasChanges {
		return
	}
	env := h.envelope(channel, res, now)

	if h.splitter.ShouldChunk(res.Payload) {
		var chunks []chunk.Chunk
		if full, ok := res.Payload.(*sim.PlantSnapshot); ok && res.FullUpdate {
			chunks = h.splitter.SplitPlant(full)
		} else {
			raw, err := h.splitter.SplitRaw(res.Payload)
			if err != nil {
				// Compute already advanced the cache past what the client
				// has; dropping it forces a FULL on the next emission so the
				// cache never claims state that was not sent.
				h.plants.Reset(key)
				h.logger.Error("chunking failed", zap.String("channel", channel), zap.Error(err))
				return
			}
			chunks = raw
		}
		h.sendChunks(channel, client, env, chunks)
		return
	}

	h.flowTab.MarkPending(client.ID, channel, now)
	h.sendFrame(channel, client, env)
}

// emitFlat runs the pipeline for every listed client on one flat channel.
func emitFlat[T any](h *Hub, channel string, engine *delta.Flat[T], items []T, clients []*Client, now time.Time) {
	for _, client := range clients {
		if !h.flowTab.CanEmit(client.ID, channel, now) {
			continue
		}
		key := delta.Key{Channel: channel, ClientID: client.ID}
		res := engine.Compute(key, items)
		if !res.HasChanges {
			continue
		}
		env := h.envelope(channel, res, now)

		if h.splitter.ShouldChunk(res.Payload) {
			var chunks []chunk.Chunk
			var err error
			if full, ok := res.Payload.(delta.FlatUpdate[T]); ok && res.FullUpdate {
				chunks = h.splitter.SplitBatch(anySlice(full.Items))
			} else {
				chunks, err = h.splitter.SplitRaw(res.Payload)
			}
			if err != nil {
				// The cache is ahead of the client now; reset it so the next
				// emission repairs the divergence with a FULL.
				engine.Reset(key)
				h.logger.Error("chunking failed", zap.String("channel", channel), zap.Error(err))
				continue
			}
			h.sendChunks(channel, client, env, chunks)
			continue
		}

		h.flowTab.MarkPending(client.ID, channel, now)
		h.sendFrame(channel, client, env)
	}
}

// flushEvents drains the client's queued simulation events into one versioned
// batch, subject to the same backpressure gate as state channels. A batch
// withheld by backpressure stays queued and is not lost.
func (h *Hub) flushEvents(channel string, client *Client, now time.Time) {
	if !h.flowTab.CanEmit(client.ID, channel, now) {
		return
	}
	key := delta.Key{Channel: channel, ClientID: client.ID}

	h.mu.Lock()
	queue := h.pendingEvents[key]
	if len(queue) == 0 {
		h.mu.Unlock()
		return
	}
	delete(h.pendingEvents, key)
	h.seq[key]++
	version := h.seq[key]
	h.mu.Unlock()

	res := delta.Result{
		HasChanges: true,
		FullUpdate: version == 1,
		Version:    version,
		Payload:    EventBatch{Events: anySlice(queue)},
	}
	env := h.envelope(channel, res, now)

	if h.splitter.ShouldChunk(res.Payload) {
		h.sendChunks(channel, client, env, h.splitter.SplitBatch(anySlice(queue)))
		return
	}
	h.flowTab.MarkPending(client.ID, channel, now)
	h.sendFrame(channel, client, env)
}

// notifyControl sends a best-effort control notice directly to one client.
func (h *Hub) notifyControl(client *Client, kind, message string) {
	channel := ChannelControl
	if !h.Subscribed(client.ID, channel) {
		return
	}
	key := delta.Key{Channel: channel, ClientID: client.ID}
	h.mu.Lock()
	h.seq[key]++
	version := h.seq[key]
	h.mu.Unlock()

	res := delta.Result{
		HasChanges: true,
		FullUpdate: version == 1,
		Version:    version,
		Payload: ControlNotice{
			ID:      uuid.NewString(),
			Kind:    kind,
			Message: message,
			At:      h.clock().UnixMilli(),
		},
	}
	h.sendFrame(channel, client, h.envelope(channel, res, h.clock()))
}

func (h *Hub) envelope(channel string, res delta.Result, now time.Time) Envelope {
	updateType := UpdateDelta
	if res.FullUpdate {
		updateType = UpdateFull
	}
	return Envelope{
		Type:        updateType,
		Channel:     channel,
		Version:     res.Version,
		BaseVersion: res.Version - 1,
		Data:        res.Payload,
		Timestamp:   now.UnixMilli(),
		RequiresAck: true,
	}
}

// sendFrame serializes and enqueues one envelope on its channel event.
func (h *Hub) sendFrame(channel string, client *Client, env Envelope) {
	frame := Frame{Event: channel, Envelope: env}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal frame", zap.String("channel", channel), zap.Error(err))
		return
	}
	if client.send(data) && h.metrics != nil {
		h.metrics.Emissions.WithLabelValues(channel, string(env.Type)).Inc()
		h.metrics.EmissionBytes.WithLabelValues(channel).Add(float64(len(data)))
	}
}

// sendChunks delivers fragments on the channel's chunk event. Chunked
// emissions do not mark the channel pending; overlapping chunk groups to a
// slow client are a known gap in this protocol rather than something the hub
// silently papers over.
func (h *Hub) sendChunks(channel string, client *Client, env Envelope, chunks []chunk.Chunk) {
	if h.metrics != nil {
		h.metrics.ChunkedEmissions.Inc()
	}
	event := channel + ":chunk"
	for i := range chunks {
		chunkEnv := env
		chunkEnv.Data = chunks[i].Payload
		chunkEnv.RequiresAck = false
		info := chunks[i].Info
		chunkEnv.ChunkInfo = &info
		frame := Frame{Event: event, Envelope: chunkEnv}
		data, err := json.Marshal(frame)
		if err != nil {
			h.logger.Error("marshal chunk frame", zap.String("channel", channel), zap.Error(err))
			return
		}
		if !client.send(data) {
			return
		}
		if h.metrics != nil {
			h.metrics.EmissionBytes.WithLabelValues(channel).Add(float64(len(data)))
		}
	}
	if h.metrics != nil {
		h.metrics.Emissions.WithLabelValues(channel, string(env.Type)).Inc()
	}
}

// resetChannelState clears the delta cache (and event/control counters) for
// one (channel, client) key so the next emission is a full update.
func (h *Hub) resetChannelState(base string, key delta.Key) {
	switch base {
	case ChannelPlant:
		h.plants.Reset(key)
	case ChannelStops:
		h.stops.Reset(key)
	case ChannelBuffers:
		h.buffers.Reset(key)
	case ChannelPieces:
		h.pieces.Reset(key)
	case ChannelOEE:
		h.oee.Reset(key)
	case ChannelHealth:
		h.health.Reset(key)
	case ChannelEvents, ChannelControl:
		h.mu.Lock()
		delete(h.seq, key)
		delete(h.pendingEvents, key)
		h.mu.Unlock()
	}
}

// replayLastState brings a fresh subscriber current without waiting for the
// next tick. Event and control channels carry discrete data and have nothing
// to replay.
func (h *Hub) replayLastState(base, channel string, client *Client) {
	now := h.clock()
	h.mu.Lock()
	snapshot := h.lastPlant[channel]
	cached := h.lastFlat[channel]
	h.mu.Unlock()

	switch base {
	case ChannelPlant:
		if snapshot != nil {
			h.emitPlant(channel, client, snapshot, now)
		}
	case ChannelStops:
		if items, ok := cached.([]sim.Stop); ok {
			emitFlat(h, channel, h.stops, items, []*Client{client}, now)
		}
	case ChannelBuffers:
		if items, ok := cached.([]sim.BufferState); ok {
			emitFlat(h, channel, h.buffers, items, []*Client{client}, now)
		}
	case ChannelPieces:
		if items, ok := cached.([]sim.PieceSnapshot); ok {
			emitFlat(h, channel, h.pieces, items, []*Client{client}, now)
		}
	case ChannelOEE:
		if items, ok := cached.([]sim.OEERow); ok {
			emitFlat(h, channel, h.oee, items, []*Client{client}, now)
		}
	case ChannelHealth:
		if items, ok := cached.([]HealthStatus); ok {
			emitFlat(h, channel, h.health, items, []*Client{client}, now)
		}
	}
}

// dropClient is the writer-side failure path: log, count, purge.
func (h *Hub) dropClient(clientID, reason string) {
	if h.metrics != nil && reason == "outbox overflow" {
		h.metrics.SlowClientDrops.Inc()
	}
	h.logger.Warn("dropping client", zap.String("client", clientID), zap.String("reason", reason))
	h.Disconnect(clientID)
}

func anySlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i := range items {
		out[i] = items[i]
	}
	return out
}
