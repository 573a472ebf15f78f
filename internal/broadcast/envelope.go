package broadcast

import (
	"plantsync/internal/chunk"
)

// UpdateType distinguishes full snapshots from incremental deltas.
type UpdateType string

const (
	UpdateFull  UpdateType = "FULL"
	UpdateDelta UpdateType = "DELTA"
)

// Envelope is the wire-level wrapper around every server-to-client payload.
type Envelope struct {
	Type        UpdateType  `json:"type"`
	Channel     string      `json:"channel"`
	Version     uint64      `json:"version"`
	BaseVersion uint64      `json:"baseVersion"`
	Data        any         `json:"data"`
	Timestamp   int64       `json:"timestamp"`
	RequiresAck bool        `json:"requiresAck"`
	ChunkInfo   *chunk.Info `json:"chunkInfo,omitempty"`
}

// Frame pairs an envelope with the event name it is delivered under. Chunked
// fragments ride on "<channel>:chunk" so they never interleave with regular
// envelopes on the channel itself.
type Frame struct {
	Event    string   `json:"event"`
	Envelope Envelope `json:"envelope"`
}

// EventBatch is the payload of the events channel: every discrete simulation
// event since the previous emission to this client, in order.
type EventBatch struct {
	Events []any `json:"events"`
}

// HealthStatus is the single item broadcast on the health channel.
type HealthStatus struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Tick       uint64  `json:"tick"`
	Clients    int     `json:"clients"`
	UptimeSecs float64 `json:"uptimeSecs"`
}

// ControlNotice is a server-to-client notice on the control channel.
type ControlNotice struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	At      int64  `json:"at"`
}

const (
	// ControlEvicted tells a client it was removed to admit a new connection.
	ControlEvicted = "evicted"
	// ControlResyncRequired tells a client to re-subscribe for a full update.
	ControlResyncRequired = "resync_required"
)
