// Package flow implements the per-client, per-channel backpressure table: one
// unacknowledged payload may be in flight per channel, with a lazy timeout as
// the liveness safety valve.
package flow

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"plantsync/internal/delta"
	"plantsync/internal/telemetry"
)

// DefaultAckTimeout bounds how long a pending flag can block a channel.
const DefaultAckTimeout = 10 * time.Second

type channelState struct {
	pending      bool
	pendingSince time.Time
	lastAck      uint64
}

// Table tracks pending/acknowledged state per (channel, client) key. Timeouts
// are deadlines evaluated on the next emission attempt rather than one timer
// per emission, so fan-out does not multiply timer objects.
type Table struct {
	mu      sync.Mutex
	timeout time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics
	states  map[delta.Key]*channelState
}

// NewTable builds an empty table. A zero timeout falls back to the default.
func NewTable(timeout time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Table {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		states:  make(map[delta.Key]*channelState),
	}
}

// CanEmit reports whether a new payload may be sent on the channel. A pending
// flag older than the timeout is cleared here, with a warning: the client is
// assumed stalled and the next change will reach it as a fresh emission.
func (t *Table) CanEmit(clientID, channel string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[delta.Key{Channel: channel, ClientID: clientID}]
	if !ok || !state.pending {
		return true
	}
	if now.Sub(state.pendingSince) < t.timeout {
		return false
	}
	state.pending = false
	if t.metrics != nil {
		t.metrics.AckTimeouts.Inc()
	}
	t.logger.Warn("ack timeout, releasing pending flag",
		zap.String("client", clientID),
		zap.String("channel", channel),
		zap.Duration("waited", now.Sub(state.pendingSince)))
	return true
}

// MarkPending records that a payload is in flight and starts its deadline.
func (t *Table) MarkPending(clientID, channel string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := delta.Key{Channel: channel, ClientID: clientID}
	state, ok := t.states[key]
	if !ok {
		state = &channelState{}
		t.states[key] = state
	}
	state.pending = true
	state.pendingSince = now
}

// HandleAck clears the pending flag and records the client's self-reported
// version. Any ack clears the flag, and the recorded version only moves
// forward, so stale or duplicate acks are harmless.
func (t *Table) HandleAck(clientID, channel string, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := delta.Key{Channel: channel, ClientID: clientID}
	state, ok := t.states[key]
	if !ok {
		state = &channelState{}
		t.states[key] = state
	}
	state.pending = false
	if version > state.lastAck {
		state.lastAck = version
	}
}

// LastAck returns the highest version the client has acknowledged on the
// channel.
func (t *Table) LastAck(clientID, channel string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[delta.Key{Channel: channel, ClientID: clientID}]; ok {
		return state.lastAck
	}
	return 0
}

// Pending reports whether a payload is currently awaiting acknowledgment.
func (t *Table) Pending(clientID, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[delta.Key{Channel: channel, ClientID: clientID}]; ok {
		return state.pending
	}
	return false
}

// ClearChannel removes all bookkeeping for one (channel, client) pair. Called
// on unsubscribe so a stale pending flag cannot block a re-subscription.
func (t *Table) ClearChannel(clientID, channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, delta.Key{Channel: channel, ClientID: clientID})
}

// PurgeClient removes every entry belonging to the client.
func (t *Table) PurgeClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.states {
		if key.ClientID == clientID {
			delete(t.states, key)
		}
	}
}

// HasClient reports whether any channel state remains for the client.
func (t *Table) HasClient(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.states {
		if key.ClientID == clientID {
			return true
		}
	}
	return false
}
