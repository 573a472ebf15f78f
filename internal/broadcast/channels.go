package broadcast

import "strings"

// Channel names form a fixed allow-list defined at process start. Session
// scoping wraps a base channel as "session:<id>:<channel>".
const (
	ChannelPlant   = "plant"
	ChannelEvents  = "events"
	ChannelStops   = "stops"
	ChannelBuffers = "buffers"
	ChannelPieces  = "pieces"
	ChannelOEE     = "oee"
	ChannelHealth  = "health"
	ChannelControl = "control"
)

const sessionPrefix = "session"

var baseChannels = map[string]struct{}{
	ChannelPlant:   {},
	ChannelEvents:  {},
	ChannelStops:   {},
	ChannelBuffers: {},
	ChannelPieces:  {},
	ChannelOEE:     {},
	ChannelHealth:  {},
	ChannelControl: {},
}

// SplitChannel validates a channel name against the allow-list and unwraps an
// optional session scope. Invalid names return ok=false and are ignored by
// callers rather than surfaced as errors.
func SplitChannel(name string) (session, base string, ok bool) {
	parts := strings.SplitN(name, ":", 3)
	switch len(parts) {
	case 1:
		base = parts[0]
	case 3:
		if parts[0] != sessionPrefix || parts[1] == "" {
			return "", "", false
		}
		session = parts[1]
		base = parts[2]
	default:
		return "", "", false
	}
	if _, known := baseChannels[base]; !known {
		return "", "", false
	}
	return session, base, true
}

// ScopedChannel builds the wire name for a base channel in a session scope.
// An empty scope names the global channel.
func ScopedChannel(scope, base string) string {
	if scope == "" {
		return base
	}
	return sessionPrefix + ":" + scope + ":" + base
}
