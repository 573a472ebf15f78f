// Package delta computes per-client minimal change-sets against the last
// state actually sent to that client. Each engine keeps one cache per
// (channel, client) key; the cache is always replaced with the tree that was
// just computed, never merged, so the next diff runs against exactly what went
// out on the wire.
package delta

// Key addresses one client's cache on one channel.
type Key struct {
	Channel  string
	ClientID string
}

// Result is the outcome of one delta computation.
type Result struct {
	HasChanges bool
	FullUpdate bool
	Version    uint64
	Payload    any
}
