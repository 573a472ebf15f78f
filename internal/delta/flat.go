package delta

import (
	"encoding/json"
	"hash/fnv"
	"sync"
)

// FlatUpdate is the full-list payload for a flat channel.
type FlatUpdate[T any] struct {
	Items []T `json:"items"`
}

// FlatChanges is the incremental payload: one entry per added, changed, or
// removed item. Added items carry every field plus an "added" marker; changed
// items carry only the changed fields plus "id"; removals carry "id" and
// "removed".
type FlatChanges struct {
	Items []map[string]any `json:"items"`
}

type flatEntry[T any] struct {
	hash  uint64
	value T
}

type flatCache[T any] struct {
	entries map[string]flatEntry[T]
	version uint64
}

// Flat tracks list-shaped channels keyed by item identifier. The key function
// extracts the identifier; the diff function enumerates the item type's fields
// and returns the ones that changed, by wire name.
type Flat[T any] struct {
	mu     sync.Mutex
	keyFn  func(T) string
	diffFn func(prev, next T) map[string]any
	caches map[Key]*flatCache[T]
}

// NewFlat builds a flat engine for one item type.
func NewFlat[T any](keyFn func(T) string, diffFn func(prev, next T) map[string]any) *Flat[T] {
	return &Flat[T]{
		keyFn:  keyFn,
		diffFn: diffFn,
		caches: make(map[Key]*flatCache[T]),
	}
}

// Compute performs add/update/remove detection for the client's cached list.
// As with the hierarchical engine, callers only invoke Compute when a change
// result will actually be emitted.
func (f *Flat[T]) Compute(key Key, items []T) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	cache, ok := f.caches[key]
	if !ok {
		cache = &flatCache[T]{entries: make(map[string]flatEntry[T], len(items)), version: 1}
		full := make([]T, len(items))
		copy(full, items)
		for _, item := range items {
			cache.entries[f.keyFn(item)] = flatEntry[T]{hash: contentHash(item), value: item}
		}
		f.caches[key] = cache
		return Result{HasChanges: true, FullUpdate: true, Version: 1, Payload: FlatUpdate[T]{Items: full}}
	}

	changes := make([]map[string]any, 0)
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := f.keyFn(item)
		seen[id] = struct{}{}
		entry, cached := cache.entries[id]
		if !cached {
			m := itemAsMap(item)
			m["added"] = true
			changes = append(changes, m)
			continue
		}
		hash := contentHash(item)
		if hash == entry.hash {
			continue
		}
		m := f.diffFn(entry.value, item)
		if len(m) == 0 {
			continue
		}
		m["id"] = id
		changes = append(changes, m)
	}
	for id := range cache.entries {
		if _, ok := seen[id]; !ok {
			changes = append(changes, map[string]any{"id": id, "removed": true})
		}
	}

	if len(changes) == 0 {
		return Result{HasChanges: false, Version: cache.version}
	}

	cache.entries = make(map[string]flatEntry[T], len(items))
	for _, item := range items {
		cache.entries[f.keyFn(item)] = flatEntry[T]{hash: contentHash(item), value: item}
	}
	cache.version++
	return Result{HasChanges: true, Version: cache.version, Payload: FlatChanges{Items: changes}}
}

// Version reports the current emission counter for key.
func (f *Flat[T]) Version(key Key) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cache, ok := f.caches[key]; ok {
		return cache.version
	}
	return 0
}

// Reset drops the cache for key so the next Compute returns the full list.
func (f *Flat[T]) Reset(key Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.caches, key)
}

// PurgeClient drops every cache belonging to the client.
func (f *Flat[T]) PurgeClient(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.caches {
		if key.ClientID == clientID {
			delete(f.caches, key)
		}
	}
}

// HasKey reports whether any state is cached for key.
func (f *Flat[T]) HasKey(key Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.caches[key]
	return ok
}

// contentHash fingerprints an item's canonical JSON form. Snapshots are
// rebuilt every tick, so equality has to be structural rather than by
// reference; the hash makes the common no-change case a single comparison.
func contentHash(item any) uint64 {
	data, err := json.Marshal(item)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

func itemAsMap(item any) map[string]any {
	data, err := json.Marshal(item)
	if err != nil {
		return map[string]any{}
	}
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
