package delta

import (
	"sync"

	"plantsync/internal/sim"
)

// PlantDelta mirrors the snapshot root with every field optional. A nil field
// means unchanged; a populated Shops slice lists only dirty or removed shops.
type PlantDelta struct {
	Name     *string     `json:"name,omitempty"`
	Status   *sim.Status `json:"status,omitempty"`
	TaktSecs *float64    `json:"taktSecs,omitempty"`
	Shift    *string     `json:"shift,omitempty"`
	Shops    []ShopDelta `json:"shops,omitempty"`
}

// ShopDelta always carries the shop id so the receiver can address the node.
type ShopDelta struct {
	ID         string      `json:"id"`
	Removed    bool        `json:"removed,omitempty"`
	Name       *string     `json:"name,omitempty"`
	Status     *sim.Status `json:"status,omitempty"`
	Throughput *float64    `json:"throughput,omitempty"`
	Lines      []LineDelta `json:"lines,omitempty"`
}

// LineDelta is the sub-group level of the change tree.
type LineDelta struct {
	ID       string         `json:"id"`
	Removed  bool           `json:"removed,omitempty"`
	Name     *string        `json:"name,omitempty"`
	Status   *sim.Status    `json:"status,omitempty"`
	Speed    *float64       `json:"speed,omitempty"`
	Blocked  *bool          `json:"blocked,omitempty"`
	Starved  *bool          `json:"starved,omitempty"`
	Stations []StationDelta `json:"stations,omitempty"`
}

// StationDelta is the unit level; Piece carries the occupant's change-set or
// its removal marker.
type StationDelta struct {
	ID        string      `json:"id"`
	Removed   bool        `json:"removed,omitempty"`
	Name      *string     `json:"name,omitempty"`
	Status    *sim.Status `json:"status,omitempty"`
	CycleSecs *float64    `json:"cycleSecs,omitempty"`
	Progress  *float64    `json:"progress,omitempty"`
	FaultCode *string     `json:"faultCode,omitempty"`
	Piece     *PieceDelta `json:"piece,omitempty"`
}

// PieceDelta is the occupant level. When the occupant id changes the delta
// carries every field (full replacement), never a cross-piece field diff.
type PieceDelta struct {
	ID       string     `json:"id"`
	Removed  bool       `json:"removed,omitempty"`
	Model    *string    `json:"model,omitempty"`
	Stage    *sim.Stage `json:"stage,omitempty"`
	Progress *float64   `json:"progress,omitempty"`
	Defects  *int       `json:"defects,omitempty"`
	Station  *string    `json:"station,omitempty"`
}

type hierEntry struct {
	snapshot *sim.PlantSnapshot
	version  uint64
}

// Hierarchical diffs plant snapshots level by level against each client's
// last-sent tree.
type Hierarchical struct {
	mu     sync.Mutex
	caches map[Key]*hierEntry
}

// NewHierarchical returns an engine with no cached clients.
func NewHierarchical() *Hierarchical {
	return &Hierarchical{caches: make(map[Key]*hierEntry)}
}

// Compute diffs the snapshot against the cached tree for key. The first call
// for a key returns the full snapshot; later calls return only changed fields.
// The cache is replaced with a clone of the snapshot whenever the result will
// be sent, so callers must only invoke Compute when they intend to emit.
func (h *Hierarchical) Compute(key Key, snapshot *sim.PlantSnapshot) Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.caches[key]
	if !ok {
		entry = &hierEntry{snapshot: snapshot.Clone(), version: 1}
		h.caches[key] = entry
		return Result{HasChanges: true, FullUpdate: true, Version: 1, Payload: entry.snapshot}
	}

	root, dirty := diffPlant(entry.snapshot, snapshot)
	if !dirty {
		return Result{HasChanges: false, Version: entry.version}
	}
	entry.snapshot = snapshot.Clone()
	entry.version++
	return Result{HasChanges: true, Version: entry.version, Payload: root}
}

// Version reports the current emission counter for key; zero when the key has
// never been emitted to.
func (h *Hierarchical) Version(key Key) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry, ok := h.caches[key]; ok {
		return entry.version
	}
	return 0
}

// Reset drops the cache for key so the next Compute returns a full update.
func (h *Hierarchical) Reset(key Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.caches, key)
}

// PurgeClient drops every cache belonging to the client, across all channels.
func (h *Hierarchical) PurgeClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.caches {
		if key.ClientID == clientID {
			delete(h.caches, key)
		}
	}
}

// HasKey reports whether any state is cached for key.
func (h *Hierarchical) HasKey(key Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.caches[key]
	return ok
}

func diffPlant(prev, next *sim.PlantSnapshot) (PlantDelta, bool) {
	dirty := false
	root := PlantDelta{
		Name:     diffVal(prev.Name, next.Name, &dirty),
		Status:   diffVal(prev.Status, next.Status, &dirty),
		TaktSecs: diffVal(prev.TaktSecs, next.TaktSecs, &dirty),
		Shift:    diffVal(prev.Shift, next.Shift, &dirty),
	}

	prevShops := make(map[string]*sim.ShopSnapshot, len(prev.Shops))
	for i := range prev.Shops {
		prevShops[prev.Shops[i].ID] = &prev.Shops[i]
	}
	seen := make(map[string]struct{}, len(next.Shops))
	for i := range next.Shops {
		shop := &next.Shops[i]
		seen[shop.ID] = struct{}{}
		cached, ok := prevShops[shop.ID]
		if !ok {
			// New shop: emit its whole subtree.
			root.Shops = append(root.Shops, fullShopDelta(shop))
			dirty = true
			continue
		}
		node, nodeDirty := diffShop(cached, shop)
		if nodeDirty {
			root.Shops = append(root.Shops, node)
			dirty = true
		}
	}
	for i := range prev.Shops {
		if _, ok := seen[prev.Shops[i].ID]; !ok {
			root.Shops = append(root.Shops, ShopDelta{ID: prev.Shops[i].ID, Removed: true})
			dirty = true
		}
	}
	return root, dirty
}

func diffShop(prev, next *sim.ShopSnapshot) (ShopDelta, bool) {
	dirty := false
	node := ShopDelta{
		ID:         next.ID,
		Name:       diffVal(prev.Name, next.Name, &dirty),
		Status:     diffVal(prev.Status, next.Status, &dirty),
		Throughput: diffVal(prev.Throughput, next.Throughput, &dirty),
	}

	prevLines := make(map[string]*sim.LineSnapshot, len(prev.Lines))
	for i := range prev.Lines {
		prevLines[prev.Lines[i].ID] = &prev.Lines[i]
	}
	seen := make(map[string]struct{}, len(next.Lines))
	for i := range next.Lines {
		line := &next.Lines[i]
		seen[line.ID] = struct{}{}
		cached, ok := prevLines[line.ID]
		if !ok {
			node.Lines = append(node.Lines, fullLineDelta(line))
			dirty = true
			continue
		}
		child, childDirty := diffLine(cached, line)
		if childDirty {
			node.Lines = append(node.Lines, child)
			dirty = true
		}
	}
	for i := range prev.Lines {
		if _, ok := seen[prev.Lines[i].ID]; !ok {
			node.Lines = append(node.Lines, LineDelta{ID: prev.Lines[i].ID, Removed: true})
			dirty = true
		}
	}
	return node, dirty
}

func diffLine(prev, next *sim.LineSnapshot) (LineDelta, bool) {
	dirty := false
	node := LineDelta{
		ID:      next.ID,
		Name:    diffVal(prev.Name, next.Name, &dirty),
		Status:  diffVal(prev.Status, next.Status, &dirty),
		Speed:   diffVal(prev.Speed, next.Speed, &dirty),
		Blocked: diffVal(prev.Blocked, next.Blocked, &dirty),
		Starved: diffVal(prev.Starved, next.Starved, &dirty),
	}

	prevStations := make(map[string]*sim.StationSnapshot, len(prev.Stations))
	for i := range prev.Stations {
		prevStations[prev.Stations[i].ID] = &prev.Stations[i]
	}
	seen := make(map[string]struct{}, len(next.Stations))
	for i := range next.Stations {
		st := &next.Stations[i]
		seen[st.ID] = struct{}{}
		cached, ok := prevStations[st.ID]
		if !ok {
			node.Stations = append(node.Stations, fullStationDelta(st))
			dirty = true
			continue
		}
		child, childDirty := diffStation(cached, st)
		if childDirty {
			node.Stations = append(node.Stations, child)
			dirty = true
		}
	}
	for i := range prev.Stations {
		if _, ok := seen[prev.Stations[i].ID]; !ok {
			node.Stations = append(node.Stations, StationDelta{ID: prev.Stations[i].ID, Removed: true})
			dirty = true
		}
	}
	return node, dirty
}

func diffStation(prev, next *sim.StationSnapshot) (StationDelta, bool) {
	dirty := false
	node := StationDelta{
		ID:        next.ID,
		Name:      diffVal(prev.Name, next.Name, &dirty),
		Status:    diffVal(prev.Status, next.Status, &dirty),
		CycleSecs: diffVal(prev.CycleSecs, next.CycleSecs, &dirty),
		Progress:  diffVal(prev.Progress, next.Progress, &dirty),
		FaultCode: diffVal(prev.FaultCode, next.FaultCode, &dirty),
	}

	switch {
	case prev.Piece == nil && next.Piece == nil:
	case prev.Piece == nil:
		node.Piece = fullPieceDelta(next.Piece)
		dirty = true
	case next.Piece == nil:
		node.Piece = &PieceDelta{ID: prev.Piece.ID, Removed: true}
		dirty = true
	case prev.Piece.ID != next.Piece.ID:
		// A different piece occupies the station: full replacement, not a
		// field diff across unrelated pieces.
		node.Piece = fullPieceDelta(next.Piece)
		dirty = true
	default:
		pieceDirty := false
		piece := &PieceDelta{
			ID:       next.Piece.ID,
			Model:    diffVal(prev.Piece.Model, next.Piece.Model, &pieceDirty),
			Stage:    diffVal(prev.Piece.Stage, next.Piece.Stage, &pieceDirty),
			Progress: diffVal(prev.Piece.Progress, next.Piece.Progress, &pieceDirty),
			Defects:  diffVal(prev.Piece.Defects, next.Piece.Defects, &pieceDirty),
			Station:  diffVal(prev.Piece.Station, next.Piece.Station, &pieceDirty),
		}
		if pieceDirty {
			node.Piece = piece
			dirty = true
		}
	}
	return node, dirty
}

func fullShopDelta(shop *sim.ShopSnapshot) ShopDelta {
	node := ShopDelta{
		ID:         shop.ID,
		Name:       ptr(shop.Name),
		Status:     ptr(shop.Status),
		Throughput: ptr(shop.Throughput),
	}
	for i := range shop.Lines {
		node.Lines = append(node.Lines, fullLineDelta(&shop.Lines[i]))
	}
	return node
}

func fullLineDelta(line *sim.LineSnapshot) LineDelta {
	node := LineDelta{
		ID:      line.ID,
		Name:    ptr(line.Name),
		Status:  ptr(line.Status),
		Speed:   ptr(line.Speed),
		Blocked: ptr(line.Blocked),
		Starved: ptr(line.Starved),
	}
	for i := range line.Stations {
		node.Stations = append(node.Stations, fullStationDelta(&line.Stations[i]))
	}
	return node
}

func fullStationDelta(st *sim.StationSnapshot) StationDelta {
	node := StationDelta{
		ID:        st.ID,
		Name:      ptr(st.Name),
		Status:    ptr(st.Status),
		CycleSecs: ptr(st.CycleSecs),
		Progress:  ptr(st.Progress),
		FaultCode: ptr(st.FaultCode),
	}
	if st.Piece != nil {
		node.Piece = fullPieceDelta(st.Piece)
	}
	return node
}

func fullPieceDelta(piece *sim.PieceSnapshot) *PieceDelta {
	return &PieceDelta{
		ID:       piece.ID,
		Model:    ptr(piece.Model),
		Stage:    ptr(piece.Stage),
		Progress: ptr(piece.Progress),
		Defects:  ptr(piece.Defects),
		Station:  ptr(piece.Station),
	}
}

// diffVal returns a pointer to next when it differs from prev and marks the
// branch dirty; nil means unchanged.
func diffVal[T comparable](prev, next T, dirty *bool) *T {
	if prev == next {
		return nil
	}
	*dirty = true
	v := next
	return &v
}

func ptr[T any](v T) *T {
	return &v
}
