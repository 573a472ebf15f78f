package chunk

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"plantsync/internal/sim"
)

// Reassembler buffers fragments by chunk-group id until a group is complete.
// The transport makes no ordering promise, so arrival order is irrelevant:
// completion is detected from the total count (or the last-chunk flag) and the
// group is returned sorted by index.
type Reassembler struct {
	mu     sync.Mutex
	groups map[string]map[int]Chunk
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{groups: make(map[string]map[int]Chunk)}
}

// Add buffers one fragment. When its group is complete the ordered fragments
// are returned and the group's buffer released.
func (r *Reassembler) Add(c Chunk) ([]Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.groups[c.Info.ChunkID]
	if !ok {
		group = make(map[int]Chunk)
		r.groups[c.Info.ChunkID] = group
	}
	group[c.Info.Index] = c

	total := c.Info.Total
	if total <= 0 && c.Info.IsLast {
		total = c.Info.Index + 1
	}
	if total <= 0 || len(group) < total {
		return nil, false
	}
	ordered := make([]Chunk, 0, len(group))
	for _, chunk := range group {
		ordered = append(ordered, chunk)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Info.Index < ordered[j].Info.Index })
	delete(r.groups, c.Info.ChunkID)
	return ordered, true
}

// PendingGroups reports how many incomplete groups are buffered.
func (r *Reassembler) PendingGroups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// MergePlant rebuilds a plant snapshot from an ordered logical-split group.
func MergePlant(ordered []Chunk) (*sim.PlantSnapshot, error) {
	if len(ordered) == 0 {
		return nil, errors.New("empty chunk group")
	}
	root, err := decodeAs[PlantRoot](ordered[0].Payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode plant root chunk")
	}
	snapshot := &sim.PlantSnapshot{
		ID:       root.ID,
		Name:     root.Name,
		Status:   root.Status,
		TaktSecs: root.TaktSecs,
		Shift:    root.Shift,
		Tick:     root.Tick,
		Shops:    make([]sim.ShopSnapshot, 0, root.ShopCount),
	}
	for _, c := range ordered[1:] {
		shop, err := decodeAs[sim.ShopSnapshot](c.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "decode shop chunk %d", c.Info.Index)
		}
		snapshot.Shops = append(snapshot.Shops, shop)
	}
	if len(snapshot.Shops) != root.ShopCount {
		return nil, errors.Errorf("expected %d shop chunks, got %d", root.ShopCount, len(snapshot.Shops))
	}
	return snapshot, nil
}

// MergeBatches concatenates an ordered batch-split group back into one item
// list.
func MergeBatches(ordered []Chunk) ([]any, error) {
	items := make([]any, 0)
	for _, c := range ordered {
		batch, err := decodeAs[Batch](c.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "decode batch chunk %d", c.Info.Index)
		}
		items = append(items, batch.Items...)
	}
	return items, nil
}

// MergeRaw concatenates an ordered raw-split group back into the original
// serialized bytes.
func MergeRaw(ordered []Chunk) ([]byte, error) {
	var data []byte
	for _, c := range ordered {
		raw, err := decodeAs[Raw](c.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "decode raw chunk %d", c.Info.Index)
		}
		if raw.Offset != len(data) {
			return nil, errors.Errorf("raw chunk %d offset %d, expected %d", c.Info.Index, raw.Offset, len(data))
		}
		data = append(data, raw.Data...)
	}
	if len(ordered) > 0 {
		last, err := decodeAs[Raw](ordered[len(ordered)-1].Payload)
		if err == nil && last.TotalBytes != len(data) {
			return nil, errors.Errorf("reassembled %d bytes, expected %d", len(data), last.TotalBytes)
		}
	}
	return data, nil
}

// decodeAs accepts either the concrete type (server-side chunks) or a decoded
// JSON form (client-side chunks) and normalizes to T.
func decodeAs[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	var out T
	data, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
