// Package chunk splits oversized payloads into ordered, reassemblable
// fragments and reassembles them on the receiving side. Chunks for one
// emission share a group id and travel on a dedicated <channel>:chunk event so
// they never interleave with regular envelopes.
package chunk

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"plantsync/internal/sim"
)

const (
	// DefaultMaxPayloadBytes is the serialized-size budget above which a
	// payload is split.
	DefaultMaxPayloadBytes = 64 * 1024
	// DefaultBatchSize is how many flat items ride in one batch chunk.
	DefaultBatchSize = 64
)

// Info tags one fragment for reassembly.
type Info struct {
	ChunkID string `json:"chunkId"`
	Index   int    `json:"chunkIndex"`
	Total   int    `json:"totalChunks"`
	IsLast  bool   `json:"isLast"`
}

// Chunk pairs a fragment payload with its reassembly tag.
type Chunk struct {
	Info    Info
	Payload any
}

// PlantRoot is chunk zero of a logically-split plant snapshot: the root
// fields plus the number of shop chunks that follow.
type PlantRoot struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    sim.Status `json:"status"`
	TaktSecs  float64    `json:"taktSecs"`
	Shift     string     `json:"shift"`
	Tick      uint64     `json:"tick"`
	ShopCount int        `json:"shopCount"`
}

// Batch is one slice of a flat collection, self-describing its position and
// the collection's full size.
type Batch struct {
	Items      []any `json:"items"`
	BatchIndex int   `json:"batchIndex"`
	TotalItems int   `json:"totalItems"`
}

// Raw is one byte range of a serialized payload, the fallback for shapes with
// no logical boundary.
type Raw struct {
	Data       string `json:"data"`
	Offset     int    `json:"offset"`
	TotalBytes int    `json:"totalBytes"`
}

// Splitter sizes payloads against a byte budget and picks a split strategy.
type Splitter struct {
	maxBytes  int
	batchSize int
}

// NewSplitter builds a splitter; non-positive arguments fall back to defaults.
func NewSplitter(maxBytes, batchSize int) *Splitter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Splitter{maxBytes: maxBytes, batchSize: batchSize}
}

// EstimateSize measures the payload's compact serialized form, falling back to
// a formatted-length estimate when it does not serialize.
func (s *Splitter) EstimateSize(payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		return len(fmt.Sprintf("%+v", payload))
	}
	return len(data)
}

// ShouldChunk reports whether the payload exceeds the configured budget.
func (s *Splitter) ShouldChunk(payload any) bool {
	return s.EstimateSize(payload) > s.maxBytes
}

// SplitPlant splits a plant snapshot on its logical boundaries: one root
// chunk, then one chunk per shop subtree.
func (s *Splitter) SplitPlant(snapshot *sim.PlantSnapshot) []Chunk {
	total := len(snapshot.Shops) + 1
	chunkID := uuid.NewString()
	chunks := make([]Chunk, 0, total)
	chunks = append(chunks, Chunk{
		Info: Info{ChunkID: chunkID, Index: 0, Total: total, IsLast: total == 1},
		Payload: PlantRoot{
			ID:        snapshot.ID,
			Name:      snapshot.Name,
			Status:    snapshot.Status,
			TaktSecs:  snapshot.TaktSecs,
			Shift:     snapshot.Shift,
			Tick:      snapshot.Tick,
			ShopCount: len(snapshot.Shops),
		},
	})
	for i := range snapshot.Shops {
		chunks = append(chunks, Chunk{
			Info:    Info{ChunkID: chunkID, Index: i + 1, Total: total, IsLast: i+1 == total-1},
			Payload: snapshot.Shops[i].Clone(),
		})
	}
	return chunks
}

// SplitBatch splits a flat collection into fixed-size batches.
func (s *Splitter) SplitBatch(items []any) []Chunk {
	chunkID := uuid.NewString()
	total := (len(items) + s.batchSize - 1) / s.batchSize
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		lo := i * s.batchSize
		hi := lo + s.batchSize
		if hi > len(items) {
			hi = len(items)
		}
		chunks = append(chunks, Chunk{
			Info: Info{ChunkID: chunkID, Index: i, Total: total, IsLast: i == total-1},
			Payload: Batch{
				Items:      items[lo:hi],
				BatchIndex: i,
				TotalItems: len(items),
			},
		})
	}
	return chunks
}

// SplitRaw serializes the payload and slices it by the byte budget. It is the
// strategy of last resort and works for any shape. Cuts land on rune
// boundaries: each slice travels as a JSON string and must survive
// re-encoding byte for byte, which a dangling partial rune would not
// (the encoder replaces it with U+FFFD and shifts every later offset).
func (s *Splitter) SplitRaw(payload any) ([]Chunk, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	chunkID := uuid.NewString()
	bounds := make([][2]int, 0, len(data)/s.maxBytes+1)
	for lo := 0; ; {
		hi := lo + s.maxBytes
		if hi >= len(data) {
			bounds = append(bounds, [2]int{lo, len(data)})
			break
		}
		for hi > lo && data[hi]&0xC0 == 0x80 {
			hi--
		}
		if hi == lo {
			// Budget smaller than one rune; cut anyway to keep progress.
			hi = lo + s.maxBytes
		}
		bounds = append(bounds, [2]int{lo, hi})
		lo = hi
	}
	chunks := make([]Chunk, 0, len(bounds))
	for i, b := range bounds {
		chunks = append(chunks, Chunk{
			Info: Info{ChunkID: chunkID, Index: i, Total: len(bounds), IsLast: i == len(bounds)-1},
			Payload: Raw{
				Data:       string(data[b[0]:b[1]]),
				Offset:     b[0],
				TotalBytes: len(data),
			},
		})
	}
	return chunks, nil
}
