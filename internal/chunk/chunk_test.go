package chunk

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantsync/internal/sim"
)

func bigPlant(shops, linesPerShop, stationsPerLine int) *sim.PlantSnapshot {
	plant := &sim.PlantSnapshot{ID: "plant-1", Name: "Plant One", Status: sim.StatusRunning, TaktSecs: 60, Shift: "A", Tick: 7}
	for s := 0; s < shops; s++ {
		shop := sim.ShopSnapshot{ID: fmt.Sprintf("shop-%d", s), Name: fmt.Sprintf("Shop %d", s), Status: sim.StatusRunning}
		for l := 0; l < linesPerShop; l++ {
			line := sim.LineSnapshot{ID: fmt.Sprintf("shop-%d-line-%d", s, l), Status: sim.StatusRunning, Speed: 1}
			for st := 0; st < stationsPerLine; st++ {
				line.Stations = append(line.Stations, sim.StationSnapshot{
					ID:        fmt.Sprintf("shop-%d-line-%d-st-%d", s, l, st),
					Name:      strings.Repeat("station ", 8),
					Status:    sim.StatusRunning,
					CycleSecs: 30,
				})
			}
			shop.Lines = append(shop.Lines, line)
		}
		plant.Shops = append(plant.Shops, shop)
	}
	return plant
}

func TestShouldChunkThreshold(t *testing.T) {
	splitter := NewSplitter(1024, 10)
	assert.False(t, splitter.ShouldChunk(map[string]string{"a": "b"}))
	assert.True(t, splitter.ShouldChunk(strings.Repeat("x", 2048)))
}

func TestEstimateSizeFallback(t *testing.T) {
	splitter := NewSplitter(1024, 10)
	// Channels do not serialize to JSON; the estimator must still return
	// something usable instead of failing.
	assert.Greater(t, splitter.EstimateSize(make(chan int)), 0)
}

func TestPlantChunkRoundTrip(t *testing.T) {
	splitter := NewSplitter(1024, 10)
	plant := bigPlant(4, 2, 6)
	require.True(t, splitter.ShouldChunk(plant))

	chunks := splitter.SplitPlant(plant)
	require.Len(t, chunks, 5)
	assert.Equal(t, 0, chunks[0].Info.Index)
	assert.Equal(t, 5, chunks[0].Info.Total)
	assert.True(t, chunks[4].Info.IsLast)
	for _, c := range chunks {
		assert.Equal(t, chunks[0].Info.ChunkID, c.Info.ChunkID)
	}

	rebuilt, err := MergePlant(chunks)
	require.NoError(t, err)
	assert.Equal(t, plant.ID, rebuilt.ID)
	assert.Equal(t, plant.Tick, rebuilt.Tick)
	require.Len(t, rebuilt.Shops, 4)
	assert.Equal(t, plant.Shops[2].Lines[1].Stations[3].ID, rebuilt.Shops[2].Lines[1].Stations[3].ID)
}

func TestBatchChunkRoundTrip(t *testing.T) {
	splitter := NewSplitter(1024, 10)
	items := make([]any, 0, 25)
	for i := 0; i < 25; i++ {
		items = append(items, map[string]any{"id": fmt.Sprintf("item-%d", i)})
	}

	chunks := splitter.SplitBatch(items)
	require.Len(t, chunks, 3)
	batch, ok := chunks[1].Payload.(Batch)
	require.True(t, ok)
	assert.Equal(t, 1, batch.BatchIndex)
	assert.Equal(t, 25, batch.TotalItems)

	merged, err := MergeBatches(chunks)
	require.NoError(t, err)
	assert.Len(t, merged, 25)
}

func TestRawChunkRoundTrip(t *testing.T) {
	splitter := NewSplitter(100, 10)
	payload := map[string]string{"blob": strings.Repeat("abcdef", 200)}

	chunks, err := splitter.SplitRaw(payload)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	data, err := MergeRaw(chunks)
	require.NoError(t, err)

	original, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestRawChunkSurvivesJSONTransit(t *testing.T) {
	splitter := NewSplitter(100, 10)
	// Multi-byte runes positioned so naive byte slicing would cut through
	// them at the 100-byte budget.
	payload := map[string]string{"name": strings.Repeat("é漢🙂", 60)}

	chunks, err := splitter.SplitRaw(payload)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// Every slice must stay valid UTF-8: a dangling partial rune would come
	// back from the encoder as U+FFFD with a different byte length.
	transited := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		wire, err := json.Marshal(c.Payload)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(wire, &decoded))
		transited = append(transited, Chunk{Info: c.Info, Payload: decoded})
	}

	data, err := MergeRaw(transited)
	require.NoError(t, err)
	original, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestReassemblerOutOfOrder(t *testing.T) {
	splitter := NewSplitter(100, 10)
	chunks, err := splitter.SplitRaw(strings.Repeat("payload ", 100))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	r := NewReassembler()
	// Deliver the last chunk first; nothing completes until all arrive.
	ordered, done := r.Add(chunks[len(chunks)-1])
	assert.False(t, done)
	assert.Nil(t, ordered)
	for i := len(chunks) - 2; i > 0; i-- {
		_, done = r.Add(chunks[i])
		assert.False(t, done)
	}
	ordered, done = r.Add(chunks[0])
	require.True(t, done)
	require.Len(t, ordered, len(chunks))
	for i, c := range ordered {
		assert.Equal(t, i, c.Info.Index)
	}
	assert.Equal(t, 0, r.PendingGroups())
}

func TestReassemblerKeepsGroupsApart(t *testing.T) {
	splitter := NewSplitter(100, 10)
	groupA, err := splitter.SplitRaw(strings.Repeat("aaaa", 100))
	require.NoError(t, err)
	groupB, err := splitter.SplitRaw(strings.Repeat("bbbb", 100))
	require.NoError(t, err)

	r := NewReassembler()
	for _, c := range groupA[:len(groupA)-1] {
		_, done := r.Add(c)
		assert.False(t, done)
	}
	// Completing group B does not disturb the incomplete group A.
	var orderedB []Chunk
	var doneB bool
	for _, c := range groupB {
		orderedB, doneB = r.Add(c)
	}
	require.True(t, doneB)
	dataB, err := MergeRaw(orderedB)
	require.NoError(t, err)
	assert.Contains(t, string(dataB), "bbbb")
	assert.Equal(t, 1, r.PendingGroups())
}
