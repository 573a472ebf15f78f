package sim

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTaktSecs    = 60.0
	faultChancePerSec  = 0.004
	repairChancePerSec = 0.05
	launchIntervalSecs = 8.0
	stopRetainSecs     = 60.0
	oeeWindowLabel     = "shift"
)

var stopReasons = []string{"jam", "tool_change", "material_wait", "quality_hold", "maintenance"}

var pieceModels = []string{"MX-3", "MX-5", "RT-1"}

// Engine is the simulated plant. It owns all mutable factory state and is
// advanced by the tick loop; the broadcast layer only ever sees the copies
// returned from Advance.
type Engine struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger *zap.Logger

	plant       PlantSnapshot
	buffers     []bufferState
	stops       map[string]*Stop
	events      []Event
	tick        uint64
	nextSeq     uint64
	sinceLaunch float64

	lineStats map[string]*lineStats
}

// bufferState is the runtime form of an inter-line buffer.
type bufferState struct {
	BufferState
	pieces []PieceSnapshot
}

// lineStats accumulates the raw figures OEE rows are derived from.
type lineStats struct {
	runSecs   float64
	downSecs  float64
	idealSecs float64
	good      int
	total     int
}

// New builds an engine with the fixed plant topology. The seed pins the RNG so
// identical seeds replay identical runs.
func New(plantID, plantName string, seed int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger,
		stops:     make(map[string]*Stop),
		lineStats: make(map[string]*lineStats),
	}
	e.plant = PlantSnapshot{
		ID:       plantID,
		Name:     plantName,
		Status:   StatusRunning,
		TaktSecs: defaultTaktSecs,
		Shift:    "A",
	}
	e.buildTopology()
	return e
}

func (e *Engine) buildTopology() {
	shops := []struct {
		id, name string
		lines    int
		stations int
		stage    Stage
	}{
		{"shop-body", "Body Shop", 2, 6, StageBody},
		{"shop-paint", "Paint Shop", 2, 4, StagePaint},
		{"shop-assembly", "Final Assembly", 3, 8, StageAssembly},
	}
	for _, s := range shops {
		shop := ShopSnapshot{ID: s.id, Name: s.name, Status: StatusRunning}
		for l := 0; l < s.lines; l++ {
			line := LineSnapshot{
				ID:     fmt.Sprintf("%s-line-%d", s.id, l+1),
				Name:   fmt.Sprintf("%s Line %d", s.name, l+1),
				Status: StatusRunning,
				Speed:  1.0,
			}
			for st := 0; st < s.stations; st++ {
				line.Stations = append(line.Stations, StationSnapshot{
					ID:        fmt.Sprintf("%s-st-%02d", line.ID, st+1),
					Name:      fmt.Sprintf("Station %02d", st+1),
					Status:    StatusIdle,
					CycleSecs: 30 + e.rng.Float64()*30,
				})
			}
			shop.Lines = append(shop.Lines, line)
			e.lineStats[line.ID] = &lineStats{}
		}
		e.plant.Shops = append(e.plant.Shops, shop)
	}

	// One buffer between each pair of consecutive lines in tour order.
	order := e.lineOrder()
	for i := 0; i+1 < len(order); i++ {
		e.buffers = append(e.buffers, bufferState{
			BufferState: BufferState{
				ID:       fmt.Sprintf("buf-%02d", i+1),
				FromLine: order[i],
				ToLine:   order[i+1],
				Capacity: 6,
			},
		})
	}
}

// lineOrder flattens the shop/line tree into the order pieces travel.
func (e *Engine) lineOrder() []string {
	order := make([]string, 0)
	for _, shop := range e.plant.Shops {
		for _, line := range shop.Lines {
			order = append(order, line.ID)
		}
	}
	return order
}

// Advance runs one simulation step and returns deep copies of everything the
// broadcast layer needs. Events are drained: each event appears in exactly one
// returned TickState.
func (e *Engine) Advance(now time.Time, dt float64) TickState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dt <= 0 {
		dt = 1.0 / 15.0
	}
	e.tick++
	e.plant.Tick = e.tick

	e.launchPieces(now, dt)
	e.advanceStations(now, dt)
	e.advanceFaults(now, dt)
	e.pruneStops(now)
	e.rollupStatuses()

	state := TickState{
		Plant:   e.plant.Clone(),
		Stops:   e.snapshotStops(now),
		Buffers: e.snapshotBuffers(),
		Pieces:  e.snapshotPieces(),
		OEE:     e.snapshotOEE(),
		Events:  e.events,
	}
	e.events = nil
	return state
}

// launchPieces feeds new work into the first station of the first line.
func (e *Engine) launchPieces(now time.Time, dt float64) {
	e.sinceLaunch += dt
	if e.sinceLaunch < launchIntervalSecs {
		return
	}
	first := &e.plant.Shops[0].Lines[0].Stations[0]
	if first.Piece != nil {
		return
	}
	e.sinceLaunch = 0
	e.nextSeq++
	piece := &PieceSnapshot{
		ID:      fmt.Sprintf("piece-%06d", e.nextSeq),
		Model:   pieceModels[e.rng.Intn(len(pieceModels))],
		Stage:   StageBody,
		Station: first.ID,
	}
	first.Piece = piece
	first.Status = StatusRunning
	e.note(Event{Kind: EventPieceCreated, PieceID: piece.ID, Station: first.ID, At: now})
}

// advanceStations progresses each occupied station and moves finished pieces
// downstream, walking lines back to front so a freed station can be refilled
// on the same tick by its upstream neighbour.
func (e *Engine) advanceStations(now time.Time, dt float64) {
	for si := range e.plant.Shops {
		shop := &e.plant.Shops[si]
		for li := range shop.Lines {
			line := &shop.Lines[li]
			stats := e.lineStats[line.ID]
			stats.runSecs += dt
			for sti := len(line.Stations) - 1; sti >= 0; sti-- {
				st := &line.Stations[sti]
				if st.FaultCode != "" {
					stats.downSecs += dt
					continue
				}
				if st.Piece == nil {
					if st.Status != StatusFault {
						st.Status = StatusIdle
					}
					st.Progress = 0
					continue
				}
				st.Status = StatusRunning
				st.Progress += dt * line.Speed / st.CycleSecs
				st.Piece.Progress = st.Progress
				if st.Progress < 1 {
					continue
				}
				stats.idealSecs += st.CycleSecs
				e.dispatch(now, shop, line, sti)
			}
			e.pullFromBuffer(now, line)
		}
	}
}

// dispatch moves the finished piece at station index sti to the next station,
// the downstream buffer, or out of the plant.
func (e *Engine) dispatch(now time.Time, shop *ShopSnapshot, line *LineSnapshot, sti int) {
	st := &line.Stations[sti]
	piece := st.Piece
	if sti+1 < len(line.Stations) {
		next := &line.Stations[sti+1]
		if next.Piece != nil || next.FaultCode != "" {
			st.Status = StatusBlocked
			return
		}
		st.Piece = nil
		st.Progress = 0
		piece.Progress = 0
		piece.Station = next.ID
		next.Piece = piece
		e.note(Event{Kind: EventPieceMoved, PieceID: piece.ID, Station: next.ID, Line: line.ID, At: now})
		return
	}

	buf := e.bufferAfter(line.ID)
	if buf == nil {
		// Last station of the last line: the piece leaves the plant.
		st.Piece = nil
		st.Progress = 0
		stats := e.lineStats[line.ID]
		stats.total++
		if piece.Defects == 0 {
			stats.good++
		}
		piece.Stage = StageDone
		e.note(Event{Kind: EventPieceCompleted, PieceID: piece.ID, Line: line.ID, At: now})
		return
	}
	if len(buf.pieces) >= buf.Capacity {
		st.Status = StatusBlocked
		return
	}
	st.Piece = nil
	st.Progress = 0
	piece.Progress = 0
	piece.Station = ""
	if e.rng.Float64() < 0.05 {
		piece.Defects++
	}
	stats := e.lineStats[line.ID]
	stats.total++
	if piece.Defects == 0 {
		stats.good++
	}
	buf.pieces = append(buf.pieces, *piece)
	e.note(Event{Kind: EventBufferEntered, PieceID: piece.ID, Buffer: buf.ID, Line: line.ID, At: now})
}

// pullFromBuffer refills the line's first station from its upstream buffer.
func (e *Engine) pullFromBuffer(now time.Time, line *LineSnapshot) {
	buf := e.bufferBefore(line.ID)
	if buf == nil || len(buf.pieces) == 0 {
		return
	}
	first := &line.Stations[0]
	if first.Piece != nil || first.FaultCode != "" {
		return
	}
	piece := buf.pieces[0]
	buf.pieces = buf.pieces[1:]
	piece.Station = first.ID
	piece.Stage = e.stageFor(line.ID)
	first.Piece = &piece
	first.Status = StatusRunning
	e.note(Event{Kind: EventBufferLeft, PieceID: piece.ID, Buffer: buf.ID, Line: line.ID, At: now})
}

func (e *Engine) stageFor(lineID string) Stage {
	for _, shop := range e.plant.Shops {
		for _, line := range shop.Lines {
			if line.ID != lineID {
				continue
			}
			switch shop.ID {
			case "shop-body":
				return StageBody
			case "shop-paint":
				return StagePaint
			default:
				return StageAssembly
			}
		}
	}
	return StageAssembly
}

func (e *Engine) bufferAfter(lineID string) *bufferState {
	for i := range e.buffers {
		if e.buffers[i].FromLine == lineID {
			return &e.buffers[i]
		}
	}
	return nil
}

func (e *Engine) bufferBefore(lineID string) *bufferState {
	for i := range e.buffers {
		if e.buffers[i].ToLine == lineID {
			return &e.buffers[i]
		}
	}
	return nil
}

// advanceFaults opens and closes random station faults and keeps the stop
// ledger in sync.
func (e *Engine) advanceFaults(now time.Time, dt float64) {
	for si := range e.plant.Shops {
		shop := &e.plant.Shops[si]
		for li := range shop.Lines {
			line := &shop.Lines[li]
			for sti := range line.Stations {
				st := &line.Stations[sti]
				if st.FaultCode == "" {
					if e.rng.Float64() < faultChancePerSec*dt {
						reason := stopReasons[e.rng.Intn(len(stopReasons))]
						st.FaultCode = reason
						st.Status = StatusFault
						stop := &Stop{
							ID:        fmt.Sprintf("stop-%06d-%s", e.tick, st.ID),
							StationID: st.ID,
							LineID:    line.ID,
							Reason:    reason,
							StartedAt: now.UnixMilli(),
						}
						e.stops[stop.ID] = stop
						e.note(Event{Kind: EventStopStarted, Station: st.ID, Line: line.ID, StopID: stop.ID, At: now})
						e.logger.Debug("stop started",
							zap.String("station", st.ID),
							zap.String("reason", reason))
					}
					continue
				}
				if e.rng.Float64() < repairChancePerSec*dt {
					for _, stop := range e.stops {
						if stop.StationID == st.ID && stop.EndedAt == 0 {
							stop.EndedAt = now.UnixMilli()
							e.note(Event{Kind: EventStopEnded, Station: st.ID, Line: line.ID, StopID: stop.ID, At: now})
						}
					}
					st.FaultCode = ""
					st.Status = StatusIdle
				}
			}
		}
	}
}

// pruneStops drops ended stops once they have been visible for a while, so
// the stop roster reflects recent history instead of growing without bound.
func (e *Engine) pruneStops(now time.Time) {
	cutoff := now.Add(-time.Duration(stopRetainSecs * float64(time.Second))).UnixMilli()
	for id, stop := range e.stops {
		if stop.EndedAt != 0 && stop.EndedAt < cutoff {
			delete(e.stops, id)
		}
	}
}

// rollupStatuses derives line, shop, and plant statuses from station states.
func (e *Engine) rollupStatuses() {
	plantStatus := StatusRunning
	for si := range e.plant.Shops {
		shop := &e.plant.Shops[si]
		shopStatus := StatusRunning
		var completed float64
		for li := range shop.Lines {
			line := &shop.Lines[li]
			line.Blocked = false
			line.Starved = true
			status := StatusRunning
			for _, st := range line.Stations {
				if st.Status == StatusFault {
					status = StatusFault
				}
				if st.Status == StatusBlocked {
					line.Blocked = true
				}
				if st.Piece != nil {
					line.Starved = false
				}
			}
			if status == StatusRunning && line.Starved {
				status = StatusStarved
			}
			line.Status = status
			if status == StatusFault {
				shopStatus = StatusFault
			}
			if stats := e.lineStats[line.ID]; stats != nil {
				completed += float64(stats.total)
			}
		}
		shop.Status = shopStatus
		shop.Throughput = completed
		if shopStatus == StatusFault {
			plantStatus = StatusFault
		}
	}
	e.plant.Status = plantStatus
}

func (e *Engine) note(event Event) {
	event.Tick = e.tick
	event.ID = fmt.Sprintf("evt-%d-%d", e.tick, len(e.events))
	e.events = append(e.events, event)
}

func (e *Engine) snapshotStops(now time.Time) []Stop {
	stops := make([]Stop, 0, len(e.stops))
	for _, stop := range e.stops {
		s := *stop
		end := s.EndedAt
		if end == 0 {
			end = now.UnixMilli()
		}
		s.Secs = float64(end-s.StartedAt) / 1000
		stops = append(stops, s)
	}
	// Stable output order regardless of map iteration.
	sort.Slice(stops, func(i, j int) bool { return stops[i].ID < stops[j].ID })
	return stops
}

func (e *Engine) snapshotBuffers() []BufferState {
	buffers := make([]BufferState, 0, len(e.buffers))
	for i := range e.buffers {
		b := e.buffers[i].BufferState
		b.Count = len(e.buffers[i].pieces)
		if b.Capacity > 0 {
			b.Fill = float64(b.Count) / float64(b.Capacity)
		}
		buffers = append(buffers, b)
	}
	return buffers
}

func (e *Engine) snapshotPieces() []PieceSnapshot {
	pieces := make([]PieceSnapshot, 0)
	for _, shop := range e.plant.Shops {
		for _, line := range shop.Lines {
			for _, st := range line.Stations {
				if st.Piece != nil {
					pieces = append(pieces, *st.Piece)
				}
			}
		}
	}
	for i := range e.buffers {
		pieces = append(pieces, e.buffers[i].pieces...)
	}
	return pieces
}

func (e *Engine) snapshotOEE() []OEERow {
	rows := make([]OEERow, 0, len(e.lineStats))
	for _, shop := range e.plant.Shops {
		for _, line := range shop.Lines {
			stats := e.lineStats[line.ID]
			if stats == nil {
				continue
			}
			row := OEERow{LineID: line.ID, Window: oeeWindowLabel}
			if stats.runSecs > 0 {
				row.Availability = clamp01((stats.runSecs - stats.downSecs) / stats.runSecs)
			}
			operating := stats.runSecs - stats.downSecs
			if operating > 0 {
				row.Performance = clamp01(stats.idealSecs / operating)
			}
			if stats.total > 0 {
				row.Quality = clamp01(float64(stats.good) / float64(stats.total))
			}
			row.OEE = row.Availability * row.Performance * row.Quality
			rows = append(rows, row)
		}
	}
	return rows
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
