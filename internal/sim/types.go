package sim

import "time"

// Status enumerates the operating states shared by shops, lines, and stations.
type Status string

const (
	StatusRunning Status = "running"
	StatusIdle    Status = "idle"
	StatusBlocked Status = "blocked"
	StatusStarved Status = "starved"
	StatusFault   Status = "fault"
)

// Stage enumerates the build stages a work piece moves through.
type Stage string

const (
	StageBody     Stage = "body"
	StagePaint    Stage = "paint"
	StageAssembly Stage = "assembly"
	StageQuality  Stage = "quality"
	StageDone     Stage = "done"
)

// PieceSnapshot describes the work piece currently held by a station.
type PieceSnapshot struct {
	ID       string  `json:"id"`
	Model    string  `json:"model"`
	Stage    Stage   `json:"stage"`
	Progress float64 `json:"progress"`
	Defects  int     `json:"defects"`
	Station  string  `json:"station,omitempty"`
}

// StationSnapshot is the deepest structural level of the plant tree.
type StationSnapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	CycleSecs float64        `json:"cycleSecs"`
	Progress  float64        `json:"progress"`
	FaultCode string         `json:"faultCode,omitempty"`
	Piece     *PieceSnapshot `json:"piece,omitempty"`
}

// LineSnapshot groups an ordered run of stations.
type LineSnapshot struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Status   Status            `json:"status"`
	Speed    float64           `json:"speed"`
	Blocked  bool              `json:"blocked"`
	Starved  bool              `json:"starved"`
	Stations []StationSnapshot `json:"stations"`
}

// ShopSnapshot groups the lines belonging to one shop.
type ShopSnapshot struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Throughput float64        `json:"throughput"`
	Lines      []LineSnapshot `json:"lines"`
}

// PlantSnapshot is the root of the hierarchical state broadcast each tick.
type PlantSnapshot struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	TaktSecs float64        `json:"taktSecs"`
	Shift    string         `json:"shift"`
	Tick     uint64         `json:"tick"`
	Shops    []ShopSnapshot `json:"shops"`
}

// Stop records one downtime window on a station. Open stops have a zero
// EndedAt and keep accumulating duration.
type Stop struct {
	ID        string  `json:"id"`
	StationID string  `json:"stationId"`
	LineID    string  `json:"lineId"`
	Reason    string  `json:"reason"`
	StartedAt int64   `json:"startedAt"`
	EndedAt   int64   `json:"endedAt,omitempty"`
	Secs      float64 `json:"secs"`
}

// BufferState describes the fill level of one inter-line buffer.
type BufferState struct {
	ID       string  `json:"id"`
	FromLine string  `json:"fromLine"`
	ToLine   string  `json:"toLine"`
	Capacity int     `json:"capacity"`
	Count    int     `json:"count"`
	Fill     float64 `json:"fill"`
}

// OEERow carries the efficiency figures computed per line.
type OEERow struct {
	LineID       string  `json:"lineId"`
	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
	OEE          float64 `json:"oee"`
	Window       string  `json:"window"`
}

// EventKind tags the discrete simulation events.
type EventKind string

const (
	EventPieceCreated   EventKind = "piece_created"
	EventPieceMoved     EventKind = "piece_moved"
	EventPieceCompleted EventKind = "piece_completed"
	EventBufferEntered  EventKind = "buffer_entered"
	EventBufferLeft     EventKind = "buffer_left"
	EventStopStarted    EventKind = "stop_started"
	EventStopEnded      EventKind = "stop_ended"
)

// Event is one discrete occurrence emitted between two ticks.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	Tick    uint64    `json:"tick"`
	PieceID string    `json:"pieceId,omitempty"`
	Station string    `json:"station,omitempty"`
	Line    string    `json:"line,omitempty"`
	Buffer  string    `json:"buffer,omitempty"`
	StopID  string    `json:"stopId,omitempty"`
	At      time.Time `json:"at"`
}

// TickState bundles everything the simulation hands to the broadcast layer
// after one advance.
type TickState struct {
	Plant   *PlantSnapshot
	Stops   []Stop
	Buffers []BufferState
	Pieces  []PieceSnapshot
	OEE     []OEERow
	Events  []Event
}

// Clone returns a deep copy of the snapshot so a cached tree never aliases
// the live simulation state.
func (p *PlantSnapshot) Clone() *PlantSnapshot {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Shops = make([]ShopSnapshot, len(p.Shops))
	for i, shop := range p.Shops {
		clone.Shops[i] = shop.Clone()
	}
	return &clone
}

// Clone deep-copies one shop subtree.
func (s ShopSnapshot) Clone() ShopSnapshot {
	clone := s
	clone.Lines = make([]LineSnapshot, len(s.Lines))
	for i, line := range s.Lines {
		clone.Lines[i] = line.Clone()
	}
	return clone
}

// Clone deep-copies one line subtree.
func (l LineSnapshot) Clone() LineSnapshot {
	clone := l
	clone.Stations = make([]StationSnapshot, len(l.Stations))
	for i, st := range l.Stations {
		clone.Stations[i] = st.Clone()
	}
	return clone
}

// Clone deep-copies one station, including its occupant piece.
func (s StationSnapshot) Clone() StationSnapshot {
	clone := s
	if s.Piece != nil {
		piece := *s.Piece
		clone.Piece = &piece
	}
	return clone
}
