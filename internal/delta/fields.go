package delta

import "plantsync/internal/sim"

// The flat channels diff a fixed, enumerated field set per item type. Field
// names here are the wire (JSON) names the client applies to its local copy.

// StopKey identifies a downtime event.
func StopKey(s sim.Stop) string { return s.ID }

// DiffStop compares two snapshots of the same stop.
func DiffStop(prev, next sim.Stop) map[string]any {
	m := make(map[string]any)
	if prev.Reason != next.Reason {
		m["reason"] = next.Reason
	}
	if prev.StartedAt != next.StartedAt {
		m["startedAt"] = next.StartedAt
	}
	if prev.EndedAt != next.EndedAt {
		m["endedAt"] = next.EndedAt
	}
	if prev.Secs != next.Secs {
		m["secs"] = next.Secs
	}
	if prev.StationID != next.StationID {
		m["stationId"] = next.StationID
	}
	if prev.LineID != next.LineID {
		m["lineId"] = next.LineID
	}
	return m
}

// BufferKey identifies a buffer state row.
func BufferKey(b sim.BufferState) string { return b.ID }

// DiffBuffer compares two snapshots of the same buffer.
func DiffBuffer(prev, next sim.BufferState) map[string]any {
	m := make(map[string]any)
	if prev.Count != next.Count {
		m["count"] = next.Count
	}
	if prev.Fill != next.Fill {
		m["fill"] = next.Fill
	}
	if prev.Capacity != next.Capacity {
		m["capacity"] = next.Capacity
	}
	if prev.FromLine != next.FromLine {
		m["fromLine"] = next.FromLine
	}
	if prev.ToLine != next.ToLine {
		m["toLine"] = next.ToLine
	}
	return m
}

// PieceKey identifies a roster entry.
func PieceKey(p sim.PieceSnapshot) string { return p.ID }

// DiffPiece compares two roster snapshots of the same work piece.
func DiffPiece(prev, next sim.PieceSnapshot) map[string]any {
	m := make(map[string]any)
	if prev.Model != next.Model {
		m["model"] = next.Model
	}
	if prev.Stage != next.Stage {
		m["stage"] = next.Stage
	}
	if prev.Progress != next.Progress {
		m["progress"] = next.Progress
	}
	if prev.Defects != next.Defects {
		m["defects"] = next.Defects
	}
	if prev.Station != next.Station {
		m["station"] = next.Station
	}
	return m
}

// OEEKey identifies an efficiency row by its line.
func OEEKey(r sim.OEERow) string { return r.LineID }

// DiffOEE compares two efficiency rows for the same line.
func DiffOEE(prev, next sim.OEERow) map[string]any {
	m := make(map[string]any)
	if prev.Availability != next.Availability {
		m["availability"] = next.Availability
	}
	if prev.Performance != next.Performance {
		m["performance"] = next.Performance
	}
	if prev.Quality != next.Quality {
		m["quality"] = next.Quality
	}
	if prev.OEE != next.OEE {
		m["oee"] = next.OEE
	}
	if prev.Window != next.Window {
		m["window"] = next.Window
	}
	return m
}
