package analytics

import (
	"sync"
	"time"

	"marketpulse/models"
)

// CVDAccumulator maintains the running cumulative volume delta. The total
// is a long-lived counter: it is seeded from the last persisted point on
// startup and never reset within a process lifetime. In-memory history is
// bounded; durable history is the persistence adapter's concern.
type CVDAccumulator struct {
	mu        sync.Mutex
	total     float64
	points    []models.CVDPoint
	maxPoints int
	lastTime  time.Time
}

// NewCVDAccumulator creates an accumulator keeping up to maxPoints samples
// in memory.
func NewCVDAccumulator(maxPoints int) *CVDAccumulator {
	if maxPoints <= 0 {
		maxPoints = 1000
	}
	return &CVDAccumulator{maxPoints: maxPoints}
}

// Seed sets the running total, typically from the last persisted point.
func (a *CVDAccumulator) Seed(last float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = last
}

// SeedFrom seeds the accumulator from persisted history and returns the
// seed value. The tail of the history is retained in memory, so a flush
// before any new point arrives rewrites the same series instead of an
// empty one. An empty history seeds at zero.
func (a *CVDAccumulator) SeedFrom(history []models.CVDPoint) float64 {
	if len(history) == 0 {
		a.Seed(0)
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tail := history
	if len(tail) > a.maxPoints {
		tail = tail[len(tail)-a.maxPoints:]
	}
	a.points = append([]models.CVDPoint(nil), tail...)

	last := tail[len(tail)-1]
	a.total = last.CVD
	a.lastTime = last.Timestamp
	return last.CVD
}

// Apply folds one snapshot's volume delta into the running total and emits
// the resulting point. Timestamps are strictly increasing even when two
// snapshots carry the same exchange timestamp.
func (a *CVDAccumulator) Apply(snapshot models.OrderBookSnapshot) models.CVDPoint {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total += VolumeDelta(snapshot)

	ts := snapshot.Timestamp
	if !ts.After(a.lastTime) {
		ts = a.lastTime.Add(time.Nanosecond)
	}
	a.lastTime = ts

	point := models.CVDPoint{Timestamp: ts, CVD: a.total}
	a.points = append(a.points, point)
	if len(a.points) > a.maxPoints {
		a.points = a.points[1:]
	}
	return point
}

// Total returns the current running total.
func (a *CVDAccumulator) Total() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// History returns a copy of the in-memory CVD series, oldest first.
func (a *CVDAccumulator) History() []models.CVDPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.CVDPoint, len(a.points))
	copy(out, a.points)
	return out
}
