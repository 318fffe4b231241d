package api

import (
	"sync"
	"time"

	"github.com/dj-oyu/parkwatch/internal/fleet"
	"github.com/dj-oyu/parkwatch/internal/geometry"
	"github.com/dj-oyu/parkwatch/internal/occupancy"
)

// Monitor keeps the latest evaluation pass and a short history of earlier
// ones. Safe for concurrent use.
type Monitor struct {
	startTime   time.Time
	historySize int

	mu      sync.Mutex
	version int
	latest  *OccupancySnapshot
	history []OccupancySnapshot
}

func NewMonitor(historySize int) *Monitor {
	if historySize <= 0 {
		historySize = DefaultConfig().HistorySize
	}
	return &Monitor{
		startTime:   time.Now(),
		historySize: historySize,
	}
}

// Update records one evaluation pass and returns the stored snapshot.
func (m *Monitor) Update(outcomes []fleet.EvaluationOutcome, report fleet.BatchReport) OccupancySnapshot {
	cams := make([]CameraOccupancy, 0, len(outcomes))
	for _, out := range outcomes {
		if out.Result == nil {
			continue
		}
		cams = append(cams, newCameraOccupancy(out.Result))
	}

	at := report.Started.Add(report.Duration)
	if report.Started.IsZero() {
		at = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.version++
	snap := OccupancySnapshot{
		BatchID:   report.BatchID,
		Version:   m.version,
		Timestamp: float64(at.UnixNano()) / 1e9,
		Succeeded: report.Succeeded,
		Total:     report.Total,
		Cameras:   cams,
	}
	m.latest = &snap
	m.history = append([]OccupancySnapshot{snap}, m.history...)
	if len(m.history) > m.historySize {
		m.history = m.history[:m.historySize]
	}
	return snap
}

// Snapshot returns the latest pass (nil before the first one) and the
// history, newest first.
func (m *Monitor) Snapshot() (*OccupancySnapshot, []OccupancySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	historyCopy := make([]OccupancySnapshot, len(m.history))
	copy(historyCopy, m.history)

	if m.latest == nil {
		return nil, historyCopy
	}
	latest := *m.latest
	return &latest, historyCopy
}

func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

func newCameraOccupancy(res *occupancy.Result) CameraOccupancy {
	slots := res.FreeSlots
	if slots == nil {
		slots = []int{}
	}
	spaces := res.FreeSpaces
	if spaces == nil {
		spaces = []geometry.Box{}
	}
	return CameraOccupancy{
		CameraID:    res.CameraID,
		Width:       res.Resolution.Width,
		Height:      res.Resolution.Height,
		TotalSpaces: res.TotalSpaces,
		FreeSlots:   slots,
		FreeSpaces:  spaces,
	}
}
