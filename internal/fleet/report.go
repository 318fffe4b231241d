package fleet

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/dj-oyu/parkwatch/internal/metrics"
	"github.com/dj-oyu/parkwatch/internal/occupancy"
	"github.com/dj-oyu/parkwatch/internal/reference"
)

// CameraFailure is one camera left out of a batch's results.
type CameraFailure struct {
	CameraID string
	Kind     string
	Err      error
}

// BatchReport summarizes one batch for the delivery layer.
type BatchReport struct {
	BatchID   string
	Kind      string
	Started   time.Time
	Duration  time.Duration
	Total     int
	Succeeded int
	Failures  []CameraFailure
}

// Summary is the operator-facing one-liner.
func (r BatchReport) Summary() string {
	return fmt.Sprintf("%d of %d cameras succeeded", r.Succeeded, r.Total)
}

// Err combines every per-camera failure, or nil if all succeeded.
func (r BatchReport) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, fmt.Errorf("camera %s: %w", f.CameraID, f.Err))
	}
	return err
}

// failureKind maps a per-camera error onto a metrics label.
func failureKind(err error) string {
	switch {
	case errors.Is(err, occupancy.ErrFrameUnavailable):
		return metrics.KindFrame
	case errors.Is(err, reference.ErrNotCalibrated), errors.Is(err, reference.ErrStorageReadFailed):
		return metrics.KindNotCalibrated
	case errors.Is(err, occupancy.ErrDetectorUnavailable):
		return metrics.KindDetector
	case errors.Is(err, reference.ErrStorageWriteFailed):
		return metrics.KindStorage
	default:
		return metrics.KindOther
	}
}
