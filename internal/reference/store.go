// Package reference persists per-camera calibration records: the set of
// parking-space boxes detected on an empty-lot frame, normalized against the
// resolution of that frame.
package reference

import (
	"context"
	"errors"
	"fmt"

	"github.com/dj-oyu/parkwatch/internal/geometry"
)

var (
	// ErrNotCalibrated is returned by Load when no record exists for a camera.
	ErrNotCalibrated = errors.New("camera not calibrated")
	// ErrStorageWriteFailed wraps any failure persisting a record.
	ErrStorageWriteFailed = errors.New("reference storage write failed")
	// ErrStorageReadFailed wraps any failure reading an existing record.
	ErrStorageReadFailed = errors.New("reference storage read failed")
)

// Record is one camera's calibration. ParkingBoxes are normalized against
// exactly (ReferenceWidth, ReferenceHeight); slot index is the position in
// the slice.
type Record struct {
	CameraID        string         `json:"-"`
	ReferenceWidth  int            `json:"reference_width"`
	ReferenceHeight int            `json:"reference_height"`
	ParkingBoxes    []geometry.Box `json:"parking_boxes"`
}

// Resolution returns the frame size the boxes are relative to.
func (r Record) Resolution() geometry.Resolution {
	return geometry.Resolution{Width: r.ReferenceWidth, Height: r.ReferenceHeight}
}

// Validate checks the record is storable.
func (r Record) Validate() error {
	if r.CameraID == "" {
		return errors.New("empty camera id")
	}
	if !r.Resolution().Valid() {
		return fmt.Errorf("invalid reference resolution %s", r.Resolution())
	}
	for i, b := range r.ParkingBoxes {
		if !b.InUnitRange() {
			return fmt.Errorf("parking box %d not normalized: %v", i, b)
		}
	}
	return nil
}

// document returns the record with a non-nil box slice so it encodes as [].
func (r Record) document() Record {
	if r.ParkingBoxes == nil {
		r.ParkingBoxes = []geometry.Box{}
	}
	return r
}

// Store is durable keyed storage for calibration records.
//
// Save fully replaces any prior record for the camera and is atomic with
// respect to a concurrent Load of the same camera. Load returns
// ErrNotCalibrated when nothing was ever saved.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, cameraID string) (Record, error)
}
