package occupancy

import (
	"context"
	"fmt"
	"image"

	"github.com/dj-oyu/parkwatch/internal/annotate"
	"github.com/dj-oyu/parkwatch/internal/detector"
	"github.com/dj-oyu/parkwatch/internal/geometry"
	"github.com/dj-oyu/parkwatch/internal/logger"
	"github.com/dj-oyu/parkwatch/internal/reference"
)

// Calibration is the outcome of calibrating one camera.
type Calibration struct {
	Record reference.Record
	// Spaces are the detected spaces in frame pixels, in slot order.
	Spaces    []geometry.Box
	Annotated *image.NRGBA
}

// Calibrator turns an empty-lot frame into a stored parking layout. Every
// vehicle the detector finds becomes a space.
type Calibrator struct {
	detector detector.Detector
	store    reference.Store
	policy   Policy
	log      *logger.ModuleLogger
}

func NewCalibrator(det detector.Detector, store reference.Store, policy Policy) *Calibrator {
	return &Calibrator{
		detector: det,
		store:    store,
		policy:   policy,
		log:      logger.For("Calibrator"),
	}
}

// Calibrate detects spaces on frame and overwrites the camera's record. On any
// failure the prior record is left as it was.
func (c *Calibrator) Calibrate(ctx context.Context, cameraID string, frame image.Image) (*Calibration, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: camera %s", ErrFrameUnavailable, cameraID)
	}
	res := geometry.ResolutionOf(frame)
	if err := checkFrame(res); err != nil {
		return nil, fmt.Errorf("camera %s: %w", cameraID, err)
	}

	dets, err := c.detector.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %s: %v", ErrDetectorUnavailable, cameraID, err)
	}
	spaces := detector.FilterClasses(dets, c.policy.VehicleClasses)

	local := make([]geometry.Box, len(spaces))
	copy(local, spaces)
	if off := frame.Bounds().Min; off != (image.Point{}) {
		local = shift(local, image.Pt(-off.X, -off.Y))
	}
	rec := reference.Record{
		CameraID:        cameraID,
		ReferenceWidth:  res.Width,
		ReferenceHeight: res.Height,
		ParkingBoxes:    geometry.Normalize(clip(local, res), res),
	}
	if err := c.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	c.log.Info("camera %s: %d spaces at %s", cameraID, len(spaces), res)
	return &Calibration{
		Record:    rec,
		Spaces:    spaces,
		Annotated: annotate.Draw(frame, spaces, annotate.ParkingStyle),
	}, nil
}
