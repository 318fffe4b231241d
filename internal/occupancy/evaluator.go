package occupancy

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/dj-oyu/parkwatch/internal/annotate"
	"github.com/dj-oyu/parkwatch/internal/detector"
	"github.com/dj-oyu/parkwatch/internal/geometry"
	"github.com/dj-oyu/parkwatch/internal/logger"
	"github.com/dj-oyu/parkwatch/internal/reference"
)

// Result is one camera's occupancy for one frame. A space not listed in
// FreeSlots is occupied.
type Result struct {
	CameraID    string
	Resolution  geometry.Resolution
	TotalSpaces int
	// FreeSlots are indices into the calibrated layout, ascending.
	FreeSlots []int
	// FreeSpaces are the free boxes in live-frame pixels, parallel to FreeSlots.
	FreeSpaces []geometry.Box
	Annotated  *image.NRGBA
}

// Evaluator classifies the spaces of a calibrated camera on a live frame.
type Evaluator struct {
	detector detector.Detector
	store    reference.Store
	policy   Policy
	log      *logger.ModuleLogger
}

func NewEvaluator(det detector.Detector, store reference.Store, policy Policy) *Evaluator {
	return &Evaluator{
		detector: det,
		store:    store,
		policy:   policy,
		log:      logger.For("Evaluator"),
	}
}

// Evaluate loads the camera's layout, scales it to frame, and marks each
// space free or occupied. reference.ErrNotCalibrated and
// reference.ErrStorageReadFailed propagate unchanged.
func (e *Evaluator) Evaluate(ctx context.Context, cameraID string, frame image.Image) (*Result, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: camera %s", ErrFrameUnavailable, cameraID)
	}
	res := geometry.ResolutionOf(frame)
	if err := checkFrame(res); err != nil {
		return nil, fmt.Errorf("camera %s: %w", cameraID, err)
	}

	rec, err := e.store.Load(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	spaces := geometry.Denormalize(rec.ParkingBoxes, res)
	if off := frame.Bounds().Min; off != (image.Point{}) {
		spaces = shift(spaces, off)
	}

	dets, err := e.detector.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %s: %v", ErrDetectorUnavailable, cameraID, err)
	}
	vehicles := detector.FilterClasses(dets, e.policy.VehicleClasses)

	freeSlots := Classify(spaces, vehicles, e.policy.Threshold)
	free := make([]geometry.Box, len(freeSlots))
	for i, slot := range freeSlots {
		free[i] = spaces[slot]
	}

	e.log.Debug("camera %s: %d vehicles, %d/%d free", cameraID, len(vehicles), len(free), len(spaces))
	return &Result{
		CameraID:    cameraID,
		Resolution:  res,
		TotalSpaces: len(spaces),
		FreeSlots:   freeSlots,
		FreeSpaces:  free,
		Annotated:   annotate.Draw(frame, free, annotate.FreeStyle),
	}, nil
}

// shift moves boxes into the coordinate space of a frame whose bounds do not
// start at the origin.
func shift(boxes []geometry.Box, off image.Point) []geometry.Box {
	dx, dy := float64(off.X), float64(off.Y)
	for i := range boxes {
		boxes[i].X1 += dx
		boxes[i].X2 += dx
		boxes[i].Y1 += dy
		boxes[i].Y2 += dy
	}
	return boxes
}

// clip limits boxes to the frame so they normalize into [0,1].
func clip(boxes []geometry.Box, res geometry.Resolution) []geometry.Box {
	w, h := float64(res.Width), float64(res.Height)
	for i, b := range boxes {
		boxes[i] = geometry.Box{
			X1: math.Min(math.Max(b.X1, 0), w),
			Y1: math.Min(math.Max(b.Y1, 0), h),
			X2: math.Min(math.Max(b.X2, 0), w),
			Y2: math.Min(math.Max(b.Y2, 0), h),
		}
	}
	return boxes
}
