// Package fleet runs calibration, evaluation and snapshot passes across every
// camera in the directory, one concurrent task per camera.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/parkwatch/internal/logger"
	"github.com/dj-oyu/parkwatch/internal/metrics"
	"github.com/dj-oyu/parkwatch/internal/occupancy"
	"github.com/dj-oyu/parkwatch/internal/vms"
	"github.com/dj-oyu/parkwatch/pkg/types"
)

// ErrDirectoryUnavailable is the only error that fails a whole batch.
var ErrDirectoryUnavailable = vms.ErrDirectoryUnavailable

type Directory interface {
	ResolveCameras(ctx context.Context) ([]types.CameraStream, error)
}

// FrameSource never errors; false means the stream gave nothing.
type FrameSource interface {
	PullFrame(ctx context.Context, streamURL string) (image.Image, bool)
}

type Calibrator interface {
	Calibrate(ctx context.Context, cameraID string, frame image.Image) (*occupancy.Calibration, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, cameraID string, frame image.Image) (*occupancy.Result, error)
}

type CalibrationOutcome struct {
	CameraID    string
	Calibration *occupancy.Calibration
}

type EvaluationOutcome struct {
	CameraID string
	Result   *occupancy.Result
}

type SnapshotOutcome struct {
	CameraID string
	Frame    types.Frame
}

// Orchestrator resolves the camera set on every call; nothing is cached
// between batches. metrics may be nil.
type Orchestrator struct {
	directory  Directory
	frames     FrameSource
	calibrator Calibrator
	evaluator  Evaluator
	metrics    *metrics.Metrics
	log        *logger.ModuleLogger
}

func New(dir Directory, frames FrameSource, cal Calibrator, eval Evaluator, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		directory:  dir,
		frames:     frames,
		calibrator: cal,
		evaluator:  eval,
		metrics:    m,
		log:        logger.For("Fleet"),
	}
}

// RunCalibrationBatch recalibrates every camera from a fresh frame.
func (o *Orchestrator) RunCalibrationBatch(ctx context.Context) ([]CalibrationOutcome, BatchReport, error) {
	return runBatch(ctx, o, "calibration", func(ctx context.Context, cam types.CameraStream, f types.Frame) (CalibrationOutcome, error) {
		cal, err := o.calibrator.Calibrate(ctx, cam.CameraID, f.Image)
		if err != nil {
			return CalibrationOutcome{}, err
		}
		return CalibrationOutcome{CameraID: cam.CameraID, Calibration: cal}, nil
	})
}

// RunEvaluationBatch classifies the spaces of every calibrated camera.
func (o *Orchestrator) RunEvaluationBatch(ctx context.Context) ([]EvaluationOutcome, BatchReport, error) {
	outcomes, report, err := runBatch(ctx, o, "evaluation", func(ctx context.Context, cam types.CameraStream, f types.Frame) (EvaluationOutcome, error) {
		res, err := o.evaluator.Evaluate(ctx, cam.CameraID, f.Image)
		if err != nil {
			return EvaluationOutcome{}, err
		}
		return EvaluationOutcome{CameraID: cam.CameraID, Result: res}, nil
	})
	if err == nil && o.metrics != nil {
		total, free := 0, 0
		for _, out := range outcomes {
			total += out.Result.TotalSpaces
			free += len(out.Result.FreeSlots)
		}
		o.metrics.UpdateSpaces(total, free)
	}
	return outcomes, report, err
}

// RunSnapshotBatch pulls one frame per camera without running detection.
func (o *Orchestrator) RunSnapshotBatch(ctx context.Context) ([]SnapshotOutcome, BatchReport, error) {
	return runBatch(ctx, o, "snapshot", func(_ context.Context, cam types.CameraStream, f types.Frame) (SnapshotOutcome, error) {
		return SnapshotOutcome{CameraID: cam.CameraID, Frame: f}, nil
	})
}

type taskResult[T any] struct {
	value T
	err   error
}

// runBatch resolves the cameras, pulls a frame and runs work for each camera
// concurrently, and returns the successful values in directory order.
func runBatch[T any](ctx context.Context, o *Orchestrator, kind string, work func(context.Context, types.CameraStream, types.Frame) (T, error)) ([]T, BatchReport, error) {
	report := BatchReport{BatchID: uuid.NewString(), Kind: kind, Started: time.Now()}
	log := o.log
	if o.metrics != nil {
		o.metrics.BatchesRun.Add(1)
	}

	cams, err := o.directory.ResolveCameras(ctx)
	if err != nil {
		if !errors.Is(err, ErrDirectoryUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		}
		if o.metrics != nil {
			o.metrics.BatchesFailed.Add(1)
		}
		log.Error("%s batch %s: %v", kind, report.BatchID, err)
		report.Duration = time.Since(report.Started)
		return nil, report, err
	}
	report.Total = len(cams)
	if o.metrics != nil {
		o.metrics.CamerasResolved.Add(uint64(len(cams)))
	}
	log.Info("%s batch %s: %d cameras", kind, report.BatchID, len(cams))

	results := make([]taskResult[T], len(cams))
	if len(cams) > 0 {
		var g errgroup.Group
		g.SetLimit(len(cams))
		for i, cam := range cams {
			i, cam := i, cam
			g.Go(func() error {
				results[i] = runCamera(ctx, o, cam, work)
				return nil
			})
		}
		g.Wait()
	}

	values := make([]T, 0, len(cams))
	for i, r := range results {
		if r.err != nil {
			fk := failureKind(r.err)
			report.Failures = append(report.Failures, CameraFailure{CameraID: cams[i].CameraID, Kind: fk, Err: r.err})
			if o.metrics != nil {
				o.metrics.CameraFailed(fk)
			}
			log.Warn("batch %s camera %s: %v", report.BatchID, cams[i].CameraID, r.err)
			continue
		}
		values = append(values, r.value)
	}
	report.Succeeded = len(values)
	report.Duration = time.Since(report.Started)
	if o.metrics != nil {
		o.metrics.CamerasSucceeded.Add(uint64(report.Succeeded))
		o.metrics.UpdateBatchLatency(report.Duration)
	}

	log.Info("%s batch %s: %s in %s", kind, report.BatchID, report.Summary(), report.Duration.Round(time.Millisecond))
	return values, report, nil
}

// runCamera isolates one camera's task: a panic becomes that camera's error.
func runCamera[T any](ctx context.Context, o *Orchestrator, cam types.CameraStream, work func(context.Context, types.CameraStream, types.Frame) (T, error)) (res taskResult[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = taskResult[T]{err: fmt.Errorf("camera task panicked: %v", r)}
		}
	}()

	img, ok := o.frames.PullFrame(ctx, cam.StreamURL)
	if !ok || img == nil {
		if o.metrics != nil {
			o.metrics.FramesMissed.Add(1)
		}
		return taskResult[T]{err: fmt.Errorf("%w: no frame from stream", occupancy.ErrFrameUnavailable)}
	}
	if o.metrics != nil {
		o.metrics.FramesPulled.Add(1)
	}

	frame := types.Frame{CameraID: cam.CameraID, Image: img, PulledAt: time.Now()}
	v, err := work(ctx, cam, frame)
	return taskResult[T]{value: v, err: err}
}
