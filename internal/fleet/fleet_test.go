package fleet

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/parkwatch/internal/detector"
	"github.com/dj-oyu/parkwatch/internal/geometry"
	"github.com/dj-oyu/parkwatch/internal/metrics"
	"github.com/dj-oyu/parkwatch/internal/occupancy"
	"github.com/dj-oyu/parkwatch/internal/reference"
	"github.com/dj-oyu/parkwatch/pkg/types"
)

type staticDirectory struct {
	cams []types.CameraStream
	err  error
}

func (d staticDirectory) ResolveCameras(context.Context) ([]types.CameraStream, error) {
	return d.cams, d.err
}

// mapFrames serves a fixed frame per stream URL; missing URLs yield nothing.
type mapFrames map[string]image.Image

func (m mapFrames) PullFrame(_ context.Context, url string) (image.Image, bool) {
	img, ok := m[url]
	return img, ok
}

func threeCameras() staticDirectory {
	return staticDirectory{cams: []types.CameraStream{
		{CameraID: "1", StreamURL: "hls://1"},
		{CameraID: "2", StreamURL: "hls://2"},
		{CameraID: "3", StreamURL: "hls://3"},
	}}
}

var parked = detector.Func(func(_ context.Context, img image.Image) ([]detector.Detection, error) {
	return []detector.Detection{
		{Label: "car", Box: geometry.Box{X1: 10, Y1: 10, X2: 60, Y2: 40}},
		{Label: "car", Box: geometry.Box{X1: 80, Y1: 10, X2: 130, Y2: 40}},
	}, nil
})

func newEngine(t *testing.T, det detector.Detector) (*occupancy.Calibrator, *occupancy.Evaluator, reference.Store) {
	t.Helper()
	store, err := reference.NewFileStore(t.TempDir())
	require.NoError(t, err)
	p := occupancy.DefaultPolicy()
	return occupancy.NewCalibrator(det, store, p), occupancy.NewEvaluator(det, store, p), store
}

func allFrames() mapFrames {
	return mapFrames{
		"hls://1": image.NewRGBA(image.Rect(0, 0, 160, 90)),
		"hls://2": image.NewRGBA(image.Rect(0, 0, 160, 90)),
		"hls://3": image.NewRGBA(image.Rect(0, 0, 320, 180)),
	}
}

func TestEvaluationBatchSkipsCameraWithoutFrame(t *testing.T) {
	cal, eval, _ := newEngine(t, parked)
	frames := allFrames()
	ctx := context.Background()

	o := New(threeCameras(), frames, cal, eval, nil)
	calibrated, report, err := o.RunCalibrationBatch(ctx)
	require.NoError(t, err)
	require.Len(t, calibrated, 3)
	assert.Equal(t, "3 of 3 cameras succeeded", report.Summary())

	delete(frames, "hls://2")
	m := metrics.New()
	o = New(threeCameras(), frames, cal, eval, m)
	results, report, err := o.RunEvaluationBatch(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].CameraID)
	assert.Equal(t, "3", results[1].CameraID)
	assert.Equal(t, 2, results[0].Result.TotalSpaces)
	assert.Empty(t, results[0].Result.FreeSlots)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "2", report.Failures[0].CameraID)
	assert.Equal(t, metrics.KindFrame, report.Failures[0].Kind)
	assert.ErrorIs(t, report.Err(), occupancy.ErrFrameUnavailable)
	assert.Equal(t, "2 of 3 cameras succeeded", report.Summary())

	assert.Equal(t, uint64(1), m.FramesMissed.Load())
	assert.Equal(t, uint64(2), m.FramesPulled.Load())
	assert.Equal(t, uint64(4), m.SpacesTotal.Load())
}

func TestEvaluationBatchExcludesUncalibrated(t *testing.T) {
	cal, eval, store := newEngine(t, parked)
	ctx := context.Background()
	_, err := cal.Calibrate(ctx, "3", image.NewRGBA(image.Rect(0, 0, 160, 90)))
	require.NoError(t, err)
	_, err = store.Load(ctx, "1")
	require.ErrorIs(t, err, reference.ErrNotCalibrated)

	results, report, err := New(threeCameras(), allFrames(), cal, eval, nil).RunEvaluationBatch(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "3", results[0].CameraID)
	assert.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.Equal(t, metrics.KindNotCalibrated, f.Kind)
	}
}

func TestDirectoryFailureIsFatal(t *testing.T) {
	cal, eval, _ := newEngine(t, parked)
	dir := staticDirectory{err: errors.New("dial tcp: connection refused")}
	m := metrics.New()

	results, _, err := New(dir, allFrames(), cal, eval, m).RunEvaluationBatch(context.Background())
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.Nil(t, results)
	assert.Equal(t, uint64(1), m.BatchesFailed.Load())
}

func TestEmptyDirectory(t *testing.T) {
	cal, eval, _ := newEngine(t, parked)
	results, report, err := New(staticDirectory{}, allFrames(), cal, eval, nil).RunSnapshotBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, "0 of 0 cameras succeeded", report.Summary())
	assert.NoError(t, report.Err())
}

func TestSnapshotBatchReturnsFrames(t *testing.T) {
	frames := allFrames()
	delete(frames, "hls://1")
	results, report, err := New(threeCameras(), frames, nil, nil, nil).RunSnapshotBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "2", results[0].CameraID)
	assert.Equal(t, 320, results[1].Frame.Image.Bounds().Dx())
	assert.Equal(t, "3", results[1].Frame.CameraID)
	assert.Equal(t, 1, len(report.Failures))
}

// barrierFrames blocks every pull until all cameras have started pulling.
type barrierFrames struct {
	wg sync.WaitGroup
}

func (b *barrierFrames) PullFrame(ctx context.Context, _ string) (image.Image, bool) {
	b.wg.Done()
	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
		return image.NewRGBA(image.Rect(0, 0, 8, 8)), true
	case <-ctx.Done():
		return nil, false
	}
}

func TestCamerasRunConcurrently(t *testing.T) {
	dir := staticDirectory{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		dir.cams = append(dir.cams, types.CameraStream{CameraID: id, StreamURL: "hls://" + id})
	}
	frames := &barrierFrames{}
	frames.wg.Add(len(dir.cams))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, _, err := New(dir, frames, nil, nil, nil).RunSnapshotBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 5, "every pull must be in flight at once")
}

type panickyEvaluator struct{}

func (panickyEvaluator) Evaluate(context.Context, string, image.Image) (*occupancy.Result, error) {
	panic("boom")
}

func TestPanickingTaskIsIsolated(t *testing.T) {
	results, report, err := New(threeCameras(), allFrames(), nil, panickyEvaluator{}, nil).RunEvaluationBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Len(t, report.Failures, 3)
	assert.Equal(t, metrics.KindOther, report.Failures[0].Kind)
}

func TestCalibrationBatchDetectorFailure(t *testing.T) {
	failing := detector.Func(func(context.Context, image.Image) ([]detector.Detection, error) {
		return nil, errors.New("inference service down")
	})
	cal, eval, _ := newEngine(t, failing)

	results, report, err := New(threeCameras(), allFrames(), cal, eval, nil).RunCalibrationBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	require.Len(t, report.Failures, 3)
	assert.Equal(t, metrics.KindDetector, report.Failures[1].Kind)
	assert.ErrorIs(t, report.Err(), occupancy.ErrDetectorUnavailable)
}
