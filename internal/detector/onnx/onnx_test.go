package onnx

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/parkwatch/internal/geometry"
)

// yoloOutput builds a channel-major output with the given anchors.
func yoloOutput(labels []string, anchors [][]float32) []float32 {
	rows := 4 + len(labels)
	n := len(anchors)
	data := make([]float32, rows*n)
	for i, a := range anchors {
		for r := 0; r < rows && r < len(a); r++ {
			data[r*n+i] = a[r]
		}
	}
	return data
}

func TestDecodeOutputScalesAndLabels(t *testing.T) {
	labels := []string{"person", "car"}
	data := yoloOutput(labels, [][]float32{
		{320, 320, 64, 32, 0.1, 0.9}, // car in the middle
		{10, 10, 4, 4, 0.05, 0.1},    // below confidence
	})

	dets, err := decodeOutput(data, labels, 1280, 720, 0.25, 0.7)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, "car", d.Label)
	assert.InDelta(t, 0.9, d.Confidence, 1e-6)
	want := geometry.Box{X1: 288 * 2, Y1: 304 * 1.125, X2: 352 * 2, Y2: 336 * 1.125}
	assert.True(t, want.ApproxEqual(d.Box, 1e-6), "%v", d.Box)
}

func TestDecodeOutputSuppressesOverlapsPerClass(t *testing.T) {
	labels := []string{"person", "car"}
	data := yoloOutput(labels, [][]float32{
		{100, 100, 50, 50, 0, 0.8},
		{101, 100, 50, 50, 0, 0.9}, // same car, higher score
		{100, 100, 50, 50, 0.7, 0}, // person at the same spot survives
		{400, 400, 50, 50, 0, 0.6},
	})

	dets, err := decodeOutput(data, labels, InputWidth, InputHeight, 0.25, 0.7)
	require.NoError(t, err)
	require.Len(t, dets, 3)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.Equal(t, "person", dets[1].Label)
	assert.InDelta(t, 0.6, dets[2].Confidence, 1e-6)
}

func TestDecodeOutputClampsToFrame(t *testing.T) {
	labels := []string{"car"}
	data := yoloOutput(labels, [][]float32{{5, 635, 20, 20, 0.5}})

	dets, err := decodeOutput(data, labels, 640, 640, 0.25, 0.7)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, geometry.Box{X1: 0, Y1: 625, X2: 15, Y2: 640}, dets[0].Box)
}

func TestDecodeOutputRejectsBadShape(t *testing.T) {
	_, err := decodeOutput(make([]float32, 7), []string{"car"}, 10, 10, 0.25, 0.7)
	assert.Error(t, err)
}

func TestFillInputPlanarRGB(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}
	buf := make([]float32, 3*InputWidth*InputHeight)
	fillInput(img, buf)

	plane := InputWidth * InputHeight
	center := InputHeight/2*InputWidth + InputWidth/2
	assert.InDelta(t, 1.0, buf[center], 1e-3)
	assert.InDelta(t, 0.0, buf[plane+center], 1e-3)
	assert.InDelta(t, 0.2, buf[2*plane+center], 1e-3)
}

type fakeSession struct {
	destroyed *atomic.Int32
}

func (f fakeSession) Destroy() { f.destroyed.Add(1) }

func TestSessionPoolExclusiveAcquire(t *testing.T) {
	var destroyed atomic.Int32
	p, err := newSessionPool(1, func() (fakeSession, error) {
		return fakeSession{destroyed: &destroyed}, nil
	})
	require.NoError(t, err)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Stats().InUse)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second acquire must wait")

	p.Release(s)
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close()
	p.Release(s2)
	assert.Equal(t, int32(1), destroyed.Load())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, errPoolClosed)
}

func TestSessionPoolInitFailureDestroysCreated(t *testing.T) {
	var destroyed atomic.Int32
	calls := 0
	_, err := newSessionPool(3, func() (fakeSession, error) {
		calls++
		if calls == 3 {
			return fakeSession{}, errors.New("no model")
		}
		return fakeSession{destroyed: &destroyed}, nil
	})
	require.Error(t, err)
	assert.Equal(t, int32(2), destroyed.Load())
}
