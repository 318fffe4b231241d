// Package onnx runs a YOLO detection model locally through ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dj-oyu/parkwatch/internal/detector"
	"github.com/dj-oyu/parkwatch/internal/logger"
)

// Config selects the model and runtime for one detector instance.
type Config struct {
	ModelPath   string
	LibraryPath string // onnxruntime shared library; empty uses the default search path
	PoolSize    int
	Confidence  float32
	IoU         float64
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the runtime once per process. Both the calibration
// and the live detector share it.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if !ort.IsInitialized() {
			envErr = ort.InitializeEnvironment()
		}
	})
	return envErr
}

type modelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (m *modelSession) Destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

func newModelSession(modelPath string, threads int) (*modelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, InputHeight, InputWidth))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cocoLabels)), 8400))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return &modelSession{session: session, input: input, output: output}, nil
}

// Detector owns a pool of sessions for one model file. Detect is safe for
// concurrent use; concurrency is bounded by the pool size.
type Detector struct {
	pool       *sessionPool[*modelSession]
	confidence float32
	iou        float64
	log        *logger.ModuleLogger
}

var _ detector.Detector = (*Detector)(nil)

func New(cfg Config) (*Detector, error) {
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	threads := runtime.NumCPU() / size
	if threads < 1 {
		threads = 1
	}

	pool, err := newSessionPool(size, func() (*modelSession, error) {
		return newModelSession(cfg.ModelPath, threads)
	})
	if err != nil {
		return nil, err
	}

	d := &Detector{
		pool:       pool,
		confidence: cfg.Confidence,
		iou:        cfg.IoU,
		log:        logger.For("ONNX"),
	}
	if d.confidence <= 0 {
		d.confidence = DefaultConfidence
	}
	if d.iou <= 0 {
		d.iou = DefaultIoUThreshold
	}
	d.log.Info("loaded %s with %d sessions", cfg.ModelPath, size)
	return d, nil
}

func (d *Detector) Detect(ctx context.Context, img image.Image) ([]detector.Detection, error) {
	s, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer d.pool.Release(s)

	fillInput(img, s.input.GetData())
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	b := img.Bounds()
	dets, err := decodeOutput(s.output.GetData(), cocoLabels[:], b.Dx(), b.Dy(), d.confidence, d.iou)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	d.log.Debug("%d detections", len(dets))
	return dets, nil
}

func (d *Detector) Close() {
	d.pool.Close()
}

// fillInput resizes img to the model input and writes it as planar RGB in
// [0,1] into dst.
func fillInput(img image.Image, dst []float32) {
	resized := imaging.Resize(img, InputWidth, InputHeight, imaging.Linear)
	plane := InputWidth * InputHeight
	for y := 0; y < InputHeight; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < InputWidth; x++ {
			i := y*InputWidth + x
			px := row[x*4:]
			dst[i] = float32(px[0]) / 255.0
			dst[plane+i] = float32(px[1]) / 255.0
			dst[2*plane+i] = float32(px[2]) / 255.0
		}
	}
}
