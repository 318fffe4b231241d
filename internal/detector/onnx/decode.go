package onnx

import (
	"fmt"
	"math"
	"sort"

	"github.com/dj-oyu/parkwatch/internal/detector"
	"github.com/dj-oyu/parkwatch/internal/geometry"
)

const (
	InputWidth  = 640
	InputHeight = 640

	DefaultConfidence   = float32(0.25)
	DefaultIoUThreshold = 0.7
)

// cocoLabels is the class order of the stock YOLO COCO checkpoints.
var cocoLabels = [...]string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// decodeOutput turns a YOLO [1, 4+classes, anchors] output into detections
// scaled to a srcW x srcH frame. Rows are cx, cy, w, h in model input pixels
// followed by one score per class.
func decodeOutput(data []float32, labels []string, srcW, srcH int, conf float32, iouThreshold float64) ([]detector.Detection, error) {
	rows := 4 + len(labels)
	if len(data) == 0 || len(data)%rows != 0 {
		return nil, fmt.Errorf("output size %d not divisible by %d rows", len(data), rows)
	}
	anchors := len(data) / rows

	sx := float64(srcW) / InputWidth
	sy := float64(srcH) / InputHeight

	var candidates []detector.Detection
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, conf
		for c := range labels {
			if s := data[(4+c)*anchors+i]; s >= bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 {
			continue
		}

		cx := float64(data[i])
		cy := float64(data[anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])

		box := geometry.Box{
			X1: clamp((cx-w/2)*sx, 0, float64(srcW)),
			Y1: clamp((cy-h/2)*sy, 0, float64(srcH)),
			X2: clamp((cx+w/2)*sx, 0, float64(srcW)),
			Y2: clamp((cy+h/2)*sy, 0, float64(srcH)),
		}
		candidates = append(candidates, detector.Detection{
			Label:      labels[best],
			Confidence: bestScore,
			Box:        box,
		})
	}

	return suppress(candidates, iouThreshold), nil
}

// suppress runs per-class non-maximum suppression.
func suppress(dets []detector.Detection, iouThreshold float64) []detector.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]detector.Detection, 0, len(dets))
	for _, d := range dets {
		overlapped := false
		for _, k := range kept {
			if k.Label == d.Label && geometry.OverlapRatio(k.Box, d.Box) > iouThreshold {
				overlapped = true
				break
			}
		}
		if !overlapped {
			kept = append(kept, d)
		}
	}
	return kept
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
