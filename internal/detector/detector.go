// Package detector defines the object detector contract the occupancy engine
// consumes and helpers shared by its adapters.
package detector

import (
	"context"
	"image"
	"strings"

	"github.com/dj-oyu/parkwatch/internal/geometry"
)

// Detection is one labelled box in pixel coordinates of the input image.
type Detection struct {
	Label      string       `json:"label"`
	Confidence float32      `json:"confidence"`
	Box        geometry.Box `json:"box"`
}

// Detector finds objects in a frame. Results are unordered and may contain
// duplicates; callers filter by label themselves.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// FilterClasses keeps the boxes whose label is in classes (case-insensitive).
func FilterClasses(dets []Detection, classes []string) []geometry.Box {
	want := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		want[strings.ToLower(c)] = struct{}{}
	}
	var boxes []geometry.Box
	for _, d := range dets {
		if _, ok := want[strings.ToLower(d.Label)]; ok {
			boxes = append(boxes, d.Box)
		}
	}
	return boxes
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, img image.Image) ([]Detection, error)

func (f Func) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}
