// Package geometry holds the box arithmetic used by calibration and
// occupancy evaluation: overlap ratios and resolution-independent coordinates.
package geometry

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// Box is an axis-aligned rectangle [X1, Y1, X2, Y2] with X2 >= X1 and Y2 >= Y1.
// Whether it is in pixels or normalized to [0,1] depends on the Resolution it
// travels with.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Resolution is the frame size a set of boxes is expressed against.
type Resolution struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ResolutionOf returns the size of img's bounds.
func ResolutionOf(img image.Image) Resolution {
	b := img.Bounds()
	return Resolution{Width: b.Dx(), Height: b.Dy()}
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area is zero for degenerate boxes.
func (b Box) Area() float64 {
	return math.Max(0, b.Width()) * math.Max(0, b.Height())
}

// Rect truncates the box to integer pixel coordinates.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

// MarshalJSON encodes the box as [x1, y1, x2, y2].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON decodes a four-element array.
func (b *Box) UnmarshalJSON(data []byte) error {
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return err
	}
	if len(coords) != 4 {
		return fmt.Errorf("box needs 4 coordinates, got %d", len(coords))
	}
	*b = Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	return nil
}

// OverlapRatio returns the intersection-over-union of a and b in [0,1].
// Both boxes must be in the same coordinate space. A zero union yields 0.
func OverlapRatio(a, b Box) float64 {
	x1 := math.Max(a.X1, b.X1)
	y1 := math.Max(a.Y1, b.Y1)
	x2 := math.Min(a.X2, b.X2)
	y2 := math.Min(a.Y2, b.Y2)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Normalize divides pixel coordinates by res, producing boxes in [0,1].
func Normalize(boxes []Box, res Resolution) []Box {
	w, h := float64(res.Width), float64(res.Height)
	out := make([]Box, len(boxes))
	for i, b := range boxes {
		out[i] = Box{X1: b.X1 / w, Y1: b.Y1 / h, X2: b.X2 / w, Y2: b.Y2 / h}
	}
	return out
}

// Denormalize is the inverse of Normalize.
func Denormalize(boxes []Box, res Resolution) []Box {
	w, h := float64(res.Width), float64(res.Height)
	out := make([]Box, len(boxes))
	for i, b := range boxes {
		out[i] = Box{X1: b.X1 * w, Y1: b.Y1 * h, X2: b.X2 * w, Y2: b.Y2 * h}
	}
	return out
}

// InUnitRange reports whether every coordinate lies in [0,1].
func (b Box) InUnitRange() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// ApproxEqual compares coordinates within eps.
func (b Box) ApproxEqual(o Box, eps float64) bool {
	return math.Abs(b.X1-o.X1) <= eps &&
		math.Abs(b.Y1-o.Y1) <= eps &&
		math.Abs(b.X2-o.X2) <= eps &&
		math.Abs(b.Y2-o.Y2) <= eps
}
