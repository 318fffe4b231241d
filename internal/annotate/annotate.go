// Package annotate draws labelled boxes onto frames for operators.
package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/parkwatch/internal/geometry"
)

var (
	Green = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	Red   = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
)

const (
	Thickness       = 2
	DefaultQuality  = 85
	labelBaselineUp = 5
)

// Style is how one set of boxes is drawn.
type Style struct {
	Label string
	Color color.Color
}

var (
	ParkingStyle = Style{Label: "Parking", Color: Green}
	FreeStyle    = Style{Label: "FREE", Color: Red}
)

// Draw returns a copy of src with every box outlined and labelled just above
// its top-left corner. src is not modified. Boxes are in src pixel space.
func Draw(src image.Image, boxes []geometry.Box, style Style) *image.NRGBA {
	dst := imaging.Clone(src)
	// imaging.Clone rebases bounds to the origin.
	off := src.Bounds().Min

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(style.Color),
		Face: face,
	}

	for _, b := range boxes {
		r := b.Rect().Sub(off).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		drawRectangle(dst, r, style.Color, Thickness)

		if style.Label == "" {
			continue
		}
		y := r.Min.Y - labelBaselineUp
		if y < face.Ascent {
			y = r.Min.Y + face.Ascent
		}
		d.Dot = fixed.P(r.Min.X, y)
		d.DrawString(style.Label)
	}
	return dst
}

func drawRectangle(img *image.NRGBA, rect image.Rectangle, col color.Color, thickness int) {
	for i := 0; i < thickness; i++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.Set(x, rect.Min.Y+i, col)
			img.Set(x, rect.Max.Y-i-1, col)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			img.Set(rect.Min.X+i, y, col)
			img.Set(rect.Max.X-i-1, y, col)
		}
	}
}

// EncodeJPEG encodes img with the given quality (DefaultQuality if <= 0).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
