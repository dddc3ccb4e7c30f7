// Package overlay - Burns masks, boxes and labels of a pipeline result into a frame.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
	"github.com/samber/lo"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/models"
	"github.com/nvr-ai/go-plantseg/pipeline"
)

// Options controls overlay rendering.
type Options struct {
	// LineWidth is the box outline width in pixels.
	LineWidth int
	// Face renders label text. Nil uses basicfont.Face7x13.
	Face font.Face
	// HideScores drops the confidence from label text.
	HideScores bool
}

// DefaultOptions returns a 2px outline with the built-in bitmap font.
func DefaultOptions() Options {
	return Options{LineWidth: 2, Face: basicfont.Face7x13}
}

// Compose draws res over frame and returns a new image with frame's size.
//
// The mask raster is scaled to the frame with nearest neighbour sampling and
// blended over it. Each detection of a known class gets its box outlined and a
// filled label at its resolved position; label positions are rescaled from the
// result's target size to the frame. Unknown classes are not drawn.
//
// Arguments:
//   - frame: The source frame. It is not modified.
//   - res: The pipeline result, usually from Pipeline.Snapshot.
//   - classes: The class table providing names and colors.
//   - opts: Rendering options.
//
// Returns:
//   - *image.RGBA: The composed frame, origin at (0, 0).
func Compose(frame image.Image, res pipeline.Result, classes *models.ClassTable, opts Options) *image.RGBA {
	if opts.Face == nil {
		opts.Face = basicfont.Face7x13
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = 1
	}

	fb := frame.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, fb.Dx(), fb.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, fb.Min, draw.Src)
	if dst.Bounds().Empty() {
		return dst
	}

	if res.Mask != nil && !res.Mask.Bounds().Empty() {
		scaled := resize.Resize(uint(fb.Dx()), uint(fb.Dy()), res.Mask, resize.NearestNeighbor)
		draw.Draw(dst, dst.Bounds(), scaled, scaled.Bounds().Min, draw.Over)
	}

	frameSize := images.Size{W: float32(fb.Dx()), H: float32(fb.Dy())}
	sx, sy := float32(1), float32(1)
	if res.TargetSize.W > 0 && res.TargetSize.H > 0 {
		sx, sy = frameSize.W/res.TargetSize.W, frameSize.H/res.TargetSize.H
	}

	for i, d := range res.Detections {
		class, ok := classes.Lookup(d.Class)
		if !ok {
			continue
		}
		outline(dst, toRect(d.Box.ToPixel(frameSize)), class.Color, opts.LineWidth)

		if i >= len(res.Labels) {
			continue
		}
		l := res.Labels[i].Label
		label := toRect(images.PixelRect{X: l.X * sx, Y: l.Y * sy, W: l.W * sx, H: l.H * sy})
		text := class.Name
		if !opts.HideScores {
			text = fmt.Sprintf("%s %.0f%%", class.Name, d.Score*100)
		}
		drawLabel(dst, label, text, class.Color, opts.Face)
	}
	return dst
}

func toRect(p images.PixelRect) image.Rectangle {
	return image.Rect(int(p.X), int(p.Y), int(p.X+p.W), int(p.Y+p.H))
}

// outline strokes r inward with width w, clipped to dst.
func outline(dst *image.RGBA, r image.Rectangle, c color.NRGBA, w int) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	w = lo.Clamp(w, 1, lo.Min([]int{r.Dx(), r.Dy()}))
	src := image.NewUniform(c)
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(dst, edge, src, image.Point{}, draw.Src)
	}
}

// drawLabel fills r with the class color and centers text on it.
func drawLabel(dst *image.RGBA, r image.Rectangle, text string, c color.NRGBA, face font.Face) {
	clip := r.Intersect(dst.Bounds())
	if clip.Empty() {
		return
	}
	draw.Draw(dst, clip, image.NewUniform(c), image.Point{}, draw.Src)

	d := &font.Drawer{Dst: dst, Src: image.NewUniform(TextColor(c)), Face: face}
	advance := d.MeasureString(text)
	m := face.Metrics()
	center := r.Min.Add(r.Max).Div(2)
	d.Dot = fixed.Point26_6{
		X: fixed.I(center.X) - advance/2,
		Y: fixed.I(center.Y) + (m.Ascent-m.Descent)/2,
	}
	d.DrawString(text)
}

// TextColor returns black or white, whichever reads better on background c.
func TextColor(c color.Color) color.Color {
	cf, _ := colorful.MakeColor(c)
	if l, _, _ := cf.Lab(); l > 0.6 {
		return color.Black
	}
	return color.White
}
