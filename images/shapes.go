// Package images - Box geometry shared by the decode, filter, mask and layout stages.
package images

import "github.com/chewxy/math32"

// Rect is a bounding box in normalized image coordinates.
//
// X and Y are the top-left corner and W, H the extent, each expected in [0, 1]
// once produced by the decoder.
type Rect struct {
	X, Y, W, H float32
}

// PixelRect is a rectangle in pixel space of a render target.
type PixelRect struct {
	X, Y, W, H float32
}

// Point is a pixel-space coordinate.
type Point struct {
	X, Y float32
}

// Size is the width and height of a render target in pixels.
type Size struct {
	W, H float32
}

// Clamp01 limits v to the closed interval [0, 1]. NaN maps to 0.
func Clamp01(v float32) float32 {
	if math32.IsNaN(v) {
		return 0
	}
	return math32.Max(0, math32.Min(1, v))
}

// Clamped returns r with every component clamped into [0, 1].
func (r Rect) Clamped() Rect {
	return Rect{X: Clamp01(r.X), Y: Clamp01(r.Y), W: Clamp01(r.W), H: Clamp01(r.H)}
}

// Area returns the area of r. Negative extents count as zero.
func (r Rect) Area() float32 {
	return math32.Max(0, r.W) * math32.Max(0, r.H)
}

// CenterY returns the vertical center of r.
func (r Rect) CenterY() float32 {
	return r.Y + r.H/2
}

// Intersects reports whether r and o share a region of positive area.
// Rectangles that only touch along an edge do not intersect.
func (r Rect) Intersects(o Rect) bool {
	return overlap(r.X, r.W, o.X, o.W) > 0 && overlap(r.Y, r.H, o.Y, o.H) > 0
}

// ToPixel converts r to pixel space for a target of the given size.
//
// Arguments:
//   - size: The render target size in pixels.
//
// Returns:
//   - The rectangle scaled by the target width and height.
//
// Example:
//
// ```go
//
//	px := Rect{X: 0.25, Y: 0.25, W: 0.25, H: 0.25}.ToPixel(Size{W: 1000, H: 1000})
//	// px == PixelRect{X: 250, Y: 250, W: 250, H: 250}
//
// ```
func (r Rect) ToPixel(size Size) PixelRect {
	return PixelRect{
		X: r.X * size.W,
		Y: r.Y * size.H,
		W: r.W * size.W,
		H: r.H * size.H,
	}
}

// IoU (Intersection over Union) measures the overlap of two rectangles as a
// value between 0 and 1:
//
//	IoU = Area of Intersection / Area of Union
//
// Disjoint or edge-touching rectangles give 0. A union area that is not
// positive (two degenerate boxes) also gives 0 rather than a division fault.
//
// Example Usage:
// ```go
//
//	a := Rect{X: 0, Y: 0, W: 0.1, H: 0.1}
//	b := Rect{X: 0.05, Y: 0.05, W: 0.1, H: 0.1}
//	iou := IoU(a, b) // intersection 0.0025, union 0.0175, iou ≈ 0.142857
//
// ```
func IoU(r, o Rect) float32 {
	interW := overlap(r.X, r.W, o.X, o.W)
	interH := overlap(r.Y, r.H, o.Y, o.H)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH

	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// overlap returns the length of the shared span of [a, a+aw) and [b, b+bw).
func overlap(a, aw, b, bw float32) float32 {
	return math32.Min(a+aw, b+bw) - math32.Max(a, b)
}

// Center returns the center point of p.
func (p PixelRect) Center() Point {
	return Point{X: p.X + p.W/2, Y: p.Y + p.H/2}
}

// Intersects reports whether p and o share a region of positive area.
func (p PixelRect) Intersects(o PixelRect) bool {
	return overlap(p.X, p.W, o.X, o.W) > 0 && overlap(p.Y, p.H, o.Y, o.H) > 0
}

// Expand grows p by m on every side. A negative m shrinks it.
func (p PixelRect) Expand(m float32) PixelRect {
	return PixelRect{X: p.X - m, Y: p.Y - m, W: p.W + 2*m, H: p.H + 2*m}
}

// Shrink removes the given fraction of the width and height from each side.
// A fraction of 0.2 keeps the central 60% of the rectangle on each axis.
func (p PixelRect) Shrink(frac float32) PixelRect {
	dx, dy := p.W*frac, p.H*frac
	return PixelRect{X: p.X + dx, Y: p.Y + dy, W: p.W - 2*dx, H: p.H - 2*dy}
}

// Within reports whether p lies entirely inside a target of the given size.
func (p PixelRect) Within(size Size) bool {
	return p.X >= 0 && p.Y >= 0 && p.X+p.W <= size.W && p.Y+p.H <= size.H
}

// RectAround returns a w×h rectangle centered on c.
func RectAround(c Point, w, h float32) PixelRect {
	return PixelRect{X: c.X - w/2, Y: c.Y - h/2, W: w, H: h}
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Point) float32 {
	return math32.Hypot(a.X-b.X, a.Y-b.Y)
}
