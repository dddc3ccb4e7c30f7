// Package layout - Greedy placement of on-screen labels for detections.
package layout

import (
	"sort"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/models"
	"github.com/nvr-ai/go-plantseg/models/postprocess"
)

// Config sets the label footprint and spacing.
type Config struct {
	// LabelWidth and LabelHeight are the label box size in pixels.
	LabelWidth  float32 `json:"label_width" yaml:"label_width"`
	LabelHeight float32 `json:"label_height" yaml:"label_height"`
	// Margin is added around placed labels when testing for overlap.
	Margin float32 `json:"margin" yaml:"margin"`
	// NoGoShrink is the fraction removed from each side of a disease box
	// before it is used as a region labels must avoid.
	NoGoShrink float32 `json:"no_go_shrink" yaml:"no_go_shrink"`
	// NearFactor scales the label half extents for the first ring of candidates.
	NearFactor float32 `json:"near_factor" yaml:"near_factor"`
}

// DefaultConfig returns a 100×44 label with a 4px margin.
func DefaultConfig() Config {
	return Config{
		LabelWidth:  100,
		LabelHeight: 44,
		Margin:      4,
		NoGoShrink:  0.2,
		NearFactor:  0.6,
	}
}

// Position is where a detection's label goes on a render target.
type Position struct {
	// Center is the label anchor point.
	Center images.Point
	// Box is the detection's bounding box in pixels.
	Box images.PixelRect
	// Label is the label rectangle centered on Center.
	Label images.PixelRect
}

// direction is a unit step used to build offset candidates.
type direction struct{ dx, dy float32 }

// Candidate directions in evaluation order: right, left, up, down, then the diagonals.
var directions = [8]direction{
	{1, 0}, {-1, 0}, {0, -1}, {0, 1},
	{1, -1}, {-1, -1}, {1, 1}, {-1, 1},
}

// Resolve computes a label position for every detection.
//
// Detections are placed top to bottom by the vertical center of their box
// (stable, so ties keep input order). Each label is first tried centered on its
// box, then at sixteen offsets: eight directions at a near distance and then at
// a far distance. A candidate is rejected if it leaves the target, overlaps a
// disease no-go region, or overlaps an already placed label including its
// margin. The surviving offset closest to the box center wins, earlier
// candidates winning ties. When nothing survives the label stays centered and
// may overlap; labels are never dropped.
//
// Detections whose class is not in the table get a centered position but take
// no space, since no label is drawn for them.
//
// Arguments:
//   - detections: The final detections. They are only read.
//   - size: The render target size in pixels.
//   - classes: The class table deciding which detections are disease regions.
//   - cfg: Label size and spacing.
//
// Returns:
//   - One position per detection, in input order.
func Resolve(detections []postprocess.Detection, size images.Size, classes *models.ClassTable, cfg Config) []Position {
	positions := make([]Position, len(detections))
	if len(detections) == 0 {
		return positions
	}

	noGo := make([]images.PixelRect, 0, len(detections))
	for i, d := range detections {
		px := d.Box.ToPixel(size)
		positions[i].Box = px
		if classes.IsDisease(d.Class) {
			noGo = append(noGo, px.Shrink(cfg.NoGoShrink))
		}
	}

	order := make([]int, len(detections))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return detections[order[a]].Box.CenterY() < detections[order[b]].Box.CenterY()
	})

	r := resolver{cfg: cfg, size: size, noGo: noGo, placed: make([]images.PixelRect, 0, len(detections))}
	for _, i := range order {
		if _, known := classes.Lookup(detections[i].Class); !known {
			center := positions[i].Box.Center()
			positions[i].Center = center
			positions[i].Label = images.RectAround(center, cfg.LabelWidth, cfg.LabelHeight)
			continue
		}
		center := r.place(positions[i].Box.Center())
		positions[i].Center = center
		positions[i].Label = images.RectAround(center, cfg.LabelWidth, cfg.LabelHeight)
	}
	return positions
}

type resolver struct {
	cfg    Config
	size   images.Size
	noGo   []images.PixelRect
	placed []images.PixelRect // margin-expanded footprints
}

// place picks the label center for a box centered at origin and records it.
func (r *resolver) place(origin images.Point) images.Point {
	chosen := origin
	if !r.fits(origin) {
		best := float32(-1)
		for _, c := range r.candidates(origin) {
			if !r.fits(c) {
				continue
			}
			if d := images.Distance(c, origin); best < 0 || d < best {
				best = d
				chosen = c
			}
		}
	}

	label := images.RectAround(chosen, r.cfg.LabelWidth, r.cfg.LabelHeight)
	r.placed = append(r.placed, label.Expand(r.cfg.Margin))
	return chosen
}

// candidates returns the sixteen offset positions around origin, near ring first.
func (r *resolver) candidates(origin images.Point) []images.Point {
	hw, hh := r.cfg.LabelWidth/2, r.cfg.LabelHeight/2
	tiers := [2]direction{
		{hw * r.cfg.NearFactor, hh * r.cfg.NearFactor},
		{r.cfg.LabelWidth + r.cfg.Margin, r.cfg.LabelHeight + r.cfg.Margin},
	}

	out := make([]images.Point, 0, len(tiers)*len(directions))
	for _, t := range tiers {
		for _, d := range directions {
			out = append(out, images.Point{X: origin.X + d.dx*t.dx, Y: origin.Y + d.dy*t.dy})
		}
	}
	return out
}

// fits reports whether a label centered at c stays on the target and clear of
// no-go regions and placed labels.
func (r *resolver) fits(c images.Point) bool {
	label := images.RectAround(c, r.cfg.LabelWidth, r.cfg.LabelHeight)
	if !label.Within(r.size) {
		return false
	}
	for _, z := range r.noGo {
		if label.Intersects(z) {
			return false
		}
	}
	for _, p := range r.placed {
		if label.Intersects(p) {
			return false
		}
	}
	return true
}
