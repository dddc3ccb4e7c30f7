// Package masks - Instance mask synthesis from prototype channels and per-detection coefficients.
package masks

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-plantseg/models"
	"github.com/nvr-ai/go-plantseg/models/postprocess"
	"github.com/nvr-ai/go-plantseg/tensors"
)

// Alpha is the opacity written for mask pixels.
const Alpha = 160

// Threshold is the sigmoid value a pixel must exceed to belong to a mask.
const Threshold = 0.5

// Options tunes mask synthesis.
type Options struct {
	// OnUnknownClass is called for detections whose class is not in the table.
	// Such detections contribute no pixels.
	OnUnknownClass func(d postprocess.Detection)
}

// Synthesize composites the instance masks of detections into a single raster
// at prototype resolution. Pixels not covered by any mask stay transparent.
//
// For every detection with coefficients and a known class, only the pixels of
// its bounding box (scaled to mask resolution) are evaluated:
//
//	mask(x, y) = sigmoid(Σ_k coeff[k] · proto[k, y, x])
//
// A pixel takes the class color with alpha 160 when mask(x, y) > 0.5. Later
// detections overwrite earlier ones where they overlap.
//
// Arguments:
//   - protos: The prototype tensor, [1, M, H, W] or [M, H, W], any strides.
//   - detections: The final detection list, in overlay order.
//   - classes: The class table providing colors.
//   - opts: Optional callbacks.
//
// Returns:
//   - *image.NRGBA: The W×H raster.
//   - error: tensors.ErrShape when the prototype tensor is not three dimensional
//     after removing the batch axis.
func Synthesize(
	protos tensors.View,
	detections []postprocess.Detection,
	classes *models.ClassTable,
	opts Options,
) (*image.NRGBA, error) {
	protos = protos.DropBatch(3)
	if protos.Dims() != 3 {
		return nil, errors.Wrapf(tensors.ErrShape, "prototype shape %v", protos.Shape())
	}
	numProtos, height, width := protos.Dim(0), protos.Dim(1), protos.Dim(2)
	raster := image.NewNRGBA(image.Rect(0, 0, width, height))

	for _, d := range detections {
		if !d.HasMask(numProtos) {
			continue
		}
		class, ok := classes.Lookup(d.Class)
		if !ok {
			if opts.OnUnknownClass != nil {
				opts.OnUnknownClass(d)
			}
			continue
		}
		paint(raster, protos, d, color.NRGBA{R: class.Color.R, G: class.Color.G, B: class.Color.B, A: Alpha})
	}
	return raster, nil
}

// paint evaluates one detection's mask inside its box and writes c where it is set.
func paint(raster *image.NRGBA, protos tensors.View, d postprocess.Detection, c color.NRGBA) {
	numProtos, height, width := protos.Dim(0), protos.Dim(1), protos.Dim(2)
	bounds := BoxBounds(d, width, height)
	if bounds.Empty() {
		return
	}

	data := protos.Data()
	chStride, rowStride, colStride := protos.Stride(0), protos.Stride(1), protos.Stride(2)
	rowOff := protos.Offset(0, bounds.Min.Y, bounds.Min.X)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		off := rowOff
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var sum float32
			for k := 0; k < numProtos; k++ {
				sum += d.Coefficients[k] * data[off+k*chStride]
			}
			if sigmoid(sum) > Threshold {
				raster.SetNRGBA(x, y, c)
			}
			off += colStride
		}
		rowOff += rowStride
	}
}

// BoxBounds converts a detection box to the pixel rectangle it covers at
// mask resolution, clipped to the raster.
func BoxBounds(d postprocess.Detection, width, height int) image.Rectangle {
	w, h := float32(width), float32(height)
	r := image.Rect(
		int(math32.Floor(d.Box.X*w)),
		int(math32.Floor(d.Box.Y*h)),
		int(math32.Ceil((d.Box.X+d.Box.W)*w)),
		int(math32.Ceil((d.Box.Y+d.Box.H)*h)),
	)
	return r.Intersect(image.Rect(0, 0, width, height))
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}
