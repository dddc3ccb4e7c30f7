// Package postprocess - Postprocessing stages for segmentation model outputs.
package postprocess

import "github.com/nvr-ai/go-plantseg/images"

// Detection represents a single detection result. It is never modified after
// the decoder creates it.
type Detection struct {
	// The predicted class index of the result.
	Class int
	// The confidence score of the result, in [0, 1].
	Score float32
	// The bounding box in normalized coordinates.
	Box images.Rect
	// Mask coefficients, one per prototype channel. Nil when the model has no
	// mask head.
	Coefficients []float32
}

// HasMask reports whether d carries exactly n mask coefficients.
func (d Detection) HasMask(n int) bool {
	return n > 0 && len(d.Coefficients) == n
}
