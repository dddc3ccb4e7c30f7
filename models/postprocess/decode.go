package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/tensors"
)

// ErrShape marks a detection tensor the decoder could not interpret.
var ErrShape = errors.New("malformed detection tensor")

// DecodeConfig controls how a raw detection head is turned into candidates.
type DecodeConfig struct {
	// ConfidenceThreshold drops anchors whose best class score is not above it.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// NumClasses is the number of class score channels.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// NumMaskProtos is the expected number of mask coefficient channels.
	NumMaskProtos int `json:"num_mask_protos" yaml:"num_mask_protos"`
	// GridSize is the reference input size the box channels are expressed in.
	GridSize float32 `json:"grid_size" yaml:"grid_size"`
	// MaxDetections stops decoding after this many candidates.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
}

// DefaultDecodeConfig returns the settings of the six-class 640×640 model.
func DefaultDecodeConfig() DecodeConfig {
	return DecodeConfig{
		ConfidenceThreshold: 0.25,
		NumClasses:          6,
		NumMaskProtos:       32,
		GridSize:            640,
		MaxDetections:       100,
	}
}

// Decode converts a detection head into candidate detections.
//
// The tensor is laid out as channels × anchors:
//
//	[cx_1 ... cx_A]
//	[cy_1 ... cy_A]
//	[w_1  ... w_A ]
//	[h_1  ... h_A ]
//	[c1_1 ... c1_A]   one row per class score
//	...
//	[m1_1 ... m1_A]   one row per mask coefficient, if present
//
// A leading batch axis of size one is accepted. Anchors are visited in order and
// decoding stops as soon as MaxDetections candidates exist; no ranking happens
// before the cap.
//
// Arguments:
//   - v: The detection head, [1, 4+C(+M), A] or [4+C(+M), A].
//   - cfg: The decode settings, read once for the whole call.
//
// Returns:
//   - []Detection: The candidates, never nil.
//   - error: ErrShape when the tensor could not be interpreted. The slice is
//     empty in that case and the frame can continue.
func Decode(v tensors.View, cfg DecodeConfig) ([]Detection, error) {
	v = v.DropBatch(2)
	if v.Dims() != 2 {
		return []Detection{}, errors.Wrapf(ErrShape, "shape %v", v.Shape())
	}
	channels, anchors := v.Dim(0), v.Dim(1)
	if cfg.NumClasses <= 0 || channels < 4+cfg.NumClasses || anchors == 0 {
		return []Detection{}, errors.Wrapf(ErrShape, "shape %v for %d classes", v.Shape(), cfg.NumClasses)
	}
	if cfg.GridSize <= 0 {
		return []Detection{}, errors.Wrapf(ErrShape, "grid size %v", cfg.GridSize)
	}

	// Coefficients are copied only when the extra channels match the prototype count.
	maskStart := 4 + cfg.NumClasses
	withMask := cfg.NumMaskProtos > 0 && channels-maskStart == cfg.NumMaskProtos

	limit := cfg.MaxDetections
	if limit <= 0 {
		limit = anchors
	}
	out := make([]Detection, 0, min(limit, 16))

	for a := 0; a < anchors && len(out) < limit; a++ {
		// NaN scores never win the argmax and never pass the threshold.
		classID := 0
		best := math32.Inf(-1)
		for c := 0; c < cfg.NumClasses; c++ {
			if s := v.At(4+c, a); s > best {
				best = s
				classID = c
			}
		}
		if !(best > cfg.ConfidenceThreshold) {
			continue
		}

		cx, cy := v.At(0, a), v.At(1, a)
		w, h := v.At(2, a), v.At(3, a)
		box := images.Rect{
			X: (cx - w/2) / cfg.GridSize,
			Y: (cy - h/2) / cfg.GridSize,
			W: w / cfg.GridSize,
			H: h / cfg.GridSize,
		}.Clamped()

		var coeffs []float32
		if withMask {
			coeffs = make([]float32, cfg.NumMaskProtos)
			for m := range coeffs {
				coeffs[m] = v.At(maskStart+m, a)
			}
		}

		out = append(out, Detection{
			Class:        classID,
			Score:        best,
			Box:          box,
			Coefficients: coeffs,
		})
	}
	return out, nil
}
