package tensors

// Layout describes the head sizes of a segmentation model.
type Layout struct {
	NumClasses    int
	NumMaskProtos int
}

// Outputs holds the tensors of one inference run after shape matching.
type Outputs struct {
	Detections View
	Prototypes View
	// HasDetections is false when no output looked like a detection head.
	HasDetections bool
	// HasPrototypes is false when segmentation is inactive or the prototype
	// output was missing.
	HasPrototypes bool
}

// Classify picks the detection and prototype outputs by shape. Engines may
// return auxiliary tensors in any order, so position and name are ignored:
//
//	[1, 4+classes(+protos), anchors]   detection head
//	[1, protos, height, width]          prototype masks
//
// The detection head's channel count must match the layout exactly, so a
// [1, 32, 25600] auxiliary tensor is never mistaken for it. Anything else is
// skipped. The first match of each kind wins.
func Classify(outputs []View, l Layout) Outputs {
	var out Outputs
	for _, v := range outputs {
		switch {
		case !out.HasDetections && IsDetectionHead(v, l):
			out.Detections = v
			out.HasDetections = true
		case !out.HasPrototypes && IsPrototypeHead(v, l):
			out.Prototypes = v
			out.HasPrototypes = true
		}
	}
	return out
}

// IsDetectionHead reports whether v is shaped [1, C, A] with A > 0 and C either
// 4+classes+protos or, for a model without a mask head, 4+classes.
func IsDetectionHead(v View, l Layout) bool {
	if v.Dims() != 3 || v.Dim(0) != 1 || v.Dim(2) <= 0 {
		return false
	}
	c := v.Dim(1)
	return c == 4+l.NumClasses+l.NumMaskProtos || c == 4+l.NumClasses
}

// IsPrototypeHead reports whether v is shaped [1, protos, H, W] with H, W > 0.
func IsPrototypeHead(v View, l Layout) bool {
	return v.Dims() == 4 && v.Dim(0) == 1 && v.Dim(1) == l.NumMaskProtos && v.Dim(2) > 0 && v.Dim(3) > 0
}
