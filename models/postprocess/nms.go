package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-plantseg/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"` // Overlap threshold for suppression.
	ClassAware   bool    `json:"class_aware" yaml:"class_aware"`     // If true, suppress only within same class.
}

// DefaultNMSConfig suppresses same-class detections overlapping by more than 0.5 IoU.
func DefaultNMSConfig() NMSConfig {
	return NMSConfig{IoUThreshold: 0.5, ClassAware: true}
}

// ApplyNMS filters overlapping detections using greedy Non-Maximum Suppression.
//
// Detections are ordered by descending score (stable, so equal scores keep their
// input order). Each kept detection suppresses every later, not yet suppressed
// detection whose IoU with it exceeds the threshold. With ClassAware set only
// detections of the same class can suppress each other.
//
// Arguments:
//   - detections: Candidate detections in any order. The slice is not modified.
//   - config: NMS configuration.
//
// Returns:
//   - The kept detections in descending score order. Empty input gives an empty slice.
func ApplyNMS(detections []Detection, config NMSConfig) []Detection {
	n := len(detections)
	if n == 0 {
		return []Detection{}
	}

	sorted := make([]Detection, n)
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	filtered := make([]Detection, 0, n)
	suppressed := make([]bool, n)

	for i := 0; i < n; i++ {
		if suppressed[i] {
			continue
		}
		anchor := sorted[i]
		filtered = append(filtered, anchor)

		for j := i + 1; j < n; j++ {
			if suppressed[j] {
				continue
			}
			if config.ClassAware && sorted[j].Class != anchor.Class {
				continue
			}
			if images.IoU(anchor.Box, sorted[j].Box) > config.IoUThreshold {
				suppressed[j] = true
			}
		}
	}

	return filtered
}
