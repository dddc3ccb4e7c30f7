package postprocess

import (
	"github.com/samber/lo"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/models"
)

// FilterDiseaseOverlap drops disease detections that do not intersect any plant
// detection. Disease classifications away from stalks, spears and branches are
// background false positives for this model.
//
// Plant and unrelated detections always pass. The relative order of the
// survivors is preserved. When enabled is false the input is returned as is.
//
// Arguments:
//   - detections: The detections to filter. The slice is not modified.
//   - classes: The class table deciding which indices are plant or disease.
//   - enabled: Whether the filter is active.
//
// Returns:
//   - The surviving detections.
func FilterDiseaseOverlap(detections []Detection, classes *models.ClassTable, enabled bool) []Detection {
	if !enabled {
		return detections
	}

	plants := lo.FilterMap(detections, func(d Detection, _ int) (images.Rect, bool) {
		return d.Box, classes.IsPlant(d.Class)
	})

	return lo.Filter(detections, func(d Detection, _ int) bool {
		if !classes.IsDisease(d.Class) {
			return true
		}
		return lo.ContainsBy(plants, func(p images.Rect) bool {
			return d.Box.Intersects(p)
		})
	})
}
