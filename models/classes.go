// Package models - Static class table for the plant and disease segmentation model.
package models

import (
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ClassDescriptor describes one output class of the model.
type ClassDescriptor struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
	// Overlay color, fully opaque.
	Color color.NRGBA
	// Icon tag used by rendering collaborators.
	Icon string
	// Disease marks classes that are only trusted near plant structure.
	Disease bool
	// Plant marks main-stem, spear and branch classes.
	Plant bool
	// Optional long description.
	Description string
}

// ClassTable is a read-only lookup of class descriptors keyed by index.
type ClassTable struct {
	classes   []ClassDescriptor
	nameToIdx map[string]int
}

// NewClassTable builds a table from descriptors whose indices must be 0..n-1
// in order.
//
// Arguments:
//   - classes: The descriptors, ordered by index.
//
// Returns:
//   - *ClassTable: The lookup table.
//   - error: An error if indices are not contiguous or names repeat.
func NewClassTable(classes ...ClassDescriptor) (*ClassTable, error) {
	t := &ClassTable{
		classes:   make([]ClassDescriptor, len(classes)),
		nameToIdx: make(map[string]int, len(classes)),
	}
	for i, c := range classes {
		if c.Index != i {
			return nil, errors.Errorf("class %q has index %d, expected %d", c.Name, c.Index, i)
		}
		if _, dup := t.nameToIdx[c.Name]; dup {
			return nil, errors.Errorf("duplicate class name %q", c.Name)
		}
		if c.Disease && c.Plant {
			return nil, errors.Errorf("class %q cannot be both disease and plant", c.Name)
		}
		t.classes[i] = c
		t.nameToIdx[c.Name] = i
	}
	return t, nil
}

// MustClassTable is NewClassTable that panics on error. Use for static tables.
func MustClassTable(classes ...ClassDescriptor) *ClassTable {
	t, err := NewClassTable(classes...)
	if err != nil {
		panic(err)
	}
	return t
}

// Len returns the number of classes.
func (t *ClassTable) Len() int {
	return len(t.classes)
}

// Lookup returns the descriptor for idx and whether it exists.
func (t *ClassTable) Lookup(idx int) (ClassDescriptor, bool) {
	if idx < 0 || idx >= len(t.classes) {
		return ClassDescriptor{}, false
	}
	return t.classes[idx], true
}

// Index returns the class index for a given name.
func (t *ClassTable) Index(name string) (int, error) {
	idx, ok := t.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("class %q not found", name)
	}
	return idx, nil
}

// IsDisease reports whether idx is a known disease class.
func (t *ClassTable) IsDisease(idx int) bool {
	c, ok := t.Lookup(idx)
	return ok && c.Disease
}

// IsPlant reports whether idx is a known plant structure class.
func (t *ClassTable) IsPlant(idx int) bool {
	c, ok := t.Lookup(idx)
	return ok && c.Plant
}

// classEntry is the on-disk form of a ClassDescriptor.
type classEntry struct {
	Name        string `yaml:"name"`
	Color       string `yaml:"color"`
	Icon        string `yaml:"icon"`
	Disease     bool   `yaml:"disease"`
	Plant       bool   `yaml:"plant"`
	Description string `yaml:"description"`
}

// ParseClasses reads a class table from YAML. Entries are listed in index order
// and colors are hex strings such as "#2e7d32".
//
// Example:
//
// ```yaml
// - name: stalk
//   color: "#2e7d32"
//   plant: true
// - name: rust
//   color: "#e65100"
//   disease: true
// ```
func ParseClasses(data []byte) (*ClassTable, error) {
	var entries []classEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "decode class table")
	}

	classes := make([]ClassDescriptor, 0, len(entries))
	for i, e := range entries {
		c, err := ParseColor(e.Color)
		if err != nil {
			return nil, errors.Wrapf(err, "class %q", e.Name)
		}
		classes = append(classes, ClassDescriptor{
			Index:       i,
			Name:        e.Name,
			Color:       c,
			Icon:        e.Icon,
			Disease:     e.Disease,
			Plant:       e.Plant,
			Description: e.Description,
		})
	}
	return NewClassTable(classes...)
}

// ParseColor converts a hex color string into an opaque color.NRGBA.
func ParseColor(hex string) (color.NRGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.NRGBA{}, errors.Wrapf(err, "parse color %q", hex)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

func mustColor(hex string) color.NRGBA {
	c, err := ParseColor(hex)
	if err != nil {
		panic(err)
	}
	return c
}

// Class indices of the default table.
const (
	ClassStalk = iota
	ClassSpear
	ClassBranch
	ClassStemBlight
	ClassPurpleSpot
	ClassRust
)

// DefaultClasses is the six-class table the segmentation model is trained on.
var DefaultClasses = MustClassTable(
	ClassDescriptor{
		Index:       ClassStalk,
		Name:        "stalk",
		Color:       mustColor("#2e7d32"),
		Icon:        "stalk",
		Plant:       true,
		Description: "Main stem of the plant.",
	},
	ClassDescriptor{
		Index:       ClassSpear,
		Name:        "spear",
		Color:       mustColor("#9ccc65"),
		Icon:        "sprout",
		Plant:       true,
		Description: "Young shoot emerging from the crown.",
	},
	ClassDescriptor{
		Index:       ClassBranch,
		Name:        "branch",
		Color:       mustColor("#00897b"),
		Icon:        "branch",
		Plant:       true,
		Description: "Lateral branch carrying fern.",
	},
	ClassDescriptor{
		Index:       ClassStemBlight,
		Name:        "stem_blight",
		Color:       mustColor("#6d4c41"),
		Icon:        "blight",
		Disease:     true,
		Description: "Elongated tan to brown lesions with dark borders on stems.",
	},
	ClassDescriptor{
		Index:       ClassPurpleSpot,
		Name:        "purple_spot",
		Color:       mustColor("#8e24aa"),
		Icon:        "spot",
		Disease:     true,
		Description: "Small purple elliptical lesions on spears and fern.",
	},
	ClassDescriptor{
		Index:       ClassRust,
		Name:        "rust",
		Color:       mustColor("#e65100"),
		Icon:        "rust",
		Disease:     true,
		Description: "Orange to brick-red pustules on stems and branches.",
	},
)
