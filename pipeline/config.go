package pipeline

import (
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-plantseg/layout"
	"github.com/nvr-ai/go-plantseg/models/postprocess"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid pipeline config")

const (
	// MinConfidence and MaxConfidence bound the user facing confidence threshold.
	MinConfidence float32 = 0.1
	MaxConfidence float32 = 0.9
)

// Config represents the tunables of the post-processing pipeline.
//
// Only ConfidenceThreshold and DiseaseOverlapOnly are meant to change at runtime;
// the remaining fields describe the model and are fixed for the six-class
// 640×640 segmentation network.
type Config struct {
	// ConfidenceThreshold drops candidates whose best class score is not above it.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// DiseaseOverlapOnly keeps disease detections only when they touch a plant part.
	DiseaseOverlapOnly bool `json:"disease_overlap_only" yaml:"disease_overlap_only"`

	// IoUThreshold controls same-class suppression.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`

	// GridSize is the reference input size box channels are expressed in.
	GridSize float32 `json:"grid_size" yaml:"grid_size"`

	// MaxDetections caps decoded candidates per frame.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`

	// NumClasses and NumMaskProtos describe the detection head.
	NumClasses    int `json:"num_classes" yaml:"num_classes"`
	NumMaskProtos int `json:"num_mask_protos" yaml:"num_mask_protos"`

	// Layout controls label placement.
	Layout layout.Config `json:"layout" yaml:"layout"`
}

// DefaultConfig returns the configuration of the deployed model.
//
// Returns:
//   - Config: Threshold 0.25 with the disease overlap filter on.
func DefaultConfig() Config {
	d := postprocess.DefaultDecodeConfig()
	return Config{
		ConfidenceThreshold: d.ConfidenceThreshold,
		DiseaseOverlapOnly:  true,
		IoUThreshold:        postprocess.DefaultNMSConfig().IoUThreshold,
		GridSize:            d.GridSize,
		MaxDetections:       d.MaxDetections,
		NumClasses:          d.NumClasses,
		NumMaskProtos:       d.NumMaskProtos,
		Layout:              layout.DefaultConfig(),
	}
}

// Validate checks the threshold range and the fixed model parameters.
func (c Config) Validate() error {
	def := DefaultConfig()
	switch {
	case c.ConfidenceThreshold < MinConfidence || c.ConfidenceThreshold > MaxConfidence:
		return errors.Wrapf(ErrInvalidConfig, "confidence threshold %.2f outside [%.1f, %.1f]",
			c.ConfidenceThreshold, MinConfidence, MaxConfidence)
	case c.IoUThreshold != def.IoUThreshold:
		return errors.Wrapf(ErrInvalidConfig, "iou threshold is fixed at %.1f", def.IoUThreshold)
	case c.GridSize != def.GridSize:
		return errors.Wrapf(ErrInvalidConfig, "grid size is fixed at %.0f", def.GridSize)
	case c.MaxDetections != def.MaxDetections:
		return errors.Wrapf(ErrInvalidConfig, "max detections is fixed at %d", def.MaxDetections)
	case c.NumClasses != def.NumClasses:
		return errors.Wrapf(ErrInvalidConfig, "class count is fixed at %d", def.NumClasses)
	case c.NumMaskProtos != def.NumMaskProtos:
		return errors.Wrapf(ErrInvalidConfig, "mask prototype count is fixed at %d", def.NumMaskProtos)
	case c.Layout.LabelWidth <= 0 || c.Layout.LabelHeight <= 0:
		return errors.Wrap(ErrInvalidConfig, "label size must be positive")
	}
	return nil
}

// Decode returns the decoder settings carried by the config.
func (c Config) Decode() postprocess.DecodeConfig {
	return postprocess.DecodeConfig{
		ConfidenceThreshold: c.ConfidenceThreshold,
		NumClasses:          c.NumClasses,
		NumMaskProtos:       c.NumMaskProtos,
		GridSize:            c.GridSize,
		MaxDetections:       c.MaxDetections,
	}
}

// NMS returns the class-aware suppression settings carried by the config.
func (c Config) NMS() postprocess.NMSConfig {
	return postprocess.NMSConfig{IoUThreshold: c.IoUThreshold, ClassAware: true}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
//
// Arguments:
//   - path: The YAML file. Missing keys keep their default value.
//
// Returns:
//   - Config: The merged configuration.
//   - error: An error if the file cannot be read, parsed, or validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ClampConfidence limits a threshold to the accepted range.
func ClampConfidence(v float32) float32 {
	return math32.Max(MinConfidence, math32.Min(MaxConfidence, v))
}

// ConfigStore holds the live configuration. Writers replace the whole value and
// readers take one snapshot per frame, so a frame never sees a half-applied
// change.
type ConfigStore struct {
	v atomic.Pointer[Config]
}

// NewConfigStore returns a store holding cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	s := &ConfigStore{}
	s.Store(cfg)
	return s
}

// Load returns the current configuration.
func (s *ConfigStore) Load() Config {
	return *s.v.Load()
}

// Store replaces the configuration.
func (s *ConfigStore) Store(cfg Config) {
	s.v.Store(&cfg)
}

// SetConfidenceThreshold updates the threshold, clamped to [0.1, 0.9].
func (s *ConfigStore) SetConfidenceThreshold(v float32) {
	s.update(func(c *Config) { c.ConfidenceThreshold = ClampConfidence(v) })
}

// SetDiseaseOverlapOnly toggles the disease overlap filter.
func (s *ConfigStore) SetDiseaseOverlapOnly(on bool) {
	s.update(func(c *Config) { c.DiseaseOverlapOnly = on })
}

func (s *ConfigStore) update(fn func(*Config)) {
	for {
		old := s.v.Load()
		next := *old
		fn(&next)
		if s.v.CompareAndSwap(old, &next) {
			return
		}
	}
}
