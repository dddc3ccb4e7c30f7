// Package pipeline - Single-flight post-processing of segmentation network outputs.
package pipeline

import (
	"image"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/layout"
	"github.com/nvr-ai/go-plantseg/masks"
	"github.com/nvr-ai/go-plantseg/models"
	"github.com/nvr-ai/go-plantseg/models/postprocess"
	"github.com/nvr-ai/go-plantseg/tensors"
)

// Frame is one inference run handed to the pipeline.
type Frame struct {
	// Outputs are the raw network outputs in any order.
	Outputs []tensors.View
	// InferenceTime is how long the engine took to produce Outputs.
	InferenceTime time.Duration
	// Timestamp is when the frame was captured. Zero means now.
	Timestamp time.Time
	// TargetSize is the render target labels are laid out on. Zero means the
	// reference grid.
	TargetSize images.Size
}

// FrameFromDense builds a frame from engine tensors. Non float32 tensors are skipped.
func FrameFromDense(outputs []*tensor.Dense, inference time.Duration) Frame {
	views := make([]tensors.View, 0, len(outputs))
	for _, d := range outputs {
		if v, err := tensors.FromDense(d); err == nil {
			views = append(views, v)
		}
	}
	return Frame{Outputs: views, InferenceTime: inference}
}

// Result is the published outcome of one processed frame.
type Result struct {
	// Mask is the composited instance mask at prototype resolution, nil when the
	// model produced no prototypes.
	Mask *image.NRGBA
	// Detections are the final detections in filter output order.
	Detections []postprocess.Detection
	// Labels holds one label position per detection, same order.
	Labels []layout.Position
	// TargetSize is the size Labels were laid out for.
	TargetSize    images.Size
	InferenceTime time.Duration
	FPS           float64
	Timestamp     time.Time
}

// Stats reports pipeline counters and the rolling metric summary.
type Stats struct {
	Processed      uint64  `json:"processed"`
	Dropped        uint64  `json:"dropped"`
	UnknownClasses uint64  `json:"unknown_classes"`
	Window         Summary `json:"window"`
}

// Pipeline turns network outputs into filtered detections, masks and label
// positions. At most one frame is processed at a time; frames arriving while one
// is in flight are dropped, never queued.
type Pipeline struct {
	classes *models.ClassTable
	config  *ConfigStore
	logger  *zap.Logger

	busy      atomic.Bool
	processed atomic.Uint64
	dropped   atomic.Uint64
	unknown   atomic.Uint64

	metrics *window
	latest  atomic.Pointer[Result]

	now func() time.Time
}

// New creates a pipeline.
//
// Arguments:
//   - classes: The class table of the model.
//   - config: The live configuration, read once per frame.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *Pipeline: The pipeline.
//   - error: An error if a required argument is missing or the config is invalid.
func New(classes *models.ClassTable, config *ConfigStore, logger *zap.Logger) (*Pipeline, error) {
	if classes == nil {
		return nil, errors.New("class table is required")
	}
	if config == nil {
		return nil, errors.New("config store is required")
	}
	if err := config.Load().Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		classes: classes,
		config:  config,
		logger:  logger,
		metrics: newWindow(WindowSize),
		now:     time.Now,
	}, nil
}

// Process runs decode, suppression and filtering on a frame, then synthesizes
// masks and resolves label positions in parallel.
//
// A frame that arrives while another is being processed is dropped and false is
// returned. Malformed outputs degrade to an empty result; no frame fails.
//
// Arguments:
//   - frame: The network outputs and timing of one inference run.
//
// Returns:
//   - Result: The published result.
//   - bool: False when the frame was dropped.
func (p *Pipeline) Process(frame Frame) (Result, bool) {
	if !p.busy.CompareAndSwap(false, true) {
		p.dropped.Inc()
		p.logger.Debug("frame dropped, pipeline busy")
		return Result{}, false
	}
	defer p.busy.Store(false)

	start := p.now()
	cfg := p.config.Load()

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = start
	}
	size := frame.TargetSize
	if size.W <= 0 || size.H <= 0 {
		size = images.Size{W: cfg.GridSize, H: cfg.GridSize}
	}

	outs := tensors.Classify(frame.Outputs, tensors.Layout{
		NumClasses:    cfg.NumClasses,
		NumMaskProtos: cfg.NumMaskProtos,
	})
	detections := p.detect(outs, cfg)

	if n := lo.CountBy(detections, func(d postprocess.Detection) bool {
		_, ok := p.classes.Lookup(d.Class)
		return !ok
	}); n > 0 {
		p.unknown.Add(uint64(n))
		p.logger.Warn("detections with unknown class", zap.Int("count", n))
	}

	var (
		g      errgroup.Group
		mask   *image.NRGBA
		labels []layout.Position
	)
	if outs.HasPrototypes {
		g.Go(func() error {
			m, err := masks.Synthesize(outs.Prototypes, detections, p.classes, masks.Options{
				OnUnknownClass: func(d postprocess.Detection) {
					p.logger.Debug("mask skipped for unknown class", zap.Int("class", d.Class))
				},
			})
			if err != nil {
				return errors.Wrap(err, "synthesize masks")
			}
			mask = m
			return nil
		})
	}
	g.Go(func() error {
		labels = layout.Resolve(detections, size, p.classes, cfg.Layout)
		return nil
	})
	if err := g.Wait(); err != nil {
		p.logger.Warn("mask synthesis failed", zap.Error(err))
	}

	post := p.now().Sub(start)
	fps := p.metrics.add(FrameMetrics{
		Timestamp:           ts,
		InferenceDuration:   frame.InferenceTime,
		PostProcessDuration: post,
		DetectionCount:      len(detections),
	})

	res := Result{
		Mask:          mask,
		Detections:    detections,
		Labels:        labels,
		TargetSize:    size,
		InferenceTime: frame.InferenceTime,
		FPS:           fps,
		Timestamp:     ts,
	}
	p.latest.Store(&res)
	p.processed.Inc()

	p.logger.Debug("frame processed",
		zap.Int("detections", len(detections)),
		zap.Duration("inference", frame.InferenceTime),
		zap.Duration("post_process", post),
	)
	return res, true
}

// detect runs the decode, suppression and semantic filter stages.
func (p *Pipeline) detect(outs tensors.Outputs, cfg Config) []postprocess.Detection {
	if !outs.HasDetections {
		p.logger.Warn("no detection head in outputs")
		return []postprocess.Detection{}
	}

	candidates, err := postprocess.Decode(outs.Detections, cfg.Decode())
	if err != nil {
		p.logger.Warn("decode failed", zap.Error(err))
	}
	kept := postprocess.ApplyNMS(candidates, cfg.NMS())
	return postprocess.FilterDiseaseOverlap(kept, p.classes, cfg.DiseaseOverlapOnly)
}

// Latest returns the most recently published result. Callers must treat it as
// read-only; use Snapshot for a copy that may be modified.
func (p *Pipeline) Latest() (Result, bool) {
	r := p.latest.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// Snapshot returns a deep copy of the latest result for compositing.
func (p *Pipeline) Snapshot() (Result, bool) {
	r, ok := p.Latest()
	if !ok {
		return Result{}, false
	}
	return r.Clone(), true
}

// Stats returns the pipeline counters and the rolling metric summary.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:      p.processed.Load(),
		Dropped:        p.dropped.Load(),
		UnknownClasses: p.unknown.Load(),
		Window:         p.metrics.summarize(),
	}
}

// Config returns the live configuration store.
func (p *Pipeline) Config() *ConfigStore {
	return p.config
}

// Clone returns a copy of r sharing no memory with it.
func (r Result) Clone() Result {
	out := r
	if r.Mask != nil {
		out.Mask = &image.NRGBA{
			Pix:    append([]uint8(nil), r.Mask.Pix...),
			Stride: r.Mask.Stride,
			Rect:   r.Mask.Rect,
		}
	}
	out.Detections = lo.Map(r.Detections, func(d postprocess.Detection, _ int) postprocess.Detection {
		d.Coefficients = append([]float32(nil), d.Coefficients...)
		return d
	})
	out.Labels = append([]layout.Position(nil), r.Labels...)
	return out
}
