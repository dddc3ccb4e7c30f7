package pipeline

import (
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/models"
	"github.com/nvr-ai/go-plantseg/tensors"
)

const (
	numChannels = 4 + 6 + 32
	numAnchors  = 20
	protoSize   = 16
)

type anchor struct {
	box   images.Rect // normalized
	class int
	score float32
}

// detectionHead writes anchors into a [1, 42, 20] head with unit mask coefficients.
func detectionHead(t testing.TB, anchors ...anchor) tensors.View {
	data := make([]float32, numChannels*numAnchors)
	set := func(c, a int, v float32) { data[c*numAnchors+a] = v }
	for a, an := range anchors {
		set(0, a, (an.box.X+an.box.W/2)*640)
		set(1, a, (an.box.Y+an.box.H/2)*640)
		set(2, a, an.box.W*640)
		set(3, a, an.box.H*640)
		set(4+an.class, a, an.score)
		for k := 0; k < 32; k++ {
			set(4+6+k, a, 1)
		}
	}
	v, err := tensors.Contiguous(data, 1, numChannels, numAnchors)
	require.NoError(t, err)
	return v
}

// prototypes returns a [1, 32, 16, 16] tensor of ones, so every evaluated pixel is set.
func prototypes(t testing.TB) tensors.View {
	data := make([]float32, 32*protoSize*protoSize)
	for i := range data {
		data[i] = 1
	}
	v, err := tensors.Contiguous(data, 1, 32, protoSize, protoSize)
	require.NoError(t, err)
	return v
}

func newPipeline(t testing.TB, cfg Config) *Pipeline {
	p, err := New(models.DefaultClasses, NewConfigStore(cfg), zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func transparent(t *testing.T, r Result) bool {
	require.NotNil(t, r.Mask)
	for i := 3; i < len(r.Mask.Pix); i += 4 {
		if r.Mask.Pix[i] != 0 {
			return false
		}
	}
	return true
}

var (
	diseaseBox = images.Rect{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}
	plantBox   = images.Rect{X: 0.4, Y: 0.25, W: 0.25, H: 0.5}
)

func TestLoneDiseaseIsFilteredOut(t *testing.T) {
	p := newPipeline(t, DefaultConfig())

	res, ok := p.Process(Frame{Outputs: []tensors.View{
		prototypes(t),
		detectionHead(t, anchor{box: diseaseBox, class: models.ClassRust, score: 0.9}),
	}})
	require.True(t, ok)

	assert.Empty(t, res.Detections)
	assert.Empty(t, res.Labels)
	assert.True(t, transparent(t, res))
}

func TestDiseaseOnPlantSurvives(t *testing.T) {
	p := newPipeline(t, DefaultConfig())

	res, ok := p.Process(Frame{
		Outputs: []tensors.View{
			detectionHead(t,
				anchor{box: diseaseBox, class: models.ClassRust, score: 0.9},
				anchor{box: plantBox, class: models.ClassStalk, score: 0.8},
			),
			prototypes(t),
		},
		TargetSize:    images.Size{W: 1024, H: 1024},
		InferenceTime: 12 * time.Millisecond,
	})
	require.True(t, ok)

	require.Len(t, res.Detections, 2)
	assert.Equal(t, models.ClassRust, res.Detections[0].Class, "score-descending after suppression")
	assert.Len(t, res.Labels, 2)
	assert.Equal(t, images.Size{W: 1024, H: 1024}, res.TargetSize)
	assert.Equal(t, 12*time.Millisecond, res.InferenceTime)

	// The stalk comes later in filter order, so it overwrites the rust region.
	stalk, _ := models.DefaultClasses.Lookup(models.ClassStalk)
	want := color.NRGBA{R: stalk.Color.R, G: stalk.Color.G, B: stalk.Color.B, A: 160}
	assert.Equal(t, want, res.Mask.NRGBAAt(8, 8))
	assert.Equal(t, want, res.Mask.NRGBAAt(7, 5))
	assert.Equal(t, color.NRGBA{}, res.Mask.NRGBAAt(0, 0))
}

func TestAuxiliaryOutputAheadOfHead(t *testing.T) {
	p := newPipeline(t, DefaultConfig())

	aux, err := tensors.Contiguous(make([]float32, 32*25600), 1, 32, 25600)
	require.NoError(t, err)

	res, ok := p.Process(Frame{Outputs: []tensors.View{
		aux,
		prototypes(t),
		detectionHead(t, anchor{box: plantBox, class: models.ClassStalk, score: 0.9}),
	}})
	require.True(t, ok)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, models.ClassStalk, res.Detections[0].Class)
}

func TestOverlapFilterCanBeDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiseaseOverlapOnly = false
	p := newPipeline(t, cfg)

	res, ok := p.Process(Frame{Outputs: []tensors.View{
		detectionHead(t, anchor{box: diseaseBox, class: models.ClassRust, score: 0.9}),
	}})
	require.True(t, ok)
	assert.Len(t, res.Detections, 1)
	assert.Nil(t, res.Mask, "no prototype output means no mask")
}

func TestUnrecognizedOutputsYieldEmptyResult(t *testing.T) {
	p := newPipeline(t, DefaultConfig())

	junk, err := tensors.Contiguous(make([]float32, 12), 3, 4)
	require.NoError(t, err)

	res, ok := p.Process(Frame{Outputs: []tensors.View{junk}})
	require.True(t, ok)
	assert.Empty(t, res.Detections)
	assert.NotNil(t, res.Detections)
	assert.Equal(t, uint64(1), p.Stats().Processed)
}

func TestBusyPipelineDropsFrames(t *testing.T) {
	p := newPipeline(t, DefaultConfig())
	p.busy.Store(true)

	_, ok := p.Process(Frame{})
	assert.False(t, ok)

	_, published := p.Latest()
	assert.False(t, published, "dropped frames publish nothing")

	p.busy.Store(false)
	_, ok = p.Process(Frame{})
	assert.True(t, ok)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Processed)
}

func TestConcurrentFramesAreSingleFlight(t *testing.T) {
	p := newPipeline(t, DefaultConfig())
	head := detectionHead(t, anchor{box: plantBox, class: models.ClassStalk, score: 0.8})
	protos := prototypes(t)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Process(Frame{Outputs: []tensors.View{head, protos}})
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, uint64(workers), stats.Processed+stats.Dropped)
	assert.GreaterOrEqual(t, stats.Processed, uint64(1))
}

func TestConfigIsReadPerFrame(t *testing.T) {
	p := newPipeline(t, DefaultConfig())
	head := detectionHead(t, anchor{box: plantBox, class: models.ClassStalk, score: 0.5})

	res, _ := p.Process(Frame{Outputs: []tensors.View{head}})
	assert.Len(t, res.Detections, 1)

	p.Config().SetConfidenceThreshold(0.6)
	res, _ = p.Process(Frame{Outputs: []tensors.View{head}})
	assert.Empty(t, res.Detections)
}

func TestUnknownClassesAreCounted(t *testing.T) {
	classes := models.MustClassTable(
		models.ClassDescriptor{Index: 0, Name: "stalk", Plant: true},
	)
	cfg := DefaultConfig()
	p, err := New(classes, NewConfigStore(cfg), zaptest.NewLogger(t))
	require.NoError(t, err)

	res, ok := p.Process(Frame{Outputs: []tensors.View{
		detectionHead(t, anchor{box: plantBox, class: models.ClassBranch, score: 0.8}),
		prototypes(t),
	}})
	require.True(t, ok)
	require.Len(t, res.Detections, 1)
	assert.True(t, transparent(t, res), "unknown classes get no mask pixels")
	assert.Equal(t, uint64(1), p.Stats().UnknownClasses)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	p := newPipeline(t, DefaultConfig())

	_, ok := p.Snapshot()
	assert.False(t, ok)

	_, ok = p.Process(Frame{Outputs: []tensors.View{
		detectionHead(t, anchor{box: plantBox, class: models.ClassStalk, score: 0.8}),
		prototypes(t),
	}})
	require.True(t, ok)

	snap, ok := p.Snapshot()
	require.True(t, ok)
	snap.Mask.Pix[3] = 255
	snap.Detections[0].Score = 0
	snap.Detections[0].Coefficients[0] = 42

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, uint8(0), latest.Mask.Pix[3])
	assert.InDelta(t, 0.8, latest.Detections[0].Score, 1e-6)
	assert.Equal(t, float32(1), latest.Detections[0].Coefficients[0])
}

func TestFrameFromDense(t *testing.T) {
	head := tensor.New(tensor.WithShape(1, numChannels, numAnchors), tensor.Of(tensor.Float32))
	ints := tensor.New(tensor.WithShape(2), tensor.WithBacking([]int{1, 2}))

	f := FrameFromDense([]*tensor.Dense{head, ints}, time.Second)
	require.Len(t, f.Outputs, 1)
	assert.Equal(t, []int{1, numChannels, numAnchors}, f.Outputs[0].Shape())
	assert.Equal(t, time.Second, f.InferenceTime)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumClasses = 80

	_, err := New(models.DefaultClasses, NewConfigStore(cfg), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(nil, NewConfigStore(DefaultConfig()), nil)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"default", func(*Config) {}, true},
		{"lowest threshold", func(c *Config) { c.ConfidenceThreshold = 0.1 }, true},
		{"highest threshold", func(c *Config) { c.ConfidenceThreshold = 0.9 }, true},
		{"threshold too low", func(c *Config) { c.ConfidenceThreshold = 0.05 }, false},
		{"threshold too high", func(c *Config) { c.ConfidenceThreshold = 0.95 }, false},
		{"iou is fixed", func(c *Config) { c.IoUThreshold = 0.7 }, false},
		{"grid is fixed", func(c *Config) { c.GridSize = 320 }, false},
		{"cap is fixed", func(c *Config) { c.MaxDetections = 300 }, false},
		{"protos are fixed", func(c *Config) { c.NumMaskProtos = 16 }, false},
		{"label size", func(c *Config) { c.Layout.LabelWidth = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plantseg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("confidence_threshold: 0.4\ndisease_overlap_only: false\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, cfg.ConfidenceThreshold, 1e-6)
	assert.False(t, cfg.DiseaseOverlapOnly)
	assert.Equal(t, 100, cfg.MaxDetections, "unset keys keep defaults")
	assert.InDelta(t, 100, cfg.Layout.LabelWidth, 1e-6)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("num_classes: 80\n"), 0o600))
	_, err = LoadConfig(bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigStoreClampsThreshold(t *testing.T) {
	s := NewConfigStore(DefaultConfig())

	s.SetConfidenceThreshold(2)
	assert.InDelta(t, 0.9, s.Load().ConfidenceThreshold, 1e-6)
	s.SetConfidenceThreshold(0)
	assert.InDelta(t, 0.1, s.Load().ConfidenceThreshold, 1e-6)

	snap := s.Load()
	s.SetDiseaseOverlapOnly(false)
	assert.True(t, snap.DiseaseOverlapOnly, "earlier snapshots are unaffected")
	assert.False(t, s.Load().DiseaseOverlapOnly)
}

func TestWindowTrimsToSize(t *testing.T) {
	w := newWindow(WindowSize)
	base := time.Unix(0, 0)
	for i := 0; i < WindowSize+5; i++ {
		w.add(FrameMetrics{
			Timestamp:         base.Add(time.Duration(i) * 100 * time.Millisecond),
			InferenceDuration: 20 * time.Millisecond,
			DetectionCount:    i,
		})
	}

	samples := w.snapshot()
	require.Len(t, samples, WindowSize)
	assert.Equal(t, 5, samples[0].DetectionCount, "oldest samples are trimmed first")

	s := w.summarize()
	assert.Equal(t, WindowSize, s.Samples)
	assert.InDelta(t, 10, s.FramesPerSecond, 1e-6)
	assert.Equal(t, 20*time.Millisecond, s.MeanInference)
	assert.Equal(t, 20*time.Millisecond, s.P95Inference)
}

func TestWindowZeroDeltaFPS(t *testing.T) {
	w := newWindow(WindowSize)
	now := time.Unix(100, 0)

	assert.Zero(t, w.add(FrameMetrics{Timestamp: now}))
	assert.Zero(t, w.add(FrameMetrics{Timestamp: now}))
	assert.Zero(t, w.summarize().FramesPerSecond)
	assert.InDelta(t, 4, w.add(FrameMetrics{Timestamp: now.Add(250 * time.Millisecond)}), 1e-9)

	assert.Equal(t, Summary{}, newWindow(WindowSize).summarize())
}

func TestProcessReportsFPS(t *testing.T) {
	p := newPipeline(t, DefaultConfig())
	base := time.Unix(1000, 0)

	res, _ := p.Process(Frame{Timestamp: base})
	assert.Zero(t, res.FPS)
	res, _ = p.Process(Frame{Timestamp: base.Add(50 * time.Millisecond)})
	assert.InDelta(t, 20, res.FPS, 1e-9)
}
