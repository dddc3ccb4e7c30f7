package pipeline

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
)

// WindowSize is the number of frames kept for rolling statistics.
const WindowSize = 30

// FrameMetrics captures the timings of one processed frame.
type FrameMetrics struct {
	Timestamp           time.Time     `json:"timestamp"`
	InferenceDuration   time.Duration `json:"inference_duration"`
	PostProcessDuration time.Duration `json:"post_process_duration"`
	DetectionCount      int           `json:"detection_count"`
}

// Summary aggregates the rolling window.
type Summary struct {
	Samples            int           `json:"samples"`
	FramesPerSecond    float64       `json:"frames_per_second"`
	MeanInference      time.Duration `json:"mean_inference"`
	P95Inference       time.Duration `json:"p95_inference"`
	MeanPostProcess    time.Duration `json:"mean_post_process"`
	MeanDetectionCount float64       `json:"mean_detection_count"`
}

// window is a bounded history of frame metrics. Appending and trimming happen
// under one lock.
type window struct {
	mu      sync.Mutex
	size    int
	samples []FrameMetrics
}

func newWindow(size int) *window {
	return &window{size: size, samples: make([]FrameMetrics, 0, size+1)}
}

// add records m and returns the frame rate between the two most recent samples.
func (w *window) add(m FrameMetrics) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, m)
	if over := len(w.samples) - w.size; over > 0 {
		w.samples = append(w.samples[:0], w.samples[over:]...)
	}
	if len(w.samples) < 2 {
		return 0
	}
	prev := w.samples[len(w.samples)-2]
	return fps(1, m.Timestamp.Sub(prev.Timestamp))
}

func (w *window) snapshot() []FrameMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]FrameMetrics(nil), w.samples...)
}

// summarize computes the window summary. Statistics over an empty window are zero.
func (w *window) summarize() Summary {
	samples := w.snapshot()
	s := Summary{Samples: len(samples)}
	if len(samples) == 0 {
		return s
	}

	inference := stats.Float64Data(lo.Map(samples, func(m FrameMetrics, _ int) float64 {
		return float64(m.InferenceDuration)
	}))
	post := stats.Float64Data(lo.Map(samples, func(m FrameMetrics, _ int) float64 {
		return float64(m.PostProcessDuration)
	}))
	counts := stats.Float64Data(lo.Map(samples, func(m FrameMetrics, _ int) float64 {
		return float64(m.DetectionCount)
	}))

	if v, err := inference.Mean(); err == nil {
		s.MeanInference = time.Duration(v)
	}
	if v, err := inference.Percentile(95); err == nil {
		s.P95Inference = time.Duration(v)
	}
	if v, err := post.Mean(); err == nil {
		s.MeanPostProcess = time.Duration(v)
	}
	if v, err := counts.Mean(); err == nil {
		s.MeanDetectionCount = v
	}
	if len(samples) > 1 {
		s.FramesPerSecond = fps(len(samples)-1, samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp))
	}
	return s
}

// fps returns frames per second over a span. A non-positive span yields 0.
func fps(frames int, span time.Duration) float64 {
	if span <= 0 {
		return 0
	}
	return float64(frames) / span.Seconds()
}
