// Package inference - Inference engine interface and the ONNX Runtime implementation.
package inference

import (
	"context"
	"image"
	"time"

	"gorgonia.org/tensor"
)

// Engine runs the segmentation network on one image.
//
// Outputs are returned in any order; consumers match them by shape.
type Engine interface {
	Run(ctx context.Context, img image.Image) ([]*tensor.Dense, error)
	Close() error
}

// Provider selects the ONNX Runtime execution provider.
type Provider string

const (
	// ProviderCPU runs on the default CPU provider.
	ProviderCPU Provider = "cpu"
	// ProviderCUDA runs on an NVIDIA GPU.
	ProviderCUDA Provider = "cuda"
	// ProviderCoreML runs on Apple's CoreML.
	ProviderCoreML Provider = "coreml"
	// ProviderOpenVINO runs on Intel's OpenVINO.
	ProviderOpenVINO Provider = "openvino"
)

// Providers lists every supported provider.
var Providers = []Provider{ProviderCPU, ProviderCUDA, ProviderCoreML, ProviderOpenVINO}

// Timed runs e on img and reports how long the run took.
//
// Arguments:
//   - ctx: The context for the run.
//   - e: The engine.
//   - img: The image.
//
// Returns:
//   - []*tensor.Dense: The raw outputs.
//   - time.Duration: The wall time of the run.
//   - error: The engine error, if any.
func Timed(ctx context.Context, e Engine, img image.Image) ([]*tensor.Dense, time.Duration, error) {
	start := time.Now()
	out, err := e.Run(ctx, img)
	return out, time.Since(start), err
}
