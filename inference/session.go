package inference

import (
	"context"
	"image"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// ONNXConfig configures an ONNX Runtime engine.
type ONNXConfig struct {
	// ModelPath is the path to the .onnx file.
	ModelPath string `json:"model_path" yaml:"model_path"`

	// LibraryPath is the onnxruntime shared library. Empty uses DefaultLibraryPath.
	LibraryPath string `json:"library_path" yaml:"library_path"`

	// Provider selects the execution provider.
	Provider Provider `json:"provider" yaml:"provider"`

	// InputSize is the square network input edge in pixels.
	InputSize int `json:"input_size" yaml:"input_size"`

	// IntraOpThreads and InterOpThreads tune ONNX Runtime threading; 0 keeps its default.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
}

// DefaultONNXConfig returns a CPU configuration for a 640×640 model.
func DefaultONNXConfig() ONNXConfig {
	return ONNXConfig{
		LibraryPath: DefaultLibraryPath(),
		Provider:    ProviderCPU,
		InputSize:   640,
	}
}

// DefaultLibraryPath returns the path to the shared library for the current platform.
//
// Returns:
//   - string: The path to the shared library.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the native library once per process.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// ONNXEngine runs a segmentation model through ONNX Runtime. The session is
// created with dynamic outputs so every head the model emits comes back,
// whatever its name or position.
type ONNXEngine struct {
	cfg     ONNXConfig
	logger  *zap.Logger
	session *ort.DynamicAdvancedSession
	input   string
	outputs []string

	mu     sync.Mutex
	buffer []float32
}

// NewONNXEngine creates an ONNX Runtime session for a model.
//
// Arguments:
//   - cfg: The engine configuration.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *ONNXEngine: The engine.
//   - error: An error if the library or model cannot be loaded.
func NewONNXEngine(cfg ONNXConfig, logger *zap.Logger) (*ONNXEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if cfg.InputSize <= 0 {
		return nil, errors.Errorf("invalid input size %d", cfg.InputSize)
	}
	if cfg.LibraryPath == "" {
		cfg.LibraryPath = DefaultLibraryPath()
	}
	if _, err := os.Stat(cfg.LibraryPath); err != nil {
		return nil, errors.Wrapf(err, "onnxruntime library not found at %s", cfg.LibraryPath)
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, errors.Wrap(err, "error initializing ORT environment")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading model %s", cfg.ModelPath)
	}
	if len(inputs) != 1 {
		return nil, errors.Errorf("model has %d inputs, expected 1", len(inputs))
	}
	outputNames := lo.Map(outputs, func(o ort.InputOutputInfo, _ int) string { return o.Name })

	options, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{inputs[0].Name}, outputNames, options)
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	logger.Info("onnx session ready",
		zap.String("model", cfg.ModelPath),
		zap.String("provider", string(cfg.Provider)),
		zap.String("input", inputs[0].Name),
		zap.Strings("outputs", outputNames),
	)

	return &ONNXEngine{
		cfg:     cfg,
		logger:  logger,
		session: session,
		input:   inputs[0].Name,
		outputs: outputNames,
		buffer:  make([]float32, 3*cfg.InputSize*cfg.InputSize),
	}, nil
}

// sessionOptions builds threading and execution provider options.
func sessionOptions(cfg ONNXConfig) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	fail := func(err error, msg string) (*ort.SessionOptions, error) {
		options.Destroy()
		return nil, errors.Wrap(err, msg)
	}

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return fail(err, "error setting intra-op threads")
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return fail(err, "error setting inter-op threads")
		}
	}

	switch cfg.Provider {
	case ProviderCPU, "":
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fail(err, "error creating CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fail(err, "error enabling CUDA")
		}
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fail(err, "error enabling CoreML")
		}
	case ProviderOpenVINO:
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": "CPU",
			"precision":   "FP32",
		}); err != nil {
			return fail(err, "error enabling OpenVINO")
		}
	default:
		return fail(errors.Errorf("unknown provider %q", cfg.Provider), "error configuring provider")
	}
	return options, nil
}

// Run preprocesses img and returns every float32 output of the model.
//
// Arguments:
//   - ctx: The context; a cancelled context skips the run.
//   - img: The image to run on.
//
// Returns:
//   - []*tensor.Dense: The outputs, copied out of native memory.
//   - error: An error if preprocessing or the session run fails.
func (e *ONNXEngine) Run(ctx context.Context, img image.Image) ([]*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := PrepareInput(img, e.cfg.InputSize, e.buffer); err != nil {
		return nil, err
	}
	size := int64(e.cfg.InputSize)
	input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), e.buffer)
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(e.outputs))
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "error running ORT session")
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	dense := make([]*tensor.Dense, 0, len(outputs))
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			e.logger.Debug("skipping non float32 output", zap.String("name", e.outputs[i]))
			continue
		}
		shape := lo.Map(t.GetShape(), func(d int64, _ int) int { return int(d) })
		data := append([]float32(nil), t.GetData()...)
		dense = append(dense, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)))
	}
	return dense, nil
}

// Close releases the native session.
func (e *ONNXEngine) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	if err != nil {
		return errors.Wrap(err, "error destroying ORT session")
	}
	return nil
}
