// Package main is the plantseg command: run the segmentation model on images
// and write overlay frames.
package main

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/inference"
	"github.com/nvr-ai/go-plantseg/models"
	"github.com/nvr-ai/go-plantseg/overlay"
	"github.com/nvr-ai/go-plantseg/pipeline"
	"github.com/nvr-ai/go-plantseg/util"
)

const (
	flagModel       = "model"
	flagLibrary     = "lib"
	flagProvider    = "provider"
	flagImage       = "image"
	flagDir         = "dir"
	flagOut         = "out"
	flagConfig      = "config"
	flagClasses     = "classes"
	flagConf        = "conf"
	flagAllDiseases = "all-diseases"
	flagDebug       = "debug"
)

func main() {
	var logger *zap.Logger

	app := &cli.App{
		Name:  "plantseg",
		Usage: "segment plant parts and disease spots in images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagModel, Aliases: []string{"m"}, Usage: "ONNX model `FILE`", Required: true},
			&cli.StringFlag{Name: flagLibrary, Usage: "onnxruntime shared library `FILE`", Value: inference.DefaultLibraryPath()},
			&cli.StringFlag{Name: flagProvider, Usage: "execution provider (cpu, cuda, coreml, openvino)", Value: string(inference.ProviderCPU)},
			&cli.StringFlag{Name: flagImage, Aliases: []string{"i"}, Usage: "input image `FILE`"},
			&cli.StringFlag{Name: flagDir, Aliases: []string{"d"}, Usage: "directory of input images"},
			&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Usage: "output directory", Value: "out"},
			&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "pipeline configuration `FILE` (YAML)"},
			&cli.StringFlag{Name: flagClasses, Usage: "class table override `FILE` (YAML)"},
			&cli.Float64Flag{Name: flagConf, Usage: "confidence threshold, clamped to [0.1, 0.9]"},
			&cli.BoolFlag{Name: flagAllDiseases, Usage: "keep disease detections away from plant parts"},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			var err error
			if c.Bool(flagDebug) {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			return err
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return run(c, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		if logger != nil {
			logger.Error("plantseg failed", zap.Error(err))
		}
		os.Exit(1)
	}
}

func run(c *cli.Context, logger *zap.Logger) error {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	cfg, err = applyFlags(cfg, c.Float64(flagConf), c.IsSet(flagConf), c.Bool(flagAllDiseases))
	if err != nil {
		return err
	}

	classes, err := loadClasses(c.String(flagClasses))
	if err != nil {
		return err
	}

	files, err := inputs(c.String(flagImage), c.String(flagDir))
	if err != nil {
		return err
	}

	engineCfg := inference.DefaultONNXConfig()
	engineCfg.ModelPath = c.String(flagModel)
	engineCfg.LibraryPath = c.String(flagLibrary)
	engineCfg.Provider = inference.Provider(c.String(flagProvider))
	engineCfg.InputSize = int(cfg.GridSize)
	engine, err := inference.NewONNXEngine(engineCfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	p, err := pipeline.New(classes, pipeline.NewConfigStore(cfg), logger)
	if err != nil {
		return err
	}

	outDir := c.String(flagOut)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", outDir)
	}

	for _, f := range files {
		if err := processFile(c.Context, engine, p, classes, f, outDir, logger); err != nil {
			logger.Warn("skipping image", zap.String("path", f.Path), zap.Error(err))
		}
	}

	stats := p.Stats()
	logger.Info("done",
		zap.Uint64("processed", stats.Processed),
		zap.Uint64("dropped", stats.Dropped),
		zap.Uint64("unknown_classes", stats.UnknownClasses),
		zap.Duration("mean_inference", stats.Window.MeanInference),
		zap.Duration("p95_inference", stats.Window.P95Inference),
	)
	return nil
}

func processFile(
	ctx context.Context,
	engine inference.Engine,
	p *pipeline.Pipeline,
	classes *models.ClassTable,
	f util.ImageFile,
	outDir string,
	logger *zap.Logger,
) error {
	img, err := f.Decode()
	if err != nil {
		return err
	}

	outputs, took, err := inference.Timed(ctx, engine, img)
	if err != nil {
		return err
	}
	frame := pipeline.FrameFromDense(outputs, took)
	b := img.Bounds()
	frame.TargetSize = images.Size{W: float32(b.Dx()), H: float32(b.Dy())}

	if _, ok := p.Process(frame); !ok {
		return errors.New("pipeline busy")
	}
	res, ok := p.Snapshot()
	if !ok {
		return errors.New("no result published")
	}

	composed := overlay.Compose(img, res, classes, overlay.DefaultOptions())
	path := outputPath(outDir, f.Path)
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer out.Close()
	if err := png.Encode(out, composed); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}

	logger.Info("wrote overlay",
		zap.String("path", path),
		zap.Int("detections", len(res.Detections)),
		zap.Duration("inference", res.InferenceTime),
	)
	return nil
}

func loadConfig(path string) (pipeline.Config, error) {
	if path == "" {
		return pipeline.DefaultConfig(), nil
	}
	return pipeline.LoadConfig(path)
}

// applyFlags overrides the user tunables from the command line.
func applyFlags(cfg pipeline.Config, conf float64, confSet, allDiseases bool) (pipeline.Config, error) {
	if confSet {
		cfg.ConfidenceThreshold = pipeline.ClampConfidence(float32(conf))
	}
	if allDiseases {
		cfg.DiseaseOverlapOnly = false
	}
	return cfg, cfg.Validate()
}

func loadClasses(path string) (*models.ClassTable, error) {
	if path == "" {
		return models.DefaultClasses, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read classes %s", path)
	}
	return models.ParseClasses(raw)
}

func inputs(image, dir string) ([]util.ImageFile, error) {
	switch {
	case image != "" && dir != "":
		return nil, errors.New("use either --image or --dir")
	case image != "":
		f, err := util.LoadImageFile(image)
		if err != nil {
			return nil, err
		}
		return []util.ImageFile{f}, nil
	case dir != "":
		files, err := util.LoadDirectoryImageFiles(dir)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, errors.Errorf("no images in %s", dir)
		}
		return files, nil
	}
	return nil, errors.New("one of --image or --dir is required")
}

func outputPath(dir, src string) string {
	base := filepath.Base(src)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+"_overlay.png")
}
