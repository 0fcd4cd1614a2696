package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gocv.io/x/gocv"

	"github.com/dudu/controlmap/internal/annotator"
	"github.com/dudu/controlmap/internal/inference"
	"github.com/dudu/controlmap/internal/models"
	"github.com/dudu/controlmap/internal/preview"
)

type Config struct {
	Input      string
	OutputDir  string
	Annotators string
	Device     string
	ModelsDir  string
	ORTLib     string
	CannyLow   float64
	CannyHigh  float64
	MLSDScore  float64
	MLSDDist   float64
	Normals    bool
	Colorize   bool
	Preview    bool
	Verbose    bool
}

func parseFlags() Config {
	var config Config

	flag.StringVar(&config.Input, "input", "", "Input image path (required)")
	flag.StringVar(&config.Input, "i", "", "Input image path (shorthand)")
	flag.StringVar(&config.OutputDir, "out", ".", "Output directory for control maps")
	flag.StringVar(&config.OutputDir, "o", ".", "Output directory (shorthand)")
	flag.StringVar(&config.Annotators, "annotator", "all", "Comma-separated annotators to run, or 'all'")
	flag.StringVar(&config.Annotators, "a", "all", "Annotators to run (shorthand)")
	flag.StringVar(&config.Device, "device", "auto", "Inference device: auto, cpu, coreml or cuda")
	flag.StringVar(&config.Device, "d", "auto", "Inference device (shorthand)")
	flag.StringVar(&config.ModelsDir, "models", models.DefaultDir, "Checkpoint directory")
	flag.StringVar(&config.ORTLib, "ort-lib", "", "Path to the ONNX Runtime shared library")
	flag.Float64Var(&config.CannyLow, "canny-low", 100, "Canny low threshold")
	flag.Float64Var(&config.CannyHigh, "canny-high", 200, "Canny high threshold")
	flag.Float64Var(&config.MLSDScore, "mlsd-score", 0.1, "MLSD segment score threshold")
	flag.Float64Var(&config.MLSDDist, "mlsd-dist", 0.1, "MLSD segment distance threshold")
	flag.BoolVar(&config.Normals, "normals", false, "Also write a surface normal map (midas)")
	flag.BoolVar(&config.Colorize, "colorize", false, "Also write a colorized depth map (midas)")
	flag.BoolVar(&config.Preview, "preview", false, "Write a contact sheet of all generated maps")
	flag.BoolVar(&config.Verbose, "v", false, "Verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "controlmap - control map generation for image conditioning\n\n")
		fmt.Fprintf(os.Stderr, "Usage: controlmap [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nAnnotators: canny, hed, midas, mlsd, openpose, uniformer\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  controlmap --input photo.jpg --annotator canny\n")
		fmt.Fprintf(os.Stderr, "  controlmap --input photo.jpg --annotator midas,openpose --device cuda\n")
		fmt.Fprintf(os.Stderr, "  controlmap --input photo.jpg --preview\n")
	}

	flag.Parse()
	return config
}

func main() {
	config := parseFlags()

	if config.Input == "" {
		fmt.Fprintln(os.Stderr, "Error: --input flag is required")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if config.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(config); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kinds, err := selectKinds(config.Annotators)
	if err != nil {
		return err
	}
	device, err := inference.ParseDevice(config.Device)
	if err != nil {
		return err
	}

	img := gocv.IMRead(config.Input, gocv.IMReadColor)
	if img.Empty() {
		return fmt.Errorf("failed to load image: %s", config.Input)
	}
	defer img.Close()

	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	needsModels := false
	for _, kind := range kinds {
		if kind != annotator.KindCanny {
			needsModels = true
		}
	}
	if needsModels {
		if err := inference.Initialize(config.ORTLib); err != nil {
			return err
		}
		defer inference.Shutdown()
		defer annotator.CloseAll()

		for _, kind := range kinds {
			if kind == annotator.KindCanny {
				continue
			}
			if _, err := models.Ensure(ctx, config.ModelsDir, string(kind)); err != nil {
				return err
			}
		}
	}

	opts := annotator.Options{
		Device:                device,
		ModelsDir:             config.ModelsDir,
		CannyLow:              float32(config.CannyLow),
		CannyHigh:             float32(config.CannyHigh),
		MLSDScoreThreshold:    float32(config.MLSDScore),
		MLSDDistanceThreshold: float32(config.MLSDDist),
	}

	stem := strings.TrimSuffix(filepath.Base(config.Input), filepath.Ext(config.Input))
	tiles := []preview.Tile{}
	if config.Preview {
		if in, err := img.ToImage(); err == nil {
			tiles = append(tiles, preview.Tile{Name: "input", Image: in})
		}
	}

	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return err
		}

		a, err := annotator.Get(kind, opts)
		if err != nil {
			return err
		}

		out, err := a.Annotate(img)
		if err != nil {
			return fmt.Errorf("%s failed: %w", kind, err)
		}

		path := filepath.Join(config.OutputDir, fmt.Sprintf("%s_%s.png", stem, kind))
		if err := writeMap(path, out, config.Preview, string(kind), &tiles); err != nil {
			out.Close()
			return err
		}

		if kind == annotator.KindMidas && (config.Normals || config.Colorize) {
			if err := writeMidasExtras(config, stem, a, img, out, &tiles); err != nil {
				out.Close()
				return err
			}
		}
		out.Close()
	}

	if config.Preview {
		sheet, err := preview.ContactSheet(tiles, preview.DefaultTileWidth)
		if err != nil {
			return err
		}
		path := filepath.Join(config.OutputDir, stem+"_preview.png")
		if err := preview.Save(sheet, path); err != nil {
			return err
		}
		slog.Info("wrote preview sheet", "path", path)
	}
	return nil
}

// writeMidasExtras writes the normal map and the colorized depth view
// next to the plain depth map.
func writeMidasExtras(config Config, stem string, a annotator.Annotator, img, depth gocv.Mat, tiles *[]preview.Tile) error {
	midas, ok := a.(*annotator.Midas)
	if !ok {
		return fmt.Errorf("midas annotator has unexpected type %T", a)
	}

	if config.Normals {
		d, normal, err := midas.DepthAndNormal(img)
		if err != nil {
			return fmt.Errorf("normal map failed: %w", err)
		}
		d.Close()
		path := filepath.Join(config.OutputDir, stem+"_normal.png")
		err = writeMap(path, normal, config.Preview, "normal", tiles)
		normal.Close()
		if err != nil {
			return err
		}
	}

	if config.Colorize {
		colored, err := annotator.ColorizeDepth(depth)
		if err != nil {
			return fmt.Errorf("depth colorization failed: %w", err)
		}
		path := filepath.Join(config.OutputDir, stem+"_depth_color.png")
		err = writeMap(path, colored, config.Preview, "depth_color", tiles)
		colored.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeMap(path string, m gocv.Mat, wantTile bool, name string, tiles *[]preview.Tile) error {
	if ok := gocv.IMWrite(path, m); !ok {
		return fmt.Errorf("failed to write %s", path)
	}
	slog.Info("wrote control map", "annotator", name, "path", path)

	if wantTile {
		if tileImg, err := m.ToImage(); err == nil {
			*tiles = append(*tiles, preview.Tile{Name: name, Image: tileImg})
		}
	}
	return nil
}

func selectKinds(list string) ([]annotator.Kind, error) {
	if list == "" || list == "all" {
		return annotator.Kinds(), nil
	}
	var kinds []annotator.Kind
	seen := make(map[annotator.Kind]bool)
	for _, name := range strings.Split(list, ",") {
		kind, err := annotator.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
