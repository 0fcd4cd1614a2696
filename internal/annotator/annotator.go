// Package annotator provides the control-map generators: thin adapters
// that run a pretrained vision model over an input image and return an
// auxiliary map (edges, depth, lines, pose, segmentation) for a
// downstream image-generation pipeline.
//
// Instances are cached per (kind, device) pair so repeated Get calls
// reuse the already-loaded model weights.
package annotator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dudu/controlmap/internal/inference"
)

// Kind identifies one annotator implementation.
type Kind string

const (
	KindCanny     Kind = "canny"
	KindHED       Kind = "hed"
	KindMidas     Kind = "midas"
	KindMLSD      Kind = "mlsd"
	KindOpenpose  Kind = "openpose"
	KindUniformer Kind = "uniformer"
)

// Annotator turns an image into a control map. Input and output are
// 8-bit BGR (or single-channel) gocv Mats; the output always matches
// the input resolution. The returned Mat is owned by the caller.
type Annotator interface {
	Annotate(img gocv.Mat) (gocv.Mat, error)
	Close() error
}

// Options configures annotator construction.
type Options struct {
	Device    inference.Device
	ModelsDir string

	// Canny hysteresis thresholds (0 means default).
	CannyLow  float32
	CannyHigh float32

	// MLSD decode thresholds (0 means default).
	MLSDScoreThreshold    float32
	MLSDDistanceThreshold float32
}

// Constructor builds an annotator from options. The device in the
// options it receives is already resolved.
type Constructor func(Options) (Annotator, error)

type registration struct {
	ctor Constructor
	// deviceless annotators run on the CPU regardless of the
	// requested device (Canny has no model to place).
	deviceless bool
}

var (
	registryMu sync.Mutex
	registry   = make(map[Kind]registration)
)

func register(kind Kind, deviceless bool, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("annotator: duplicate registration for %q", kind))
	}
	if ctor == nil {
		panic(fmt.Sprintf("annotator: nil constructor for %q", kind))
	}
	registry[kind] = registration{ctor: ctor, deviceless: deviceless}
}

// Kinds returns all registered annotator kinds, sorted.
func Kinds() []Kind {
	registryMu.Lock()
	defer registryMu.Unlock()
	kinds := make([]Kind, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ParseKind validates a kind string from flags or config.
func ParseKind(s string) (Kind, error) {
	registryMu.Lock()
	_, ok := registry[Kind(s)]
	registryMu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown annotator %q", s)
	}
	return Kind(s), nil
}

type cacheKey struct {
	kind   Kind
	device inference.Device
}

var (
	cacheMu sync.Mutex
	cache   = make(map[cacheKey]Annotator)
)

// Get returns the annotator for (kind, device), constructing it on
// first use and reusing the cached instance afterwards. DeviceAuto is
// resolved before keying, so "auto" and whatever it resolves to share
// one instance and one set of loaded weights.
func Get(kind Kind, opts Options) (Annotator, error) {
	registryMu.Lock()
	reg, ok := registry[kind]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown annotator %q", kind)
	}

	// Deviceless annotators skip resolution entirely so a run that
	// never loads a model does not probe execution providers.
	device := inference.DeviceCPU
	if !reg.deviceless {
		device = inference.ResolveDevice(opts.Device)
	}
	opts.Device = device
	key := cacheKey{kind: kind, device: device}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if a, ok := cache[key]; ok {
		return a, nil
	}

	a, err := reg.ctor(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s annotator: %w", kind, err)
	}
	cache[key] = a
	return a, nil
}

// CloseAll releases every cached annotator and empties the cache.
func CloseAll() error {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	var errs []error
	for key, a := range cache {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", key.kind, err))
		}
		delete(cache, key)
	}
	return errors.Join(errs...)
}
