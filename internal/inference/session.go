package inference

import (
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initialized bool
	initMu      sync.Mutex
)

// Initialize sets up the ONNX Runtime environment (call once at startup).
// libraryPath may be empty to use the platform default shared library.
func Initialize(libraryPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	initialized = true
	return nil
}

// Shutdown cleans up the ONNX Runtime environment
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialized {
		return nil
	}

	if err := ort.DestroyEnvironment(); err != nil {
		return err
	}

	initialized = false
	return nil
}

// Device selects the execution provider used for inference.
type Device string

const (
	DeviceAuto   Device = "auto"
	DeviceCPU    Device = "cpu"
	DeviceCoreML Device = "coreml"
	DeviceCUDA   Device = "cuda"
)

// ParseDevice validates a device string from flags or config.
func ParseDevice(s string) (Device, error) {
	switch Device(s) {
	case DeviceAuto, DeviceCPU, DeviceCoreML, DeviceCUDA:
		return Device(s), nil
	case "":
		return DeviceAuto, nil
	}
	return "", fmt.Errorf("unknown device %q (use auto, cpu, coreml or cuda)", s)
}

var (
	resolveOnce     sync.Once
	resolvedAuto    Device
	probeCoreMLOnce sync.Once
	coreMLAvailable bool
	probeCUDAOnce   sync.Once
	cudaAvailable   bool
)

func haveCoreML() bool {
	probeCoreMLOnce.Do(func() {
		opts, err := ort.NewSessionOptions()
		if err != nil {
			return
		}
		defer opts.Destroy()
		coreMLAvailable = opts.AppendExecutionProviderCoreML(0) == nil
	})
	return coreMLAvailable
}

func haveCUDA() bool {
	probeCUDAOnce.Do(func() {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return
		}
		defer cudaOpts.Destroy()
		opts, err := ort.NewSessionOptions()
		if err != nil {
			return
		}
		defer opts.Destroy()
		cudaAvailable = opts.AppendExecutionProviderCUDA(cudaOpts) == nil
	})
	return cudaAvailable
}

// ResolveDevice maps DeviceAuto to the first available accelerator,
// falling back to CPU. Explicit devices pass through unchanged so that
// a requested-but-unavailable accelerator fails loudly at session
// creation instead of silently degrading.
func ResolveDevice(requested Device) Device {
	if requested != DeviceAuto {
		return requested
	}
	resolveOnce.Do(func() {
		switch {
		case haveCoreML():
			resolvedAuto = DeviceCoreML
		case haveCUDA():
			resolvedAuto = DeviceCUDA
		default:
			resolvedAuto = DeviceCPU
		}
		slog.Debug("resolved inference device", "device", string(resolvedAuto))
	})
	return resolvedAuto
}

// Session wraps an ONNX Runtime inference session bound to a device
type Session struct {
	session     *ort.DynamicAdvancedSession
	modelPath   string
	device      Device
	inputNames  []string
	outputNames []string
}

// NewSession creates an inference session from an ONNX model on the given device.
// DeviceAuto is resolved before the session is created.
func NewSession(modelPath string, inputNames, outputNames []string, device Device) (*Session, error) {
	if !initialized {
		return nil, fmt.Errorf("ONNX Runtime not initialized, call Initialize() first")
	}

	device = ResolveDevice(device)

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	switch device {
	case DeviceCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return nil, fmt.Errorf("CoreML provider unavailable for %s: %w", modelPath, err)
		}
	case DeviceCUDA:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("CUDA provider unavailable for %s: %w", modelPath, err)
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("CUDA provider unavailable for %s: %w", modelPath, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		inputNames,
		outputNames,
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	return &Session{
		session:     session,
		modelPath:   modelPath,
		device:      device,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// Device returns the resolved device this session runs on
func (s *Session) Device() Device {
	return s.device
}

// Run executes inference with the given inputs
func (s *Session) Run(inputs []ort.Value, outputs []ort.Value) error {
	return s.session.Run(inputs, outputs)
}

// Destroy releases session resources
func (s *Session) Destroy() error {
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

// CreateTensor creates a tensor with the given shape and data
func CreateTensor[T ort.TensorData](shape []int64, data []T) (*ort.Tensor[T], error) {
	return ort.NewTensor(ort.NewShape(shape...), data)
}

// CreateEmptyTensor creates an uninitialized tensor for output
func CreateEmptyTensor[T ort.TensorData](shape []int64) (*ort.Tensor[T], error) {
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	data := make([]T, size)
	return ort.NewTensor(ort.NewShape(shape...), data)
}
