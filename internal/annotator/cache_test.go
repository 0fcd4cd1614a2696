package annotator

import (
	"fmt"
	"sync"
	"testing"

	"gocv.io/x/gocv"

	"github.com/dudu/controlmap/internal/inference"
)

// countingAnnotator tracks construction and close calls without
// touching any model runtime.
type countingAnnotator struct {
	closed bool
}

func (c *countingAnnotator) Annotate(img gocv.Mat) (gocv.Mat, error) {
	return gocv.NewMat(), nil
}

func (c *countingAnnotator) Close() error {
	c.closed = true
	return nil
}

func registerCounting(t *testing.T, kind Kind, deviceless bool) *int {
	t.Helper()
	constructed := new(int)
	register(kind, deviceless, func(Options) (Annotator, error) {
		*constructed++
		return &countingAnnotator{}, nil
	})
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, kind)
		registryMu.Unlock()
	})
	return constructed
}

func TestGet_CachesPerKindAndDevice(t *testing.T) {
	t.Cleanup(func() { CloseAll() })
	constructed := registerCounting(t, Kind("test-cached"), false)

	a1, err := Get(Kind("test-cached"), Options{Device: inference.DeviceCPU})
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	a2, err := Get(Kind("test-cached"), Options{Device: inference.DeviceCPU})
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if a1 != a2 {
		t.Error("same (kind, device) returned different instances")
	}
	if *constructed != 1 {
		t.Errorf("constructor ran %d times, want 1", *constructed)
	}

	// A different device gets its own instance.
	a3, err := Get(Kind("test-cached"), Options{Device: inference.DeviceCUDA})
	if err != nil {
		t.Fatalf("cuda Get failed: %v", err)
	}
	if a3 == a1 {
		t.Error("different devices shared one instance")
	}
	if *constructed != 2 {
		t.Errorf("constructor ran %d times, want 2", *constructed)
	}
}

func TestGet_DevicelessIgnoresDevice(t *testing.T) {
	t.Cleanup(func() { CloseAll() })

	constructed := 0
	var gotDevice inference.Device
	register(Kind("test-deviceless"), true, func(opts Options) (Annotator, error) {
		constructed++
		gotDevice = opts.Device
		return &countingAnnotator{}, nil
	})
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, Kind("test-deviceless"))
		registryMu.Unlock()
	})

	// DeviceAuto must not reach the provider probes for a deviceless
	// annotator; it pins straight to CPU.
	a1, err := Get(Kind("test-deviceless"), Options{Device: inference.DeviceAuto})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotDevice != inference.DeviceCPU {
		t.Errorf("constructed with device %q, want %q", gotDevice, inference.DeviceCPU)
	}

	a2, err := Get(Kind("test-deviceless"), Options{Device: inference.DeviceCUDA})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	a3, err := Get(Kind("test-deviceless"), Options{Device: inference.DeviceCPU})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a1 != a2 || a2 != a3 {
		t.Error("deviceless annotator was cached per device")
	}
	if constructed != 1 {
		t.Errorf("constructor ran %d times, want 1", constructed)
	}
}

func TestGet_UnknownKind(t *testing.T) {
	if _, err := Get(Kind("no-such-annotator"), Options{Device: inference.DeviceCPU}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestGet_Concurrent(t *testing.T) {
	t.Cleanup(func() { CloseAll() })
	constructed := registerCounting(t, Kind("test-concurrent"), false)

	var wg sync.WaitGroup
	results := make([]Annotator, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := Get(Kind("test-concurrent"), Options{Device: inference.DeviceCPU})
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			results[i] = a
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent Get returned distinct instances at %d", i)
		}
	}
	if *constructed != 1 {
		t.Errorf("constructor ran %d times, want 1", *constructed)
	}
}

func TestCloseAll(t *testing.T) {
	constructed := registerCounting(t, Kind("test-close"), false)

	a, err := Get(Kind("test-close"), Options{Device: inference.DeviceCPU})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := CloseAll(); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if !a.(*countingAnnotator).closed {
		t.Error("cached annotator was not closed")
	}

	// The cache is empty, so the next Get constructs again.
	if _, err := Get(Kind("test-close"), Options{Device: inference.DeviceCPU}); err != nil {
		t.Fatalf("Get after CloseAll failed: %v", err)
	}
	if *constructed != 2 {
		t.Errorf("constructor ran %d times, want 2", *constructed)
	}
	CloseAll()
}

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds() {
		if _, err := ParseKind(string(kind)); err != nil {
			t.Errorf("ParseKind(%q) failed: %v", kind, err)
		}
	}
	if _, err := ParseKind("sobel"); err == nil {
		t.Error("expected error for unregistered kind")
	}
}

func TestKinds_IncludesBuiltins(t *testing.T) {
	want := []Kind{KindCanny, KindHED, KindMidas, KindMLSD, KindOpenpose, KindUniformer}
	have := make(map[Kind]bool)
	for _, kind := range Kinds() {
		have[kind] = true
	}
	for _, kind := range want {
		if !have[kind] {
			t.Errorf("builtin kind %q not registered", kind)
		}
	}
}

func ExampleKinds() {
	for _, kind := range Kinds() {
		fmt.Println(kind)
	}
	// Output:
	// canny
	// hed
	// midas
	// mlsd
	// openpose
	// uniformer
}
