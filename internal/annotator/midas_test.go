package annotator

import (
	"testing"
)

func TestNormalizeDepth(t *testing.T) {
	got := normalizeDepth([]float32{0, 1, 2, 3})
	want := []byte{0, 85, 170, 255}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNormalizeDepth_Flat(t *testing.T) {
	got := normalizeDepth([]float32{7, 7, 7})
	for i, v := range got {
		if v != 0 {
			t.Errorf("flat input index %d: got %d, want 0", i, v)
		}
	}
}

func TestNormalizeDepth_Empty(t *testing.T) {
	if got := normalizeDepth(nil); got != nil {
		t.Errorf("nil input: got %v, want nil", got)
	}
}

func TestSobel(t *testing.T) {
	const w, h = 8, 8
	// f(x, y) = x has a constant horizontal gradient.
	ramp := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ramp[y*w+x] = float32(x)
		}
	}

	gx := sobel(ramp, w, h, true)
	gy := sobel(ramp, w, h, false)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			if gx[y*w+x] != 8 {
				t.Fatalf("gx at (%d,%d): got %v, want 8", x, y, gx[y*w+x])
			}
			if gy[y*w+x] != 0 {
				t.Fatalf("gy at (%d,%d): got %v, want 0", x, y, gy[y*w+x])
			}
		}
	}
}

func TestNormalFromDepth_FlatSurface(t *testing.T) {
	const w, h = 6, 6
	depth := make([]float32, w*h)
	for i := range depth {
		depth[i] = 5.0
	}

	normal := normalFromDepth(depth, w, h, 0.1)
	if len(normal) != w*h*3 {
		t.Fatalf("normal map length: got %d, want %d", len(normal), w*h*3)
	}
	// Zero gradient everywhere: normals face the camera, stored BGR.
	for i := 0; i < w*h; i++ {
		b, g, r := normal[i*3], normal[i*3+1], normal[i*3+2]
		if b != 255 {
			t.Fatalf("pixel %d: z component %d, want 255", i, b)
		}
		if g != 128 || r != 128 {
			t.Fatalf("pixel %d: x/y components (%d,%d), want (128,128)", i, r, g)
		}
	}
}

func TestNormalFromDepth_BackgroundMasked(t *testing.T) {
	const w, h = 8, 8
	// Left half far (0), right half near (10) with a sharp step.
	depth := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 4; x < w; x++ {
			depth[y*w+x] = 10
		}
	}

	normal := normalFromDepth(depth, w, h, 0.1)

	// Background pixels away from the step keep flat normals even
	// though the replicated-border Sobel sees no gradient there anyway;
	// the step columns inside the background band must be masked.
	i := 3*w + 0 // normalized depth 0 < 0.1
	if normal[i*3+1] != 128 || normal[i*3+2] != 128 {
		t.Errorf("background pixel not masked: got (%d,%d)", normal[i*3+2], normal[i*3+1])
	}

	// A foreground step pixel has a strong x gradient.
	j := 3*w + 4
	if normal[j*3+2] == 128 {
		t.Error("foreground step pixel lost its gradient")
	}
}
