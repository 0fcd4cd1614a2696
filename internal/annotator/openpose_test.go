package annotator

import (
	"testing"
)

func TestFindPeaks(t *testing.T) {
	const w, h = 10, 10
	data := make([]float32, w*h)
	data[5*w+5] = 0.9
	data[2*w+7] = 0.5
	data[8*w+1] = 0.05 // below threshold

	peaks := findPeaks(data, w, h, 0.1)
	if len(peaks) != 2 {
		t.Fatalf("got %d peaks, want 2", len(peaks))
	}
	found := make(map[[2]int]float32)
	for _, p := range peaks {
		found[[2]int{int(p.X), int(p.Y)}] = p.Score
	}
	if found[[2]int{5, 5}] != 0.9 {
		t.Errorf("missing peak at (5,5): %v", found)
	}
	if found[[2]int{7, 2}] != 0.5 {
		t.Errorf("missing peak at (7,2): %v", found)
	}
}

func TestSmooth2D_PreservesArgmax(t *testing.T) {
	const w, h = 32, 32
	data := make([]float32, w*h)
	for y := 10; y <= 18; y++ {
		for x := 12; x <= 20; x++ {
			data[y*w+x] = 1.0
		}
	}

	smoothed := smooth2D(data, w, h, gaussianKernel1D(3.0))

	bestI := 0
	for i, v := range smoothed {
		if v > smoothed[bestI] {
			bestI = i
		}
	}
	bx, by := bestI%w, bestI/w
	if bx != 16 || by != 14 {
		t.Errorf("argmax moved to (%d,%d), want block center (16,14)", bx, by)
	}

	// Smoothing must not create energy.
	var before, after float64
	for i := range data {
		before += float64(data[i])
		after += float64(smoothed[i])
	}
	if after > before+1e-3 {
		t.Errorf("smoothing gained energy: %v -> %v", before, after)
	}
}

func TestGaussianKernel1D_Normalized(t *testing.T) {
	kernel := gaussianKernel1D(3.0)
	if len(kernel) != 19 {
		t.Fatalf("kernel length: got %d, want 19", len(kernel))
	}
	var sum float32
	for _, v := range kernel {
		sum += v
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("kernel sum: got %v, want 1", sum)
	}
	if kernel[9] <= kernel[0] {
		t.Error("kernel is not centered")
	}
}

func TestBilinearResize(t *testing.T) {
	// A constant map stays constant at any size.
	src := make([]float32, 4*4)
	for i := range src {
		src[i] = 3.5
	}
	dst := bilinearResize(src, 4, 4, 9, 7)
	for i, v := range dst {
		if v < 3.499 || v > 3.501 {
			t.Fatalf("constant map changed at %d: %v", i, v)
		}
	}

	// Identity size copies.
	same := bilinearResize(src, 4, 4, 4, 4)
	for i := range src {
		if same[i] != src[i] {
			t.Fatal("identity resize altered data")
		}
	}
}

func TestScoreLimb(t *testing.T) {
	const w, h = 40, 40
	pafX := make([]float32, w*h)
	pafY := make([]float32, w*h)
	for i := range pafX {
		pafX[i] = 1.0
	}

	// Horizontal limb aligned with the field.
	score, ok := scoreLimb(pafX, pafY, Point{X: 5, Y: 20}, Point{X: 25, Y: 20}, w, h)
	if !ok {
		t.Fatal("aligned limb rejected")
	}
	if score < 0.9 {
		t.Errorf("aligned limb score: got %v, want ~1", score)
	}

	// Vertical limb is orthogonal to the field and must be rejected.
	if _, ok := scoreLimb(pafX, pafY, Point{X: 20, Y: 5}, Point{X: 20, Y: 25}, w, h); ok {
		t.Error("orthogonal limb accepted")
	}

	// Zero-length limbs are rejected.
	if _, ok := scoreLimb(pafX, pafY, Point{X: 20, Y: 20}, Point{X: 20, Y: 20}, w, h); ok {
		t.Error("degenerate limb accepted")
	}
}

// plantBlob writes a solid block so the peak survives Gaussian
// smoothing.
func plantBlob(data []float32, w, h, cx, cy int) {
	for y := cy - 4; y <= cy+4; y++ {
		for x := cx - 4; x <= cx+4; x++ {
			if x < 0 || x >= w || y < 0 || y >= h {
				continue
			}
			data[y*w+x] = 1.0
		}
	}
}

func TestDecodePoses_SingleChain(t *testing.T) {
	const w, h = 64, 40

	heatmaps := make([][]float32, numBodyParts)
	for i := range heatmaps {
		heatmaps[i] = make([]float32, w*h)
	}
	pafs := make([][]float32, numPAFChannels)
	for i := range pafs {
		pafs[i] = make([]float32, w*h)
	}

	// A neck-shoulder-elbow-wrist chain along y=20.
	parts := []struct{ part, x int }{
		{1, 8}, {2, 20}, {3, 32}, {4, 44},
	}
	for _, p := range parts {
		plantBlob(heatmaps[p.part], w, h, p.x, 20)
	}
	// Limbs 0 (1-2), 2 (2-3) and 3 (3-4) all point along +x.
	for _, limb := range []int{0, 2, 3} {
		xs := pafs[limbPAF[limb][0]]
		for i := range xs {
			xs[i] = 1.0
		}
	}

	poses := decodePoses(heatmaps, pafs, w, h)
	if len(poses) != 1 {
		t.Fatalf("got %d poses, want 1", len(poses))
	}

	pose := poses[0]
	if got := pose.NumParts(); got != 4 {
		t.Fatalf("pose has %d parts, want 4", got)
	}
	for _, p := range parts {
		if !pose.Present[p.part] {
			t.Errorf("part %d missing", p.part)
			continue
		}
		kp := pose.Keypoints[p.part]
		if kp.X < float32(p.x-3) || kp.X > float32(p.x+3) || kp.Y < 17 || kp.Y > 23 {
			t.Errorf("part %d at (%v,%v), want near (%d,20)", p.part, kp.X, kp.Y, p.x)
		}
	}
}

func TestDecodePoses_TooFewPartsFiltered(t *testing.T) {
	const w, h = 64, 40

	heatmaps := make([][]float32, numBodyParts)
	for i := range heatmaps {
		heatmaps[i] = make([]float32, w*h)
	}
	pafs := make([][]float32, numPAFChannels)
	for i := range pafs {
		pafs[i] = make([]float32, w*h)
	}

	// A single two-part connection is below the four-part minimum.
	plantBlob(heatmaps[1], w, h, 20, 20)
	plantBlob(heatmaps[2], w, h, 40, 20)
	xs := pafs[limbPAF[0][0]]
	for i := range xs {
		xs[i] = 1.0
	}

	if poses := decodePoses(heatmaps, pafs, w, h); len(poses) != 0 {
		t.Errorf("two-part subset survived filtering: %+v", poses)
	}
}
