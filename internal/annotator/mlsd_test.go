package annotator

import (
	"math"
	"testing"
)

// synthTPMap builds a 9-channel CHW map with every center logit pushed
// far negative, then applies mutations.
func synthTPMap(w, h int) []float32 {
	tpMap := make([]float32, 9*w*h)
	for i := 0; i < w*h; i++ {
		tpMap[i] = -10 // sigmoid ~ 0
	}
	return tpMap
}

// setSegment plants a center peak at (x, y) with the given logit and
// start/end displacements.
func setSegment(tpMap []float32, w, h, x, y int, logit, dx1, dy1, dx2, dy2 float32) {
	plane := w * h
	i := y*w + x
	tpMap[i] = logit
	tpMap[plane+i] = dx1
	tpMap[2*plane+i] = dy1
	tpMap[3*plane+i] = dx2
	tpMap[4*plane+i] = dy2
}

func TestDecodeLines_SingleSegment(t *testing.T) {
	const w, h = 8, 8
	tpMap := synthTPMap(w, h)
	setSegment(tpMap, w, h, 3, 4, 10, -2, -1, 2, 1)

	lines := decodeLines(tpMap, w, h, 0.1, 0.1, 200)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}

	l := lines[0]
	if l.X1 != 1 || l.Y1 != 3 || l.X2 != 5 || l.Y2 != 5 {
		t.Errorf("endpoints: got (%v,%v)-(%v,%v), want (1,3)-(5,5)", l.X1, l.Y1, l.X2, l.Y2)
	}
	if l.Score < 0.99 {
		t.Errorf("score: got %v, want ~1", l.Score)
	}
	wantLen := float32(math.Hypot(4, 2))
	if diff := l.Length() - wantLen; diff < -1e-4 || diff > 1e-4 {
		t.Errorf("length: got %v, want %v", l.Length(), wantLen)
	}
}

func TestDecodeLines_DistanceThreshold(t *testing.T) {
	const w, h = 8, 8
	tpMap := synthTPMap(w, h)
	// Segment of length ~0.28, below a distance threshold of 1.
	setSegment(tpMap, w, h, 3, 4, 10, -0.1, -0.1, 0.1, 0.1)

	if lines := decodeLines(tpMap, w, h, 0.1, 1.0, 200); len(lines) != 0 {
		t.Errorf("short segment survived distance threshold: %v", lines)
	}
}

func TestDecodeLines_ScoreThreshold(t *testing.T) {
	const w, h = 8, 8
	tpMap := synthTPMap(w, h)
	// Logit -1 gives sigmoid ~0.27.
	setSegment(tpMap, w, h, 3, 4, -1, -2, 0, 2, 0)

	if lines := decodeLines(tpMap, w, h, 0.5, 0.1, 200); len(lines) != 0 {
		t.Errorf("weak center survived score threshold: %v", lines)
	}
	if lines := decodeLines(tpMap, w, h, 0.2, 0.1, 200); len(lines) != 1 {
		t.Errorf("got %d lines with permissive threshold, want 1", len(lines))
	}
}

func TestDecodeLines_LocalMaximumSuppression(t *testing.T) {
	const w, h = 8, 8
	tpMap := synthTPMap(w, h)
	// Two adjacent centers: only the stronger one survives the 3x3 test.
	setSegment(tpMap, w, h, 3, 4, 10, -2, 0, 2, 0)
	setSegment(tpMap, w, h, 4, 4, 5, -2, 0, 2, 0)

	lines := decodeLines(tpMap, w, h, 0.1, 0.1, 200)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].X1 != 1 || lines[0].Y1 != 4 {
		t.Errorf("kept the wrong peak: %+v", lines[0])
	}
}

func TestDecodeLines_TopK(t *testing.T) {
	const w, h = 16, 16
	tpMap := synthTPMap(w, h)
	// Peaks spaced two apart so none suppress each other.
	for y := 1; y < h; y += 2 {
		for x := 1; x < w; x += 2 {
			setSegment(tpMap, w, h, x, y, 10, -1, 0, 1, 0)
		}
	}

	lines := decodeLines(tpMap, w, h, 0.1, 0.1, 10)
	if len(lines) != 10 {
		t.Errorf("got %d lines, want topK=10", len(lines))
	}
}

func TestDecodeLines_TruncatedMap(t *testing.T) {
	if lines := decodeLines(make([]float32, 10), 8, 8, 0.1, 0.1, 200); lines != nil {
		t.Errorf("truncated map produced lines: %v", lines)
	}
}
