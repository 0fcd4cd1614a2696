package annotator

import (
	"gocv.io/x/gocv"
)

const (
	defaultCannyLow  = 100
	defaultCannyHigh = 200
)

// Canny produces a binary edge map with OpenCV's Canny detector. It has
// no model weights and no device placement.
type Canny struct {
	low  float32
	high float32
}

func init() {
	register(KindCanny, true, newCanny)
}

func newCanny(opts Options) (Annotator, error) {
	low, high := opts.CannyLow, opts.CannyHigh
	if low <= 0 {
		low = defaultCannyLow
	}
	if high <= 0 {
		high = defaultCannyHigh
	}
	return &Canny{low: low, high: high}, nil
}

// Annotate returns a single-channel edge mask at the input resolution.
func (c *Canny) Annotate(img gocv.Mat) (gocv.Mat, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer bgr.Close()

	edges := gocv.NewMat()
	gocv.Canny(bgr, &edges, c.low, c.high)
	return edges, nil
}

// Close is a no-op; Canny holds no resources.
func (c *Canny) Close() error {
	return nil
}
