package annotator

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/controlmap/internal/inference"
	"github.com/dudu/controlmap/internal/models"
)

const (
	midasMultiple = 32

	// Gradients below this normalized depth are treated as background
	// when deriving normals.
	midasBackgroundThreshold = 0.1
)

// Midas produces inverse-depth maps with the MiDaS DPT-hybrid network.
// A surface normal map can be derived from the same prediction.
type Midas struct {
	session *inference.Session
}

func init() {
	register(KindMidas, false, newMidas)
}

func newMidas(opts Options) (Annotator, error) {
	modelPath, err := models.Path(opts.ModelsDir, "midas")
	if err != nil {
		return nil, err
	}

	session, err := inference.NewSession(modelPath, []string{"input"}, []string{"output"}, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create MiDaS session: %w", err)
	}
	return &Midas{session: session}, nil
}

// Annotate returns a single-channel depth map at the input resolution.
// Brighter pixels are closer to the camera.
func (m *Midas) Annotate(img gocv.Mat) (gocv.Mat, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer bgr.Close()

	return runAtMultiple(bgr, midasMultiple, func(work gocv.Mat) (gocv.Mat, error) {
		depth, err := m.inferDepth(work)
		if err != nil {
			return gocv.NewMat(), err
		}
		gray := normalizeDepth(depth)
		return gocv.NewMatFromBytes(work.Rows(), work.Cols(), gocv.MatTypeCV8U, gray)
	})
}

// DepthAndNormal returns both the depth map and a 3-channel surface
// normal map derived from the depth gradients.
func (m *Midas) DepthAndNormal(img gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return gocv.NewMat(), gocv.NewMat(), err
	}
	defer bgr.Close()

	ow, oh := bgr.Cols(), bgr.Rows()
	rw, rh := snapToMultiple(ow, midasMultiple), snapToMultiple(oh, midasMultiple)

	work := bgr
	if rw != ow || rh != oh {
		resized := gocv.NewMat()
		gocv.Resize(bgr, &resized, image.Pt(rw, rh), 0, 0, interpolationFor(ow, oh, rw, rh))
		defer resized.Close()
		work = resized
	}

	depth, err := m.inferDepth(work)
	if err != nil {
		return gocv.NewMat(), gocv.NewMat(), err
	}

	grayMat, err := gocv.NewMatFromBytes(rh, rw, gocv.MatTypeCV8U, normalizeDepth(depth))
	if err != nil {
		return gocv.NewMat(), gocv.NewMat(), fmt.Errorf("failed to build depth map: %w", err)
	}
	normalMat, err := gocv.NewMatFromBytes(rh, rw, gocv.MatTypeCV8UC3,
		normalFromDepth(depth, rw, rh, midasBackgroundThreshold))
	if err != nil {
		grayMat.Close()
		return gocv.NewMat(), gocv.NewMat(), fmt.Errorf("failed to build normal map: %w", err)
	}

	if rw == ow && rh == oh {
		return grayMat, normalMat, nil
	}

	depthOut := gocv.NewMat()
	gocv.Resize(grayMat, &depthOut, image.Pt(ow, oh), 0, 0, interpolationFor(rw, rh, ow, oh))
	grayMat.Close()
	normalOut := gocv.NewMat()
	gocv.Resize(normalMat, &normalOut, image.Pt(ow, oh), 0, 0, interpolationFor(rw, rh, ow, oh))
	normalMat.Close()
	return depthOut, normalOut, nil
}

// inferDepth runs the network on a BGR image whose dimensions satisfy
// the stride constraint, returning the raw inverse-depth prediction in
// row-major order.
func (m *Midas) inferDepth(img gocv.Mat) ([]float32, error) {
	width := img.Cols()
	height := img.Rows()

	// RGB in [-1, 1], NCHW.
	pixels := img.ToBytes()
	input := make([]float32, 3*height*width)
	plane := height * width
	for i := 0; i < plane; i++ {
		b := float32(pixels[i*3])
		g := float32(pixels[i*3+1])
		r := float32(pixels[i*3+2])
		input[i] = r/127.5 - 1.0
		input[plane+i] = g/127.5 - 1.0
		input[2*plane+i] = b/127.5 - 1.0
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(height), int64(width)), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, int64(height), int64(width)})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := m.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("MiDaS inference failed: %w", err)
	}

	out := outputTensor.GetData()
	depth := make([]float32, len(out))
	copy(depth, out)
	return depth, nil
}

// Close releases the MiDaS session
func (m *Midas) Close() error {
	return m.session.Destroy()
}

// normalizeDepth min-max normalizes a raw prediction to 8-bit gray.
func normalizeDepth(depth []float32) []byte {
	if len(depth) == 0 {
		return nil
	}
	lo, hi := depth[0], depth[0]
	for _, v := range depth {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	out := make([]byte, len(depth))
	if span <= 0 {
		return out
	}
	for i, v := range depth {
		out[i] = floatToByte((v - lo) / span * 255.0)
	}
	return out
}

// normalFromDepth derives a BGR surface normal map from raw depth via
// 3x3 Sobel gradients. Pixels whose normalized depth falls below
// bgThreshold get a flat (camera-facing) normal.
func normalFromDepth(depth []float32, w, h int, bgThreshold float32) []byte {
	gx := sobel(depth, w, h, true)
	gy := sobel(depth, w, h, false)

	lo, hi := depth[0], depth[0]
	for _, v := range depth {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo

	z := float32(2 * math.Pi)
	out := make([]byte, len(depth)*3)
	for i := range depth {
		x, y := gx[i], gy[i]
		if span > 0 && (depth[i]-lo)/span < bgThreshold {
			x, y = 0, 0
		}
		norm := float32(math.Sqrt(float64(x*x + y*y + z*z)))
		nx := x / norm
		ny := y / norm
		nz := z / norm
		// RGB reversed into BGR storage.
		out[i*3] = floatToByte(nz*127.5 + 127.5)
		out[i*3+1] = floatToByte(ny*127.5 + 127.5)
		out[i*3+2] = floatToByte(nx*127.5 + 127.5)
	}
	return out
}

// sobel applies a 3x3 Sobel kernel with replicated borders.
func sobel(data []float32, w, h int, horizontal bool) []float32 {
	at := func(x, y int) float32 {
		if x < 0 {
			x = 0
		}
		if x >= w {
			x = w - 1
		}
		if y < 0 {
			y = 0
		}
		if y >= h {
			y = h - 1
		}
		return data[y*w+x]
	}

	out := make([]float32, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v float32
			if horizontal {
				v = at(x+1, y-1) - at(x-1, y-1) +
					2*(at(x+1, y)-at(x-1, y)) +
					at(x+1, y+1) - at(x-1, y+1)
			} else {
				v = at(x-1, y+1) - at(x-1, y-1) +
					2*(at(x, y+1)-at(x, y-1)) +
					at(x+1, y+1) - at(x+1, y-1)
			}
			out[y*w+x] = v
		}
	}
	return out
}
