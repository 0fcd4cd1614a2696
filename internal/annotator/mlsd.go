package annotator

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/controlmap/internal/inference"
	"github.com/dudu/controlmap/internal/models"
)

const (
	mlsdInputSize = 512
	// The tpMap comes out at half the input resolution.
	mlsdMapSize = mlsdInputSize / 2
	mlsdTopK    = 200

	defaultMLSDScoreThreshold    = 0.1
	defaultMLSDDistanceThreshold = 0.1
)

// MLSD detects straight line segments with the M-LSD large model and
// renders them as a wireframe control map.
type MLSD struct {
	session  *inference.Session
	scoreThr float32
	distThr  float32
}

func init() {
	register(KindMLSD, false, newMLSD)
}

func newMLSD(opts Options) (Annotator, error) {
	modelPath, err := models.Path(opts.ModelsDir, "mlsd")
	if err != nil {
		return nil, err
	}

	session, err := inference.NewSession(modelPath, []string{"input"}, []string{"output"}, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create MLSD session: %w", err)
	}

	scoreThr := opts.MLSDScoreThreshold
	if scoreThr <= 0 {
		scoreThr = defaultMLSDScoreThreshold
	}
	distThr := opts.MLSDDistanceThreshold
	if distThr <= 0 {
		distThr = defaultMLSDDistanceThreshold
	}
	return &MLSD{session: session, scoreThr: scoreThr, distThr: distThr}, nil
}

// Annotate returns a 3-channel map with detected segments drawn in
// white on black, at the input resolution.
func (m *MLSD) Annotate(img gocv.Mat) (gocv.Mat, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer bgr.Close()

	return runAtFixed(bgr, mlsdInputSize, mlsdInputSize, func(work gocv.Mat) (gocv.Mat, error) {
		lines, err := m.infer(work)
		if err != nil {
			return gocv.NewMat(), err
		}

		canvas := gocv.NewMatWithSize(mlsdInputSize, mlsdInputSize, gocv.MatTypeCV8UC3)
		canvas.SetTo(gocv.NewScalar(0, 0, 0, 0))
		white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
		for _, l := range lines {
			gocv.Line(&canvas,
				image.Pt(int(l.X1+0.5), int(l.Y1+0.5)),
				image.Pt(int(l.X2+0.5), int(l.Y2+0.5)),
				white, 1)
		}
		return canvas, nil
	})
}

// DetectLines returns the detected segments in original image
// coordinates.
func (m *MLSD) DetectLines(img gocv.Mat) ([]Line, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return nil, err
	}
	defer bgr.Close()

	ow, oh := bgr.Cols(), bgr.Rows()
	work := bgr
	if ow != mlsdInputSize || oh != mlsdInputSize {
		resized := gocv.NewMat()
		gocv.Resize(bgr, &resized, image.Pt(mlsdInputSize, mlsdInputSize), 0, 0,
			interpolationFor(ow, oh, mlsdInputSize, mlsdInputSize))
		defer resized.Close()
		work = resized
	}

	lines, err := m.infer(work)
	if err != nil {
		return nil, err
	}

	sx := float32(ow) / mlsdInputSize
	sy := float32(oh) / mlsdInputSize
	for i := range lines {
		lines[i].X1 *= sx
		lines[i].X2 *= sx
		lines[i].Y1 *= sy
		lines[i].Y2 *= sy
	}
	return lines, nil
}

// infer runs the network on a 512x512 BGR image and decodes segments in
// input-resolution coordinates.
func (m *MLSD) infer(img gocv.Mat) ([]Line, error) {
	// Input is BGR plus an all-ones channel, scaled to [-1, 1], NCHW.
	pixels := img.ToBytes()
	plane := mlsdInputSize * mlsdInputSize
	input := make([]float32, 4*plane)
	for i := 0; i < plane; i++ {
		input[i] = float32(pixels[i*3])/127.5 - 1.0
		input[plane+i] = float32(pixels[i*3+1])/127.5 - 1.0
		input[2*plane+i] = float32(pixels[i*3+2])/127.5 - 1.0
		input[3*plane+i] = 1.0
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 4, mlsdInputSize, mlsdInputSize), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 9, mlsdMapSize, mlsdMapSize})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := m.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("MLSD inference failed: %w", err)
	}

	lines := decodeLines(outputTensor.GetData(), mlsdMapSize, mlsdMapSize,
		m.scoreThr, m.distThr, mlsdTopK)

	// Map coordinates back up to the network input resolution.
	scale := float32(mlsdInputSize) / float32(mlsdMapSize)
	for i := range lines {
		lines[i].X1 *= scale
		lines[i].Y1 *= scale
		lines[i].X2 *= scale
		lines[i].Y2 *= scale
	}
	return lines, nil
}

// Close releases the MLSD session
func (m *MLSD) Close() error {
	return m.session.Destroy()
}

// decodeLines extracts segments from an M-LSD tpMap laid out CHW:
// channel 0 is the center heatmap, channels 1-4 the start/end
// displacement field. Centers surviving a 3x3 local-maximum test are
// ranked by score; the topK of them become candidate segments, kept
// when the score clears scoreThr and the segment is longer than
// distThr (in map pixels).
func decodeLines(tpMap []float32, w, h int, scoreThr, distThr float32, topK int) []Line {
	plane := w * h
	if len(tpMap) < 5*plane {
		return nil
	}
	center := tpMap[:plane]
	disp := tpMap[plane : 5*plane]

	heat := make([]float32, plane)
	for i, v := range center {
		heat[i] = sigmoid(v)
	}

	type candidate struct {
		x, y  int
		score float32
	}
	var cands []candidate
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := heat[y*w+x]
			if v < scoreThr || !isLocalMax(heat, w, h, x, y) {
				continue
			}
			cands = append(cands, candidate{x: x, y: y, score: v})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > topK {
		cands = cands[:topK]
	}

	var lines []Line
	for _, c := range cands {
		i := c.y*w + c.x
		x1 := float32(c.x) + disp[i]
		y1 := float32(c.y) + disp[plane+i]
		x2 := float32(c.x) + disp[2*plane+i]
		y2 := float32(c.y) + disp[3*plane+i]

		dist := float32(math.Hypot(float64(x2-x1), float64(y2-y1)))
		if dist <= distThr {
			continue
		}
		lines = append(lines, Line{X1: x1, Y1: y1, X2: x2, Y2: y2, Score: c.score})
	}
	return lines
}

// isLocalMax reports whether (x, y) holds the maximum of its 3x3
// neighborhood.
func isLocalMax(data []float32, w, h, x, y int) bool {
	v := data[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || nx >= w || ny < 0 || ny >= h {
				continue
			}
			if data[ny*w+nx] > v {
				return false
			}
		}
	}
	return true
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}
