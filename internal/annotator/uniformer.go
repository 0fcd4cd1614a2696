package annotator

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/controlmap/internal/inference"
	"github.com/dudu/controlmap/internal/models"
)

const (
	uniformerMultiple = 32
	numADEClasses     = 150
)

// ImageNet statistics used by the mmseg preprocessing pipeline (RGB).
var (
	uniformerMean = [3]float32{123.675, 116.28, 103.53}
	uniformerStd  = [3]float32{58.395, 57.12, 57.375}
)

// Uniformer produces ADE20K-colored semantic segmentation maps with the
// UniFormer UPerNet model.
type Uniformer struct {
	session *inference.Session
}

func init() {
	register(KindUniformer, false, newUniformer)
}

func newUniformer(opts Options) (Annotator, error) {
	modelPath, err := models.Path(opts.ModelsDir, "uniformer")
	if err != nil {
		return nil, err
	}

	session, err := inference.NewSession(modelPath, []string{"input"}, []string{"output"}, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create UniFormer session: %w", err)
	}
	return &Uniformer{session: session}, nil
}

// Annotate returns a 3-channel map with each pixel painted in its ADE20K
// class color, at the input resolution.
func (u *Uniformer) Annotate(img gocv.Mat) (gocv.Mat, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer bgr.Close()

	return runAtMultiple(bgr, uniformerMultiple, u.infer)
}

func (u *Uniformer) infer(img gocv.Mat) (gocv.Mat, error) {
	width := img.Cols()
	height := img.Rows()
	plane := width * height

	// RGB standardized per channel, NCHW.
	pixels := img.ToBytes()
	input := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		b := float32(pixels[i*3])
		g := float32(pixels[i*3+1])
		r := float32(pixels[i*3+2])
		input[i] = (r - uniformerMean[0]) / uniformerStd[0]
		input[plane+i] = (g - uniformerMean[1]) / uniformerStd[1]
		input[2*plane+i] = (b - uniformerMean[2]) / uniformerStd[2]
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(height), int64(width)), input)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, numADEClasses, int64(height), int64(width)})
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := u.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return gocv.NewMat(), fmt.Errorf("UniFormer inference failed: %w", err)
	}

	classes := argmaxChannels(outputTensor.GetData(), numADEClasses, plane)

	out := make([]byte, plane*3)
	for i, cls := range classes {
		c := adePalette[cls]
		out[i*3] = c[2]
		out[i*3+1] = c[1]
		out[i*3+2] = c[0]
	}
	seg, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, out)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to build segmentation map: %w", err)
	}
	return seg, nil
}

// Close releases the UniFormer session
func (u *Uniformer) Close() error {
	return u.session.Destroy()
}

// argmaxChannels returns the per-pixel winning channel of a CHW logit
// volume.
func argmaxChannels(logits []float32, channels, plane int) []int {
	out := make([]int, plane)
	for i := 0; i < plane; i++ {
		best := logits[i]
		bestC := 0
		for c := 1; c < channels; c++ {
			if v := logits[c*plane+i]; v > best {
				best = v
				bestC = c
			}
		}
		out[i] = bestC
	}
	return out
}
