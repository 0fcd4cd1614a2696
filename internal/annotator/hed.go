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

// hedMultiple keeps both dimensions divisible by the network's total
// pooling stride.
const hedMultiple = 32

// HED produces soft edge maps with the Holistically-Nested Edge
// Detection network (BSDS500 weights).
type HED struct {
	session *inference.Session
}

func init() {
	register(KindHED, false, newHED)
}

func newHED(opts Options) (Annotator, error) {
	modelPath, err := models.Path(opts.ModelsDir, "hed")
	if err != nil {
		return nil, err
	}

	session, err := inference.NewSession(modelPath, []string{"input"}, []string{"output"}, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create HED session: %w", err)
	}
	return &HED{session: session}, nil
}

// Annotate returns a single-channel soft edge map at the input resolution.
func (h *HED) Annotate(img gocv.Mat) (gocv.Mat, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer bgr.Close()

	return runAtMultiple(bgr, hedMultiple, h.infer)
}

func (h *HED) infer(img gocv.Mat) (gocv.Mat, error) {
	width := img.Cols()
	height := img.Rows()

	// Network expects BGR in [0, 1], NCHW.
	floatMat := gocv.NewMat()
	img.ConvertTo(&floatMat, gocv.MatTypeCV32FC3)
	floatMat.DivideFloat(255.0)

	blob := gocv.BlobFromImage(floatMat, 1.0, image.Pt(width, height),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	floatMat.Close()
	defer blob.Close()

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, int64(height), int64(width)),
		bytesToFloat32(blob.ToBytes()),
	)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 1, int64(height), int64(width)})
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := h.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return gocv.NewMat(), fmt.Errorf("HED inference failed: %w", err)
	}

	// Sigmoid output in [0, 1] becomes an 8-bit edge map.
	edge := outputTensor.GetData()
	pixels := make([]byte, len(edge))
	for i, v := range edge {
		pixels[i] = floatToByte(v * 255.0)
	}

	out, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, pixels)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to build edge map: %w", err)
	}
	return out, nil
}

// Close releases the HED session
func (h *HED) Close() error {
	return h.session.Destroy()
}

func floatToByte(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v + 0.5)
}

func bytesToFloat32(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
