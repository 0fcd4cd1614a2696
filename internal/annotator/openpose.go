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
	numBodyParts    = 18
	numHeatmaps     = numBodyParts + 1 // plus background
	numPAFChannels  = 38
	openposeStride  = 8
	openposeBoxsize = 368

	// Peak and PAF-sample acceptance thresholds.
	openposePeakThreshold = 0.1
	openposePAFThreshold  = 0.05
)

// limbSeq pairs body parts into the 19 scored limbs; the first 17 are
// drawn. Indices are 0-based into the part list.
var limbSeq = [19][2]int{
	{1, 2}, {1, 5}, {2, 3}, {3, 4}, {5, 6}, {6, 7}, {1, 8}, {8, 9},
	{9, 10}, {1, 11}, {11, 12}, {12, 13}, {1, 0}, {0, 14}, {14, 16},
	{0, 15}, {15, 17}, {2, 16}, {5, 17},
}

// limbPAF gives each limb its (x, y) channel pair in the PAF output.
var limbPAF = [19][2]int{
	{12, 13}, {20, 21}, {14, 15}, {16, 17}, {22, 23}, {24, 25}, {0, 1},
	{2, 3}, {4, 5}, {6, 7}, {8, 9}, {10, 11}, {28, 29}, {30, 31},
	{34, 35}, {32, 33}, {36, 37}, {18, 19}, {26, 27},
}

// poseColors is the standard OpenPose part/limb color wheel (RGB).
var poseColors = [numBodyParts][3]uint8{
	{255, 0, 0}, {255, 85, 0}, {255, 170, 0}, {255, 255, 0},
	{170, 255, 0}, {85, 255, 0}, {0, 255, 0}, {0, 255, 85},
	{0, 255, 170}, {0, 255, 255}, {0, 170, 255}, {0, 85, 255},
	{0, 0, 255}, {85, 0, 255}, {170, 0, 255}, {255, 0, 255},
	{255, 0, 170}, {255, 0, 85},
}

// Openpose detects human body poses with the OpenPose body network and
// renders them as skeleton control maps.
type Openpose struct {
	session *inference.Session
}

func init() {
	register(KindOpenpose, false, newOpenpose)
}

func newOpenpose(opts Options) (Annotator, error) {
	modelPath, err := models.Path(opts.ModelsDir, "openpose")
	if err != nil {
		return nil, err
	}

	session, err := inference.NewSession(modelPath,
		[]string{"input"},
		[]string{"Mconv7_stage6_L1", "Mconv7_stage6_L2"},
		opts.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenPose session: %w", err)
	}
	return &Openpose{session: session}, nil
}

// Annotate returns a 3-channel skeleton map on black at the input
// resolution.
func (o *Openpose) Annotate(img gocv.Mat) (gocv.Mat, error) {
	poses, err := o.Detect(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	return drawPoses(poses, img.Cols(), img.Rows()), nil
}

// Detect returns the detected poses with keypoints in original image
// coordinates.
func (o *Openpose) Detect(img gocv.Mat) ([]Pose, error) {
	bgr, err := ensureBGR3(img)
	if err != nil {
		return nil, err
	}
	defer bgr.Close()

	ow, oh := bgr.Cols(), bgr.Rows()

	// Run at half boxsize height, aspect preserved, stride aligned.
	scale := float64(openposeBoxsize) * 0.5 / float64(oh)
	workH := snapToMultiple(int(float64(oh)*scale+0.5), openposeStride)
	workW := snapToMultiple(int(float64(ow)*scale+0.5), openposeStride)

	work := gocv.NewMat()
	gocv.Resize(bgr, &work, image.Pt(workW, workH), 0, 0, interpolationFor(ow, oh, workW, workH))
	defer work.Close()

	heatmaps, pafs, err := o.infer(work)
	if err != nil {
		return nil, err
	}

	poses := decodePoses(heatmaps, pafs, workW, workH)

	sx := float32(ow) / float32(workW)
	sy := float32(oh) / float32(workH)
	for i := range poses {
		for p := range poses[i].Keypoints {
			poses[i].Keypoints[p].X *= sx
			poses[i].Keypoints[p].Y *= sy
		}
	}
	return poses, nil
}

// infer runs the body network and returns per-channel heatmaps and
// PAFs upsampled to the working resolution.
func (o *Openpose) infer(img gocv.Mat) ([][]float32, [][]float32, error) {
	w, h := img.Cols(), img.Rows()
	mapW, mapH := w/openposeStride, h/openposeStride

	// BGR scaled to [-0.5, 0.5], NCHW.
	pixels := img.ToBytes()
	plane := w * h
	input := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		input[i] = float32(pixels[i*3])/256.0 - 0.5
		input[plane+i] = float32(pixels[i*3+1])/256.0 - 0.5
		input[2*plane+i] = float32(pixels[i*3+2])/256.0 - 0.5
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(h), int64(w)), input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	pafTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, numPAFChannels, int64(mapH), int64(mapW)})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PAF tensor: %w", err)
	}
	defer pafTensor.Destroy()

	heatTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, numHeatmaps, int64(mapH), int64(mapW)})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create heatmap tensor: %w", err)
	}
	defer heatTensor.Destroy()

	if err := o.session.Run([]ort.Value{inputTensor}, []ort.Value{pafTensor, heatTensor}); err != nil {
		return nil, nil, fmt.Errorf("OpenPose inference failed: %w", err)
	}

	heatData := heatTensor.GetData()
	heatmaps := make([][]float32, numBodyParts)
	mapPlane := mapW * mapH
	for c := 0; c < numBodyParts; c++ {
		heatmaps[c] = bilinearResize(heatData[c*mapPlane:(c+1)*mapPlane], mapW, mapH, w, h)
	}

	pafData := pafTensor.GetData()
	pafs := make([][]float32, numPAFChannels)
	for c := 0; c < numPAFChannels; c++ {
		pafs[c] = bilinearResize(pafData[c*mapPlane:(c+1)*mapPlane], mapW, mapH, w, h)
	}
	return heatmaps, pafs, nil
}

// Close releases the OpenPose session
func (o *Openpose) Close() error {
	return o.session.Destroy()
}

type peak struct {
	Keypoint
	id int
}

// decodePoses turns upsampled heatmaps and PAF fields into assembled
// poses, coordinates in the (w, h) working space.
func decodePoses(heatmaps, pafs [][]float32, w, h int) []Pose {
	kernel := gaussianKernel1D(3.0)

	var allPeaks [numBodyParts][]peak
	var flat []peak
	id := 0
	for part := 0; part < numBodyParts; part++ {
		smoothed := smooth2D(heatmaps[part], w, h, kernel)
		for _, kp := range findPeaks(smoothed, w, h, openposePeakThreshold) {
			p := peak{Keypoint: kp, id: id}
			allPeaks[part] = append(allPeaks[part], p)
			flat = append(flat, p)
			id++
		}
	}

	type connection struct {
		idA, idB int // global peak ids
		score    float32
	}
	connections := make([][]connection, len(limbSeq))

	for k, limb := range limbSeq {
		candA := allPeaks[limb[0]]
		candB := allPeaks[limb[1]]
		if len(candA) == 0 || len(candB) == 0 {
			continue
		}
		pafX := pafs[limbPAF[k][0]]
		pafY := pafs[limbPAF[k][1]]

		var scored []connection
		type pair struct {
			i, j  int
			score float32
		}
		var pairs []pair
		for i, a := range candA {
			for j, b := range candB {
				score, ok := scoreLimb(pafX, pafY, a.Point, b.Point, w, h)
				if !ok {
					continue
				}
				pairs = append(pairs, pair{i: i, j: j, score: score})
			}
		}
		sort.Slice(pairs, func(x, y int) bool { return pairs[x].score > pairs[y].score })

		usedA := make(map[int]bool)
		usedB := make(map[int]bool)
		for _, p := range pairs {
			if usedA[p.i] || usedB[p.j] {
				continue
			}
			usedA[p.i] = true
			usedB[p.j] = true
			scored = append(scored, connection{
				idA:   candA[p.i].id,
				idB:   candB[p.j].id,
				score: p.score,
			})
			if len(scored) >= min(len(candA), len(candB)) {
				break
			}
		}
		connections[k] = scored
	}

	// Greedy subset assembly over shared peak ids.
	type subset struct {
		parts [numBodyParts]int // global peak id or -1
		score float32
		count int
	}
	var subsets []subset

	for k, limb := range limbSeq {
		pa, pb := limb[0], limb[1]
		for _, conn := range connections[k] {
			found := make([]int, 0, 2)
			for si := range subsets {
				if subsets[si].parts[pa] == conn.idA || subsets[si].parts[pb] == conn.idB {
					found = append(found, si)
				}
			}

			switch len(found) {
			case 1:
				s := &subsets[found[0]]
				if s.parts[pb] != conn.idB {
					s.parts[pb] = conn.idB
					s.count++
					s.score += conn.score + flat[conn.idB].Score
				} else if s.parts[pa] != conn.idA {
					s.parts[pa] = conn.idA
					s.count++
					s.score += conn.score + flat[conn.idA].Score
				}
			case 2:
				a, b := found[0], found[1]
				disjoint := true
				for p := 0; p < numBodyParts; p++ {
					if subsets[a].parts[p] >= 0 && subsets[b].parts[p] >= 0 {
						disjoint = false
						break
					}
				}
				if disjoint {
					for p := 0; p < numBodyParts; p++ {
						if subsets[b].parts[p] >= 0 {
							subsets[a].parts[p] = subsets[b].parts[p]
						}
					}
					subsets[a].count += subsets[b].count
					subsets[a].score += subsets[b].score + conn.score
					subsets = append(subsets[:b], subsets[b+1:]...)
				}
			case 0:
				if k < 17 {
					s := subset{score: conn.score + flat[conn.idA].Score + flat[conn.idB].Score, count: 2}
					for p := range s.parts {
						s.parts[p] = -1
					}
					s.parts[pa] = conn.idA
					s.parts[pb] = conn.idB
					subsets = append(subsets, s)
				}
			}
		}
	}

	var poses []Pose
	for _, s := range subsets {
		if s.count < 4 || s.score/float32(s.count) < 0.4 {
			continue
		}
		var pose Pose
		pose.Score = s.score
		for p := 0; p < numBodyParts; p++ {
			if s.parts[p] < 0 {
				continue
			}
			pose.Keypoints[p] = flat[s.parts[p]].Keypoint
			pose.Present[p] = true
		}
		poses = append(poses, pose)
	}
	return poses
}

// scoreLimb integrates the PAF field along the segment between two
// candidate parts. Accepts the limb when at least 80% of the samples
// align with the segment direction and the distance-weighted mean
// score stays positive.
func scoreLimb(pafX, pafY []float32, a, b Point, w, h int) (float32, bool) {
	const samples = 10

	dx := b.X - a.X
	dy := b.Y - a.Y
	dist := float32(math.Hypot(float64(dx), float64(dy)))
	if dist < 1e-6 {
		return 0, false
	}
	ux, uy := dx/dist, dy/dist

	var sum float32
	aligned := 0
	for s := 0; s < samples; s++ {
		t := float32(s) / float32(samples-1)
		x := int(a.X + t*dx + 0.5)
		y := int(a.Y + t*dy + 0.5)
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
		score := pafX[y*w+x]*ux + pafY[y*w+x]*uy
		if score > openposePAFThreshold {
			aligned++
		}
		sum += score
	}

	if aligned < int(0.8*samples) {
		return 0, false
	}
	// Penalize limbs longer than half the image height.
	prior := float32(math.Min(float64(0.5*float32(h)/dist-1.0), 0))
	score := sum/samples + prior
	if score <= 0 {
		return 0, false
	}
	return score, true
}

// findPeaks returns local maxima above threshold, scored by the
// heatmap value. A 4-neighborhood comparison matches the reference
// decoder.
func findPeaks(data []float32, w, h int, threshold float32) []Keypoint {
	var peaks []Keypoint
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := data[y*w+x]
			if v < threshold {
				continue
			}
			if x > 0 && data[y*w+x-1] > v {
				continue
			}
			if x < w-1 && data[y*w+x+1] > v {
				continue
			}
			if y > 0 && data[(y-1)*w+x] > v {
				continue
			}
			if y < h-1 && data[(y+1)*w+x] > v {
				continue
			}
			peaks = append(peaks, Keypoint{Point: Point{X: float32(x), Y: float32(y)}, Score: v})
		}
	}
	return peaks
}

// gaussianKernel1D builds a normalized kernel with radius 3*sigma.
func gaussianKernel1D(sigma float64) []float32 {
	radius := int(3 * sigma)
	kernel := make([]float32, 2*radius+1)
	var sum float32
	for i := -radius; i <= radius; i++ {
		v := float32(math.Exp(-float64(i*i) / (2 * sigma * sigma)))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// smooth2D applies a separable convolution with replicated borders.
func smooth2D(data []float32, w, h int, kernel []float32) []float32 {
	radius := len(kernel) / 2

	tmp := make([]float32, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float32
			for k := -radius; k <= radius; k++ {
				sx := x + k
				if sx < 0 {
					sx = 0
				}
				if sx >= w {
					sx = w - 1
				}
				acc += data[y*w+sx] * kernel[k+radius]
			}
			tmp[y*w+x] = acc
		}
	}

	out := make([]float32, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float32
			for k := -radius; k <= radius; k++ {
				sy := y + k
				if sy < 0 {
					sy = 0
				}
				if sy >= h {
					sy = h - 1
				}
				acc += tmp[sy*w+x] * kernel[k+radius]
			}
			out[y*w+x] = acc
		}
	}
	return out
}

// bilinearResize resamples a single-channel float map.
func bilinearResize(src []float32, sw, sh, dw, dh int) []float32 {
	if sw == dw && sh == dh {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	out := make([]float32, dw*dh)
	scaleX := float64(sw) / float64(dw)
	scaleY := float64(sh) / float64(dh)
	for y := 0; y < dh; y++ {
		fy := (float64(y)+0.5)*scaleY - 0.5
		y0 := int(math.Floor(fy))
		ty := float32(fy - float64(y0))
		y1 := y0 + 1
		if y0 < 0 {
			y0, y1, ty = 0, 0, 0
		}
		if y1 >= sh {
			y1 = sh - 1
			if y0 >= sh {
				y0 = sh - 1
			}
		}
		for x := 0; x < dw; x++ {
			fx := (float64(x)+0.5)*scaleX - 0.5
			x0 := int(math.Floor(fx))
			tx := float32(fx - float64(x0))
			x1 := x0 + 1
			if x0 < 0 {
				x0, x1, tx = 0, 0, 0
			}
			if x1 >= sw {
				x1 = sw - 1
				if x0 >= sw {
					x0 = sw - 1
				}
			}
			top := src[y0*sw+x0]*(1-tx) + src[y0*sw+x1]*tx
			bot := src[y1*sw+x0]*(1-tx) + src[y1*sw+x1]*tx
			out[y*dw+x] = top*(1-ty) + bot*ty
		}
	}
	return out
}

// drawPoses renders skeletons on a black canvas. Limbs use the color
// wheel entry of their index; joints the entry of their part.
func drawPoses(poses []Pose, w, h int) gocv.Mat {
	canvas := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	canvas.SetTo(gocv.NewScalar(0, 0, 0, 0))

	for _, pose := range poses {
		for k := 0; k < 17; k++ {
			pa, pb := limbSeq[k][0], limbSeq[k][1]
			if !pose.Present[pa] || !pose.Present[pb] {
				continue
			}
			c := poseColors[k]
			gocv.Line(&canvas,
				image.Pt(int(pose.Keypoints[pa].X+0.5), int(pose.Keypoints[pa].Y+0.5)),
				image.Pt(int(pose.Keypoints[pb].X+0.5), int(pose.Keypoints[pb].Y+0.5)),
				color.RGBA{R: c[0], G: c[1], B: c[2], A: 255}, 4)
		}
		for p := 0; p < numBodyParts; p++ {
			if !pose.Present[p] {
				continue
			}
			c := poseColors[p]
			gocv.Circle(&canvas,
				image.Pt(int(pose.Keypoints[p].X+0.5), int(pose.Keypoints[p].Y+0.5)),
				4, color.RGBA{R: c[0], G: c[1], B: c[2], A: 255}, -1)
		}
	}
	return canvas
}
