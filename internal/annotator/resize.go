package annotator

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// snapToMultiple rounds n to the nearest multiple of m, never below one
// multiple. Ties round to the even multiple, so 160 at multiple 64
// snaps down to 128.
func snapToMultiple(n, m int) int {
	if m <= 1 {
		return n
	}
	r := int(math.RoundToEven(float64(n)/float64(m))) * m
	if r < m {
		r = m
	}
	return r
}

// interpolationFor picks area interpolation when shrinking and Lanczos
// when enlarging, matching how the maps are resampled downstream.
func interpolationFor(fromW, fromH, toW, toH int) gocv.InterpolationFlags {
	if toW*toH < fromW*fromH {
		return gocv.InterpolationArea
	}
	return gocv.InterpolationLanczos4
}

// ensureBGR3 returns a 3-channel BGR copy of img. Single-channel input
// is promoted, 4-channel input has its alpha dropped. The caller owns
// the returned Mat.
func ensureBGR3(img gocv.Mat) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty input image")
	}
	switch img.Channels() {
	case 1:
		out := gocv.NewMat()
		gocv.CvtColor(img, &out, gocv.ColorGrayToBGR)
		return out, nil
	case 3:
		return img.Clone(), nil
	case 4:
		out := gocv.NewMat()
		gocv.CvtColor(img, &out, gocv.ColorBGRAToBGR)
		return out, nil
	}
	return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", img.Channels())
}

// runAtMultiple resizes img so both dimensions are divisible by
// multiple, invokes fn on the resized image, and scales fn's result
// back to the original resolution. Images that already satisfy the
// constraint are passed through without resampling.
func runAtMultiple(img gocv.Mat, multiple int, fn func(gocv.Mat) (gocv.Mat, error)) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty input image")
	}
	w, h := img.Cols(), img.Rows()
	rw, rh := snapToMultiple(w, multiple), snapToMultiple(h, multiple)
	if rw == w && rh == h {
		return fn(img)
	}

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(rw, rh), 0, 0, interpolationFor(w, h, rw, rh))
	defer resized.Close()

	out, err := fn(resized)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer out.Close()

	restored := gocv.NewMat()
	gocv.Resize(out, &restored, image.Pt(w, h), 0, 0, interpolationFor(rw, rh, w, h))
	return restored, nil
}

// runAtFixed resizes img to exactly w x h, invokes fn, and scales the
// result back. Used by models with a fixed input resolution.
func runAtFixed(img gocv.Mat, w, h int, fn func(gocv.Mat) (gocv.Mat, error)) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty input image")
	}
	ow, oh := img.Cols(), img.Rows()
	if ow == w && oh == h {
		return fn(img)
	}

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(w, h), 0, 0, interpolationFor(ow, oh, w, h))
	defer resized.Close()

	out, err := fn(resized)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer out.Close()

	restored := gocv.NewMat()
	gocv.Resize(out, &restored, image.Pt(ow, oh), 0, 0, interpolationFor(w, h, ow, oh))
	return restored, nil
}
