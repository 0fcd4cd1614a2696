package annotator

import "math"

// Point is a 2D image coordinate
type Point struct {
	X, Y float32
}

// Keypoint is a scored body-part location
type Keypoint struct {
	Point
	Score float32
}

// Pose is one detected person: up to 18 body keypoints in the OpenPose
// ordering (nose, neck, shoulders, elbows, wrists, hips, knees, ankles,
// eyes, ears). Present marks which parts were found.
type Pose struct {
	Keypoints [numBodyParts]Keypoint
	Present   [numBodyParts]bool
	Score     float32
}

// NumParts returns how many keypoints were found for this pose.
func (p *Pose) NumParts() int {
	n := 0
	for _, ok := range p.Present {
		if ok {
			n++
		}
	}
	return n
}

// Line is a detected 2D line segment with confidence
type Line struct {
	X1, Y1 float32
	X2, Y2 float32
	Score  float32
}

// Length returns the segment length in pixels
func (l Line) Length() float32 {
	dx := float64(l.X2 - l.X1)
	dy := float64(l.Y2 - l.Y1)
	return float32(math.Hypot(dx, dy))
}
