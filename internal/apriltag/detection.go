// Package apriltag normalizes AprilTag detections from the supported upstream
// detector libraries into a single record type, estimates tag pose, and
// converts records into output messages and image overlays.
package apriltag

import "github.com/golang/geo/r2"

// NumCorners is the number of corners of a tag quad.
const NumCorners = 4

// Point is a 2D image point in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) r2() r2.Point {
	return r2.Point{X: p.X, Y: p.Y}
}

// Detection is one observed tag in one image frame.
//
// Corners are stored in canonical order: index 0 is the corner imaged from
// tag-local (-s, -s), followed by (s, -s), (s, s) and (-s, s). For a tag
// facing the camera upright this is top-left, top-right, bottom-right,
// bottom-left in pixel coordinates.
type Detection struct {
	ID      int               `json:"id"`
	Hamming int               `json:"hamming"`
	Center  Point             `json:"center"`
	Corners [NumCorners]Point `json:"corners"`

	// Pose is nil until EstimatePose succeeds.
	Pose *Pose `json:"pose,omitempty"`
}

// Pair is the (first, second) coordinate pair used by the MIT detector.
type Pair struct {
	First  float64 `json:"first"`
	Second float64 `json:"second"`
}

// MITDetection is a detection as reported by the MIT/CMU C++ AprilTags
// library. Its corners already follow the canonical winding.
type MITDetection struct {
	ID              int              `json:"id"`
	HammingDistance int              `json:"hamming_distance"`
	Cxy             Pair             `json:"cxy"`
	P               [NumCorners]Pair `json:"p"`
}

// UMichDetection is a detection as reported by the UMich apriltag C library.
// Its corners wind the opposite way from the canonical order.
type UMichDetection struct {
	ID      int                    `json:"id"`
	Hamming int                    `json:"hamming"`
	C       [2]float64             `json:"c"`
	P       [NumCorners][2]float64 `json:"p"`
}

// FromMIT converts an MIT detection. Corners are copied in native order.
func FromMIT(td MITDetection) Detection {
	d := Detection{
		ID:      td.ID,
		Hamming: td.HammingDistance,
		Center:  Point{X: td.Cxy.First, Y: td.Cxy.Second},
	}
	for i := 0; i < NumCorners; i++ {
		d.Corners[i] = Point{X: td.P[i].First, Y: td.P[i].Second}
	}
	return d
}

// FromUMich converts a UMich detection. Corners are read in reverse so that
// the stored order matches FromMIT for the same tag.
func FromUMich(td *UMichDetection) Detection {
	d := Detection{
		ID:      td.ID,
		Hamming: td.Hamming,
		Center:  Point{X: td.C[0], Y: td.C[1]},
	}
	for i := 0; i < NumCorners; i++ {
		d.Corners[i] = Point{X: td.P[NumCorners-1-i][0], Y: td.P[NumCorners-1-i][1]}
	}
	return d
}

// Estimated reports whether the pose has been estimated.
func (d *Detection) Estimated() bool {
	return d.Pose != nil
}

// Size returns the physical tag size used for the pose, or 0 if the pose has
// not been estimated.
func (d *Detection) Size() float64 {
	if d.Pose == nil {
		return 0
	}
	return d.Pose.TagSize
}
