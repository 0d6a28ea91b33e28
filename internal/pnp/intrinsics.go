// Package pnp solves the perspective-n-point problem for planar targets
// observed through a rectified pinhole camera.
package pnp

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Intrinsics holds the pinhole camera matrix
//
//	| Fx  Skew Cx |
//	| 0   Fy   Cy |
//	| 0   0    1  |
//
// Lens distortion is assumed to be zero (rectified images).
type Intrinsics struct {
	Fx   float64 `json:"fx" yaml:"fx"`
	Fy   float64 `json:"fy" yaml:"fy"`
	Cx   float64 `json:"cx" yaml:"cx"`
	Cy   float64 `json:"cy" yaml:"cy"`
	Skew float64 `json:"skew,omitempty" yaml:"skew,omitempty"`
}

// NewIntrinsics builds Intrinsics from a row-major 3x3 camera matrix, the
// layout used by ROS camera_info "K" and OpenCV calibration files.
func NewIntrinsics(k [9]float64) Intrinsics {
	return Intrinsics{
		Fx:   k[0],
		Skew: k[1],
		Cx:   k[2],
		Fy:   k[4],
		Cy:   k[5],
	}
}

// Valid reports whether both focal lengths are positive.
func (k Intrinsics) Valid() bool {
	return k.Fx > 0 && k.Fy > 0
}

// Matrix returns the 3x3 camera matrix.
func (k Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		k.Fx, k.Skew, k.Cx,
		0, k.Fy, k.Cy,
		0, 0, 1,
	})
}

// Project maps a camera-frame point to pixel coordinates.
// The point must have positive depth.
func (k Intrinsics) Project(p r3.Vector) r2.Point {
	x := p.X / p.Z
	y := p.Y / p.Z
	return r2.Point{
		X: k.Fx*x + k.Skew*y + k.Cx,
		Y: k.Fy*y + k.Cy,
	}
}

// Normalize maps a pixel to normalized image coordinates (the z=1 plane).
func (k Intrinsics) Normalize(p r2.Point) r2.Point {
	y := (p.Y - k.Cy) / k.Fy
	x := (p.X - k.Cx - k.Skew*y) / k.Fx
	return r2.Point{X: x, Y: y}
}
