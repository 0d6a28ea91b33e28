package pnp

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// MinRotationAngle is the rotation-vector magnitude below which a rotation is
// treated as the identity.
const MinRotationAngle = 1e-12

// Identity is the identity rotation.
var Identity = quat.Number{Real: 1}

// QuaternionFromRotationVector converts an axis-angle rotation vector (axis =
// direction, angle = magnitude in radians) to a unit quaternion using the
// exponential map.
func QuaternionFromRotationVector(v r3.Vector) quat.Number {
	angle := v.Norm()
	if angle < MinRotationAngle {
		return Identity
	}

	// exp(0, v/2) = cos(|v|/2) + sin(|v|/2) * v/|v|
	return quat.Exp(quat.Number{Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
}

// RotationVector converts a quaternion to an axis-angle rotation vector with
// angle in [0, pi].
func RotationVector(q quat.Number) r3.Vector {
	q = canonical(q)
	l := quat.Log(q)
	return r3.Vector{X: 2 * l.Imag, Y: 2 * l.Jmag, Z: 2 * l.Kmag}
}

// Rotate applies the rotation q to v. q must be a unit quaternion.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuaternionFromMatrix converts a 3x3 rotation matrix to a unit quaternion
// with non-negative real part.
func QuaternionFromMatrix(r mat.Matrix) quat.Number {
	r00, r01, r02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	r10, r11, r12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	r20, r21, r22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	var q quat.Number
	tr := r00 + r11 + r22
	switch {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q = quat.Number{Real: s / 4, Imag: (r21 - r12) / s, Jmag: (r02 - r20) / s, Kmag: (r10 - r01) / s}
	case r00 > r11 && r00 > r22:
		s := 2 * math.Sqrt(1+r00-r11-r22)
		q = quat.Number{Real: (r21 - r12) / s, Imag: s / 4, Jmag: (r01 + r10) / s, Kmag: (r02 + r20) / s}
	case r11 > r22:
		s := 2 * math.Sqrt(1+r11-r00-r22)
		q = quat.Number{Real: (r02 - r20) / s, Imag: (r01 + r10) / s, Jmag: s / 4, Kmag: (r12 + r21) / s}
	default:
		s := 2 * math.Sqrt(1+r22-r00-r11)
		q = quat.Number{Real: (r10 - r01) / s, Imag: (r02 + r20) / s, Jmag: (r12 + r21) / s, Kmag: s / 4}
	}
	return canonical(q)
}

// MatrixFromQuaternion returns the rotation matrix of a unit quaternion.
func MatrixFromQuaternion(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// canonical normalizes q and flips it into the w >= 0 hemisphere.
func canonical(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return Identity
	}
	q = quat.Scale(1/n, q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}
