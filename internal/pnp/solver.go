package pnp

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrTooFewPoints is returned when fewer than 4 correspondences are given.
	ErrTooFewPoints = errors.New("pnp: at least 4 correspondences are required")
	// ErrDegenerate is returned for collinear or otherwise rank-deficient input.
	ErrDegenerate = errors.New("pnp: degenerate correspondence")
	// ErrBehindCamera is returned when no solution places the target in front of the camera.
	ErrBehindCamera = errors.New("pnp: target behind camera")
	// ErrNoConvergence is returned when the solve produces a non-finite pose.
	ErrNoConvergence = errors.New("pnp: solve did not converge")
	// ErrInvalidIntrinsics is returned when the camera matrix has non-positive focal lengths.
	ErrInvalidIntrinsics = errors.New("pnp: invalid camera intrinsics")
)

// Solver tolerances.
const (
	// singularRatio is the smallest accepted ratio between the second-smallest
	// and largest singular value of the DLT system.
	singularRatio = 1e-10
	// planarTolerance bounds |Z| of object points relative to their extent.
	planarTolerance = 1e-9
	// behindPenalty is the cost assigned to poses that put a point at Z <= 0.
	behindPenalty = 1e12
)

// Solver estimates the pose of a planar target (object points on Z=0 in the
// target frame) from its pixel projections.
//
// The initial estimate comes from the DLT homography between the target plane
// and the normalized image plane. When Refine is set the estimate is polished
// by minimizing the squared reprojection error with BFGS.
type Solver struct {
	Refine        bool
	MaxIterations int
}

// NewSolver returns a Solver with refinement enabled.
func NewSolver() *Solver {
	return &Solver{
		Refine:        true,
		MaxIterations: 100,
	}
}

// Solve returns the rotation (as an axis-angle vector) and translation that
// map target-frame points into the camera frame.
func (s *Solver) Solve(object []r3.Vector, image []r2.Point, k Intrinsics) (rvec, tvec r3.Vector, err error) {
	if len(object) != len(image) {
		return rvec, tvec, fmt.Errorf("pnp: %d object points but %d image points", len(object), len(image))
	}
	if len(object) < 4 {
		return rvec, tvec, ErrTooFewPoints
	}
	if !k.Valid() {
		return rvec, tvec, ErrInvalidIntrinsics
	}

	h, err := homography(object, image, k)
	if err != nil {
		return rvec, tvec, err
	}

	q, t, err := decompose(h)
	if err != nil {
		return rvec, tvec, err
	}

	x := []float64{0, 0, 0, t.X, t.Y, t.Z}
	r := RotationVector(q)
	x[0], x[1], x[2] = r.X, r.Y, r.Z

	if s.Refine {
		x = s.refine(object, image, k, x)
	}

	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return rvec, tvec, ErrNoConvergence
		}
	}

	rvec = r3.Vector{X: x[0], Y: x[1], Z: x[2]}
	tvec = r3.Vector{X: x[3], Y: x[4], Z: x[5]}

	q = QuaternionFromRotationVector(rvec)
	for _, p := range object {
		if Rotate(q, p).Add(tvec).Z <= 0 {
			return r3.Vector{}, r3.Vector{}, ErrBehindCamera
		}
	}

	return rvec, tvec, nil
}

// homography estimates H with n ~ H [X Y 1]^T where n are normalized image
// coordinates, returned in the target's original units.
func homography(object []r3.Vector, image []r2.Point, k Intrinsics) (*mat.Dense, error) {
	// Scale the target into unit extent for conditioning.
	extent := 0.0
	for _, p := range object {
		extent = math.Max(extent, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	if extent == 0 {
		return nil, fmt.Errorf("%w: object points coincide", ErrDegenerate)
	}
	for _, p := range object {
		if math.Abs(p.Z) > planarTolerance*extent {
			return nil, fmt.Errorf("%w: object points are not on the Z=0 plane", ErrDegenerate)
		}
	}

	rows := 2 * len(object)
	if rows < 9 {
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i, p := range object {
		X, Y := p.X/extent, p.Y/extent
		n := k.Normalize(image[i])
		a.SetRow(2*i, []float64{X, Y, 1, 0, 0, 0, -n.X * X, -n.X * Y, -n.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, X, Y, 1, -n.Y * X, -n.Y * Y, -n.Y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, fmt.Errorf("%w: homography factorization failed", ErrNoConvergence)
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[7]/values[0] < singularRatio {
		return nil, fmt.Errorf("%w: homography is rank deficient", ErrDegenerate)
	}

	var v mat.Dense
	svd.VTo(&v)
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		h.Set(i/3, i%3, v.At(i, 8))
	}

	// Undo the object scaling on the first two columns.
	for row := 0; row < 3; row++ {
		h.Set(row, 0, h.At(row, 0)/extent)
		h.Set(row, 1, h.At(row, 1)/extent)
	}
	return h, nil
}

// decompose splits H = lambda [r1 r2 t] into a rotation and translation with
// the target in front of the camera.
func decompose(h *mat.Dense) (quat.Number, r3.Vector, error) {
	col := func(j int) r3.Vector {
		return r3.Vector{X: h.At(0, j), Y: h.At(1, j), Z: h.At(2, j)}
	}
	h1, h2, h3 := col(0), col(1), col(2)

	norm := math.Sqrt(h1.Norm() * h2.Norm())
	if norm == 0 {
		return quat.Number{}, r3.Vector{}, fmt.Errorf("%w: homography has a null column", ErrDegenerate)
	}
	scale := 1 / norm
	if h3.Z < 0 {
		scale = -scale
	}

	r1 := h1.Mul(scale)
	r2v := h2.Mul(scale)
	t := h3.Mul(scale)
	if t.Z <= 0 {
		return quat.Number{}, r3.Vector{}, ErrBehindCamera
	}
	r3v := r1.Cross(r2v)

	m := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})

	// Closest rotation in the Frobenius sense: R = U V^T.
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return quat.Number{}, r3.Vector{}, fmt.Errorf("%w: rotation factorization failed", ErrNoConvergence)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		rot.Mul(&u, v.T())
	}

	return QuaternionFromMatrix(&rot), t, nil
}

// refine minimizes the squared reprojection error starting from x0 =
// [rx ry rz tx ty tz]. The starting point is kept when the optimizer fails
// to improve on it.
func (s *Solver) refine(object []r3.Vector, image []r2.Point, k Intrinsics, x0 []float64) []float64 {
	cost := func(x []float64) float64 {
		return reprojectionCost(object, image, k, x)
	}
	f0 := cost(x0)

	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   s.MaxIterations,
		GradientThreshold: 1e-12,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-14,
			Iterations: 10,
		},
	}

	// Minimize reports line-search stalls as errors; the best location it
	// reached is still usable.
	result, _ := optimize.Minimize(problem, append([]float64(nil), x0...), settings, &optimize.BFGS{})
	if result == nil || len(result.X) != len(x0) || math.IsNaN(result.F) || result.F >= f0 {
		return x0
	}
	return result.X
}

func reprojectionCost(object []r3.Vector, image []r2.Point, k Intrinsics, x []float64) float64 {
	q := QuaternionFromRotationVector(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
	t := r3.Vector{X: x[3], Y: x[4], Z: x[5]}

	sum := 0.0
	for i, p := range object {
		c := Rotate(q, p).Add(t)
		if c.Z <= 0 {
			return behindPenalty
		}
		d := k.Project(c).Sub(image[i])
		sum += d.X*d.X + d.Y*d.Y
	}
	return sum
}

// ReprojectionError returns the RMS pixel distance between the observed
// image points and the object points projected with the given pose.
func ReprojectionError(object []r3.Vector, image []r2.Point, k Intrinsics, rvec, tvec r3.Vector) float64 {
	if len(object) == 0 || len(object) != len(image) {
		return math.NaN()
	}
	x := []float64{rvec.X, rvec.Y, rvec.Z, tvec.X, tvec.Y, tvec.Z}
	return math.Sqrt(reprojectionCost(object, image, k, x) / float64(len(object)))
}
