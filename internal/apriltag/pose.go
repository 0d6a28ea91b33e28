package apriltag

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/ayusman/tagsight/internal/pnp"
)

// ErrPoseAlreadyEstimated is returned when EstimatePose is called on a
// detection that already carries a pose.
var ErrPoseAlreadyEstimated = errors.New("pose already estimated")

// Pose is the camera-frame pose of a tag.
type Pose struct {
	Translation r3.Vector   `json:"translation"`
	Orientation quat.Number `json:"orientation"`
	TagSize     float64     `json:"tag_size"`
}

// Solver recovers the rotation (axis-angle) and translation of a set of
// target-frame points from their pixel projections. *pnp.Solver implements it.
type Solver interface {
	Solve(object []r3.Vector, image []r2.Point, k pnp.Intrinsics) (rvec, tvec r3.Vector, err error)
}

// ObjectCorners returns the tag corners in the tag's own frame: a square of
// side tagSize centred on the origin in the z=0 plane, in canonical order.
func ObjectCorners(tagSize float64) [NumCorners]r3.Vector {
	s := tagSize / 2
	return [NumCorners]r3.Vector{
		{X: -s, Y: -s},
		{X: s, Y: -s},
		{X: s, Y: s},
		{X: -s, Y: s},
	}
}

// RotationVectorToQuaternion converts an axis-angle rotation vector to a unit
// quaternion. Vectors shorter than pnp.MinRotationAngle give the identity.
func RotationVectorToQuaternion(r r3.Vector) quat.Number {
	return pnp.QuaternionFromRotationVector(r)
}

// EstimatePose solves for the camera-frame pose of the tag from its corners,
// the camera intrinsics and the physical tag side length.
//
// tagSize must be positive; EstimatePose panics otherwise. Solver errors are
// returned and leave the detection without a pose.
func (d *Detection) EstimatePose(solver Solver, k pnp.Intrinsics, tagSize float64) error {
	if !(tagSize > 0) {
		panic(fmt.Sprintf("apriltag: tag size must be positive, got %v", tagSize))
	}
	if d.Pose != nil {
		return ErrPoseAlreadyEstimated
	}

	object := ObjectCorners(tagSize)
	image := make([]r2.Point, NumCorners)
	for i, c := range d.Corners {
		image[i] = c.r2()
	}

	rvec, tvec, err := solver.Solve(object[:], image, k)
	if err != nil {
		return fmt.Errorf("estimate pose of tag %d: %w", d.ID, err)
	}

	d.Pose = &Pose{
		Translation: tvec,
		Orientation: RotationVectorToQuaternion(rvec),
		TagSize:     tagSize,
	}
	return nil
}
