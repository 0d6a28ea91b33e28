// Package testdata builds synthetic tag scenes for tests.
package testdata

import (
	"fmt"
	"image"
	"image/color"

	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"

	"github.com/ayusman/tagsight/internal/apriltag"
	"github.com/ayusman/tagsight/internal/pnp"
)

// Frame size of the synthetic camera.
const (
	Width  = 640
	Height = 480
)

// Intrinsics returns the synthetic camera: f=800 px, principal point at the
// image center, no skew.
func Intrinsics() pnp.Intrinsics {
	return pnp.Intrinsics{Fx: 800, Fy: 800, Cx: Width / 2, Cy: Height / 2}
}

// ProjectTag returns the detection a perfect detector would report for a tag
// of side tagSize at the given camera-frame pose.
func ProjectTag(id int, tagSize float64, k pnp.Intrinsics, rvec, tvec r3.Vector) apriltag.Detection {
	q := pnp.QuaternionFromRotationVector(rvec)
	d := apriltag.Detection{ID: id}

	for i, c := range apriltag.ObjectCorners(tagSize) {
		p := k.Project(pnp.Rotate(q, c).Add(tvec))
		d.Corners[i] = apriltag.Point{X: p.X, Y: p.Y}
	}
	center := k.Project(tvec)
	d.Center = apriltag.Point{X: center.X, Y: center.Y}
	return d
}

// FrontalTag returns a tag facing the camera at depth z, centered on the
// optical axis offset by (x, y) meters.
func FrontalTag(id int, tagSize, x, y, z float64) apriltag.Detection {
	return ProjectTag(id, tagSize, Intrinsics(), r3.Vector{}, r3.Vector{X: x, Y: y, Z: z})
}

// AsMIT renders d in the MIT library layout.
func AsMIT(d apriltag.Detection) apriltag.MITDetection {
	td := apriltag.MITDetection{
		ID:              d.ID,
		HammingDistance: d.Hamming,
		Cxy:             apriltag.Pair{First: d.Center.X, Second: d.Center.Y},
	}
	for i, c := range d.Corners {
		td.P[i] = apriltag.Pair{First: c.X, Second: c.Y}
	}
	return td
}

// AsUMich renders d in the UMich library layout, with corners in the
// opposite winding.
func AsUMich(d apriltag.Detection) *apriltag.UMichDetection {
	td := &apriltag.UMichDetection{
		ID:      d.ID,
		Hamming: d.Hamming,
		C:       [2]float64{d.Center.X, d.Center.Y},
	}
	for i, c := range d.Corners {
		td.P[apriltag.NumCorners-1-i] = [2]float64{c.X, c.Y}
	}
	return td
}

// BlankFrame returns a black BGR frame of the synthetic camera size.
// The caller closes it.
func BlankFrame() gocv.Mat {
	return gocv.NewMatWithSize(Height, Width, gocv.MatTypeCV8UC3)
}

// PaintTag fills the quad of d in white so that frame differencing sees it.
func PaintTag(img *gocv.Mat, d apriltag.Detection) {
	pts := make([]image.Point, apriltag.NumCorners)
	for i, c := range d.Corners {
		pts[i] = image.Pt(int(c.X+0.5), int(c.Y+0.5))
	}
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()
	gocv.FillPoly(img, pv, color.RGBA{R: 255, G: 255, B: 255})
}

// SceneFrames returns n frames with tag d painted at a horizontal offset of
// step pixels per frame. The caller closes them.
func SceneFrames(d apriltag.Detection, n int, step float64) []*gocv.Mat {
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		shifted := d
		for j := range shifted.Corners {
			shifted.Corners[j].X += float64(i) * step
		}
		img := BlankFrame()
		PaintTag(&img, shifted)
		frames[i] = &img
	}
	return frames
}

// CloseAll closes every frame.
func CloseAll(frames []*gocv.Mat) {
	for _, f := range frames {
		f.Close()
	}
}

// DecodeJPEG decodes an encoded frame such as an overlay.
func DecodeJPEG(data []byte) (*gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("decode frame: empty image")
	}
	return &mat, nil
}
