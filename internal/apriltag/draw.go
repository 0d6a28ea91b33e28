package apriltag

import (
	"image"
	"image/color"
	"strconv"

	"gocv.io/x/gocv"
)

// Overlay colors.
var (
	ColorRed     = color.RGBA{R: 255}
	ColorGreen   = color.RGBA{G: 255}
	ColorBlue    = color.RGBA{B: 255}
	ColorMagenta = color.RGBA{R: 255, B: 255}
)

// Draw renders the tag outline and id onto img in place. Edge 0-1 is red and
// edge 0-3 is green so the tag's x and y axes can be read off the overlay.
func (d *Detection) Draw(img *gocv.Mat, thickness int) {
	d.drawLine(img, 0, 1, ColorRed, thickness)
	d.drawLine(img, 0, 3, ColorGreen, thickness)
	d.drawLine(img, 2, 3, ColorBlue, thickness)
	d.drawLine(img, 1, 2, ColorBlue, thickness)

	org := image.Pt(int(d.Center.X-5), int(d.Center.Y+5))
	gocv.PutText(img, strconv.Itoa(d.ID), org, gocv.FontHersheySimplex, 1, ColorMagenta, 2)
}

func (d *Detection) drawLine(img *gocv.Mat, b, e int, c color.RGBA, thickness int) {
	p1 := image.Pt(int(d.Corners[b].X), int(d.Corners[b].Y))
	p2 := image.Pt(int(d.Corners[e].X), int(d.Corners[e].Y))
	gocv.Line(img, p1, p2, c, thickness)
}

// DrawAll renders every detection onto img.
func DrawAll(img *gocv.Mat, detections []Detection, thickness int) {
	for i := range detections {
		detections[i].Draw(img, thickness)
	}
}
