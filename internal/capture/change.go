package capture

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Change gate constants.
const (
	// ChangeBlurSize is the Gaussian kernel used before differencing. It is
	// kept small so that tag edges survive.
	ChangeBlurSize = 5
	// ChangeDiffThreshold is the per-pixel intensity change that counts.
	ChangeDiffThreshold = 20
)

// ChangeGate decides whether a frame differs enough from the last accepted
// frame to be worth running detection on. Unlike frame-to-frame differencing,
// slow drift accumulates against the reference until it trips the gate.
type ChangeGate struct {
	threshold float64
	maxSkip   int
	skipped   int
	reference gocv.Mat
	hasRef    bool
	mu        sync.Mutex
}

// NewChangeGate returns a gate that accepts a frame when more than threshold
// percent of its pixels changed, or after maxSkip consecutive rejections.
// A maxSkip of 0 never forces acceptance.
func NewChangeGate(threshold float64, maxSkip int) *ChangeGate {
	return &ChangeGate{
		threshold: threshold,
		maxSkip:   maxSkip,
		reference: gocv.NewMat(),
	}
}

// Accept reports whether frame should be processed and the percentage of
// pixels that changed. The first frame is always accepted. An accepted frame
// becomes the new reference.
func (g *ChangeGate) Accept(frame *gocv.Mat) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: ChangeBlurSize, Y: ChangeBlurSize}, 0, 0, gocv.BorderDefault)

	if !g.hasRef || blurred.Rows() != g.reference.Rows() || blurred.Cols() != g.reference.Cols() {
		g.accept(&blurred)
		return true, 100
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, g.reference, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, ChangeDiffThreshold, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(thresh)) / float64(thresh.Rows()*thresh.Cols()) * 100.0

	if changed > g.threshold || (g.maxSkip > 0 && g.skipped >= g.maxSkip) {
		g.accept(&blurred)
		return true, changed
	}

	g.skipped++
	return false, changed
}

func (g *ChangeGate) accept(blurred *gocv.Mat) {
	blurred.CopyTo(&g.reference)
	g.hasRef = true
	g.skipped = 0
}

// Reset drops the reference so the next frame is accepted.
func (g *ChangeGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasRef = false
	g.skipped = 0
}

// Close releases the reference frame.
func (g *ChangeGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.reference.Empty() {
		g.reference.Close()
		g.reference = gocv.NewMat()
	}
	g.hasRef = false
}
