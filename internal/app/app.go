// Package app runs the tag detection pipeline: capture, detection, pose
// estimation, overlay drawing, history and publishing.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/ayusman/tagsight/internal/apriltag"
	"github.com/ayusman/tagsight/internal/capture"
	"github.com/ayusman/tagsight/internal/detector"
	"github.com/ayusman/tagsight/internal/pnp"
	"github.com/ayusman/tagsight/internal/store"
)

// pruneInterval is the number of saved frames between history prunes.
const pruneInterval = 100

// ErrNoDetector is returned by Process when no detector is configured.
var ErrNoDetector = errors.New("no detector configured")

// Logf is used for per-frame diagnostics. Tests may replace it.
var Logf = log.Printf

// Publisher receives every processed frame.
type Publisher interface {
	Publish(r *Result)
}

// Config holds the pipeline dependencies and settings.
type Config struct {
	Store    *store.Store
	Camera   capture.Camera
	Detector detector.Detector

	// Solver and Intrinsics enable pose estimation.
	Solver     apriltag.Solver
	Intrinsics pnp.Intrinsics

	// TagSize returns the physical size of a tag id. Tags with a size of
	// 0 or less are reported without a pose.
	TagSize func(id int) float64

	// DrawThickness is the overlay line thickness. Zero disables overlays.
	DrawThickness int

	// HistoryLimit bounds the stored frames. Zero keeps everything.
	HistoryLimit int

	// ChangeThreshold is the percentage of changed pixels needed to process
	// a frame. Zero processes every frame.
	ChangeThreshold float64

	// MaxSkip forces processing after this many unchanged frames.
	MaxSkip int
}

// Result is the outcome of processing one frame.
type Result struct {
	Frame      *apriltag.FrameMessage
	Detections []apriltag.Detection
	// Overlay is the annotated frame as JPEG, or nil if drawing is disabled.
	Overlay []byte
}

// App orchestrates the detection pipeline.
type App struct {
	config     Config
	camera     capture.Camera
	detector   detector.Detector
	gate       *capture.ChangeGate
	publishers []Publisher
	latest     *Result
	saved      int
	enabled    bool
	mu         sync.RWMutex
	cancel     context.CancelFunc
	done       chan struct{}
	now        func() time.Time
}

// New creates a new App with the given configuration. Detection starts
// enabled.
func New(config Config) *App {
	a := &App{
		config:   config,
		camera:   config.Camera,
		detector: config.Detector,
		enabled:  true,
		now:      time.Now,
	}
	if config.ChangeThreshold > 0 {
		a.gate = capture.NewChangeGate(config.ChangeThreshold, config.MaxSkip)
	}
	if a.config.TagSize == nil {
		a.config.TagSize = func(int) float64 { return 0 }
	}
	return a
}

// Subscribe registers a publisher for processed frames.
func (a *App) Subscribe(p Publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishers = append(a.publishers, p)
}

// SetEnabled enables or disables detection.
func (a *App) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// IsEnabled returns whether detection is currently enabled.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// SetDetector sets the tag detector implementation to use.
func (a *App) SetDetector(d detector.Detector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector = d
}

// Detector returns the tag detector.
func (a *App) Detector() detector.Detector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.detector
}

// Camera returns the frame source.
func (a *App) Camera() capture.Camera {
	return a.camera
}

// Latest returns the most recently processed frame, or nil.
func (a *App) Latest() *Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Process runs detection, pose estimation and overlay drawing on one frame,
// then stores and publishes the result. The frame is not modified.
func (a *App) Process(frame *gocv.Mat) (*Result, error) {
	d := a.Detector()
	if d == nil {
		return nil, ErrNoDetector
	}

	detections, err := d.Detect(frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	a.estimatePoses(detections)

	msg := &apriltag.FrameMessage{
		FrameID:   uuid.New().String(),
		Timestamp: a.now().UnixMilli(),
		Width:     frame.Cols(),
		Height:    frame.Rows(),
		Tags:      apriltag.ToMessages(detections),
	}

	result := &Result{Frame: msg, Detections: detections}

	if a.config.DrawThickness > 0 {
		overlay, err := renderOverlay(frame, detections, a.config.DrawThickness)
		if err != nil {
			Logf("overlay failed: %v", err)
		}
		result.Overlay = overlay
	}

	a.record(msg)

	a.mu.Lock()
	a.latest = result
	publishers := append([]Publisher(nil), a.publishers...)
	a.mu.Unlock()

	for _, p := range publishers {
		p.Publish(result)
	}

	return result, nil
}

// estimatePoses solves the pose of every tag with a known size. A failed
// solve leaves that tag without a pose.
func (a *App) estimatePoses(detections []apriltag.Detection) {
	if a.config.Solver == nil || !a.config.Intrinsics.Valid() {
		return
	}
	for i := range detections {
		d := &detections[i]
		size := a.config.TagSize(d.ID)
		if !(size > 0) {
			continue
		}
		if err := d.EstimatePose(a.config.Solver, a.config.Intrinsics, size); err != nil {
			Logf("pose estimation failed: %v", err)
		}
	}
}

func (a *App) record(msg *apriltag.FrameMessage) {
	if a.config.Store == nil {
		return
	}

	if err := a.config.Store.Frames().Save(msg); err != nil {
		Logf("failed to save frame %s: %v", msg.FrameID, err)
		return
	}

	a.mu.Lock()
	a.saved++
	saved := a.saved
	a.mu.Unlock()

	if a.config.HistoryLimit > 0 && saved%pruneInterval == 0 {
		removed, err := a.config.Store.Frames().Prune(a.config.HistoryLimit)
		if err != nil {
			Logf("failed to prune history: %v", err)
		} else if removed > 0 {
			Logf("pruned %d frames from history", removed)
		}
	}
}

// renderOverlay draws the detections onto a copy of frame and encodes it as
// JPEG.
func renderOverlay(frame *gocv.Mat, detections []apriltag.Detection, thickness int) ([]byte, error) {
	img := frame.Clone()
	defer img.Close()

	apriltag.DrawAll(&img, detections, thickness)

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	defer buf.Close()

	return buf.GetBytes(), nil
}

// Start opens the camera and runs the pipeline in the background until Stop.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil
	}

	if err := a.camera.Open(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done

	go func() {
		defer close(done)
		if err := a.loop(ctx); err != nil {
			log.Printf("pipeline stopped: %v", err)
		}
	}()

	log.Println("Detection pipeline started")
	return nil
}

// Stop halts the pipeline and releases the camera, gate and detector.
func (a *App) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if err := a.camera.Close(); err != nil {
		log.Printf("Error closing camera: %v", err)
	}

	if a.gate != nil {
		a.gate.Close()
	}

	if d := a.Detector(); d != nil {
		if err := d.Close(); err != nil {
			log.Printf("Error closing detector: %v", err)
		}
	}

	log.Println("Detection pipeline stopped")
}

// Run opens the camera and processes frames at the camera rate until ctx is
// cancelled or a finite source ends. The camera is closed on return.
func (a *App) Run(ctx context.Context) error {
	if err := a.camera.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer a.camera.Close()

	return a.loop(ctx)
}

func (a *App) loop(ctx context.Context) error {
	fps := a.camera.FPS()
	if fps <= 0 {
		fps = capture.DefaultFPS
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !a.IsEnabled() {
			continue
		}

		if err := a.step(); err != nil {
			if errors.Is(err, capture.ErrEndOfStream) {
				log.Println("Frame source exhausted")
				return nil
			}
			Logf("%v", err)
		}
	}
}

// step reads and processes one frame.
func (a *App) step() error {
	frame, err := a.camera.ReadFrame()
	if err != nil {
		if errors.Is(err, capture.ErrEndOfStream) {
			return err
		}
		return fmt.Errorf("read frame: %w", err)
	}
	defer frame.Close()

	if a.gate != nil {
		if ok, _ := a.gate.Accept(frame); !ok {
			return nil
		}
	}

	_, err = a.Process(frame)
	return err
}
