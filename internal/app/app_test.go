package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"

	"github.com/ayusman/tagsight/internal/apriltag"
	"github.com/ayusman/tagsight/internal/capture"
	"github.com/ayusman/tagsight/internal/detector"
	"github.com/ayusman/tagsight/internal/pnp"
	"github.com/ayusman/tagsight/internal/store"
	"github.com/ayusman/tagsight/testdata"
)

// captureLogs redirects Logf for the duration of the test.
func captureLogs(t *testing.T) *[]string {
	t.Helper()
	var (
		mu   sync.Mutex
		logs []string
	)
	prev := Logf
	Logf = func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		logs = append(logs, fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() { Logf = prev })
	return &logs
}

type recorder struct {
	mu      sync.Mutex
	results []*Result
}

func (r *recorder) Publish(res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type failingSolver struct{}

func (failingSolver) Solve([]r3.Vector, []r2.Point, pnp.Intrinsics) (r3.Vector, r3.Vector, error) {
	return r3.Vector{}, r3.Vector{}, pnp.ErrDegenerate
}

func fixedSize(size float64) func(int) float64 {
	return func(int) float64 { return size }
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApp_Process_EstimatesPose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}
	captureLogs(t)

	// 100 px square at f=800 and size 0.1 sits 0.8 m away.
	tag := testdata.FrontalTag(3, 0.1, 0, 0, 0.8)

	mock := detector.NewMockDetector()
	mock.SetDetections([]apriltag.Detection{tag})

	a := New(Config{
		Detector:   mock,
		Solver:     pnp.NewSolver(),
		Intrinsics: testdata.Intrinsics(),
		TagSize:    fixedSize(0.1),
	})

	frame := testdata.BlankFrame()
	defer frame.Close()

	res, err := a.Process(&frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if res.Frame.Width != testdata.Width || res.Frame.Height != testdata.Height {
		t.Errorf("frame size = %dx%d", res.Frame.Width, res.Frame.Height)
	}
	if res.Frame.FrameID == "" {
		t.Error("expected a frame id")
	}
	if len(res.Frame.Tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(res.Frame.Tags))
	}

	m := res.Frame.Tags[0]
	if !m.HasPose() {
		t.Fatal("expected an estimated pose")
	}
	if m.Size != 0.1 {
		t.Errorf("size = %v, want 0.1", m.Size)
	}
	if math.Abs(m.Pose.Position.Z-0.8) > 1e-6 {
		t.Errorf("depth = %v, want 0.8", m.Pose.Position.Z)
	}
	if math.Abs(math.Abs(m.Pose.Orientation.W)-1) > 1e-6 {
		t.Errorf("orientation = %+v, want identity", m.Pose.Orientation)
	}
	if res.Overlay != nil {
		t.Error("overlay should be nil when drawing is disabled")
	}
	if a.Latest() != res {
		t.Error("Latest() should return the processed result")
	}
}

func TestApp_Process_PoseSkipped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}
	logs := captureLogs(t)

	tag := testdata.FrontalTag(4, 0.1, 0.05, 0, 1.2)

	tests := []struct {
		name    string
		config  Config
		wantLog bool
	}{
		{
			name:   "zero tag size",
			config: Config{Solver: pnp.NewSolver(), Intrinsics: testdata.Intrinsics(), TagSize: fixedSize(0)},
		},
		{
			name:   "no size function",
			config: Config{Solver: pnp.NewSolver(), Intrinsics: testdata.Intrinsics()},
		},
		{
			name:   "no calibration",
			config: Config{Solver: pnp.NewSolver(), TagSize: fixedSize(0.1)},
		},
		{
			name:    "solver failure",
			config:  Config{Solver: failingSolver{}, Intrinsics: testdata.Intrinsics(), TagSize: fixedSize(0.1)},
			wantLog: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*logs = nil
			mock := detector.NewMockDetector()
			mock.SetDetections([]apriltag.Detection{tag})
			tt.config.Detector = mock

			frame := testdata.BlankFrame()
			defer frame.Close()

			res, err := New(tt.config).Process(&frame)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}

			m := res.Frame.Tags[0]
			if m.HasPose() {
				t.Errorf("expected no pose, got %+v", m.Pose)
			}
			if m.Pose != (apriltag.PoseMessage{}) {
				t.Errorf("unestimated pose should be zero, got %+v", m.Pose)
			}
			if m.Corners[0].Z != 1 {
				t.Errorf("corner Z = %v, want 1", m.Corners[0].Z)
			}
			if res.Detections[0].Estimated() {
				t.Error("record should stay unestimated")
			}
			if got := len(*logs) > 0; got != tt.wantLog {
				t.Errorf("logged = %v, want %v (%v)", got, tt.wantLog, *logs)
			}
		})
	}
}

func TestApp_Process_MixedSizes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}
	captureLogs(t)

	mock := detector.NewMockDetector()
	mock.SetDetections([]apriltag.Detection{
		testdata.FrontalTag(1, 0.2, -0.2, 0, 2),
		testdata.FrontalTag(2, 0.1, 0.2, 0, 2),
	})

	sizes := map[int]float64{1: 0.2}
	a := New(Config{
		Detector:   mock,
		Solver:     pnp.NewSolver(),
		Intrinsics: testdata.Intrinsics(),
		TagSize:    func(id int) float64 { return sizes[id] },
	})

	frame := testdata.BlankFrame()
	defer frame.Close()

	res, err := a.Process(&frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if !res.Frame.Tags[0].HasPose() {
		t.Error("tag 1 has a configured size and should have a pose")
	}
	if res.Frame.Tags[1].HasPose() {
		t.Error("tag 2 has no configured size and should have no pose")
	}
	if x := res.Frame.Tags[0].Pose.Position.X; math.Abs(x+0.2) > 1e-6 {
		t.Errorf("tag 1 x = %v, want -0.2", x)
	}
}

func TestApp_Process_Errors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	frame := testdata.BlankFrame()
	defer frame.Close()

	t.Run("no detector", func(t *testing.T) {
		if _, err := New(Config{}).Process(&frame); !errors.Is(err, ErrNoDetector) {
			t.Errorf("error = %v, want ErrNoDetector", err)
		}
	})

	t.Run("detector error", func(t *testing.T) {
		wantErr := errors.New("service crashed")
		mock := detector.NewMockDetector()
		mock.SetError(wantErr)

		a := New(Config{Detector: mock})
		if _, err := a.Process(&frame); !errors.Is(err, wantErr) {
			t.Errorf("error = %v, want %v", err, wantErr)
		}
		if a.Latest() != nil {
			t.Error("failed frame should not become the latest result")
		}
	})
}

func TestApp_Process_Overlay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	mock := detector.NewMockDetector()
	mock.SetDetections([]apriltag.Detection{testdata.FrontalTag(9, 0.1, 0, 0, 0.5)})

	a := New(Config{Detector: mock, DrawThickness: 2})

	frame := testdata.BlankFrame()
	defer frame.Close()

	res, err := a.Process(&frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(res.Overlay) < 2 || res.Overlay[0] != 0xFF || res.Overlay[1] != 0xD8 {
		t.Fatal("overlay should be a JPEG")
	}

	img, err := testdata.DecodeJPEG(res.Overlay)
	if err != nil {
		t.Fatalf("DecodeJPEG() error = %v", err)
	}
	defer img.Close()

	if img.Cols() != testdata.Width || img.Rows() != testdata.Height {
		t.Errorf("overlay size = %dx%d", img.Cols(), img.Rows())
	}

	// The input frame is left untouched.
	if gocv.CountNonZero(grayOf(t, &frame)) != 0 {
		t.Error("Process should not draw on the input frame")
	}
	if gocv.CountNonZero(grayOf(t, img)) == 0 {
		t.Error("overlay should contain drawn pixels")
	}
}

func grayOf(t *testing.T, img *gocv.Mat) gocv.Mat {
	t.Helper()
	gray := gocv.NewMat()
	t.Cleanup(func() { gray.Close() })
	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)
	return gray
}

func TestApp_Process_StoresAndPublishes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}
	captureLogs(t)

	s := newTestStore(t)
	mock := detector.NewMockDetector()
	mock.SetDetections([]apriltag.Detection{testdata.FrontalTag(5, 0.1, 0, 0, 1)})

	a := New(Config{
		Store:        s,
		Detector:     mock,
		Solver:       pnp.NewSolver(),
		Intrinsics:   testdata.Intrinsics(),
		TagSize:      fixedSize(0.1),
		HistoryLimit: 10,
	})
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }

	rec := &recorder{}
	a.Subscribe(rec)

	frame := testdata.BlankFrame()
	defer frame.Close()

	res, err := a.Process(&frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if rec.count() != 1 || rec.results[0] != res {
		t.Errorf("publisher should receive the result once, got %d", rec.count())
	}

	stored, err := s.Frames().Get(res.Frame.FrameID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d, want 1700000000000", stored.Timestamp)
	}
	if len(stored.Tags) != 1 || stored.Tags[0] != res.Frame.Tags[0] {
		t.Errorf("stored tags = %+v, want %+v", stored.Tags, res.Frame.Tags)
	}

	// History is pruned to the limit every pruneInterval saves.
	for i := 1; i < pruneInterval; i++ {
		if _, err := a.Process(&frame); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}
	if n, _ := s.Frames().Count(); n != 10 {
		t.Errorf("Count() = %d, want 10 after prune", n)
	}
}

func TestApp_Run(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}
	captureLogs(t)

	tag := testdata.FrontalTag(1, 0.1, 0, 0, 1)
	frames := testdata.SceneFrames(tag, 4, 30)
	defer testdata.CloseAll(frames)

	cam := capture.NewMockCamera(frames, false)
	cam.SetFPS(200)

	mock := detector.NewMockDetector()
	mock.SetDetections([]apriltag.Detection{tag})

	a := New(Config{Camera: cam, Detector: mock})
	rec := &recorder{}
	a.Subscribe(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A finite source ends the run on its own.
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run should return when the source is exhausted")
	}
	if rec.count() != 4 {
		t.Errorf("processed %d frames, want 4", rec.count())
	}
	if cam.IsOpen() {
		t.Error("camera should be closed after Run")
	}
}

func TestApp_Run_ChangeGate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}
	captureLogs(t)

	tag := testdata.FrontalTag(1, 0.1, 0, 0, 1)
	scene := testdata.SceneFrames(tag, 2, 200)
	defer testdata.CloseAll(scene)
	still, moved := scene[0], scene[1]

	cam := capture.NewMockCamera([]*gocv.Mat{still, still, still, moved, moved}, false)
	cam.SetFPS(200)

	mock := detector.NewMockDetector()
	a := New(Config{Camera: cam, Detector: mock, ChangeThreshold: 0.5})

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// First frame, then the first moved frame.
	if mock.Calls() != 2 {
		t.Errorf("detector called %d times, want 2", mock.Calls())
	}
}

func TestApp_Run_Disabled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	frame := testdata.BlankFrame()
	defer frame.Close()

	cam := capture.NewMockCamera([]*gocv.Mat{&frame}, true)
	cam.SetFPS(200)
	mock := detector.NewMockDetector()

	a := New(Config{Camera: cam, Detector: mock})
	a.SetEnabled(false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mock.Calls() != 0 || cam.Reads() != 0 {
		t.Errorf("disabled pipeline read %d frames and detected %d", cam.Reads(), mock.Calls())
	}
}

func TestApp_StartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}
	captureLogs(t)

	frame := testdata.BlankFrame()
	defer frame.Close()

	cam := capture.NewMockCamera([]*gocv.Mat{&frame}, true)
	cam.SetFPS(100)
	mock := detector.NewMockDetector()

	a := New(Config{Camera: cam, Detector: mock})
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Starting twice is a no-op.
	if err := a.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	a.Stop()

	if a.Latest() == nil {
		t.Error("expected at least one processed frame")
	}
	if cam.IsOpen() {
		t.Error("camera should be closed after Stop")
	}

	// Stop on a stopped app is safe.
	a.Stop()
}

func TestApp_Accessors(t *testing.T) {
	mock := detector.NewMockDetector()
	a := New(Config{Detector: mock})

	if !a.IsEnabled() {
		t.Error("detection should start enabled")
	}
	a.SetEnabled(false)
	if a.IsEnabled() {
		t.Error("SetEnabled(false) had no effect")
	}

	other := detector.NewMockDetector()
	a.SetDetector(other)
	if a.Detector() != other {
		t.Error("SetDetector did not replace the detector")
	}
	if a.Latest() != nil {
		t.Error("Latest() should be nil before any frame")
	}
}
