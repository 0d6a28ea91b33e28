package detector

import (
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/tagsight/internal/apriltag"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu         sync.Mutex
	detections []apriltag.Detection
	err        error
	calls      int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetDetections sets the tags that will be returned by Detect.
func (m *MockDetector) SetDetections(ds []apriltag.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = ds
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of Detect calls so far.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Detect returns a copy of the pre-configured detections or error.
// Each call gets fresh records so callers may estimate poses on them.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]apriltag.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]apriltag.Detection, len(m.detections))
	for i, d := range m.detections {
		d.Pose = nil
		out[i] = d
	}
	return out, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}
