// Package detector finds AprilTags in video frames.
package detector

import (
	"gocv.io/x/gocv"

	"github.com/ayusman/tagsight/internal/apriltag"
)

// Detector defines the interface for tag detection implementations.
type Detector interface {
	// Detect analyzes a video frame and returns the tags found in it with
	// corners in canonical order. Returns an empty slice if no tags are found.
	Detect(frame *gocv.Mat) ([]apriltag.Detection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for tag detection.
type Config struct {
	// Family is the tag family to decode (default: tag36h11).
	Family string

	// QuadDecimate downsamples the image before quad detection.
	QuadDecimate float64

	// Threads is the number of worker threads in the detection service.
	Threads int

	// RefineEdges snaps quad edges to strong gradients.
	RefineEdges bool

	// MaxHamming drops detections with more corrected bits than this.
	MaxHamming int

	// ScriptPath and PythonPath override the service lookup.
	ScriptPath string
	PythonPath string
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Family:       "tag36h11",
		QuadDecimate: 2.0,
		Threads:      2,
		RefineEdges:  true,
		MaxHamming:   1,
	}
}
