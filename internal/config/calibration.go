package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ayusman/tagsight/internal/pnp"
)

// MatrixData is a row-major matrix as written by the ROS camera calibrator.
type MatrixData struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data"`
}

// Calibration is a camera_info style calibration file.
type Calibration struct {
	ImageWidth             int        `yaml:"image_width"`
	ImageHeight            int        `yaml:"image_height"`
	CameraName             string     `yaml:"camera_name"`
	CameraMatrix           MatrixData `yaml:"camera_matrix"`
	DistortionModel        string     `yaml:"distortion_model"`
	DistortionCoefficients MatrixData `yaml:"distortion_coefficients"`
}

// LoadCalibration reads and validates a calibration file.
func LoadCalibration(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration: %w", err)
	}

	var c Calibration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}

	if c.CameraMatrix.Rows != 3 || c.CameraMatrix.Cols != 3 || len(c.CameraMatrix.Data) != 9 {
		return nil, fmt.Errorf("%w: camera_matrix must be 3x3 with 9 values", ErrInvalidConfig)
	}
	if !c.Intrinsics().Valid() {
		return nil, fmt.Errorf("%w: camera_matrix focal lengths must be positive", ErrInvalidConfig)
	}
	return &c, nil
}

// Intrinsics returns the pinhole camera matrix.
func (c *Calibration) Intrinsics() pnp.Intrinsics {
	var k [9]float64
	copy(k[:], c.CameraMatrix.Data)
	return pnp.NewIntrinsics(k)
}

// Rectified reports whether all distortion coefficients are zero.
func (c *Calibration) Rectified() bool {
	for _, v := range c.DistortionCoefficients.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// WriteCalibration writes c to path.
func WriteCalibration(c *Calibration, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
