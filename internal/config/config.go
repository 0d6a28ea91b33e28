// Package config loads the tagsight service configuration and camera
// calibration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default settings.
const (
	DefaultHTTPAddr      = ":8080"
	DefaultFPS           = 10
	DefaultTagSize       = 0.0
	DefaultDrawThickness = 2
	DefaultHistoryLimit  = 1000
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the service configuration.
type Config struct {
	// HTTPAddr is the listen address of the API server.
	HTTPAddr string `yaml:"http_addr"`

	// DBPath is the SQLite database path. Empty disables history.
	DBPath string `yaml:"db_path"`

	// CameraID is the video capture device index.
	CameraID int `yaml:"camera_id"`

	// FPS is the capture and processing rate.
	FPS int `yaml:"fps"`

	// CalibrationPath points to a camera_info style YAML file.
	CalibrationPath string `yaml:"calibration_path"`

	// TagSize is the default physical tag side length in meters.
	// Zero disables pose estimation for tags without an override.
	TagSize float64 `yaml:"tag_size"`

	// TagSizes overrides TagSize per tag id.
	TagSizes map[int]float64 `yaml:"tag_sizes"`

	// DetectorScript and DetectorPython locate the detection service.
	DetectorScript string `yaml:"detector_script"`
	DetectorPython string `yaml:"detector_python"`

	// DrawThickness is the overlay line thickness. Zero disables overlays.
	DrawThickness int `yaml:"draw_thickness"`

	// HistoryLimit is the number of frames kept in the database.
	HistoryLimit int `yaml:"history_limit"`

	// ChangeThreshold is the percentage of pixels that must change before a
	// frame is processed. Zero processes every frame.
	ChangeThreshold float64 `yaml:"change_threshold"`

	// MaxSkip forces processing after this many unchanged frames.
	MaxSkip int `yaml:"max_skip"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		HTTPAddr:      DefaultHTTPAddr,
		DBPath:        filepath.Join(homeDir, ".tagsight", "tagsight.db"),
		FPS:           DefaultFPS,
		TagSize:       DefaultTagSize,
		TagSizes:      map[int]float64{},
		DrawThickness: DefaultDrawThickness,
		HistoryLimit:  DefaultHistoryLimit,
	}
}

// Load reads the YAML file at path on top of DefaultConfig, applies
// TAGSIGHT_* environment overrides and validates the result. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("TAGSIGHT_HTTP_ADDR", c.HTTPAddr)
	c.DBPath = getEnv("TAGSIGHT_DB_PATH", c.DBPath)
	c.CalibrationPath = getEnv("TAGSIGHT_CALIBRATION", c.CalibrationPath)
	c.DetectorScript = getEnv("TAGSIGHT_DETECTOR_SCRIPT", c.DetectorScript)
	c.DetectorPython = getEnv("TAGSIGHT_DETECTOR_PYTHON", c.DetectorPython)

	if v := os.Getenv("TAGSIGHT_CAMERA_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TAGSIGHT_CAMERA_ID: %w", err)
		}
		c.CameraID = id
	}
	if v := os.Getenv("TAGSIGHT_TAG_SIZE"); v != "" {
		size, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TAGSIGHT_TAG_SIZE: %w", err)
		}
		c.TagSize = size
	}
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("%w: fps must be positive, got %d", ErrInvalidConfig, c.FPS)
	}
	if c.TagSize < 0 {
		return fmt.Errorf("%w: tag_size must not be negative, got %v", ErrInvalidConfig, c.TagSize)
	}
	for id, size := range c.TagSizes {
		if size < 0 {
			return fmt.Errorf("%w: tag_sizes[%d] must not be negative, got %v", ErrInvalidConfig, id, size)
		}
	}
	if c.DrawThickness < 0 {
		return fmt.Errorf("%w: draw_thickness must not be negative", ErrInvalidConfig)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("%w: history_limit must not be negative", ErrInvalidConfig)
	}
	if c.ChangeThreshold < 0 || c.ChangeThreshold > 100 {
		return fmt.Errorf("%w: change_threshold must be within [0, 100], got %v", ErrInvalidConfig, c.ChangeThreshold)
	}
	if c.MaxSkip < 0 {
		return fmt.Errorf("%w: max_skip must not be negative", ErrInvalidConfig)
	}
	return nil
}

// TagSizeFor returns the physical size of tag id, or 0 if pose estimation is
// disabled for it.
func (c *Config) TagSizeFor(id int) float64 {
	if size, ok := c.TagSizes[id]; ok {
		return size
	}
	return c.TagSize
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
