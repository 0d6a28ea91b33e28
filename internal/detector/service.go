package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/tagsight/internal/apriltag"
)

const (
	scriptName  = "apriltag_service.py"
	idleTimeout = 30 * time.Second
)

// Upstream library identifiers reported by the detection service.
const (
	SourceUMich = "umich"
	SourceMIT   = "mit"
)

var (
	// ErrScriptNotFound is returned when the detection service script cannot be located.
	ErrScriptNotFound = errors.New(scriptName + " not found")

	// ErrUnknownSource is returned for responses from an unrecognised library.
	ErrUnknownSource = errors.New("unknown detection source")
)

// ServiceDetector implements Detector using a Python apriltag subprocess.
// Frames are written to stdin as a 4-byte big-endian length followed by
// JPEG data, and each frame is answered by one JSON line on stdout.
type ServiceDetector struct {
	config     Config
	scriptPath string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	mu         sync.Mutex
	started    bool
	idleTimer  *time.Timer
}

// NewServiceDetector creates a new subprocess detector.
// The Python process is started lazily on first detection.
func NewServiceDetector(config Config) (*ServiceDetector, error) {
	scriptPath := config.ScriptPath
	if scriptPath == "" {
		scriptPath = findServiceScript()
	}
	if scriptPath == "" {
		return nil, ErrScriptNotFound
	}

	return &ServiceDetector{
		config:     config,
		scriptPath: scriptPath,
	}, nil
}

// Detect analyzes a frame and returns the detected tags.
func (d *ServiceDetector) Detect(frame *gocv.Mat) ([]apriltag.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	if err := writeFrame(d.stdin, buf.GetBytes()); err != nil {
		return nil, err
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	detections, err := decodeResponse(line)
	if err != nil {
		return nil, err
	}

	d.resetIdleTimer()

	return filterHamming(detections, d.config.MaxHamming), nil
}

// Close shuts down the Python process.
func (d *ServiceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *ServiceDetector) ensureStarted() error {
	if d.started {
		return nil
	}

	pythonPath := d.config.PythonPath
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}

	d.cmd = exec.Command(pythonPath, append([]string{d.scriptPath}, serviceArgs(d.config)...)...)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start apriltag service: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true

	return nil
}

func (d *ServiceDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *ServiceDetector) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(idleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

func serviceArgs(c Config) []string {
	args := []string{
		"--family", c.Family,
		"--decimate", strconv.FormatFloat(c.QuadDecimate, 'f', -1, 64),
		"--threads", strconv.Itoa(c.Threads),
	}
	if c.RefineEdges {
		args = append(args, "--refine-edges")
	}
	return args
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, data []byte) error {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := w.Write(length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// response is one JSON line from the detection service. Detections are kept
// raw until the source tells us which library layout they use.
type response struct {
	Source     string            `json:"source"`
	Detections []json.RawMessage `json:"detections"`
	Error      string            `json:"error,omitempty"`
}

// decodeResponse parses a service response and converts each entry to the
// canonical corner order of its source library.
func decodeResponse(line []byte) ([]apriltag.Detection, error) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("apriltag service: %s", resp.Error)
	}

	result := make([]apriltag.Detection, 0, len(resp.Detections))
	for i, raw := range resp.Detections {
		switch resp.Source {
		case SourceUMich:
			var td apriltag.UMichDetection
			if err := json.Unmarshal(raw, &td); err != nil {
				return nil, fmt.Errorf("parse detection %d: %w", i, err)
			}
			result = append(result, apriltag.FromUMich(&td))
		case SourceMIT:
			var td apriltag.MITDetection
			if err := json.Unmarshal(raw, &td); err != nil {
				return nil, fmt.Errorf("parse detection %d: %w", i, err)
			}
			result = append(result, apriltag.FromMIT(td))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, resp.Source)
		}
	}
	return result, nil
}

// filterHamming drops detections with more than limit corrected bits.
// A negative limit keeps everything.
func filterHamming(ds []apriltag.Detection, limit int) []apriltag.Detection {
	if limit < 0 {
		return ds
	}
	out := ds[:0]
	for _, d := range ds {
		if d.Hamming <= limit {
			out = append(out, d)
		}
	}
	return out
}

func findServiceScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	return firstExisting(
		filepath.Join("scripts", scriptName),
		filepath.Join("..", "scripts", scriptName),
		filepath.Join(execDir, "scripts", scriptName),
		filepath.Join(os.Getenv("HOME"), ".tagsight", "scripts", scriptName),
	)
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	return firstExisting(
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".tagsight/venv/bin/python"),
	)
}

func firstExisting(candidates ...string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return path
		}
	}
	return ""
}
