package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

const (
	faceMeshScriptName = "facemesh_service.py"
	defaultIdleTimeout = 30 * time.Second
	defaultLoadTimeout = 30 * time.Second
	stopGracePeriod    = 2 * time.Second
)

// FaceMeshConfig configures the MediaPipe FaceMesh subprocess.
type FaceMeshConfig struct {
	// Script is the service script path. Empty searches the usual locations.
	Script string
	// Python is the interpreter. Empty prefers a venv, then python3.
	Python string
	// IdleTimeout stops the subprocess after this long without requests.
	IdleTimeout time.Duration
	// LoadTimeout bounds the wait for the ready handshake, on first load and
	// on restarts after an idle shutdown.
	LoadTimeout time.Duration
	Logger      *slog.Logger
}

// FaceMesh implements Detector using a Python MediaPipe FaceMesh subprocess.
// Frames are sent as length-prefixed JPEG on stdin; results come back as JSON
// lines on stdout.
type FaceMesh struct {
	cfg       FaceMeshConfig
	logger    *slog.Logger
	opts      Options
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	loaded    bool
	started   bool
	closed    bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewFaceMesh creates a FaceMesh detector. Nothing is started until Load.
func NewFaceMesh(cfg FaceMeshConfig) *FaceMesh {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FaceMesh{
		cfg:    cfg,
		logger: logger.With("component", "facemesh"),
	}
}

// Load starts the service and waits for its ready handshake.
func (d *FaceMesh) Load(ctx context.Context, opts Options) error {
	if err := opts.Validate(); err != nil {
		return &ModelLoadError{Model: FaceMeshTopology.Name, Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.loaded {
		return nil
	}

	d.opts = opts
	loadCtx, cancel := context.WithTimeout(ctx, d.cfg.LoadTimeout)
	defer cancel()
	if err := d.start(loadCtx); err != nil {
		return &ModelLoadError{Model: FaceMeshTopology.Name, Err: err}
	}
	d.loaded = true
	d.resetIdleTimer()

	return nil
}

// Estimate analyzes a frame and returns detected faces in frame pixels.
func (d *FaceMesh) Estimate(ctx context.Context, frame *gocv.Mat) ([]FaceLandmarks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame == nil || frame.Empty() {
		return nil, errors.New("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if !d.loaded {
		return nil, ErrNotLoaded
	}

	// The idle timer may have stopped the service.
	if !d.started {
		restartCtx, cancel := context.WithTimeout(ctx, d.cfg.LoadTimeout)
		err := d.start(restartCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("restart facemesh service: %w", err)
		}
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()

	// A cancelled tick kills the service so the pipe calls below return.
	proc := d.cmd.Process
	stop := context.AfterFunc(ctx, func() { proc.Kill() })

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := d.stdin.Write(length); err != nil {
		stop()
		d.stopLocked()
		return nil, pipeError(ctx, "write length", err)
	}
	if _, err := d.stdin.Write(data); err != nil {
		stop()
		d.stopLocked()
		return nil, pipeError(ctx, "write data", err)
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		stop()
		d.stopLocked()
		return nil, pipeError(ctx, "read response", err)
	}
	if !stop() {
		// Killed after the response arrived; the next call restarts it.
		d.stopLocked()
	}

	var response struct {
		Faces []jsonFace `json:"faces"`
		Error string     `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("facemesh service: %s", response.Error)
	}

	w, h := float64(frame.Cols()), float64(frame.Rows())
	result := make([]FaceLandmarks, 0, len(response.Faces))
	for _, f := range response.Faces {
		result = append(result, f.toFaceLandmarks(w, h))
	}

	d.lastUsed = time.Now()
	d.resetIdleTimer()

	return result, nil
}

func pipeError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close shuts down the Python process. Further calls return ErrClosed.
func (d *FaceMesh) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.loaded = false
	return d.stopLocked()
}

func (d *FaceMesh) start(ctx context.Context) error {
	scriptPath := d.cfg.Script
	if scriptPath == "" {
		scriptPath = findFaceMeshScript()
	}
	if scriptPath == "" {
		return fmt.Errorf("%s not found", faceMeshScriptName)
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return fmt.Errorf("facemesh script: %w", err)
	}

	pythonPath := d.cfg.Python
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}

	args := []string{
		scriptPath,
		"--max-faces", strconv.Itoa(d.opts.MaxFaces),
		"--min-detection-confidence", strconv.FormatFloat(d.opts.MinDetectionConfidence, 'f', -1, 64),
		"--min-tracking-confidence", strconv.FormatFloat(d.opts.MinTrackingConfidence, 'f', -1, 64),
	}
	if d.opts.IrisRefinement {
		args = append(args, "--refine-landmarks")
	}

	cmd := exec.Command(pythonPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start facemesh service: %w", err)
	}

	reader := bufio.NewReader(stdout)
	if err := waitReady(ctx, reader); err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return err
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = reader
	d.started = true
	d.lastUsed = time.Now()

	d.logger.Info("facemesh service ready", "python", pythonPath, "iris", d.opts.IrisRefinement, "max_faces", d.opts.MaxFaces)
	return nil
}

// waitReady reads the service's first line, {"ready": true}, honouring ctx.
func waitReady(ctx context.Context, r *bufio.Reader) error {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadBytes('\n')
		ch <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for model: %w", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("read handshake: %w", res.err)
		}
		var hs struct {
			Ready bool   `json:"ready"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(res.line, &hs); err != nil {
			return fmt.Errorf("parse handshake: %w", err)
		}
		if !hs.Ready {
			if hs.Error != "" {
				return errors.New(hs.Error)
			}
			return errors.New("service did not report ready")
		}
		return nil
	}
}

func (d *FaceMesh) stopLocked() error {
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

	// The service exits on EOF; a wedged one is killed.
	cmd := d.cmd
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	var err error
	select {
	case err = <-exited:
	case <-time.After(stopGracePeriod):
		cmd.Process.Kill()
		err = <-exited
	}

	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *FaceMesh) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.cfg.IdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if time.Since(d.lastUsed) < d.cfg.IdleTimeout {
			return
		}
		d.logger.Debug("stopping idle facemesh service")
		d.stopLocked()
	})
}

func findFaceMeshScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", faceMeshScriptName),
		filepath.Join("..", "scripts", faceMeshScriptName),
		filepath.Join(execDir, "scripts", faceMeshScriptName),
		filepath.Join(os.Getenv("HOME"), ".tryon", "scripts", faceMeshScriptName),
	}

	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		"../../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".tryon/venv/bin/python"),
	}

	return firstExisting(candidates)
}

func firstExisting(candidates []string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// jsonFace is one face as reported by the service, in normalized coordinates.
type jsonFace struct {
	Points []jsonPoint `json:"points"`
	Score  float64     `json:"score"`
}

type jsonPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// toFaceLandmarks scales normalized points to frame pixels. MediaPipe's z
// shares the x scale.
func (f jsonFace) toFaceLandmarks(width, height float64) FaceLandmarks {
	lm := FaceLandmarks{
		Points:   make([]Point3D, len(f.Points)),
		Score:    f.Score,
		Topology: FaceMeshTopology,
	}
	for i, p := range f.Points {
		lm.Points[i] = Point3D{
			X: p.X * width,
			Y: p.Y * height,
			Z: p.Z * width,
		}
	}
	return lm
}
