package detector

import (
	"context"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control load and estimate results.
type MockDetector struct {
	mu       sync.Mutex
	faces    []FaceLandmarks
	script   [][]FaceLandmarks
	err      error
	loadErr  error
	latency  time.Duration
	gate     chan struct{}
	loaded   bool
	closed   bool
	opts     Options
	calls    int
	inFlight int
	maxSeen  int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetFaces sets the faces returned by Estimate once the script is exhausted.
func (m *MockDetector) SetFaces(faces []FaceLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces = faces
}

// Script queues per-call results. Each Estimate pops one entry; a nil
// entry means no face.
func (m *MockDetector) Script(results ...[]FaceLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, results...)
}

// SetError sets the error returned by Estimate.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetLoadError sets the error returned by Load, wrapped in a ModelLoadError.
func (m *MockDetector) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetLatency delays Estimate (and Load) to simulate inference time.
func (m *MockDetector) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// HoldLoad makes Load block until the returned release func is called.
func (m *MockDetector) HoldLoad() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (m *MockDetector) Load(ctx context.Context, opts Options) error {
	m.mu.Lock()
	loadErr, latency, gate := m.loadErr, m.latency, m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &ModelLoadError{Model: "mock", Err: ctx.Err()}
		}
	}
	if err := sleepCtx(ctx, latency); err != nil {
		return &ModelLoadError{Model: "mock", Err: err}
	}
	if loadErr != nil {
		return &ModelLoadError{Model: "mock", Err: loadErr}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.loaded = true
	m.opts = opts
	return nil
}

// Estimate returns the next scripted result, or the configured faces.
func (m *MockDetector) Estimate(ctx context.Context, frame *gocv.Mat) ([]FaceLandmarks, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if !m.loaded {
		m.mu.Unlock()
		return nil, ErrNotLoaded
	}
	m.calls++
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	latency := m.latency
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if err := sleepCtx(ctx, latency); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		return next, nil
	}
	return m.faces, nil
}

// Close marks the detector closed.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns how many Estimate calls were made.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MaxConcurrent returns the highest number of overlapping Estimate calls seen.
func (m *MockDetector) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

// Loaded reports whether Load succeeded.
func (m *MockDetector) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Options returns the options passed to Load.
func (m *MockDetector) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FaceAt builds a FaceMesh-sized estimate with the outer eye corners and the
// eye center at the given pixel positions. Other points sit on the center.
func FaceAt(left, right, center Point3D) FaceLandmarks {
	lm := FaceLandmarks{
		Points:   make([]Point3D, NumFaceMeshIrisLandmarks),
		Score:    0.97,
		Topology: FaceMeshTopology,
	}
	for i := range lm.Points {
		lm.Points[i] = center
	}
	lm.Points[FaceMeshLeftEyeOuter] = left
	lm.Points[FaceMeshRightEyeOuter] = right
	lm.Points[FaceMeshEyeCenter] = center
	return lm
}

// ReferenceFace returns a level face in an 800x800 frame: eyes at (360,400)
// and (440,400), eye center at (400,390).
func ReferenceFace() FaceLandmarks {
	return FaceAt(
		Point3D{X: 360, Y: 400},
		Point3D{X: 440, Y: 400},
		Point3D{X: 400, Y: 390},
	)
}

// TiltedFace returns a face centered at (cx, cy) whose eye line is rotated by
// angle radians with the given outer-eye distance.
func TiltedFace(cx, cy, distance, angle float64) FaceLandmarks {
	dx := math.Cos(angle) * distance / 2
	dy := math.Sin(angle) * distance / 2
	return FaceAt(
		Point3D{X: cx - dx, Y: cy - dy},
		Point3D{X: cx + dx, Y: cy + dy},
		Point3D{X: cx, Y: cy},
	)
}
