// Package session ties camera, detector, renderer, overlay mesh and tracking
// into one ownership scope with a single idempotent teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/tryon/internal/capture"
	"github.com/ayusman/tryon/internal/detector"
	"github.com/ayusman/tryon/internal/events"
	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/tracking"
)

var (
	// ErrClosed is returned when using a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrAlreadyOpened is returned when Open is called twice.
	ErrAlreadyOpened = errors.New("session: already opened")
	// ErrNotActive is returned by operations that need a running session.
	ErrNotActive = errors.New("session: not active")
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateActive
	StateUnavailable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateUnavailable:
		return "unavailable"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a session.
type Options struct {
	Camera      capture.Constraints
	Model       detector.Options
	Calibration pose.Calibration
	// Overlay is loaded on open. Empty leaves the mesh hidden until SetOverlay.
	Overlay scene.Source

	Width, Height int
	Render        scene.RendererConfig
	// Background composites the camera feed behind the overlay.
	Background bool

	TrackingPeriod  time.Duration
	SkipStillFrames bool
	StillThreshold  float64
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		Camera:         capture.DefaultConstraints(),
		Model:          detector.DefaultOptions(),
		Calibration:    pose.DefaultCalibration(),
		Width:          800,
		Height:         800,
		Background:     true,
		TrackingPeriod: tracking.DefaultPeriod,
		StillThreshold: 0.5,
	}
}

// Deps supplies the collaborators a session builds on. Nil fields use the
// production implementations.
type Deps struct {
	Device   func() capture.Device
	Detector func() detector.Detector
	Loader   scene.TextureLoader
	Events   events.Publisher
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Device == nil {
		d.Device = capture.NewCamera
	}
	if d.Detector == nil {
		logger := d.Logger
		d.Detector = func() detector.Detector {
			return detector.NewFaceMesh(detector.FaceMeshConfig{Logger: logger})
		}
	}
	if d.Loader == nil {
		d.Loader = scene.NewLoader(nil)
	}
	return d
}

// Stats is a snapshot of the session and its components.
type Stats struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	Loading     bool            `json:"loading"`
	Tracking    bool            `json:"tracking_acquired"`
	Unavailable string          `json:"unavailable,omitempty"`
	Overlay     string          `json:"overlay,omitempty"`
	OpenedAt    time.Time       `json:"opened_at"`
	Capture     *capture.Stats  `json:"capture,omitempty"`
	Render      *scene.Stats    `json:"render,omitempty"`
	Scheduler   *tracking.Stats `json:"tracking,omitempty"`
}

// Session owns one camera stream, one detector, one renderer and one mesh.
type Session struct {
	id     string
	opts   Options
	deps   Deps
	logger *slog.Logger

	state    atomic.Int32
	openedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stream      *capture.Stream
	guard       *detector.Guard
	renderer    *scene.Renderer
	mesh        *scene.Mesh
	scheduler   *tracking.Scheduler
	gate        *capture.StillnessGate
	unavailable error
	overlay     scene.Source
	calibration pose.Calibration
	meshReady   bool

	acquired  chan struct{}
	acqOnce   sync.Once
	openDone  chan struct{}
	closeOnce sync.Once
}

// New creates an idle session. Call Open to acquire resources.
func New(opts Options, deps Deps) *Session {
	deps = deps.withDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		opts:     opts,
		deps:     deps,
		logger:   deps.Logger.With("component", "session", "session", id[:8]),
		ctx:      ctx,
		cancel:   cancel,
		acquired: make(chan struct{}),
		openDone: make(chan struct{}),
	}
	s.overlay = opts.Overlay
	s.calibration = opts.Calibration
	return s
}

// Open creates a session and opens it. On failure every acquired resource is
// released and the error is returned.
func Open(ctx context.Context, opts Options, deps Deps) (*Session, error) {
	s := New(opts, deps)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Loading reports whether the session is opening or waiting for its first
// tracked face. It turns false on the first detection or on failure.
func (s *Session) Loading() bool {
	switch s.State() {
	case StateLoading:
		return true
	case StateActive:
		select {
		case <-s.acquired:
			return false
		default:
			return true
		}
	}
	return false
}

// Unavailable reports whether initialization or rendering failed, and why.
func (s *Session) Unavailable() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable != nil, s.unavailable
}

// TrackingAcquired is closed when the first face has been tracked.
func (s *Session) TrackingAcquired() <-chan struct{} {
	return s.acquired
}

// Opened is closed when Open has returned, successfully or not.
func (s *Session) Opened() <-chan struct{} {
	return s.openDone
}

// Open acquires the camera, loads the model, initializes the renderer,
// creates the mesh and starts the render loop and the tracking scheduler.
// Initialization stops at the first failure; the session then reports
// Unavailable and holds no resources.
func (s *Session) Open(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateLoading)) {
		if s.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyOpened
	}
	defer close(s.openDone)

	s.mu.Lock()
	s.openedAt = time.Now()
	s.mu.Unlock()
	s.publish(events.Event{Type: events.TypeLoading})
	s.logger.Info("opening session", "width", s.opts.Width, "height", s.opts.Height, "overlay", s.opts.Overlay.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.open(ctx); err != nil {
		if s.ctx.Err() != nil {
			s.teardown()
			return ErrClosed
		}
		s.fail(err)
		return err
	}

	if s.ctx.Err() != nil {
		s.teardown()
		return ErrClosed
	}
	if !s.state.CompareAndSwap(int32(StateLoading), int32(StateActive)) {
		_, err := s.Unavailable()
		return err
	}
	s.logger.Info("session active")
	return nil
}

func (s *Session) open(ctx context.Context) error {
	stream, err := capture.AcquireDevice(ctx, s.deps.Device(), s.opts.Camera, s.deps.Logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	guard := detector.NewGuard(s.deps.Detector())
	s.mu.Lock()
	s.guard = guard
	s.mu.Unlock()
	if err := guard.Load(ctx, s.opts.Model); err != nil {
		return err
	}

	rcfg := s.opts.Render
	rcfg.Logger = s.deps.Logger
	if s.opts.Background {
		rcfg.Background = stream
	}
	renderer := scene.NewRenderer(rcfg)
	s.mu.Lock()
	s.renderer = renderer
	s.mu.Unlock()

	width, height := s.opts.Width, s.opts.Height
	if width <= 0 || height <= 0 {
		width, height = stream.Constraints().Width, stream.Constraints().Height
	}
	if err := renderer.Init(width, height); err != nil {
		return err
	}

	mesh := scene.NewMesh(s.deps.Loader,
		scene.WithMeshLogger(s.deps.Logger),
		scene.WithLoadCallback(s.onTextureLoaded),
	)
	s.mu.Lock()
	s.mesh = mesh
	s.mu.Unlock()
	if err := renderer.Add(mesh); err != nil {
		return err
	}

	// Overlays requested while loading were recorded in s.overlay; from here
	// on SetOverlay swaps the texture directly.
	s.mu.Lock()
	var createErr error
	if s.overlay.Ref != "" {
		_, createErr = mesh.Create(s.ctx, s.overlay)
	}
	s.meshReady = true
	s.mu.Unlock()
	if createErr != nil {
		return createErr
	}

	if err := renderer.StartLoop(s.ctx); err != nil {
		return err
	}
	go s.watchRenderer(renderer)

	var gate *capture.StillnessGate
	if s.opts.SkipStillFrames {
		gate = capture.NewStillnessGate(s.opts.StillThreshold)
	}
	s.mu.Lock()
	scheduler := tracking.New(stream, guard, mesh, tracking.Config{
		Period:      s.opts.TrackingPeriod,
		Calibration: s.calibration,
		Canvas:      renderer.Size,
		Gate:        gate,
		OnAcquired:  s.onTrackingAcquired,
		OnTransform: s.onTransform,
		Logger:      s.deps.Logger,
	})
	s.scheduler = scheduler
	s.gate = gate
	s.mu.Unlock()

	return scheduler.Start(s.ctx)
}

func (s *Session) watchRenderer(r *scene.Renderer) {
	select {
	case <-s.ctx.Done():
	case err := <-r.Errors():
		s.logger.Error("render surface lost, closing session", "error", err)
		s.markUnavailable(err)
		s.Close()
	}
}

func (s *Session) fail(err error) {
	s.markUnavailable(err)
	s.logger.Error("session unavailable", "reason", Reason(err), "error", err)
	s.teardown()
}

func (s *Session) markUnavailable(err error) {
	s.mu.Lock()
	if s.unavailable == nil {
		s.unavailable = err
	}
	s.mu.Unlock()

	for {
		cur := s.state.Load()
		if State(cur) == StateClosed || State(cur) == StateUnavailable {
			break
		}
		if s.state.CompareAndSwap(cur, int32(StateUnavailable)) {
			break
		}
	}
	s.publish(events.Event{Type: events.TypeUnavailable, Error: Reason(err)})
}

// Reason returns a short machine-readable cause for an initialization or
// render failure.
func Reason(err error) string {
	var de *capture.DeviceError
	var me *detector.ModelLoadError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return "camera_" + de.Kind.String()
	case errors.As(err, &me):
		return "model_load_failed"
	case errors.Is(err, scene.ErrSurfaceLost):
		return "surface_lost"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "init_failed"
	}
}

func (s *Session) onTrackingAcquired() {
	s.acqOnce.Do(func() { close(s.acquired) })
	s.publish(events.Event{Type: events.TypeTrackingAcquired})
}

func (s *Session) onTransform(t pose.Transform) {
	s.publish(events.Event{Type: events.TypeTransform, Transform: &t})
}

func (s *Session) onTextureLoaded(r scene.LoadResult) {
	if r.Stale {
		return
	}
	e := events.Event{Type: events.TypeOverlay, Overlay: r.Source.String()}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	s.publish(e)
}

func (s *Session) publish(e events.Event) {
	if s.deps.Events == nil {
		return
	}
	e.SessionID = s.id
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.deps.Events.Publish(e)
}

// SetOverlay swaps the overlay texture in place and returns the request
// token. A non-nil cal replaces the mapping constants for this overlay.
// Before the mesh exists the request is recorded and applied when the
// session opens; the token is then 0.
func (s *Session) SetOverlay(ctx context.Context, src scene.Source, cal *pose.Calibration) (uint64, error) {
	switch s.State() {
	case StateClosed:
		return 0, ErrClosed
	case StateUnavailable:
		return 0, ErrNotActive
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cal != nil {
		if err := cal.Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cal != nil {
		s.calibration = *cal
		if s.scheduler != nil {
			if err := s.scheduler.SetCalibration(*cal); err != nil {
				return 0, err
			}
		}
	}
	s.overlay = src

	if !s.meshReady || s.mesh == nil {
		s.logger.Info("overlay queued", "source", src.String())
		return 0, nil
	}

	// Loads outlive the caller's request; the session bounds them.
	token := s.mesh.SetTexture(s.ctx, src)
	if token == 0 {
		return 0, ErrClosed
	}
	s.logger.Info("overlay requested", "source", src.String(), "token", token)
	return token, nil
}

// Overlay returns the most recently requested overlay source.
func (s *Session) Overlay() scene.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlay
}

// Resize forwards a viewport change to the renderer.
func (s *Session) Resize(width, height int) error {
	s.mu.Lock()
	renderer := s.renderer
	s.mu.Unlock()

	if renderer == nil || s.State() != StateActive {
		return ErrNotActive
	}
	return renderer.Resize(width, height)
}

// Latest returns the most recently composited frame.
func (s *Session) Latest() (scene.RenderedFrame, bool) {
	s.mu.Lock()
	renderer := s.renderer
	s.mu.Unlock()

	if renderer == nil {
		return scene.RenderedFrame{}, false
	}
	return renderer.Latest()
}

// Mesh returns the overlay mesh, or nil before it exists.
func (s *Session) Mesh() *scene.Mesh {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mesh
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	stream, renderer, scheduler := s.stream, s.renderer, s.scheduler
	unavailable := s.unavailable
	overlay := s.overlay
	openedAt := s.openedAt
	s.mu.Unlock()

	st := Stats{
		ID:          s.id,
		State:       s.State().String(),
		Loading:     s.Loading(),
		Unavailable: Reason(unavailable),
		Overlay:     overlay.String(),
		OpenedAt:    openedAt,
	}
	select {
	case <-s.acquired:
		st.Tracking = true
	default:
	}
	if stream != nil {
		cs := stream.Stats()
		st.Capture = &cs
	}
	if renderer != nil {
		rs := renderer.Stats()
		st.Render = &rs
	}
	if scheduler != nil {
		ts := scheduler.Stats()
		st.Scheduler = &ts
	}
	return st
}

// Close stops tracking and rendering and releases the mesh, renderer,
// detector and camera. It is safe to call at any point and more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		if s.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
			close(s.openDone)
		} else {
			<-s.openDone
		}

		s.teardown()
		if State(s.state.Load()) != StateUnavailable {
			s.state.Store(int32(StateClosed))
		}
		s.publish(events.Event{Type: events.TypeClosed})
		s.logger.Info("session closed")
	})
	return nil
}

// teardown releases whatever has been acquired so far, in any order.
func (s *Session) teardown() {
	s.mu.Lock()
	stream, guard, renderer := s.stream, s.guard, s.renderer
	mesh, scheduler, gate := s.mesh, s.scheduler, s.gate
	s.stream, s.guard, s.renderer = nil, nil, nil
	s.mesh, s.scheduler, s.gate = nil, nil, nil
	s.mu.Unlock()

	if scheduler != nil {
		scheduler.Stop()
	}
	if gate != nil {
		gate.Close()
	}
	if renderer != nil {
		renderer.Dispose()
	}
	if mesh != nil {
		mesh.Dispose()
	}
	if guard != nil {
		if err := guard.Close(); err != nil {
			s.logger.Warn("detector close failed", "error", err)
		}
	}
	if stream != nil {
		if err := stream.Release(); err != nil {
			s.logger.Warn("camera release failed", "error", err)
		}
	}
}
