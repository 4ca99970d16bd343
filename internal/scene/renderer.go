package scene

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gg"
	"gocv.io/x/gocv"

	"github.com/ayusman/tryon/internal/capture"
	"github.com/ayusman/tryon/internal/pose"
)

// DefaultRefreshHz is the render loop rate.
const DefaultRefreshHz = 60

var (
	// ErrSurfaceLost is reported when the drawing surface is gone. It is fatal
	// for the renderer; a new one must be created.
	ErrSurfaceLost = errors.New("scene: render surface lost")
	// ErrNotInitialized is returned before Init.
	ErrNotInitialized = errors.New("scene: renderer not initialized")
	// ErrDisposed is returned after Dispose.
	ErrDisposed = errors.New("scene: renderer disposed")
	// ErrMeshAttached is returned when adding a second mesh.
	ErrMeshAttached = errors.New("scene: a mesh is already attached")
)

// State is the renderer lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameSource supplies camera frames for the preview background.
type FrameSource interface {
	Seq() uint64
	CurrentFrame() (capture.Frame, bool)
}

// RendererConfig configures a Renderer. Zero values use the reference camera
// and a 60 Hz loop.
type RendererConfig struct {
	RefreshHz  int
	FOV        float64
	Near       float64
	Far        float64
	CameraZ    float64
	Background FrameSource
	Mirror     bool
	ClearColor gg.RGBA
	Logger     *slog.Logger
}

// RenderedFrame is a composited output image.
type RenderedFrame struct {
	Seq   uint64
	Time  time.Time
	Image image.Image
}

// Stats reports renderer counters.
type Stats struct {
	State   string `json:"state"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Ticks   uint64 `json:"ticks"`
	Frames  uint64 `json:"frames"`
	Uploads uint64 `json:"uploads"`
	Resizes uint64 `json:"resizes"`
}

type viewport struct {
	width, height int
}

type overlayCache struct {
	texture   *Texture
	transform *pose.Transform
	camera    Camera
	width     int
	height    int
	buf       *gg.ImageBuf
	bounds    image.Rectangle
}

// Renderer owns the scene: camera, drawing surface and at most one mesh. Its
// loop redraws at a fixed rate independent of tracking.
type Renderer struct {
	cfg    RendererConfig
	logger *slog.Logger
	state  atomic.Int32

	mu      sync.Mutex
	dc      *gg.Context
	camera  Camera
	width   int
	height  int
	mesh    *Mesh
	bgSeq   uint64
	bg      *gg.ImageBuf
	overlay overlayCache

	pending atomic.Pointer[viewport]
	latest  atomic.Pointer[RenderedFrame]

	ticks   atomic.Uint64
	frames  atomic.Uint64
	uploads atomic.Uint64
	resizes atomic.Uint64

	errs chan error

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	disposeOnce sync.Once
}

// NewRenderer creates an uninitialized renderer.
func NewRenderer(cfg RendererConfig) *Renderer {
	if cfg.RefreshHz <= 0 {
		cfg.RefreshHz = DefaultRefreshHz
	}
	if cfg.FOV <= 0 {
		cfg.FOV = DefaultFOV
	}
	if cfg.Near <= 0 {
		cfg.Near = DefaultNear
	}
	if cfg.Far <= 0 {
		cfg.Far = DefaultFar
	}
	if cfg.CameraZ <= 0 {
		cfg.CameraZ = DefaultCameraZ
	}
	if cfg.ClearColor == (gg.RGBA{}) {
		cfg.ClearColor = gg.RGB(0, 0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		cfg:    cfg,
		logger: logger.With("component", "renderer"),
		errs:   make(chan error, 1),
	}
}

// Init creates the camera and drawing surface. Calling it again on a ready
// renderer is a no-op.
func (r *Renderer) Init(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("scene: invalid viewport %dx%d", width, height)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateReady:
		return nil
	case StateDisposed:
		return ErrDisposed
	}

	r.dc = gg.NewContext(width, height)
	r.width, r.height = width, height
	r.camera = Camera{
		FOV:    r.cfg.FOV,
		Aspect: float64(width) / float64(height),
		Near:   r.cfg.Near,
		Far:    r.cfg.Far,
		Z:      r.cfg.CameraZ,
	}
	r.state.Store(int32(StateReady))

	r.logger.Info("renderer initialized", "width", width, "height", height, "fov", r.cfg.FOV)
	return nil
}

// State returns the lifecycle state.
func (r *Renderer) State() State {
	return State(r.state.Load())
}

// Add attaches the overlay mesh. Only one mesh may be attached.
func (r *Renderer) Add(m *Mesh) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateDisposed {
		return ErrDisposed
	}
	if r.mesh == m {
		return nil
	}
	if r.mesh != nil {
		return ErrMeshAttached
	}
	if err := m.attach(r.remove); err != nil {
		return err
	}
	r.mesh = m
	return nil
}

func (r *Renderer) remove(m *Mesh) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mesh == m {
		r.mesh = nil
		r.overlay = overlayCache{}
	}
}

// Mesh returns the attached mesh, or nil.
func (r *Renderer) Mesh() *Mesh {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mesh
}

// Resize records a new viewport size. It is applied before the next frame.
func (r *Renderer) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("scene: invalid viewport %dx%d", width, height)
	}
	if r.State() == StateDisposed {
		return ErrDisposed
	}
	r.pending.Store(&viewport{width: width, height: height})
	return nil
}

// Size returns the current surface size.
func (r *Renderer) Size() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width, r.height
}

// Camera returns the current camera.
func (r *Renderer) Camera() Camera {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.camera
}

// StartLoop runs the render loop until ctx is cancelled, Stop or Dispose is
// called, or the surface is lost. Calling it while running is a no-op.
func (r *Renderer) StartLoop(ctx context.Context) error {
	switch r.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateDisposed:
		return ErrDisposed
	}

	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.loop(loopCtx, r.done)

	return nil
}

func (r *Renderer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.RefreshHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.RenderFrame()
			if err == nil {
				continue
			}
			if errors.Is(err, ErrSurfaceLost) {
				r.logger.Error("render loop stopped", "error", err)
				select {
				case r.errs <- err:
				default:
				}
				return
			}
			if errors.Is(err, ErrDisposed) {
				return
			}
			r.logger.Debug("render tick failed", "error", err)
		}
	}
}

// Stop halts the render loop and waits for it to exit.
func (r *Renderer) Stop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
}

// Running reports whether the loop goroutine is active.
func (r *Renderer) Running() bool {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if !r.running {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Errors delivers fatal render errors such as ErrSurfaceLost.
func (r *Renderer) Errors() <-chan error {
	return r.errs
}

// Latest returns the most recently composited frame.
func (r *Renderer) Latest() (RenderedFrame, bool) {
	f := r.latest.Load()
	if f == nil {
		return RenderedFrame{}, false
	}
	return *f, true
}

// Stats returns a snapshot of the renderer counters.
func (r *Renderer) Stats() Stats {
	w, h := r.Size()
	return Stats{
		State:   r.State().String(),
		Width:   w,
		Height:  h,
		Ticks:   r.ticks.Load(),
		Frames:  r.frames.Load(),
		Uploads: r.uploads.Load(),
		Resizes: r.resizes.Load(),
	}
}

// RenderFrame repaints the scene's current contents. The loop calls it on
// every tick; only the overlay warp is reused while its inputs are unchanged.
func (r *Renderer) RenderFrame() (err error) {
	r.ticks.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateDisposed:
		return ErrDisposed
	}
	if r.dc == nil {
		return ErrSurfaceLost
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrSurfaceLost, p)
		}
	}()

	if err := r.applyResize(); err != nil {
		return err
	}

	r.refreshBackground()

	var tex *Texture
	var tr *pose.Transform
	if r.mesh != nil && r.mesh.Visible() {
		tex = r.mesh.Texture()
		tr = r.mesh.transformRef()
		if tex == nil {
			tr = nil
		} else if r.mesh.takeDirty() {
			r.uploads.Add(1)
			r.logger.Debug("texture uploaded", "token", tex.Token)
		}
	}

	r.dc.ClearWithColor(r.cfg.ClearColor)

	if r.bg != nil {
		r.dc.DrawImageEx(r.bg, gg.DrawImageOptions{
			DstWidth:      float64(r.width),
			DstHeight:     float64(r.height),
			Interpolation: gg.InterpBilinear,
			Opacity:       1,
			BlendMode:     gg.BlendNormal,
		})
	}

	if tex != nil && tr != nil {
		if err := r.drawOverlay(tex, tr); err != nil {
			return err
		}
	}

	seq := r.frames.Add(1)
	r.latest.Store(&RenderedFrame{Seq: seq, Time: time.Now(), Image: r.dc.Image()})

	return nil
}

func (r *Renderer) applyResize() error {
	vp := r.pending.Swap(nil)
	if vp == nil || (vp.width == r.width && vp.height == r.height) {
		return nil
	}
	if err := r.dc.Resize(vp.width, vp.height); err != nil {
		return fmt.Errorf("%w: %v", ErrSurfaceLost, err)
	}
	r.width, r.height = vp.width, vp.height
	r.camera.Aspect = float64(vp.width) / float64(vp.height)
	r.overlay = overlayCache{}
	r.resizes.Add(1)
	r.logger.Debug("viewport resized", "width", vp.width, "height", vp.height)
	return nil
}

// refreshBackground converts a new camera frame, if any, into the background
// buffer.
func (r *Renderer) refreshBackground() {
	src := r.cfg.Background
	if src == nil || src.Seq() == r.bgSeq {
		return
	}

	frame, ok := src.CurrentFrame()
	if !ok {
		return
	}
	defer frame.Close()

	mat := frame.Mat
	if r.cfg.Mirror {
		flipped := gocv.NewMat()
		defer flipped.Close()
		gocv.Flip(frame.Mat, &flipped, 1)
		mat = flipped
	}

	img, err := mat.ToImage()
	if err != nil {
		r.logger.Debug("background conversion failed", "error", err)
		return
	}

	r.bg = gg.ImageBufFromImage(img)
	r.bgSeq = frame.Seq
}

func (r *Renderer) drawOverlay(tex *Texture, tr *pose.Transform) error {
	c := &r.overlay
	if c.texture != tex || c.transform != tr || c.camera != r.camera || c.width != r.width || c.height != r.height {
		texW, texH := tex.Image.Bounds()
		*c = overlayCache{texture: tex, transform: tr, camera: r.camera, width: r.width, height: r.height}

		m, ok := quadMatrix(r.camera, *tr, texW, texH, r.width, r.height)
		if !ok {
			return nil
		}
		bounds := quadBounds(m, texW, texH, r.width, r.height)
		if bounds.Empty() {
			return nil
		}
		buf, err := warpTexture(tex.Image, m, bounds)
		if err != nil {
			return fmt.Errorf("warp overlay: %w", err)
		}
		c.buf, c.bounds = buf, bounds
	}

	if c.buf == nil {
		return nil
	}

	r.dc.DrawImageEx(c.buf, gg.DrawImageOptions{
		X:             float64(c.bounds.Min.X),
		Y:             float64(c.bounds.Min.Y),
		DstWidth:      float64(c.bounds.Dx()),
		DstHeight:     float64(c.bounds.Dy()),
		Interpolation: gg.InterpNearest,
		Opacity:       1,
		BlendMode:     gg.BlendNormal,
	})
	return nil
}

// releaseSurface closes the drawing surface. A running loop then stops with
// ErrSurfaceLost.
func (r *Renderer) releaseSurface() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dc != nil {
		r.dc.Close()
		r.dc = nil
	}
	r.bg = nil
	r.overlay = overlayCache{}
}

// Dispose stops the loop, detaches the mesh and releases the surface. It is
// safe to call more than once.
func (r *Renderer) Dispose() {
	r.disposeOnce.Do(func() {
		r.Stop()
		r.state.Store(int32(StateDisposed))
		r.releaseSurface()

		r.mu.Lock()
		r.mesh = nil
		r.mu.Unlock()

		r.logger.Info("renderer disposed", "frames", r.frames.Load())
	})
}
