package scene

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gg"

	"github.com/ayusman/tryon/internal/pose"
)

// Quad dimensions in world units, before scaling.
const (
	QuadWidth  = 2.0
	QuadHeight = 1.0
)

// ErrMeshDisposed is returned when using a disposed mesh.
var ErrMeshDisposed = errors.New("scene: mesh disposed")

// Texture is an immutable decoded overlay image with the request that produced it.
type Texture struct {
	Image  *gg.ImageBuf
	Source Source
	Token  uint64
}

// LoadResult reports the outcome of one texture request.
type LoadResult struct {
	Token   uint64
	Source  Source
	Err     error
	Stale   bool
	Applied bool
}

// MeshOption configures a Mesh.
type MeshOption func(*Mesh)

// WithMeshLogger sets the mesh logger.
func WithMeshLogger(l *slog.Logger) MeshOption {
	return func(m *Mesh) { m.logger = l }
}

// WithLoadCallback registers fn to run after every texture request completes.
func WithLoadCallback(fn func(LoadResult)) MeshOption {
	return func(m *Mesh) { m.onLoad = fn }
}

// Mesh is the overlay quad: a 2x1 plane with a transparent textured material.
// The transform is swapped atomically; texture swaps are tokenized so only
// the most recent request is ever applied.
type Mesh struct {
	loader TextureLoader
	logger *slog.Logger
	onLoad func(LoadResult)

	transform atomic.Pointer[pose.Transform]
	texture   atomic.Pointer[Texture]
	requested atomic.Uint64
	dirty     atomic.Bool
	visible   atomic.Bool
	disposed  atomic.Bool

	mu        sync.Mutex
	created   bool
	firstOnce sync.Once
	first     chan struct{}
	lastErr   error
	detach    func(*Mesh)

	ctx         context.Context
	cancel      context.CancelFunc
	pending     sync.WaitGroup
	disposeOnce sync.Once
}

// NewMesh creates an empty, invisible mesh. Call Create to start loading.
func NewMesh(loader TextureLoader, opts ...MeshOption) *Mesh {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mesh{
		loader: loader,
		logger: slog.Default(),
		first:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mesh")
	m.transform.Store(&pose.Identity)
	return m
}

// Create starts loading the initial texture. The mesh turns visible once a
// texture has been applied.
func (m *Mesh) Create(ctx context.Context, src Source) (uint64, error) {
	m.mu.Lock()
	if m.disposed.Load() {
		m.mu.Unlock()
		return 0, ErrMeshDisposed
	}
	if m.created {
		m.mu.Unlock()
		return 0, errors.New("scene: mesh already created")
	}
	m.created = true
	m.mu.Unlock()

	return m.SetTexture(ctx, src), nil
}

// SetTexture requests a texture swap and returns its token. The material is
// replaced in place when the load completes, unless a newer request was
// issued in the meantime. Returns 0 on a disposed mesh.
func (m *Mesh) SetTexture(ctx context.Context, src Source) uint64 {
	if m.disposed.Load() {
		return 0
	}

	token := m.requested.Add(1)

	loadCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer stop()
		defer cancel()

		img, err := m.loader.Load(loadCtx, src)
		m.complete(token, src, img, err)
	}()

	return token
}

func (m *Mesh) complete(token uint64, src Source, img *gg.ImageBuf, err error) {
	res := LoadResult{Token: token, Source: src, Err: err}

	m.mu.Lock()
	switch {
	case m.disposed.Load():
		res.Stale = true
	case token != m.requested.Load():
		res.Stale = true
		m.logger.Debug("discarding stale texture", "token", token, "latest", m.requested.Load(), "source", src.String())
	case err != nil:
		m.lastErr = err
		m.logger.Warn("texture load failed", "token", token, "source", src.String(), "error", err)
	default:
		m.texture.Store(&Texture{Image: img, Source: src, Token: token})
		m.dirty.Store(true)
		m.visible.Store(true)
		m.lastErr = nil
		res.Applied = true
		m.firstOnce.Do(func() { close(m.first) })
		m.logger.Debug("texture applied", "token", token, "source", src.String())
	}
	m.mu.Unlock()

	if m.onLoad != nil {
		m.onLoad(res)
	}
}

// ApplyTransform publishes a new placement. Readers see either the old or
// the new transform, never a mix.
func (m *Mesh) ApplyTransform(t pose.Transform) {
	if m.disposed.Load() {
		return
	}
	m.transform.Store(&t)
}

// Transform returns the current placement.
func (m *Mesh) Transform() pose.Transform {
	return *m.transform.Load()
}

func (m *Mesh) transformRef() *pose.Transform {
	return m.transform.Load()
}

// Texture returns the applied texture, or nil before the first load.
func (m *Mesh) Texture() *Texture {
	return m.texture.Load()
}

// Visible reports whether the mesh has a texture and is not disposed.
func (m *Mesh) Visible() bool {
	return m.visible.Load() && !m.disposed.Load()
}

// Ready is closed when the first texture has been applied.
func (m *Mesh) Ready() <-chan struct{} {
	return m.first
}

// LatestToken returns the most recently issued request token.
func (m *Mesh) LatestToken() uint64 {
	return m.requested.Load()
}

// LastError returns the error of the most recent non-stale failed load.
func (m *Mesh) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Wait blocks until all in-flight texture loads have finished.
func (m *Mesh) Wait() {
	m.pending.Wait()
}

// takeDirty reports and clears the re-upload flag.
func (m *Mesh) takeDirty() bool {
	return m.dirty.Swap(false)
}

func (m *Mesh) attach(detach func(*Mesh)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed.Load() {
		return ErrMeshDisposed
	}
	m.detach = detach
	return nil
}

// Dispose cancels pending loads, releases the texture and detaches the mesh
// from its renderer. It is safe on a mesh that was never created and safe to
// call more than once.
func (m *Mesh) Dispose() {
	m.disposeOnce.Do(func() {
		m.mu.Lock()
		m.disposed.Store(true)
		m.visible.Store(false)
		detach := m.detach
		m.detach = nil
		m.mu.Unlock()

		m.cancel()
		m.pending.Wait()

		if detach != nil {
			detach(m)
		}
		m.texture.Store(nil)
		m.logger.Debug("mesh disposed")
	})
}

// Disposed reports whether Dispose has been called.
func (m *Mesh) Disposed() bool {
	return m.disposed.Load()
}
