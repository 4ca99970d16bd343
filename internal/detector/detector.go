package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"gocv.io/x/gocv"
)

var (
	// ErrBusy is returned by Guard when an estimate is already in flight.
	ErrBusy = errors.New("detector: inference in flight")
	// ErrNotLoaded is returned by Estimate before a successful Load.
	ErrNotLoaded = errors.New("detector: model not loaded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("detector: closed")
)

// Detector defines the interface for face landmark models.
type Detector interface {
	// Load prepares the model. It may take seconds and blocks until ctx is done.
	Load(ctx context.Context, opts Options) error

	// Estimate analyzes a frame and returns detected faces in frame pixels.
	// Returns an empty slice if no face is detected.
	Estimate(ctx context.Context, frame *gocv.Mat) ([]FaceLandmarks, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Options configures model loading.
type Options struct {
	// IrisRefinement adds the 10 iris landmarks to the mesh.
	IrisRefinement bool

	// MaxFaces is the maximum number of faces to detect. Only 1 is supported.
	MaxFaces int

	// MinDetectionConfidence is the minimum detection confidence (0.0-1.0).
	MinDetectionConfidence float64

	// MinTrackingConfidence is the minimum tracking confidence (0.0-1.0).
	MinTrackingConfidence float64
}

// DefaultOptions returns the reference model options.
func DefaultOptions() Options {
	return Options{
		IrisRefinement:         true,
		MaxFaces:               1,
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
	}
}

// Validate rejects option sets the tracker cannot use.
func (o Options) Validate() error {
	if o.MaxFaces < 1 {
		return fmt.Errorf("max faces must be at least 1, got %d", o.MaxFaces)
	}
	if o.MinDetectionConfidence < 0 || o.MinDetectionConfidence > 1 {
		return fmt.Errorf("min detection confidence out of range: %v", o.MinDetectionConfidence)
	}
	if o.MinTrackingConfidence < 0 || o.MinTrackingConfidence > 1 {
		return fmt.Errorf("min tracking confidence out of range: %v", o.MinTrackingConfidence)
	}
	return nil
}

// ModelLoadError reports that the model could not be prepared.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load %s model: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// Guard wraps a Detector so overlapping Estimate calls fail fast with
// ErrBusy instead of queuing.
type Guard struct {
	d       Detector
	busy    atomic.Bool
	skipped atomic.Uint64
}

// NewGuard wraps d.
func NewGuard(d Detector) *Guard {
	return &Guard{d: d}
}

func (g *Guard) Load(ctx context.Context, opts Options) error {
	return g.d.Load(ctx, opts)
}

func (g *Guard) Estimate(ctx context.Context, frame *gocv.Mat) ([]FaceLandmarks, error) {
	if !g.busy.CompareAndSwap(false, true) {
		g.skipped.Add(1)
		return nil, ErrBusy
	}
	defer g.busy.Store(false)

	return g.d.Estimate(ctx, frame)
}

func (g *Guard) Close() error {
	return g.d.Close()
}

// Skipped returns how many calls were rejected as busy.
func (g *Guard) Skipped() uint64 {
	return g.skipped.Load()
}
