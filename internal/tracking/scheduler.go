// Package tracking runs periodic face-landmark inference and feeds the
// resulting placement to the overlay mesh.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/tryon/internal/capture"
	"github.com/ayusman/tryon/internal/detector"
	"github.com/ayusman/tryon/internal/pose"
)

// DefaultPeriod is the inference interval.
const DefaultPeriod = 100 * time.Millisecond

// FrameSource supplies the newest camera frame.
type FrameSource interface {
	CurrentFrame() (capture.Frame, bool)
}

// Estimator runs landmark inference on a frame.
type Estimator interface {
	Estimate(ctx context.Context, frame *gocv.Mat) ([]detector.FaceLandmarks, error)
}

// Target receives computed placements.
type Target interface {
	ApplyTransform(t pose.Transform)
}

// Outcome is the result of a single tick.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeInFlight
	OutcomeNotReady
	OutcomeStill
	OutcomeBusy
	OutcomeNoFace
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeInFlight:
		return "in_flight"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeStill:
		return "still"
	case OutcomeBusy:
		return "busy"
	case OutcomeNoFace:
		return "no_face"
	default:
		return "error"
	}
}

// Config configures a Scheduler.
type Config struct {
	Period      time.Duration
	Calibration pose.Calibration
	// Canvas returns the render surface size. Nil uses the frame size.
	Canvas func() (int, int)
	// Gate skips inference on frames that barely changed. Optional.
	Gate *capture.StillnessGate
	// OnAcquired runs once, on the first applied transform.
	OnAcquired func()
	// OnTransform runs after every applied transform.
	OnTransform func(pose.Transform)
	Logger      *slog.Logger
}

// Stats reports scheduler counters.
type Stats struct {
	Ticks           uint64          `json:"ticks"`
	SkippedInFlight uint64          `json:"skipped_in_flight"`
	SkippedBusy     uint64          `json:"skipped_busy"`
	SkippedNotReady uint64          `json:"skipped_not_ready"`
	SkippedNoFace   uint64          `json:"skipped_no_face"`
	SkippedStill    uint64          `json:"skipped_still"`
	Errors          uint64          `json:"errors"`
	Detections      uint64          `json:"detections"`
	Acquired        bool            `json:"acquired"`
	LastTransform   *pose.Transform `json:"last_transform,omitempty"`
}

// Scheduler ticks inference at a fixed period. Ticks never overlap: one that
// fires while the previous is still running is skipped.
type Scheduler struct {
	src    FrameSource
	est    Estimator
	target Target
	cfg    Config
	logger *slog.Logger

	cal      atomic.Pointer[pose.Calibration]
	last     atomic.Pointer[pose.Transform]
	inFlight atomic.Bool

	acquiredOnce sync.Once
	acquired     chan struct{}

	ticks, skippedInFlight, skippedBusy, skippedNotReady atomic.Uint64
	skippedNoFace, skippedStill, errs, detections        atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	wg      sync.WaitGroup
}

// New creates a stopped scheduler.
func New(src FrameSource, est Estimator, target Target, cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Calibration == (pose.Calibration{}) {
		cfg.Calibration = pose.DefaultCalibration()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		src:      src,
		est:      est,
		target:   target,
		cfg:      cfg,
		logger:   logger.With("component", "tracking"),
		acquired: make(chan struct{}),
	}
	cal := cfg.Calibration
	s.cal.Store(&cal)
	return s
}

// SetCalibration replaces the mapping constants used from the next tick on.
func (s *Scheduler) SetCalibration(cal pose.Calibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	s.cal.Store(&cal)
	return nil
}

// Calibration returns the active mapping constants.
func (s *Scheduler) Calibration() pose.Calibration {
	return *s.cal.Load()
}

// Start begins ticking until ctx is cancelled or Stop is called. Calling it
// on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Calibration().Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx, s.done)

	s.logger.Info("tracking started", "period", s.cfg.Period)
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inFlight.CompareAndSwap(false, true) {
				s.ticks.Add(1)
				s.skippedInFlight.Add(1)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.inFlight.Store(false)
				s.tick(ctx)
			}()
		}
	}
}

// Stop cancels ticking and waits for the in-flight tick. It is safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.wg.Wait()
	s.running = false

	if s.cfg.Gate != nil {
		s.cfg.Gate.Reset()
	}
	s.logger.Info("tracking stopped", "ticks", s.ticks.Load(), "detections", s.detections.Load())
}

// Running reports whether the scheduler is ticking.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Acquired is closed when the first face has been tracked.
func (s *Scheduler) Acquired() <-chan struct{} {
	return s.acquired
}

// LastTransform returns the most recently applied transform, if any.
func (s *Scheduler) LastTransform() (pose.Transform, bool) {
	t := s.last.Load()
	if t == nil {
		return pose.Transform{}, false
	}
	return *t, true
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Ticks:           s.ticks.Load(),
		SkippedInFlight: s.skippedInFlight.Load(),
		SkippedBusy:     s.skippedBusy.Load(),
		SkippedNotReady: s.skippedNotReady.Load(),
		SkippedNoFace:   s.skippedNoFace.Load(),
		SkippedStill:    s.skippedStill.Load(),
		Errors:          s.errs.Load(),
		Detections:      s.detections.Load(),
	}
	select {
	case <-s.acquired:
		st.Acquired = true
	default:
	}
	if t := s.last.Load(); t != nil {
		tt := *t
		st.LastTransform = &tt
	}
	return st
}

// tick runs one frame through detection and mapping.
func (s *Scheduler) tick(ctx context.Context) Outcome {
	s.ticks.Add(1)

	frame, ok := s.src.CurrentFrame()
	if !ok {
		s.skippedNotReady.Add(1)
		return OutcomeNotReady
	}
	defer frame.Close()

	if s.cfg.Gate != nil {
		if still, _ := s.cfg.Gate.Still(&frame.Mat); still {
			s.skippedStill.Add(1)
			return OutcomeStill
		}
	}

	faces, err := s.est.Estimate(ctx, &frame.Mat)
	switch {
	case errors.Is(err, detector.ErrBusy):
		s.skippedBusy.Add(1)
		return OutcomeBusy
	case err != nil:
		if ctx.Err() == nil {
			s.errs.Add(1)
			s.logger.Warn("landmark estimation failed", "seq", frame.Seq, "error", err)
		}
		return OutcomeError
	}

	face, ok := detector.FirstPresent(faces)
	if !ok {
		// The overlay stays where it was.
		s.skippedNoFace.Add(1)
		return OutcomeNoFace
	}
	s.detections.Add(1)

	fs := pose.Size{Width: float64(frame.Width), Height: float64(frame.Height)}
	canvas := fs
	if s.cfg.Canvas != nil {
		w, h := s.cfg.Canvas()
		canvas = pose.Size{Width: float64(w), Height: float64(h)}
	}

	t, err := pose.Map(s.Calibration(), face, fs, canvas)
	if err != nil {
		s.errs.Add(1)
		s.logger.Debug("pose mapping failed", "seq", frame.Seq, "error", err)
		return OutcomeError
	}

	s.target.ApplyTransform(t)
	s.last.Store(&t)

	if s.cfg.OnTransform != nil {
		s.cfg.OnTransform(t)
	}
	s.acquiredOnce.Do(func() {
		close(s.acquired)
		s.logger.Info("tracking acquired", "scale", t.Scale, "rotation", t.Rotation)
		if s.cfg.OnAcquired != nil {
			s.cfg.OnAcquired()
		}
	})
	return OutcomeApplied
}
