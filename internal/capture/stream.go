package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a snapshot of the most recent decoded camera image.
// The caller owns Mat and must Close the frame.
type Frame struct {
	Mat       gocv.Mat
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// Close releases the frame's image buffer.
func (f *Frame) Close() error {
	return f.Mat.Close()
}

// Image converts the frame to an image.Image.
func (f *Frame) Image() (image.Image, error) {
	return f.Mat.ToImage()
}

// Stats reports stream counters.
type Stats struct {
	Grabbed     uint64 `json:"grabbed"`
	Overwritten uint64 `json:"overwritten"`
	ReadErrors  uint64 `json:"read_errors"`
	LastSeq     uint64 `json:"last_seq"`
}

// Stream is a live camera stream. A background loop grabs frames into a
// single-slot mailbox; readers always see the newest frame.
type Stream struct {
	dev    Device
	cons   Constraints
	logger *slog.Logger

	mu       sync.Mutex
	latest   *gocv.Mat
	latestAt time.Time
	seq      uint64
	consumed uint64

	live        atomic.Bool
	grabbed     atomic.Uint64
	overwritten atomic.Uint64
	readErrors  atomic.Uint64

	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// Acquire opens the default OpenCV camera with the given constraints and
// starts grabbing frames. The OS permission prompt, if any, happens here.
func Acquire(ctx context.Context, cons Constraints) (*Stream, error) {
	return AcquireDevice(ctx, NewCamera(), cons, nil)
}

// AcquireDevice opens dev and starts grabbing frames. Open failures are
// returned as *DeviceError.
func AcquireDevice(ctx context.Context, dev Device, cons Constraints, logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cons = cons.withDefaults()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := dev.Open(cons); err != nil {
		var de *DeviceError
		if !errors.As(err, &de) {
			err = &DeviceError{Kind: DeviceFailed, DeviceID: cons.DeviceID, Err: err}
		}
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		dev.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		dev:    dev,
		cons:   cons,
		logger: logger.With("component", "capture", "device", cons.DeviceID),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.live.Store(true)

	go s.grabLoop(loopCtx)

	s.logger.Info("camera acquired", "width", cons.Width, "height", cons.Height, "fps", cons.FPS, "facing", cons.Facing)
	return s, nil
}

func (s *Stream) grabLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Second / time.Duration(s.cons.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mat, err := s.dev.ReadFrame()
			if err != nil {
				if errors.Is(err, ErrEndOfStream) {
					s.logger.Debug("source exhausted, holding last frame")
					return
				}
				s.readErrors.Add(1)
				s.logger.Debug("frame read failed", "error", err)
				continue
			}
			s.publish(mat)
		}
	}
}

func (s *Stream) publish(mat *gocv.Mat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil {
		if s.consumed < s.seq {
			s.overwritten.Add(1)
		}
		s.latest.Close()
	}
	s.seq++
	s.latest = mat
	s.latestAt = time.Now()
	s.grabbed.Add(1)
}

// CurrentFrame returns a copy of the newest frame. The boolean is false
// until the first frame has arrived or after Release.
func (s *Stream) CurrentFrame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil || s.latest.Empty() {
		return Frame{}, false
	}

	s.consumed = s.seq
	clone := s.latest.Clone()
	return Frame{
		Mat:       clone,
		Width:     clone.Cols(),
		Height:    clone.Rows(),
		Seq:       s.seq,
		Timestamp: s.latestAt,
	}, true
}

// ReadFrame is CurrentFrame with an error value: ErrNotReady before the first
// frame, ErrReleased after Release.
func (s *Stream) ReadFrame() (Frame, error) {
	if !s.live.Load() {
		return Frame{}, ErrReleased
	}
	f, ok := s.CurrentFrame()
	if !ok {
		return Frame{}, ErrNotReady
	}
	return f, nil
}

// Seq returns the sequence number of the newest frame, 0 before the first.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Ready reports whether at least one frame is available.
func (s *Stream) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest != nil
}

// Live reports whether the stream has not been released.
func (s *Stream) Live() bool {
	return s.live.Load()
}

// Constraints returns the constraints the stream was opened with.
func (s *Stream) Constraints() Constraints {
	return s.cons
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()

	return Stats{
		Grabbed:     s.grabbed.Load(),
		Overwritten: s.overwritten.Load(),
		ReadErrors:  s.readErrors.Load(),
		LastSeq:     seq,
	}
}

// Release stops the grab loop and closes the device. It is safe to call
// more than once; later calls return the first result.
func (s *Stream) Release() error {
	s.releaseOnce.Do(func() {
		s.live.Store(false)
		s.cancel()
		<-s.done

		s.releaseErr = s.dev.Close()

		s.mu.Lock()
		if s.latest != nil {
			s.latest.Close()
			s.latest = nil
		}
		s.mu.Unlock()

		s.logger.Info("camera released", "grabbed", s.grabbed.Load())
	})
	return s.releaseErr
}
