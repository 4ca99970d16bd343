package capture

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// ReplayCamera plays back in-memory frames. It backs tests and demo mode.
type ReplayCamera struct {
	frames  []gocv.Mat
	index   int
	loop    bool
	openErr error
	mu      sync.Mutex
	running bool
	opens   int
}

// NewReplaySource creates a replay device over clones of frames. With loop
// set, playback restarts from the first frame; otherwise ReadFrame returns
// ErrEndOfStream once all frames have been read.
func NewReplaySource(frames []gocv.Mat, loop bool) *ReplayCamera {
	owned := make([]gocv.Mat, 0, len(frames))
	for _, f := range frames {
		owned = append(owned, f.Clone())
	}
	return &ReplayCamera{
		frames: owned,
		loop:   loop,
	}
}

// NewReplaySourceFromImages converts images to BGR frames for playback.
func NewReplaySourceFromImages(imgs []image.Image, loop bool) (*ReplayCamera, error) {
	frames := make([]gocv.Mat, 0, len(imgs))
	for i, img := range imgs {
		mat, err := gocv.ImageToMatRGB(img)
		if err != nil {
			for _, f := range frames {
				f.Close()
			}
			return nil, fmt.Errorf("convert image %d: %w", i, err)
		}
		frames = append(frames, mat)
	}
	return &ReplayCamera{frames: frames, loop: loop}, nil
}

// FailOpen makes the next Open calls return err.
func (c *ReplayCamera) FailOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

func (c *ReplayCamera) Open(Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.running = true
	c.index = 0
	c.opens++
	return nil
}

func (c *ReplayCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *ReplayCamera) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, ErrCameraNotOpen
	}

	if len(c.frames) == 0 {
		return nil, ErrEndOfStream
	}

	if c.index >= len(c.frames) {
		if !c.loop {
			return nil, ErrEndOfStream
		}
		c.index = 0
	}

	frame := c.frames[c.index].Clone()
	c.index++

	return &frame, nil
}

func (c *ReplayCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Opens returns how many times the device was opened.
func (c *ReplayCamera) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Reset restarts playback from the beginning.
func (c *ReplayCamera) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = 0
}

// Dispose frees the frames held by the replay source.
func (c *ReplayCamera) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		f.Close()
	}
	c.frames = nil
	c.running = false
}
