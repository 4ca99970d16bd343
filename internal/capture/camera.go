// Package capture provides camera acquisition and a latest-frame stream using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sync"

	"gocv.io/x/gocv"
)

// Default capture settings, matching the try-on reference constraints.
const (
	DefaultFPS    = 30
	DefaultWidth  = 800
	DefaultHeight = 800
)

// ErrCameraNotOpen is returned when trying to read from a camera that is not open.
var ErrCameraNotOpen = errors.New("camera is not open")

// Facing is the requested camera facing mode.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Constraints describe the requested capture device configuration.
type Constraints struct {
	DeviceID int
	Width    int
	Height   int
	FPS      int
	Facing   Facing
}

// DefaultConstraints returns the reference constraints: 800x800, user-facing.
func DefaultConstraints() Constraints {
	return Constraints{
		DeviceID: 0,
		Width:    DefaultWidth,
		Height:   DefaultHeight,
		FPS:      DefaultFPS,
		Facing:   FacingUser,
	}
}

func (c Constraints) withDefaults() Constraints {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Facing == "" {
		c.Facing = FacingUser
	}
	return c
}

// Device defines the interface for frame-producing capture devices.
type Device interface {
	Open(c Constraints) error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	IsOpen() bool
}

// cameraImpl manages video capture from a camera device using GoCV.
type cameraImpl struct {
	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
}

// NewCamera creates a Device backed by a local OpenCV video capture.
func NewCamera() Device {
	return &cameraImpl{}
}

// Open opens the camera and applies the requested resolution and frame rate.
// OpenCV has no notion of facing mode; the device is selected by ID.
func (c *cameraImpl) Open(cons Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(cons.DeviceID)
	if err != nil {
		return classifyOpenError(cons.DeviceID, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return classifyOpenError(cons.DeviceID, errors.New("device did not open"))
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cons.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cons.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cons.FPS))

	c.capture = capture
	c.running = true

	return nil
}

// Close closes the camera and releases resources.
func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false

	return err
}

// ReadFrame reads a single frame from the camera.
// The caller is responsible for closing the returned Mat.
func (c *cameraImpl) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok {
		mat.Close()
		return nil, errors.New("failed to read frame from camera")
	}

	if mat.Empty() {
		mat.Close()
		return nil, errors.New("captured frame is empty")
	}

	return &mat, nil
}

// IsOpen returns true if the camera is currently open.
func (c *cameraImpl) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

// classifyOpenError turns an OpenCV open failure into a DeviceError. OpenCV
// reports both cases the same way, so on Linux the V4L2 node is checked directly.
func classifyOpenError(deviceID int, cause error) error {
	if runtime.GOOS != "linux" {
		return &DeviceError{Kind: DeviceNotFound, DeviceID: deviceID, Err: cause}
	}

	node := fmt.Sprintf("/dev/video%d", deviceID)
	f, err := os.Open(node)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &DeviceError{Kind: DeviceNotFound, DeviceID: deviceID, Err: cause}
	case errors.Is(err, fs.ErrPermission):
		return &DeviceError{Kind: DevicePermissionDenied, DeviceID: deviceID, Err: err}
	case err != nil:
		return &DeviceError{Kind: DeviceFailed, DeviceID: deviceID, Err: err}
	}
	f.Close()

	return &DeviceError{Kind: DeviceFailed, DeviceID: deviceID, Err: cause}
}
