package capture

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned when a stream has not produced its first frame yet.
var ErrNotReady = errors.New("capture: no frame available yet")

// ErrReleased is returned when reading from a released stream.
var ErrReleased = errors.New("capture: stream released")

// ErrEndOfStream is returned by replay sources that have run out of frames.
var ErrEndOfStream = errors.New("capture: end of stream")

// DeviceErrorKind distinguishes why a device could not be acquired.
type DeviceErrorKind int

const (
	DeviceNotFound DeviceErrorKind = iota + 1
	DevicePermissionDenied
	DeviceFailed
)

func (k DeviceErrorKind) String() string {
	switch k {
	case DeviceNotFound:
		return "not_found"
	case DevicePermissionDenied:
		return "permission_denied"
	case DeviceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeviceError is returned by Acquire when the camera cannot be used.
type DeviceError struct {
	Kind     DeviceErrorKind
	DeviceID int
	Err      error
}

func (e *DeviceError) Error() string {
	switch e.Kind {
	case DevicePermissionDenied:
		return fmt.Sprintf("camera %d: permission denied: %v", e.DeviceID, e.Err)
	case DeviceNotFound:
		return fmt.Sprintf("camera %d: not found: %v", e.DeviceID, e.Err)
	default:
		return fmt.Sprintf("camera %d: %v", e.DeviceID, e.Err)
	}
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsPermissionDenied reports whether err is a DeviceError caused by a denied permission.
func IsPermissionDenied(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == DevicePermissionDenied
}

// IsNotFound reports whether err is a DeviceError caused by a missing device.
func IsNotFound(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == DeviceNotFound
}
