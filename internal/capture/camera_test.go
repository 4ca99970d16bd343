package capture

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultConstraints(t *testing.T) {
	c := DefaultConstraints()

	if c.Width != 800 || c.Height != 800 {
		t.Errorf("resolution = %dx%d, want 800x800", c.Width, c.Height)
	}
	if c.Facing != FacingUser {
		t.Errorf("Facing = %q, want %q", c.Facing, FacingUser)
	}
}

func TestConstraints_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Constraints
		want Constraints
	}{
		{
			name: "zero value",
			in:   Constraints{},
			want: DefaultConstraints(),
		},
		{
			name: "keeps explicit values",
			in:   Constraints{DeviceID: 2, Width: 640, Height: 480, FPS: 15, Facing: FacingEnvironment},
			want: Constraints{DeviceID: 2, Width: 640, Height: 480, FPS: 15, Facing: FacingEnvironment},
		},
		{
			name: "negative sizes fall back",
			in:   Constraints{Width: -1, Height: 0, FPS: -3},
			want: DefaultConstraints(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCamera_IsOpen_NotOpened(t *testing.T) {
	cam := NewCamera()

	if cam.IsOpen() {
		t.Error("IsOpen() should return false before Open() is called")
	}
}

func TestCamera_ReadFrame_NotOpened(t *testing.T) {
	cam := NewCamera()

	_, err := cam.ReadFrame()
	if !errors.Is(err, ErrCameraNotOpen) {
		t.Errorf("ReadFrame() error = %v, want ErrCameraNotOpen", err)
	}
}

func TestCamera_Close_NotOpened(t *testing.T) {
	cam := NewCamera()

	if err := cam.Close(); err != nil {
		t.Errorf("Close() on not opened camera should return nil, got: %v", err)
	}
}

func TestDeviceError_Kinds(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name           string
		err            error
		wantPermission bool
		wantNotFound   bool
	}{
		{
			name:           "permission denied",
			err:            &DeviceError{Kind: DevicePermissionDenied, Err: cause},
			wantPermission: true,
		},
		{
			name:         "not found",
			err:          &DeviceError{Kind: DeviceNotFound, Err: cause},
			wantNotFound: true,
		},
		{
			name: "generic failure",
			err:  &DeviceError{Kind: DeviceFailed, Err: cause},
		},
		{
			name: "plain error",
			err:  cause,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermissionDenied(tt.err); got != tt.wantPermission {
				t.Errorf("IsPermissionDenied() = %v, want %v", got, tt.wantPermission)
			}
			if got := IsNotFound(tt.err); got != tt.wantNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.wantNotFound)
			}
			if !errors.Is(tt.err, cause) {
				t.Error("DeviceError should unwrap to its cause")
			}
		})
	}
}

func TestAcquire_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	stream, err := Acquire(context.Background(), DefaultConstraints())
	if err != nil {
		var de *DeviceError
		if !errors.As(err, &de) {
			t.Fatalf("Acquire() error = %v, want *DeviceError", err)
		}
		t.Skipf("skipping test - camera not available: %v", err)
	}
	defer stream.Release()

	if !stream.Live() {
		t.Error("Live() should be true after Acquire")
	}
}
