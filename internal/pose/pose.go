// Package pose maps facial keypoints to an overlay transform in scene units.
package pose

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned when a frame or canvas size is not positive.
var ErrInvalidGeometry = errors.New("pose: invalid geometry")

// Point is a 2D position in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a pixel extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (s Size) valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Landmarks exposes the semantic keypoints the mapper needs. Implementations
// translate them from whatever model topology they use.
type Landmarks interface {
	LeftEyeOuter() Point
	RightEyeOuter() Point
	EyeCenter() Point
}

// Calibration holds the empirical constants converting pixel displacement to
// scene units.
type Calibration struct {
	ReferenceEyeDistance float64 `json:"reference_eye_distance"`
	ScaleX               float64 `json:"scale_x"`
	ScaleY               float64 `json:"scale_y"`
	OffsetX              float64 `json:"offset_x"`
	OffsetY              float64 `json:"offset_y"`
	Depth                float64 `json:"depth"`
}

// DefaultCalibration returns the reference tuning.
func DefaultCalibration() Calibration {
	return Calibration{
		ReferenceEyeDistance: 160,
		ScaleX:               -0.01,
		ScaleY:               -0.01,
		OffsetX:              0,
		OffsetY:              -0.005,
		Depth:                1,
	}
}

// Validate reports whether the calibration can be used by Map.
func (c Calibration) Validate() error {
	if c.ReferenceEyeDistance <= 0 || math.IsNaN(c.ReferenceEyeDistance) {
		return fmt.Errorf("%w: reference eye distance %v", ErrInvalidGeometry, c.ReferenceEyeDistance)
	}
	return nil
}

// Transform is an immutable overlay placement.
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
}

// Identity is the transform of an overlay that has never been tracked.
var Identity = Transform{Scale: 1}

// Map converts landmarks observed in a frame of the given size into a scene
// transform. canvas is accepted for callers that letterbox, but the reference
// tuning positions the overlay from frame coordinates only.
func Map(cal Calibration, lm Landmarks, frame, canvas Size) (Transform, error) {
	if !frame.valid() {
		return Transform{}, fmt.Errorf("%w: frame %vx%v", ErrInvalidGeometry, frame.Width, frame.Height)
	}
	if !canvas.valid() {
		return Transform{}, fmt.Errorf("%w: canvas %vx%v", ErrInvalidGeometry, canvas.Width, canvas.Height)
	}
	if err := cal.Validate(); err != nil {
		return Transform{}, err
	}
	if lm == nil {
		return Transform{}, errors.New("pose: nil landmarks")
	}

	left := lm.LeftEyeOuter()
	right := lm.RightEyeOuter()
	center := lm.EyeCenter()

	dx := right.X - left.X
	dy := right.Y - left.Y

	return Transform{
		X:        (center.X-frame.Width/2)*cal.ScaleX + cal.OffsetX,
		Y:        (center.Y-frame.Height/2)*cal.ScaleY + cal.OffsetY,
		Z:        cal.Depth,
		Scale:    math.Hypot(dx, dy) / cal.ReferenceEyeDistance,
		Rotation: math.Atan2(dy, dx),
	}, nil
}

// EyeDistance returns the 2D distance between the outer eye corners.
func EyeDistance(lm Landmarks) float64 {
	l, r := lm.LeftEyeOuter(), lm.RightEyeOuter()
	return math.Hypot(r.X-l.X, r.Y-l.Y)
}

// Points is a plain Landmarks value.
type Points struct {
	Left   Point `json:"left_eye_outer"`
	Right  Point `json:"right_eye_outer"`
	Center Point `json:"eye_center"`
}

func (p Points) LeftEyeOuter() Point  { return p.Left }
func (p Points) RightEyeOuter() Point { return p.Right }
func (p Points) EyeCenter() Point     { return p.Center }
