// Package scene renders the eyewear overlay quad over the camera preview.
package scene

import (
	"math"

	"github.com/gogpu/gg"
)

// Reference camera parameters.
const (
	DefaultFOV     = 75.0
	DefaultNear    = 0.1
	DefaultFar     = 1000.0
	DefaultCameraZ = 5.0
)

// Camera is a perspective camera on the +z axis looking toward the origin,
// with y up in world space.
type Camera struct {
	FOV    float64 // vertical field of view in degrees
	Aspect float64
	Near   float64
	Far    float64
	Z      float64
}

// NewCamera returns the reference camera for the given aspect ratio.
func NewCamera(aspect float64) Camera {
	return Camera{
		FOV:    DefaultFOV,
		Aspect: aspect,
		Near:   DefaultNear,
		Far:    DefaultFar,
		Z:      DefaultCameraZ,
	}
}

func (c Camera) focal() float64 {
	return 1 / math.Tan(c.FOV*math.Pi/360)
}

// Project maps a world point to pixel coordinates on a width x height
// viewport. ok is false when the point lies outside the near/far range.
func (c Camera) Project(x, y, z float64, width, height int) (gg.Point, bool) {
	depth := c.Z - z
	if depth <= c.Near || depth >= c.Far {
		return gg.Point{}, false
	}

	f := c.focal()
	ndcX := x * f / (c.Aspect * depth)
	ndcY := y * f / depth

	return gg.Pt(
		(ndcX+1)/2*float64(width),
		(1-ndcY)/2*float64(height),
	), true
}

// VisibleHeight returns the world-space height visible at depth z.
func (c Camera) VisibleHeight(z float64) float64 {
	return 2 * (c.Z - z) / c.focal()
}
