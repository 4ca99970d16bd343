package capture

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// StillnessGate reports when consecutive frames are effectively identical so
// the tracker can skip inference. It uses frame differencing with Gaussian
// blur for noise reduction.
type StillnessGate struct {
	threshold   float64
	prevGray    gocv.Mat
	initialized bool
	mu          sync.Mutex
}

const (
	// GaussianBlurSize is the kernel size for Gaussian blur (21x21).
	GaussianBlurSize = 21
	// DiffThreshold is the binary threshold for difference detection.
	DiffThreshold = 25
)

// NewStillnessGate creates a gate with the given threshold, the percentage of
// pixels that must change for a frame to count as new. 0.5 means 0.5%.
func NewStillnessGate(threshold float64) *StillnessGate {
	return &StillnessGate{
		threshold: threshold,
		prevGray:  gocv.NewMat(),
	}
}

// Still compares frame against the previous one. It returns true when the
// changed-pixel percentage is at or below the threshold, plus the percentage.
// The first frame after creation or Reset is never still.
func (g *StillnessGate) Still(frame *gocv.Mat) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()

	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: GaussianBlurSize, Y: GaussianBlurSize}, 0, 0, gocv.BorderDefault)

	if !g.initialized || blurred.Rows() != g.prevGray.Rows() || blurred.Cols() != g.prevGray.Cols() {
		blurred.CopyTo(&g.prevGray)
		g.initialized = true
		return false, 100
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, g.prevGray, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, DiffThreshold, 255, gocv.ThresholdBinary)

	nonZero := gocv.CountNonZero(thresh)
	totalPixels := thresh.Rows() * thresh.Cols()
	changePercent := float64(nonZero) / float64(totalPixels) * 100.0

	blurred.CopyTo(&g.prevGray)

	return changePercent <= g.threshold, changePercent
}

// Reset clears the baseline frame.
func (g *StillnessGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.prevGray.Empty() {
		g.prevGray.Close()
		g.prevGray = gocv.NewMat()
	}
	g.initialized = false
}

// Close releases resources used by the gate.
func (g *StillnessGate) Close() {
	g.Reset()
}

// SetThreshold sets the change threshold. Negative values are ignored.
func (g *StillnessGate) SetThreshold(threshold float64) {
	if threshold < 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.threshold = threshold
}
