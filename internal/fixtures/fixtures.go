// Package fixtures generates synthetic eyewear overlays and camera frames for
// end-to-end tests.
package fixtures

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/gogpu/gg"
	"golang.org/x/image/draw"
)

// Eyewear draws a pair of round frames with a bridge on a transparent
// background.
func Eyewear(width, height int) image.Image {
	dc := gg.NewContext(width, height)
	defer dc.Close()

	w, h := float64(width), float64(height)
	r := h * 0.4
	if r > w*0.22 {
		r = w * 0.22
	}

	dc.SetRGBA(0.1, 0.1, 0.1, 1)
	dc.SetLineWidth(r * 0.15)
	dc.DrawCircle(w*0.28, h/2, r)
	dc.Stroke()
	dc.DrawCircle(w*0.72, h/2, r)
	dc.Stroke()
	dc.DrawLine(w*0.28+r, h/2, w*0.72-r, h/2)
	dc.Stroke()

	// Tinted lenses.
	dc.SetRGBA(0.2, 0.3, 0.5, 0.35)
	dc.DrawCircle(w*0.28, h/2, r*0.9)
	dc.Fill()
	dc.DrawCircle(w*0.72, h/2, r*0.9)
	dc.Fill()

	return cloneImage(dc.Image())
}

// EyewearPNG returns Eyewear encoded as PNG.
func EyewearPNG(width, height int) ([]byte, error) {
	dc := gg.NewContextForImage(Eyewear(width, height))
	defer dc.Close()

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode eyewear: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteEyewear writes an eyewear PNG named name into dir and returns its path.
func WriteEyewear(dir, name string, width, height int) (string, error) {
	data, err := EyewearPNG(width, height)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Frames returns n camera frames of a uniformly lit scene with a bright
// rectangle that moves one step per frame.
func Frames(n, width, height int) []image.Image {
	frames := make([]image.Image, 0, n)
	for i := 0; i < n; i++ {
		dc := gg.NewContext(width, height)
		dc.ClearWithColor(gg.RGBA{R: 0.25, G: 0.22, B: 0.2, A: 1})
		dc.SetRGB(0.9, 0.8, 0.7)
		dc.DrawRectangle(float64(width/4+i*4), float64(height/4), float64(width/2), float64(height/2))
		dc.Fill()
		frames = append(frames, cloneImage(dc.Image()))
		dc.Close()
	}
	return frames
}

// cloneImage copies img so it outlives the context that drew it.
func cloneImage(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}
