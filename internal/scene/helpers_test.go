package scene

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/gogpu/gg"
)

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

var red = color.NRGBA{R: 255, A: 255}

// gatedLoader blocks each load until its reference is released.
type gatedLoader struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	fail  map[string]error
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{gates: map[string]chan struct{}{}, fail: map[string]error{}}
}

func (l *gatedLoader) gate(ref string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[ref]
	if !ok {
		g = make(chan struct{})
		l.gates[ref] = g
	}
	return g
}

func (l *gatedLoader) release(ref string) {
	close(l.gate(ref))
}

func (l *gatedLoader) failWith(ref string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[ref] = err
}

func (l *gatedLoader) Load(ctx context.Context, src Source) (*gg.ImageBuf, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.gate(src.Ref):
	}
	l.mu.Lock()
	err := l.fail[src.Ref]
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return gg.ImageBufFromImage(solidImage(4, 2, red)), nil
}

// instantLoader returns a solid texture immediately.
type instantLoader struct {
	color color.NRGBA
}

func (l instantLoader) Load(ctx context.Context, src Source) (*gg.ImageBuf, error) {
	if src.Ref == "missing" {
		return nil, errors.New("not found")
	}
	return gg.ImageBufFromImage(solidImage(64, 32, l.color)), nil
}
