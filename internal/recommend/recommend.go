// Package recommend ranks overlays by how close their frame colours are to
// a given overlay. Each texture is reduced to a hue/saturation histogram of
// its opaque pixels and histograms are compared by correlation.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/gg"
	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	"github.com/ayusman/tryon/internal/logging"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/store"
)

// DefaultLimit is the number of matches returned when the caller asks for
// none in particular.
const DefaultLimit = 5

// ErrClosed is returned after Close.
var ErrClosed = errors.New("recommend: closed")

const (
	hueBins = 30
	satBins = 32
	// Pixels at or below this alpha do not count towards the histogram.
	alphaCutoff = 16
)

// Overlays lists the catalog.
type Overlays interface {
	GetByID(id string) (*store.Overlay, error)
	List() ([]*store.Overlay, error)
}

// Match is one ranked overlay. Score is the histogram correlation in [-1, 1].
type Match struct {
	Overlay *store.Overlay `json:"overlay"`
	Score   float64        `json:"score"`
}

type entry struct {
	source  string
	updated time.Time
	hist    gocv.Mat
	empty   bool
}

// Recommender caches one histogram per overlay and recomputes it when the
// overlay's source or update time changes.
type Recommender struct {
	overlays Overlays
	loader   scene.TextureLoader
	logger   *slog.Logger

	mu     sync.Mutex
	cache  map[string]*entry
	closed bool
}

// New creates a Recommender. A nil loader reads files and URLs with the
// default texture loader.
func New(overlays Overlays, loader scene.TextureLoader, logger *slog.Logger) *Recommender {
	if loader == nil {
		loader = scene.NewLoader(nil)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recommender{
		overlays: overlays,
		loader:   loader,
		logger:   logger.With("component", "recommend"),
		cache:    make(map[string]*entry),
	}
}

// Similar returns up to limit overlays ranked by colour similarity to the
// overlay with the given id, best first. The overlay itself is excluded and
// overlays whose image cannot be loaded are skipped. store.ErrNotFound is
// returned for an unknown id.
func (r *Recommender) Similar(ctx context.Context, id string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	target, err := r.overlays.GetByID(id)
	if err != nil {
		return nil, err
	}
	all, err := r.overlays.List()
	if err != nil {
		return nil, fmt.Errorf("list overlays: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	ref, err := r.histogram(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("overlay %s: %w", id, err)
	}

	live := make(map[string]bool, len(all))
	matches := make([]Match, 0, len(all))
	for _, o := range all {
		live[o.ID] = true
		if o.ID == target.ID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := r.histogram(ctx, o)
		if err != nil {
			r.logger.Debug("skipping overlay", "id", o.ID, "error", err)
			continue
		}
		matches = append(matches, Match{Overlay: o, Score: score(ref, e)})
	}
	r.prune(live)

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Close releases cached histograms.
func (r *Recommender) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for id, e := range r.cache {
		e.hist.Close()
		delete(r.cache, id)
	}
	return nil
}

func (r *Recommender) prune(live map[string]bool) {
	for id, e := range r.cache {
		if !live[id] {
			e.hist.Close()
			delete(r.cache, id)
		}
	}
}

func (r *Recommender) histogram(ctx context.Context, o *store.Overlay) (*entry, error) {
	if e, ok := r.cache[o.ID]; ok && e.source == o.Source && e.updated.Equal(o.UpdatedAt) {
		return e, nil
	}

	tex, err := r.loader.Load(ctx, scene.ParseSource(o.Source))
	if err != nil {
		return nil, err
	}
	hist, empty, err := colorHistogram(tex)
	if err != nil {
		return nil, err
	}

	if old, ok := r.cache[o.ID]; ok {
		old.hist.Close()
	}
	e := &entry{source: o.Source, updated: o.UpdatedAt, hist: hist, empty: empty}
	r.cache[o.ID] = e
	return e, nil
}

func score(a, b *entry) float64 {
	if a.empty || b.empty {
		return 0
	}
	s := float64(gocv.CompareHist(a.hist, b.hist, gocv.HistCmpCorrel))
	if math.IsNaN(s) {
		return 0
	}
	return s
}

// colorHistogram builds a normalized hue/saturation histogram over the
// texture's opaque pixels. empty reports a texture with no opaque pixels.
func colorHistogram(tex *gg.ImageBuf) (hist gocv.Mat, empty bool, err error) {
	img := tex.ToStdImage()
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)

	bgra, err := gocv.ImageToMatRGBA(rgba)
	if err != nil {
		return gocv.Mat{}, false, fmt.Errorf("texture to mat: %w", err)
	}
	defer bgra.Close()

	channels := gocv.Split(bgra)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(channels[3], &mask, alphaCutoff, 255, gocv.ThresholdBinary)

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(bgra, &bgr, gocv.ColorBGRAToBGR)

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)

	hist = gocv.NewMat()
	gocv.CalcHist([]gocv.Mat{hsv}, []int{0, 1}, mask, &hist, []int{hueBins, satBins}, []float64{0, 180, 0, 256}, false)
	if gocv.CountNonZero(mask) == 0 {
		return hist, true, nil
	}
	gocv.Normalize(hist, &hist, 0, 1, gocv.NormMinMax)
	return hist, false, nil
}
