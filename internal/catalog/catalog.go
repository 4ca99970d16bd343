// Package catalog keeps the overlay store in sync with a directory of eyewear
// images and tracks which overlay is selected.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ayusman/tryon/internal/logging"
	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/store"
)

// ErrNoSelection is returned when no overlay has been selected.
var ErrNoSelection = errors.New("catalog: no overlay selected")

// ErrWatching is returned by Watch when the directory is already watched.
var ErrWatching = errors.New("catalog: already watching")

// Selector applies an overlay to the try-on surface.
type Selector interface {
	SelectOverlay(ctx context.Context, src scene.Source, cal *pose.Calibration) (uint64, error)
}

// Catalog mirrors an overlay directory into the store.
type Catalog struct {
	dir      string
	overlays *store.OverlayRepository
	settings *store.SettingsRepository
	selector Selector
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a catalog for dir. An empty dir disables scanning and watching
// but still supports selection.
func New(dir string, st *store.Store, selector Selector, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("catalog: resolve %s: %w", dir, err)
		}
		dir = abs
	}
	return &Catalog{
		dir:      dir,
		overlays: st.Overlays(),
		settings: st.Settings(),
		selector: selector,
		logger:   logger.With("component", "catalog"),
	}, nil
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Scan registers every image in the directory and removes catalog entries
// whose file is gone. It returns the number of overlays added.
func (c *Catalog) Scan() (int, error) {
	if c.dir == "" {
		return 0, nil
	}

	info, err := os.Stat(c.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("catalog: %s is not a directory", c.dir)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}

	present := make(map[string]bool)
	added := 0
	for _, entry := range entries {
		if entry.IsDir() || !scene.IsImageFile(entry.Name()) {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		present[path] = true

		created, err := c.register(path)
		if err != nil {
			c.logger.Warn("failed to register overlay", "path", path, "error", err)
			continue
		}
		if created {
			added++
		}
	}

	existing, err := c.overlays.ListByOrigin(store.OriginCatalog)
	if err != nil {
		return added, err
	}
	for _, o := range existing {
		if !present[o.Source] {
			c.unregister(o.Source)
		}
	}

	c.logger.Info("catalog scanned", "dir", c.dir, "files", len(present), "added", added)
	return added, nil
}

func (c *Catalog) register(path string) (bool, error) {
	o := &store.Overlay{
		ID:     uuid.NewString(),
		Name:   displayName(path),
		Source: path,
		Origin: store.OriginCatalog,
	}
	created, err := c.overlays.Upsert(o)
	if err != nil {
		return false, err
	}
	if created {
		c.logger.Debug("overlay added", "id", o.ID, "path", path)
	}
	return created, nil
}

func (c *Catalog) unregister(path string) {
	o, err := c.overlays.GetBySource(path)
	if err != nil {
		return
	}
	if err := c.overlays.Delete(o.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("failed to remove overlay", "path", path, "error", err)
		return
	}
	if id, err := c.settings.Get(store.SettingSelectedOverlay); err == nil && id == o.ID {
		c.settings.Delete(store.SettingSelectedOverlay)
	}
	c.logger.Debug("overlay removed", "id", o.ID, "path", path)
}

// Select makes the overlay with id current, remembers it and applies it
// through the selector. The returned token identifies the texture load.
func (c *Catalog) Select(ctx context.Context, id string) (*store.Overlay, uint64, error) {
	o, err := c.overlays.GetByID(id)
	if err != nil {
		return nil, 0, err
	}
	if err := c.settings.Set(store.SettingSelectedOverlay, o.ID); err != nil {
		return nil, 0, err
	}
	token, err := c.apply(ctx, o)
	if err != nil {
		return o, 0, err
	}
	return o, token, nil
}

func (c *Catalog) apply(ctx context.Context, o *store.Overlay) (uint64, error) {
	if c.selector == nil {
		return 0, nil
	}
	cal := o.Calibration()
	return c.selector.SelectOverlay(ctx, scene.ParseSource(o.Source), &cal)
}

// Selected returns the remembered overlay.
func (c *Catalog) Selected() (*store.Overlay, error) {
	id, err := c.settings.Get(store.SettingSelectedOverlay)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSelection
	}
	if err != nil {
		return nil, err
	}
	o, err := c.overlays.GetByID(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSelection
	}
	return o, err
}

// Refresh reapplies o when it is the selected overlay, for example after its
// calibration changed. It reports whether o was applied.
func (c *Catalog) Refresh(ctx context.Context, o *store.Overlay) (bool, error) {
	sel, err := c.Selected()
	if err != nil || sel.ID != o.ID {
		return false, nil
	}
	if _, err := c.apply(ctx, o); err != nil {
		return false, err
	}
	return true, nil
}

// Restore applies the remembered overlay. Without one it selects the overlay
// whose source or file name matches fallback.
func (c *Catalog) Restore(ctx context.Context, fallback string) (*store.Overlay, error) {
	o, err := c.Selected()
	if err == nil {
		_, err = c.apply(ctx, o)
		return o, err
	}
	if !errors.Is(err, ErrNoSelection) {
		return nil, err
	}
	if fallback == "" {
		return nil, ErrNoSelection
	}

	o, err = c.lookup(fallback)
	if err != nil {
		return nil, err
	}
	o, _, err = c.Select(ctx, o.ID)
	return o, err
}

func (c *Catalog) lookup(ref string) (*store.Overlay, error) {
	if o, err := c.overlays.GetBySource(ref); err == nil {
		return o, nil
	}
	if c.dir != "" && !filepath.IsAbs(ref) && !strings.Contains(ref, "://") {
		if o, err := c.overlays.GetBySource(filepath.Join(c.dir, ref)); err == nil {
			return o, nil
		}
	}

	// Unknown references become manual entries.
	o := &store.Overlay{
		ID:     uuid.NewString(),
		Name:   displayName(ref),
		Source: ref,
		Origin: store.OriginManual,
	}
	if err := c.overlays.Create(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Watch scans the directory and keeps following changes until ctx is done or
// Close is called.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return ErrWatching
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("catalog: create %s: %w", c.dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return err
	}

	// Scan after Add so files created in between are seen by one or the other.
	if _, err := c.Scan(); err != nil {
		w.Close()
		return err
	}

	c.watcher = w
	c.done = make(chan struct{})
	go c.loop(ctx, w, c.done)

	c.logger.Info("watching overlay directory", "dir", c.dir)
	return nil
}

func (c *Catalog) loop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			c.handle(ctx, e)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watch error", "error", err)
		}
	}
}

func (c *Catalog) handle(ctx context.Context, e fsnotify.Event) {
	if !scene.IsImageFile(e.Name) {
		return
	}

	switch {
	case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		c.unregister(e.Name)

	case e.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if info, err := os.Stat(e.Name); err != nil || info.IsDir() {
			return
		}
		if _, err := c.register(e.Name); err != nil {
			c.logger.Warn("failed to register overlay", "path", e.Name, "error", err)
			return
		}

		// A rewritten selected image is reloaded in place.
		sel, err := c.Selected()
		if err != nil || sel.Source != e.Name {
			return
		}
		if _, err := c.apply(ctx, sel); err != nil {
			c.logger.Warn("failed to reload overlay", "id", sel.ID, "error", err)
			return
		}
		c.logger.Info("overlay reloaded", "id", sel.ID, "path", e.Name)
	}
}

// Close stops watching. It is safe to call more than once.
func (c *Catalog) Close() error {
	c.mu.Lock()
	w, done := c.watcher, c.done
	c.watcher, c.done = nil, nil
	c.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

func displayName(ref string) string {
	base := filepath.Base(ref)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
