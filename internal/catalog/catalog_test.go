package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/store"
)

type selection struct {
	src scene.Source
	cal *pose.Calibration
}

type fakeSelector struct {
	mu    sync.Mutex
	calls []selection
	err   error
}

func (f *fakeSelector) SelectOverlay(_ context.Context, src scene.Source, cal *pose.Calibration) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, selection{src: src, cal: cal})
	return uint64(len(f.calls)), f.err
}

func (f *fakeSelector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSelector) last() selection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestCatalog(t *testing.T, dir string) (*Catalog, *store.Store, *fakeSelector) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sel := &fakeSelector{}
	c, err := New(dir, st, sel, nil)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, st, sel
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCatalog_Scan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "aviator.png"), "png")
	writeFile(t, filepath.Join(dir, "round.JPG"), "jpg")
	writeFile(t, filepath.Join(dir, "notes.txt"), "text")
	if err := os.Mkdir(filepath.Join(dir, "nested.png"), 0o755); err != nil {
		t.Fatal(err)
	}

	c, st, _ := newTestCatalog(t, dir)

	added, err := c.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if added != 2 {
		t.Errorf("Scan() added = %d, want 2", added)
	}

	list, err := st.Overlays().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 overlays, got %d", len(list))
	}
	if list[0].Name != "aviator" || list[1].Name != "round" {
		t.Errorf("names = %q, %q", list[0].Name, list[1].Name)
	}
	for _, o := range list {
		if o.Origin != store.OriginCatalog {
			t.Errorf("overlay %q origin = %q", o.Name, o.Origin)
		}
		if o.Calibration() != pose.DefaultCalibration() {
			t.Errorf("overlay %q should get the default calibration", o.Name)
		}
	}

	// A second scan adds nothing and keeps IDs stable.
	added, err = c.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Errorf("rescan added = %d, want 0", added)
	}
}

func TestCatalog_ScanRemovesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aviator.png")
	writeFile(t, path, "png")

	c, st, _ := newTestCatalog(t, dir)
	if _, err := c.Scan(); err != nil {
		t.Fatal(err)
	}

	// Manual entries are never pruned by a scan.
	if err := st.Overlays().Create(&store.Overlay{ID: "manual", Name: "remote", Source: "https://cdn.example.com/remote.png"}); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Scan(); err != nil {
		t.Fatal(err)
	}

	list, err := st.Overlays().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "manual" {
		t.Errorf("expected only the manual overlay to remain, got %+v", list)
	}
}

func TestCatalog_ScanMissingDir(t *testing.T) {
	c, _, _ := newTestCatalog(t, filepath.Join(t.TempDir(), "absent"))

	added, err := c.Scan()
	if err != nil || added != 0 {
		t.Errorf("Scan() = %d, %v; want 0, nil", added, err)
	}
}

func TestCatalog_Select(t *testing.T) {
	c, st, sel := newTestCatalog(t, "")

	o := &store.Overlay{ID: "o1", Name: "aviator", Source: "/srv/aviator.png"}
	o.SetCalibration(pose.Calibration{ReferenceEyeDistance: 80, ScaleX: -0.01, ScaleY: -0.01, Depth: 1})
	if err := st.Overlays().Create(o); err != nil {
		t.Fatal(err)
	}

	got, token, err := c.Select(context.Background(), "o1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "o1" || token != 1 {
		t.Errorf("Select() = %q, %d", got.ID, token)
	}

	call := sel.last()
	if call.src.Kind != scene.SourceFile || call.src.Ref != "/srv/aviator.png" {
		t.Errorf("selector source = %v", call.src)
	}
	if call.cal == nil || call.cal.ReferenceEyeDistance != 80 {
		t.Errorf("selector calibration = %+v", call.cal)
	}

	selected, err := c.Selected()
	if err != nil || selected.ID != "o1" {
		t.Errorf("Selected() = %v, %v", selected, err)
	}

	if _, _, err := c.Select(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Select(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCatalog_SelectURL(t *testing.T) {
	c, st, sel := newTestCatalog(t, "")

	if err := st.Overlays().Create(&store.Overlay{ID: "o1", Name: "remote", Source: "https://cdn.example.com/a.png"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Select(context.Background(), "o1"); err != nil {
		t.Fatal(err)
	}
	if got := sel.last().src; got.Kind != scene.SourceURL {
		t.Errorf("source kind = %v, want URL", got.Kind)
	}
}

func TestCatalog_Restore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "aviator.png"), "png")
	writeFile(t, filepath.Join(dir, "round.png"), "png")

	tests := []struct {
		name     string
		selected string
		fallback string
		wantName string
		wantErr  error
	}{
		{name: "remembered", selected: "round", fallback: "aviator.png", wantName: "round"},
		{name: "fallback by file name", fallback: "aviator.png", wantName: "aviator"},
		{name: "fallback outside catalog", fallback: "https://cdn.example.com/x.png", wantName: "x"},
		{name: "nothing", wantErr: ErrNoSelection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, st, sel := newTestCatalog(t, dir)
			if _, err := c.Scan(); err != nil {
				t.Fatal(err)
			}
			if tt.selected != "" {
				o, err := st.Overlays().GetBySource(filepath.Join(c.Dir(), tt.selected+".png"))
				if err != nil {
					t.Fatal(err)
				}
				if err := st.Settings().Set(store.SettingSelectedOverlay, o.ID); err != nil {
					t.Fatal(err)
				}
			}

			o, err := c.Restore(context.Background(), tt.fallback)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Restore() error = %v, want %v", err, tt.wantErr)
				}
				if sel.count() != 0 {
					t.Error("selector should not be called")
				}
				return
			}
			if err != nil {
				t.Fatalf("Restore() error = %v", err)
			}
			if o.Name != tt.wantName {
				t.Errorf("Restore() name = %q, want %q", o.Name, tt.wantName)
			}
			if sel.count() != 1 {
				t.Errorf("selector calls = %d, want 1", sel.count())
			}
		})
	}
}

func TestCatalog_Refresh(t *testing.T) {
	c, st, sel := newTestCatalog(t, "")

	for _, id := range []string{"a", "b"} {
		if err := st.Overlays().Create(&store.Overlay{ID: id, Name: id, Source: "/srv/" + id + ".png"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := c.Select(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	b, _ := st.Overlays().GetByID("b")
	applied, err := c.Refresh(context.Background(), b)
	if err != nil || applied {
		t.Errorf("Refresh(unselected) = %v, %v", applied, err)
	}

	a, _ := st.Overlays().GetByID("a")
	a.Depth = 3
	applied, err = c.Refresh(context.Background(), a)
	if err != nil || !applied {
		t.Errorf("Refresh(selected) = %v, %v", applied, err)
	}
	if got := sel.last().cal; got == nil || got.Depth != 3 {
		t.Errorf("refreshed calibration = %+v", got)
	}
}

func TestCatalog_Watch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping filesystem watch test in short mode")
	}

	dir := t.TempDir()
	c, st, sel := newTestCatalog(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := c.Watch(ctx); !errors.Is(err, ErrWatching) {
		t.Errorf("second Watch() error = %v, want ErrWatching", err)
	}

	path := filepath.Join(c.Dir(), "cat-eye.png")
	writeFile(t, path, "v1")
	writeFile(t, filepath.Join(c.Dir(), "ignored.txt"), "x")

	var id string
	waitFor(t, "overlay registration", func() bool {
		o, err := st.Overlays().GetBySource(path)
		if err != nil {
			return false
		}
		id = o.ID
		return true
	})

	if _, _, err := c.Select(ctx, id); err != nil {
		t.Fatal(err)
	}
	before := sel.count()

	// Rewriting the selected file reloads it.
	writeFile(t, path, "v2")
	waitFor(t, "overlay reload", func() bool { return sel.count() > before })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "overlay removal", func() bool {
		_, err := st.Overlays().GetBySource(path)
		return errors.Is(err, store.ErrNotFound)
	})
	if _, err := c.Selected(); !errors.Is(err, ErrNoSelection) {
		t.Errorf("Selected() after removal error = %v, want ErrNoSelection", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"/a/b/aviator.png", "aviator"},
		{"round.jpeg", "round"},
		{"https://cdn.example.com/frames/cat.webp?v=2", "cat"},
	}
	for _, tt := range tests {
		if got := displayName(tt.ref); got != tt.want {
			t.Errorf("displayName(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
