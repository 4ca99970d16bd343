package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayusman/tryon/internal/capture"
	"github.com/ayusman/tryon/internal/config"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Store.Path = filepath.Join(dir, "data", "tryon.db")
	cfg.Overlays.Dir = filepath.Join(dir, "overlays")
	if err := os.MkdirAll(cfg.Overlays.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return &cfg
}

func TestSessionOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.DeviceID = 2
	cfg.Camera.FacingMode = "environment"
	cfg.Calibration.ReferenceEyeDistance = 120
	cfg.Render.Width = 640
	cfg.Render.Height = 480
	cfg.Render.Background = false
	cfg.Tracking.Period = 50 * time.Millisecond
	cfg.Tracking.SkipStillFrames = true

	opts := SessionOptions(&cfg)

	if opts.Camera.DeviceID != 2 || opts.Camera.Facing != capture.FacingEnvironment {
		t.Errorf("camera = %+v", opts.Camera)
	}
	if opts.Camera.Width != 800 || opts.Camera.Height != 800 || opts.Camera.FPS != 30 {
		t.Errorf("camera size = %+v", opts.Camera)
	}
	if !opts.Model.IrisRefinement || opts.Model.MaxFaces != 1 {
		t.Errorf("model = %+v", opts.Model)
	}
	if opts.Calibration.ReferenceEyeDistance != 120 || opts.Calibration.OffsetY != -0.005 {
		t.Errorf("calibration = %+v", opts.Calibration)
	}
	if opts.Width != 640 || opts.Height != 480 || opts.Background {
		t.Errorf("viewport = %dx%d background=%v", opts.Width, opts.Height, opts.Background)
	}
	if opts.Render.FOV != 75 || opts.Render.CameraZ != 5 || opts.Render.RefreshHz != 60 {
		t.Errorf("render = %+v", opts.Render)
	}
	if opts.TrackingPeriod != 50*time.Millisecond || !opts.SkipStillFrames {
		t.Errorf("tracking period = %v skip = %v", opts.TrackingPeriod, opts.SkipStillFrames)
	}
}

func TestApp_URL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"0.0.0.0:9000", "http://localhost:9000"},
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"[::1]:8080", "http://[::1]:8080"},
	}
	for _, tt := range tests {
		a := &App{cfg: &config.Config{Server: config.ServerConfig{Addr: tt.addr}}}
		if got := a.URL(); got != tt.want {
			t.Errorf("URL() for %q = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestApp_RunRestoresDefaultOverlay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Overlays.Watch = true
	cfg.Overlays.Default = "aviator.png"

	path := filepath.Join(cfg.Overlays.Dir, "aviator.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfg, nil, session.Deps{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		src := a.Manager().Options().Overlay
		if src.Kind == scene.SourceFile && filepath.Base(src.Ref) == "aviator.png" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("default overlay not restored, got %v", src)
		}
		time.Sleep(10 * time.Millisecond)
	}

	list, err := a.Store().Overlays().List()
	if err != nil || len(list) != 1 {
		t.Errorf("catalog = %v, %v", list, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestApp_ControllerWithoutSession(t *testing.T) {
	a, err := New(testConfig(t), nil, session.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	c := a.Controller()
	if c.Running() {
		t.Error("Running() should be false before Start")
	}
	c.Stop()
}

func TestApp_MQTTUnavailableIsNotFatal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker connection test in short mode")
	}

	cfg := testConfig(t)
	cfg.MQTT.Broker = "tcp://127.0.0.1:1"

	a, err := New(cfg, nil, session.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
