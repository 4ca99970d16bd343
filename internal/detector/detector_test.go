package detector

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/tryon/internal/pose"
)

const epsilon = 1e-9

func TestFaceLandmarks_SemanticAccess(t *testing.T) {
	face := ReferenceFace()

	if !face.Present() {
		t.Fatal("reference face should be present")
	}
	if got := face.LeftEyeOuter(); got != (pose.Point{X: 360, Y: 400}) {
		t.Errorf("LeftEyeOuter() = %+v", got)
	}
	if got := face.RightEyeOuter(); got != (pose.Point{X: 440, Y: 400}) {
		t.Errorf("RightEyeOuter() = %+v", got)
	}
	if got := face.EyeCenter(); got != (pose.Point{X: 400, Y: 390}) {
		t.Errorf("EyeCenter() = %+v", got)
	}
	if !face.HasIris() {
		t.Error("fixture should carry iris points")
	}
}

func TestFaceLandmarks_Present(t *testing.T) {
	tests := []struct {
		name string
		face FaceLandmarks
		want bool
	}{
		{name: "empty", face: FaceLandmarks{}, want: false},
		{name: "truncated mesh", face: FaceLandmarks{Points: make([]Point3D, 200)}, want: false},
		{name: "base mesh", face: FaceLandmarks{Points: make([]Point3D, NumFaceMeshLandmarks)}, want: true},
		{
			name: "custom topology",
			face: FaceLandmarks{
				Points:   make([]Point3D, 3),
				Topology: Topology{Name: "tiny", LeftEyeOuter: 0, RightEyeOuter: 1, EyeCenter: 2},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.face.Present(); got != tt.want {
				t.Errorf("Present() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFaceLandmarks_OutOfRangeIsZero(t *testing.T) {
	face := FaceLandmarks{Points: make([]Point3D, 10)}
	if got := face.RightEyeOuter(); got != (pose.Point{}) {
		t.Errorf("RightEyeOuter() on short mesh = %+v, want zero", got)
	}
}

func TestFirstPresent(t *testing.T) {
	if _, ok := FirstPresent(nil); ok {
		t.Error("FirstPresent(nil) should report no face")
	}

	faces := []FaceLandmarks{{}, ReferenceFace()}
	got, ok := FirstPresent(faces)
	if !ok {
		t.Fatal("FirstPresent() should find the reference face")
	}
	if got.EyeCenter() != (pose.Point{X: 400, Y: 390}) {
		t.Errorf("FirstPresent() returned wrong face")
	}
}

func TestTiltedFace(t *testing.T) {
	face := TiltedFace(400, 400, 100, math.Pi/2)
	l, r := face.LeftEyeOuter(), face.RightEyeOuter()

	if math.Abs(math.Atan2(r.Y-l.Y, r.X-l.X)-math.Pi/2) > epsilon {
		t.Errorf("eye line angle wrong: left %+v right %+v", l, r)
	}
	if math.Abs(pose.EyeDistance(face)-100) > epsilon {
		t.Errorf("EyeDistance = %v, want 100", pose.EyeDistance(face))
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: DefaultOptions()},
		{name: "zero faces", opts: Options{MaxFaces: 0}, wantErr: true},
		{name: "confidence above one", opts: Options{MaxFaces: 1, MinDetectionConfidence: 1.5}, wantErr: true},
		{name: "negative tracking confidence", opts: Options{MaxFaces: 1, MinTrackingConfidence: -0.1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if !opts.IrisRefinement || opts.MaxFaces != 1 {
		t.Errorf("DefaultOptions() = %+v, want iris refinement and one face", opts)
	}
}

func TestGuard_RejectsOverlap(t *testing.T) {
	mock := NewMockDetector()
	mock.SetFaces([]FaceLandmarks{ReferenceFace()})
	mock.SetLatency(100 * time.Millisecond)

	g := NewGuard(mock)
	if err := g.Load(context.Background(), DefaultOptions()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		if _, err := g.Estimate(context.Background(), nil); err != nil {
			t.Errorf("first Estimate() error = %v", err)
		}
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if _, err := g.Estimate(context.Background(), nil); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping Estimate() error = %v, want ErrBusy", err)
	}
	wg.Wait()

	if g.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", g.Skipped())
	}
	if mock.MaxConcurrent() != 1 {
		t.Errorf("MaxConcurrent() = %d, want 1", mock.MaxConcurrent())
	}

	if _, err := g.Estimate(context.Background(), nil); err != nil {
		t.Errorf("Estimate() after completion error = %v", err)
	}
}

func TestMockDetector_Script(t *testing.T) {
	mock := NewMockDetector()
	mock.SetFaces([]FaceLandmarks{ReferenceFace()})
	mock.Script(nil, []FaceLandmarks{TiltedFace(100, 100, 50, 0)})

	ctx := context.Background()
	if _, err := mock.Estimate(ctx, nil); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Estimate() before Load error = %v, want ErrNotLoaded", err)
	}
	mock.Load(ctx, DefaultOptions())

	first, _ := mock.Estimate(ctx, nil)
	if len(first) != 0 {
		t.Errorf("first scripted result should have no face, got %d", len(first))
	}
	second, _ := mock.Estimate(ctx, nil)
	if len(second) != 1 || second[0].EyeCenter() != (pose.Point{X: 100, Y: 100}) {
		t.Errorf("second scripted result wrong: %+v", second)
	}
	third, _ := mock.Estimate(ctx, nil)
	if len(third) != 1 || third[0].EyeCenter() != (pose.Point{X: 400, Y: 390}) {
		t.Errorf("fallback result wrong")
	}
	if mock.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", mock.Calls())
	}
}

func TestMockDetector_LoadError(t *testing.T) {
	mock := NewMockDetector()
	cause := errors.New("no compute backend")
	mock.SetLoadError(cause)

	err := mock.Load(context.Background(), DefaultOptions())
	var mle *ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("Load() error = %v, want *ModelLoadError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("ModelLoadError should unwrap to its cause")
	}
	if mock.Loaded() {
		t.Error("mock should not be loaded after failure")
	}
}

func TestMockDetector_LoadRespectsContext(t *testing.T) {
	mock := NewMockDetector()
	mock.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := mock.Load(ctx, DefaultOptions())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Load() error = %v, want deadline exceeded", err)
	}
}

func TestJSONFace_ScalesToPixels(t *testing.T) {
	f := jsonFace{
		Points: []jsonPoint{{X: 0.5, Y: 0.25, Z: -0.1}},
		Score:  0.9,
	}

	lm := f.toFaceLandmarks(800, 400)
	if len(lm.Points) != 1 {
		t.Fatalf("points = %d, want 1", len(lm.Points))
	}
	p := lm.Points[0]
	if p.X != 400 || p.Y != 100 || math.Abs(p.Z+80) > epsilon {
		t.Errorf("scaled point = %+v, want {400 100 -80}", p)
	}
	if lm.Topology.Name != FaceMeshTopology.Name {
		t.Errorf("topology = %q, want %q", lm.Topology.Name, FaceMeshTopology.Name)
	}
}

func TestWaitReady(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "ready", input: `{"ready": true}` + "\n"},
		{name: "reported error", input: `{"ready": false, "error": "no GPU"}` + "\n", wantErr: "no GPU"},
		{name: "garbage", input: "hello\n", wantErr: "parse handshake"},
		{name: "eof", input: "", wantErr: "read handshake"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := waitReady(context.Background(), bufio.NewReader(strings.NewReader(tt.input)))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("waitReady() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("waitReady() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWaitReady_Timeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := waitReady(ctx, bufio.NewReader(pr))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waitReady() error = %v, want deadline exceeded", err)
	}
}

func TestFaceMesh_LoadMissingScript(t *testing.T) {
	d := NewFaceMesh(FaceMeshConfig{Script: filepath.Join(t.TempDir(), "missing.py")})
	defer d.Close()

	err := d.Load(context.Background(), DefaultOptions())
	var mle *ModelLoadError
	if !errors.As(err, &mle) {
		t.Errorf("Load() error = %v, want *ModelLoadError", err)
	}
}

// stubService writes a shell script standing in for the FaceMesh service.
func stubService(t *testing.T, body string) FaceMeshConfig {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub unsupported on windows")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	script := filepath.Join(t.TempDir(), "service.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return FaceMeshConfig{Python: "/bin/sh", Script: script, LoadTimeout: 200 * time.Millisecond}
}

func TestFaceMesh_LoadTimeout(t *testing.T) {
	d := NewFaceMesh(stubService(t, "exec sleep 30"))
	defer d.Close()

	start := time.Now()
	err := d.Load(context.Background(), DefaultOptions())
	var mle *ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("Load() error = %v, want *ModelLoadError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Load() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Load() took %v, want bounded by LoadTimeout", elapsed)
	}
}

func TestFaceMesh_EstimateCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	d := NewFaceMesh(stubService(t, `echo '{"ready": true}'
exec sleep 30`))

	if err := d.Load(context.Background(), DefaultOptions()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	frame := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC3)
	defer frame.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := d.Estimate(ctx, &frame); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Estimate() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Estimate() took %v after cancel", elapsed)
	}

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() blocked after cancelled Estimate")
	}
}

func TestFaceMesh_EstimateBeforeLoad(t *testing.T) {
	d := NewFaceMesh(FaceMeshConfig{})
	defer d.Close()

	frame := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
	defer frame.Close()

	if _, err := d.Estimate(context.Background(), &frame); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Estimate() error = %v, want ErrNotLoaded", err)
	}
}

func TestFaceMesh_CloseIdempotent(t *testing.T) {
	d := NewFaceMesh(FaceMeshConfig{})

	if err := d.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := d.Load(context.Background(), DefaultOptions()); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() after Close error = %v, want ErrClosed", err)
	}
}

func TestFaceMesh_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if findFaceMeshScript() == "" {
		t.Skip("facemesh service script not available")
	}

	d := NewFaceMesh(FaceMeshConfig{})
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := d.Load(ctx, DefaultOptions()); err != nil {
		t.Skipf("skipping - mediapipe not available: %v", err)
	}

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	faces, err := d.Estimate(ctx, &frame)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("blank frame should have no faces, got %d", len(faces))
	}
}
