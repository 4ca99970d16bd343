package scene

import (
	"math"
	"testing"
)

func TestCamera_ProjectCenter(t *testing.T) {
	cam := NewCamera(1)

	p, ok := cam.Project(0, 0, 1, 800, 800)
	if !ok {
		t.Fatal("origin plane should be visible")
	}
	if math.Abs(p.X-400) > 1e-9 || math.Abs(p.Y-400) > 1e-9 {
		t.Errorf("Project(0,0,1) = %+v, want viewport center", p)
	}
}

func TestCamera_ProjectAxes(t *testing.T) {
	cam := NewCamera(1)

	right, _ := cam.Project(1, 0, 1, 800, 800)
	up, _ := cam.Project(0, 1, 1, 800, 800)

	if right.X <= 400 {
		t.Errorf("+x should project right of center, got %v", right.X)
	}
	if up.Y >= 400 {
		t.Errorf("+y should project above center, got %v", up.Y)
	}
	if math.Abs((right.X-400)-(400-up.Y)) > 1e-9 {
		t.Errorf("square aspect should project x and y equally: %v vs %v", right.X-400, 400-up.Y)
	}
}

func TestCamera_ProjectClipping(t *testing.T) {
	cam := NewCamera(1)

	tests := []struct {
		name string
		z    float64
		want bool
	}{
		{name: "in front", z: 1, want: true},
		{name: "behind camera", z: 6, want: false},
		{name: "inside near plane", z: 4.95, want: false},
		{name: "beyond far plane", z: -1000, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := cam.Project(0, 0, tt.z, 100, 100); ok != tt.want {
				t.Errorf("Project(z=%v) ok = %v, want %v", tt.z, ok, tt.want)
			}
		})
	}
}

func TestCamera_AspectWidensX(t *testing.T) {
	square := NewCamera(1)
	wide := NewCamera(2)

	ps, _ := square.Project(1, 0, 1, 800, 800)
	pw, _ := wide.Project(1, 0, 1, 1600, 800)

	// Same world offset covers the same number of pixels when the viewport
	// grows with the aspect ratio.
	if math.Abs((ps.X-400)-(pw.X-800)) > 1e-9 {
		t.Errorf("pixel offsets differ: %v vs %v", ps.X-400, pw.X-800)
	}
}

func TestCamera_VisibleHeight(t *testing.T) {
	cam := NewCamera(1)
	h := cam.VisibleHeight(1)

	top, _ := cam.Project(0, h/2, 1, 800, 800)
	if math.Abs(top.Y) > 1e-9 {
		t.Errorf("top of visible height projects to y=%v, want 0", top.Y)
	}
}
