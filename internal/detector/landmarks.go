// Package detector provides face landmark detection for overlay tracking.
package detector

import "github.com/ayusman/tryon/internal/pose"

// MediaPipe FaceMesh landmark indices used for eyewear placement.
// See: https://github.com/google-ai-edge/mediapipe/blob/master/mediapipe/modules/face_geometry/data/canonical_face_model_uv_visualization.png
const (
	FaceMeshLeftEyeOuter  = 130
	FaceMeshRightEyeOuter = 359
	FaceMeshEyeCenter     = 168

	// NumFaceMeshLandmarks is the base mesh size; iris refinement adds 10 points.
	NumFaceMeshLandmarks     = 468
	NumFaceMeshIrisLandmarks = 478
)

// Point3D is a keypoint in frame pixels. Z uses the same scale as X.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Topology names the indices of the semantic landmarks within a model's output.
type Topology struct {
	Name          string
	LeftEyeOuter  int
	RightEyeOuter int
	EyeCenter     int
}

// FaceMeshTopology is the MediaPipe FaceMesh layout.
var FaceMeshTopology = Topology{
	Name:          "face_mesh",
	LeftEyeOuter:  FaceMeshLeftEyeOuter,
	RightEyeOuter: FaceMeshRightEyeOuter,
	EyeCenter:     FaceMeshEyeCenter,
}

func (t Topology) maxIndex() int {
	return max(t.LeftEyeOuter, t.RightEyeOuter, t.EyeCenter)
}

// FaceLandmarks is one detected face. It satisfies pose.Landmarks so the
// mapper never deals with raw indices.
type FaceLandmarks struct {
	Points   []Point3D `json:"points"`
	Score    float64   `json:"score"`
	Topology Topology  `json:"-"`
}

// Present reports whether the estimate carries every landmark the topology needs.
func (f FaceLandmarks) Present() bool {
	return len(f.Points) > f.topology().maxIndex()
}

func (f FaceLandmarks) topology() Topology {
	if f.Topology.Name == "" {
		return FaceMeshTopology
	}
	return f.Topology
}

func (f FaceLandmarks) at(i int) pose.Point {
	if i < 0 || i >= len(f.Points) {
		return pose.Point{}
	}
	p := f.Points[i]
	return pose.Point{X: p.X, Y: p.Y}
}

func (f FaceLandmarks) LeftEyeOuter() pose.Point  { return f.at(f.topology().LeftEyeOuter) }
func (f FaceLandmarks) RightEyeOuter() pose.Point { return f.at(f.topology().RightEyeOuter) }
func (f FaceLandmarks) EyeCenter() pose.Point     { return f.at(f.topology().EyeCenter) }

// HasIris reports whether refined iris points are included.
func (f FaceLandmarks) HasIris() bool {
	return len(f.Points) >= NumFaceMeshIrisLandmarks
}

// FirstPresent returns the first face carrying all semantic landmarks.
func FirstPresent(faces []FaceLandmarks) (FaceLandmarks, bool) {
	for _, f := range faces {
		if f.Present() {
			return f, true
		}
	}
	return FaceLandmarks{}, false
}
