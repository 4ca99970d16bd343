package scene

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/gogpu/gg"
	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	"github.com/ayusman/tryon/internal/pose"
)

// quadMatrix returns the affine map from texture pixels to viewport pixels
// for the overlay quad placed by t. All four corners share one depth, so the
// perspective projection of the quad is affine.
func quadMatrix(cam Camera, t pose.Transform, texW, texH, vw, vh int) (gg.Matrix, bool) {
	if texW <= 0 || texH <= 0 || t.Scale == 0 {
		return gg.Matrix{}, false
	}

	sin, cos := math.Sincos(t.Rotation)
	corner := func(lx, ly float64) (gg.Point, bool) {
		sx, sy := lx*t.Scale, ly*t.Scale
		return cam.Project(sx*cos-sy*sin+t.X, sx*sin+sy*cos+t.Y, t.Z, vw, vh)
	}

	// Texture row 0 is the top edge of the quad (world +y).
	topLeft, ok1 := corner(-QuadWidth/2, QuadHeight/2)
	topRight, ok2 := corner(QuadWidth/2, QuadHeight/2)
	bottomLeft, ok3 := corner(-QuadWidth/2, -QuadHeight/2)
	if !ok1 || !ok2 || !ok3 {
		return gg.Matrix{}, false
	}

	w, h := float64(texW), float64(texH)
	m := gg.Matrix{
		A: (topRight.X - topLeft.X) / w,
		B: (bottomLeft.X - topLeft.X) / h,
		C: topLeft.X,
		D: (topRight.Y - topLeft.Y) / w,
		E: (bottomLeft.Y - topLeft.Y) / h,
		F: topLeft.Y,
	}
	if math.Abs(m.A*m.E-m.B*m.D) < 1e-12 {
		return gg.Matrix{}, false
	}
	return m, true
}

// quadBounds returns the viewport-clipped pixel bounds of the texture under m.
func quadBounds(m gg.Matrix, texW, texH, vw, vh int) image.Rectangle {
	pts := [4]gg.Point{
		m.TransformPoint(gg.Pt(0, 0)),
		m.TransformPoint(gg.Pt(float64(texW), 0)),
		m.TransformPoint(gg.Pt(0, float64(texH))),
		m.TransformPoint(gg.Pt(float64(texW), float64(texH))),
	}
	minX, minY := pts[0].X, pts[0].Y
	maxX, maxY := minX, minY
	for _, p := range pts[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	r := image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
	return r.Intersect(image.Rect(0, 0, vw, vh))
}

// warpTexture resamples tex through m into an axis-aligned buffer covering
// bounds. Pixels outside the quad stay transparent.
func warpTexture(tex *gg.ImageBuf, m gg.Matrix, bounds image.Rectangle) (*gg.ImageBuf, error) {
	// Interpolate premultiplied so transparent texels do not bleed into edges.
	texImg := tex.ToStdImage()
	premul := image.NewRGBA(texImg.Bounds())
	draw.Draw(premul, premul.Bounds(), texImg, texImg.Bounds().Min, draw.Src)

	src, err := gocv.ImageToMatRGBA(premul)
	if err != nil {
		return nil, fmt.Errorf("texture to mat: %w", err)
	}
	defer src.Close()

	// OpenCV addresses pixel centers at integer coordinates.
	transform := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer transform.Close()
	transform.SetDoubleAt(0, 0, m.A)
	transform.SetDoubleAt(0, 1, m.B)
	transform.SetDoubleAt(0, 2, m.C-float64(bounds.Min.X)+(m.A+m.B-1)/2)
	transform.SetDoubleAt(1, 0, m.D)
	transform.SetDoubleAt(1, 1, m.E)
	transform.SetDoubleAt(1, 2, m.F-float64(bounds.Min.Y)+(m.D+m.E-1)/2)

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.WarpAffineWithParams(src, &dst, transform, image.Pt(bounds.Dx(), bounds.Dy()),
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})

	warped, err := dst.ToImage()
	if err != nil {
		return nil, fmt.Errorf("warped mat to image: %w", err)
	}
	straight := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(straight, straight.Bounds(), warped, warped.Bounds().Min, draw.Src)
	return gg.ImageBufFromImage(straight), nil
}
