package stitch

import (
	"errors"
	"image"
	"math"
	"testing"
)

// rampImage builds an NRGBA image whose red channel is the x coordinate,
// a linear pattern that bilinear interpolation reproduces exactly.
func rampImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i+0] = uint8(x)
			img.Pix[i+1] = 128
			img.Pix[i+2] = 64
			img.Pix[i+3] = 255
		}
	}
	return img
}

func TestProjectCenterMapsToItself(t *testing.T) {
	img := rampImage(101, 101)
	pf, err := Project(Frame{Index: 0, Img: img, Focal: 120}, 50, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pf.Valid(50, 50) {
		t.Fatalf("optical center should be valid")
	}
	i := pf.Img.PixOffset(50, 50)
	if pf.Img.Pix[i] != 50 {
		t.Fatalf("center pixel changed: got red=%d want 50", pf.Img.Pix[i])
	}
}

func TestProjectDegenerateFocal(t *testing.T) {
	img := rampImage(10, 10)
	if _, err := Project(Frame{Img: img, Focal: 0}, 5, 5); !errors.Is(err, ErrProjectionDegenerate) {
		t.Fatalf("expected ErrProjectionDegenerate, got %v", err)
	}
	if _, err := Project(Frame{Img: img, Focal: -50}, 5, 5); !errors.Is(err, ErrProjectionDegenerate) {
		t.Fatalf("expected ErrProjectionDegenerate for negative focal, got %v", err)
	}
}

func TestProjectEdgeColumnsInvalidAtShortFocal(t *testing.T) {
	// At f=100 the outermost columns of a 101px image map outside the
	// source (f*tan(0.5) ≈ 54.6 > 50) and must be masked out.
	img := rampImage(101, 101)
	pf, err := Project(Frame{Img: img, Focal: 100}, 50, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pf.Valid(0, 50) {
		t.Fatalf("leftmost column should be invalid")
	}
	if !pf.Valid(50, 50) {
		t.Fatalf("center column should be valid")
	}
	i := pf.Img.PixOffset(0, 50)
	if pf.Img.Pix[i] != 0 || pf.Img.Pix[i+1] != 0 {
		t.Fatalf("invalid pixels must be zero-filled")
	}
}

func TestProjectMatchesAnalyticMapping(t *testing.T) {
	// Along the center row h=0, the source x is f*tan(theta)+cx. The red
	// ramp is linear in x, so the sampled value must match the analytic
	// source position within interpolation rounding.
	img := rampImage(201, 51)
	f := 300.0
	cx, cy := 100.0, 25.0
	pf, err := Project(Frame{Img: img, Focal: f}, cx, cy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, x := range []int{60, 90, 100, 110, 140} {
		theta := (float64(x) - cx) / f
		want := f*math.Tan(theta) + cx
		i := pf.Img.PixOffset(x, 25)
		got := float64(pf.Img.Pix[i])
		if math.Abs(got-want) > 1.0 {
			t.Fatalf("column %d: got %v want %.2f", x, got, want)
		}
	}
}

func TestProjectAllDropsOnlyDegenerate(t *testing.T) {
	frames := []Frame{
		{Index: 0, Img: rampImage(20, 20), Focal: 40},
		{Index: 1, Img: rampImage(20, 20), Focal: -1},
		{Index: 2, Img: rampImage(20, 20), Focal: 40},
	}
	projected, errs := ProjectAll(frames, 2)
	if errs[0] != nil || errs[2] != nil {
		t.Fatalf("valid frames errored: %v %v", errs[0], errs[2])
	}
	if !errors.Is(errs[1], ErrProjectionDegenerate) {
		t.Fatalf("expected degenerate error for frame 1, got %v", errs[1])
	}
	if projected[0] == nil || projected[2] == nil || projected[1] != nil {
		t.Fatalf("unexpected projection results")
	}
}
