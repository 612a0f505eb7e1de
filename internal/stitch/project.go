package stitch

import (
	"image"
	"math"
	"sync"
)

// Project re-maps a frame onto a cylinder of radius focal centered on the
// optical axis through (cx, cy). Backward warping: every destination pixel
// computes its source location and samples it, so the output has no holes.
//
// For a destination pixel (x, y):
//
//	theta = (x - cx) / f
//	h     = (y - cy) / f
//	(xh, yh, zh) = (sin theta, h, cos theta)
//	xs = f*xh/zh + cx
//	ys = f*yh/zh + cy
//
// Pixels behind the cylinder (zh <= 0) or whose source falls outside the
// input are zero-filled and cleared in the mask. Valid pixels are sampled
// with bilinear interpolation. The output matches the input size.
func Project(frame Frame, cx, cy float64) (*ProjectedFrame, error) {
	if frame.Focal <= 0 {
		return nil, ErrProjectionDegenerate
	}
	if frame.Img == nil {
		return nil, ErrProjectionDegenerate
	}

	b := frame.Img.Bounds()
	w, h := b.Dx(), b.Dy()
	f := frame.Focal

	out := &ProjectedFrame{
		Index:  frame.Index,
		Width:  w,
		Height: h,
		Img:    image.NewNRGBA(image.Rect(0, 0, w, h)),
		Mask:   make([]bool, w*h),
		Focal:  f,
	}

	for y := 0; y < h; y++ {
		vert := (float64(y) - cy) / f
		for x := 0; x < w; x++ {
			theta := (float64(x) - cx) / f
			sin, cos := math.Sincos(theta)
			if cos <= 0 {
				continue
			}
			xs := f*sin/cos + cx
			ys := f*vert/cos + cy
			r, g, bl, a, ok := sampleBilinear(frame.Img, xs, ys)
			if !ok {
				continue
			}
			i := out.Img.PixOffset(x, y)
			out.Img.Pix[i+0] = r
			out.Img.Pix[i+1] = g
			out.Img.Pix[i+2] = bl
			out.Img.Pix[i+3] = a
			out.Mask[y*w+x] = true
		}
	}
	return out, nil
}

// sampleBilinear interpolates img at the non-integer location (x, y) from
// its four nearest pixels, weighted by fractional offset. ok is false when
// the 2x2 neighborhood is not fully inside the image.
func sampleBilinear(img *image.NRGBA, x, y float64) (r, g, b, a uint8, ok bool) {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	if x0 < 0 || y0 < 0 || x0+1 >= w || y0+1 >= h {
		return 0, 0, 0, 0, false
	}
	fx := x - float64(x0)
	fy := y - float64(y0)

	w00 := (1 - fx) * (1 - fy)
	w10 := fx * (1 - fy)
	w01 := (1 - fx) * fy
	w11 := fx * fy

	i00 := img.PixOffset(x0, y0)
	i10 := img.PixOffset(x0+1, y0)
	i01 := img.PixOffset(x0, y0+1)
	i11 := img.PixOffset(x0+1, y0+1)

	lerp := func(c int) uint8 {
		v := w00*float64(img.Pix[i00+c]) +
			w10*float64(img.Pix[i10+c]) +
			w01*float64(img.Pix[i01+c]) +
			w11*float64(img.Pix[i11+c])
		return uint8(math.Round(v))
	}
	return lerp(0), lerp(1), lerp(2), lerp(3), true
}

// ProjectAll projects every frame about its own image center, using up to
// workers goroutines. Frames share no state, so they warp independently.
// Frames with a degenerate focal length come back as nil entries together
// with their error; callers decide whether to drop or abort.
func ProjectAll(frames []Frame, workers int) ([]*ProjectedFrame, []error) {
	if workers < 1 {
		workers = 1
	}
	projected := make([]*ProjectedFrame, len(frames))
	errs := make([]error, len(frames))

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range frames {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fr := frames[i]
			var cx, cy float64
			if fr.Img != nil {
				cx = float64(fr.Img.Bounds().Dx()) / 2
				cy = float64(fr.Img.Bounds().Dy()) / 2
			}
			projected[i], errs[i] = Project(fr, cx, cy)
		}(i)
	}
	wg.Wait()
	return projected, errs
}
