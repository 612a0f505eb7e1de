package stitch

// FindCrop locates the maximal interior rectangle of the composite free of
// border pixels. A pixel is border when it received no contribution or its
// normalized luminance is at or below blackThreshold (0..1 scale).
//
// Panorama canvases are ragged at the edges, so the bounding box of valid
// pixels is not enough: every row inside the result must be valid across
// the rectangle's full horizontal extent. Per the resolved semantics, each
// row contributes its longest contiguous valid run, and the result is the
// rectangle maximizing width, then height; remaining ties prefer the
// topmost, then leftmost corner.
func FindCrop(c *Composite, blackThreshold float64) (CropRect, error) {
	w, h := c.Width, c.Height
	if w == 0 || h == 0 {
		return CropRect{}, ErrCropEmpty
	}

	// Longest contiguous valid run per row.
	starts := make([]int, h)
	ends := make([]int, h) // exclusive; start==end means no run
	for y := 0; y < h; y++ {
		bestS, bestE := 0, 0
		runS := -1
		for x := 0; x <= w; x++ {
			if x < w && pixelValid(c, x, y, blackThreshold) {
				if runS < 0 {
					runS = x
				}
				continue
			}
			if runS >= 0 && x-runS > bestE-bestS {
				bestS, bestE = runS, x
			}
			runS = -1
		}
		starts[y], ends[y] = bestS, bestE
	}

	best := CropRect{}
	for top := 0; top < h; top++ {
		s, e := starts[top], ends[top]
		for bottom := top; bottom < h; bottom++ {
			s = max(s, starts[bottom])
			e = min(e, ends[bottom])
			if s >= e {
				break
			}
			width := e - s
			height := bottom - top + 1
			if width > best.Width ||
				(width == best.Width && height > best.Height) {
				best = CropRect{X: s, Y: top, Width: width, Height: height}
			}
		}
	}

	if best.Width == 0 || best.Height == 0 {
		return CropRect{}, ErrCropEmpty
	}
	return best, nil
}

func pixelValid(c *Composite, x, y int, blackThreshold float64) bool {
	if !c.Mask[y*c.Width+x] {
		return false
	}
	i := c.Img.PixOffset(x, y)
	// ITU-R BT.601 luminance, normalized to 0..1.
	lum := (0.299*float64(c.Img.Pix[i+0]) +
		0.587*float64(c.Img.Pix[i+1]) +
		0.114*float64(c.Img.Pix[i+2])) / 255.0
	return lum > blackThreshold
}
