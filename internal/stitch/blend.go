package stitch

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
)

// BlendAverage is the only supported blend method: every contributing
// pixel adds into a running sum and the canvas is normalized by the
// contribution count afterwards. The result is the global mean of all
// overlapping frames, independent of placement order.
const BlendAverage = "average"

// Composite is the blended panorama canvas. Mask marks pixels that
// received at least one contribution; everything else is border.
type Composite struct {
	Img    *image.NRGBA
	Mask   []bool
	Width  int
	Height int
	// MinX/MinY are the offset-space coordinates of the canvas origin.
	MinX int
	MinY int
}

// Valid reports whether the canvas pixel at (x, y) received any
// contribution.
func (c *Composite) Valid(x, y int) bool {
	if x < 0 || x >= c.Width || y < 0 || y >= c.Height {
		return false
	}
	return c.Mask[y*c.Width+x]
}

// accumulator is one worker's private partial canvas. Workers never share
// one, so accumulation needs no per-pixel locking; a single-threaded
// reduction merges them afterwards.
type accumulator struct {
	sum   []float64 // RGB triples
	count []uint32
}

func newAccumulator(w, h int) *accumulator {
	return &accumulator{
		sum:   make([]float64, w*h*3),
		count: make([]uint32, w*h),
	}
}

// Composite places every projected frame at its integer-rounded offset and
// blends overlaps by global averaging. The canvas bounds all frames at
// their offsets. Sub-pixel offset error from the rounding is an accepted
// approximation.
func CompositeFrames(frames []*ProjectedFrame, offsets []Offset, method string, workers int) (*Composite, error) {
	if method != "" && method != BlendAverage {
		return nil, fmt.Errorf("unsupported blend method %q (only %q is implemented)", method, BlendAverage)
	}
	if len(frames) == 0 {
		return nil, errors.New("no frames to composite")
	}
	if len(frames) != len(offsets) {
		return nil, fmt.Errorf("frame/offset count mismatch: %d vs %d", len(frames), len(offsets))
	}

	minX, minY := math.MaxInt, math.MaxInt
	maxX, maxY := math.MinInt, math.MinInt
	for i, fr := range frames {
		if fr == nil {
			continue
		}
		ox := int(math.Round(offsets[i].X))
		oy := int(math.Round(offsets[i].Y))
		minX = min(minX, ox)
		minY = min(minY, oy)
		maxX = max(maxX, ox+fr.Width)
		maxY = max(maxY, oy+fr.Height)
	}
	if minX > maxX {
		return nil, errors.New("no frames to composite")
	}
	w := maxX - minX
	h := maxY - minY

	if workers < 1 {
		workers = 1
	}
	if workers > len(frames) {
		workers = len(frames)
	}

	// Each worker accumulates its share of frames into a private buffer.
	parts := make([]*accumulator, workers)
	var wg sync.WaitGroup
	for wi := 0; wi < workers; wi++ {
		wg.Add(1)
		go func(wi int) {
			defer wg.Done()
			acc := newAccumulator(w, h)
			for i := wi; i < len(frames); i += workers {
				if frames[i] == nil {
					continue
				}
				placeFrame(acc, frames[i], offsets[i], minX, minY, w, h)
			}
			parts[wi] = acc
		}(wi)
	}
	wg.Wait()

	// Single-threaded reduction, then normalization.
	total := parts[0]
	for _, p := range parts[1:] {
		for i := range total.sum {
			total.sum[i] += p.sum[i]
		}
		for i := range total.count {
			total.count[i] += p.count[i]
		}
	}

	out := &Composite{
		Img:    image.NewNRGBA(image.Rect(0, 0, w, h)),
		Mask:   make([]bool, w*h),
		Width:  w,
		Height: h,
		MinX:   minX,
		MinY:   minY,
	}
	for p := 0; p < w*h; p++ {
		n := total.count[p]
		if n == 0 {
			continue
		}
		out.Mask[p] = true
		i := p * 4
		out.Img.Pix[i+0] = uint8(math.Round(total.sum[p*3+0] / float64(n)))
		out.Img.Pix[i+1] = uint8(math.Round(total.sum[p*3+1] / float64(n)))
		out.Img.Pix[i+2] = uint8(math.Round(total.sum[p*3+2] / float64(n)))
		out.Img.Pix[i+3] = 0xff
	}
	return out, nil
}

func placeFrame(acc *accumulator, fr *ProjectedFrame, off Offset, minX, minY, w, h int) {
	ox := int(math.Round(off.X)) - minX
	oy := int(math.Round(off.Y)) - minY
	for y := 0; y < fr.Height; y++ {
		cy := oy + y
		if cy < 0 || cy >= h {
			continue
		}
		for x := 0; x < fr.Width; x++ {
			if !fr.Mask[y*fr.Width+x] {
				continue
			}
			cx := ox + x
			if cx < 0 || cx >= w {
				continue
			}
			si := fr.Img.PixOffset(x, y)
			p := cy*w + cx
			acc.sum[p*3+0] += float64(fr.Img.Pix[si+0])
			acc.sum[p*3+1] += float64(fr.Img.Pix[si+1])
			acc.sum[p*3+2] += float64(fr.Img.Pix[si+2])
			acc.count[p]++
		}
	}
}
