// Package features detects trackable corners in projected frames and
// matches them between neighbours. It implements the stitch.Matcher
// contract with a Harris corner detector and normalized patch
// descriptors, which is plenty for pure-translation alignment.
package features

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"gonum.org/v1/gonum/floats"

	"panostitch/internal/stitch"
)

// Options tunes the detector and matcher.
type Options struct {
	// MaxCorners caps how many corners a frame contributes, strongest
	// first.
	MaxCorners int `json:"maxCorners"`
	// PatchSize is the descriptor window side length. Must be odd.
	PatchSize int `json:"patchSize"`
	// RatioTest is the Lowe ratio: a match survives only when its best
	// distance is below this fraction of the second best.
	RatioTest float64 `json:"ratioTest"`
	// HarrisK weighs the trace term of the corner response.
	HarrisK float64 `json:"harrisK"`
	// QualityLevel rejects corners whose response falls below this
	// fraction of the frame's strongest response.
	QualityLevel float64 `json:"qualityLevel"`
	// BlurRadius smooths the frame before gradient computation.
	BlurRadius float64 `json:"blurRadius"`
	// NMSRadius is the non-maximum suppression neighborhood radius.
	NMSRadius int `json:"nmsRadius"`
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxCorners:   500,
		PatchSize:    9,
		RatioTest:    0.8,
		HarrisK:      0.04,
		QualityLevel: 0.01,
		BlurRadius:   1.4,
		NMSRadius:    4,
	}
}

// Corner is a detected interest point with its Harris response.
type Corner struct {
	X, Y     int
	Response float64
}

// Descriptors holds one frame's corners with their normalized patch
// vectors, index-aligned.
type Descriptors struct {
	Points  []stitch.Point
	Vectors [][]float64
}

// Provider is a stitch.Matcher backed by Harris corners.
type Provider struct {
	opts Options
}

func NewProvider(opts Options) (*Provider, error) {
	if opts.PatchSize < 3 || opts.PatchSize%2 == 0 {
		return nil, fmt.Errorf("patch size must be odd and at least 3, got %d", opts.PatchSize)
	}
	if opts.RatioTest <= 0 || opts.RatioTest >= 1 {
		return nil, fmt.Errorf("ratio test must be in (0,1), got %v", opts.RatioTest)
	}
	if opts.MaxCorners < 1 {
		return nil, fmt.Errorf("max corners must be positive, got %d", opts.MaxCorners)
	}
	return &Provider{opts: opts}, nil
}

// Detect finds corners in the projected frame and builds their
// descriptors. Corners whose descriptor patch touches masked-out pixels
// are discarded, so matches never anchor on warp artifacts.
func (p *Provider) Detect(pf *stitch.ProjectedFrame) (stitch.DescriptorSet, error) {
	if pf == nil || pf.Img == nil {
		return nil, errors.New("nil frame")
	}

	gray := grayPlane(pf, p.opts.BlurRadius)
	response := harrisResponse(gray, pf.Width, pf.Height, p.opts.HarrisK)

	corners := pickCorners(response, pf.Width, pf.Height, p.opts)

	half := p.opts.PatchSize / 2
	desc := &Descriptors{}
	for _, c := range corners {
		vec, ok := patchVector(gray, pf, c.X, c.Y, half)
		if !ok {
			continue
		}
		desc.Points = append(desc.Points, stitch.Point{X: float64(c.X), Y: float64(c.Y)})
		desc.Vectors = append(desc.Vectors, vec)
		if len(desc.Points) >= p.opts.MaxCorners {
			break
		}
	}
	return desc, nil
}

// Match pairs descriptors between two frames by nearest neighbor with a
// ratio test. The first argument is the earlier frame.
func (p *Provider) Match(a, b stitch.DescriptorSet) ([]stitch.Correspondence, error) {
	da, ok := a.(*Descriptors)
	if !ok {
		return nil, fmt.Errorf("unexpected descriptor type %T", a)
	}
	db, ok := b.(*Descriptors)
	if !ok {
		return nil, fmt.Errorf("unexpected descriptor type %T", b)
	}
	if len(da.Points) == 0 || len(db.Points) == 0 {
		return nil, errors.New("no descriptors to match")
	}

	var corrs []stitch.Correspondence
	for i, va := range da.Vectors {
		best, second := math.Inf(1), math.Inf(1)
		bestJ := -1
		for j, vb := range db.Vectors {
			// Vectors are mean-free and unit length, so the squared
			// distance reduces to 2 - 2*dot.
			d := 2 - 2*floats.Dot(va, vb)
			if d < best {
				second = best
				best, bestJ = d, j
			} else if d < second {
				second = d
			}
		}
		if bestJ < 0 {
			continue
		}
		if second < math.Inf(1) && best > p.opts.RatioTest*p.opts.RatioTest*second {
			continue
		}
		corrs = append(corrs, stitch.Correspondence{
			P1: da.Points[i],
			P2: db.Points[bestJ],
		})
	}
	return corrs, nil
}

// grayPlane converts the frame to a blurred float luminance plane.
func grayPlane(pf *stitch.ProjectedFrame, radius float64) []float64 {
	img := effect.Grayscale(pf.Img)
	if radius > 0 {
		img = blur.Gaussian(img, radius)
	}
	plane := make([]float64, pf.Width*pf.Height)
	for y := 0; y < pf.Height; y++ {
		for x := 0; x < pf.Width; x++ {
			i := img.PixOffset(x, y)
			plane[y*pf.Width+x] = float64(img.Pix[i]) / 255.0
		}
	}
	return plane
}

// harrisResponse computes the Harris corner response per pixel from
// Sobel gradients accumulated over a 3x3 window.
func harrisResponse(gray []float64, w, h int, k float64) []float64 {
	ix := make([]float64, w*h)
	iy := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			p := y*w + x
			ix[p] = gray[p-w+1] + 2*gray[p+1] + gray[p+w+1] -
				gray[p-w-1] - 2*gray[p-1] - gray[p+w-1]
			iy[p] = gray[p+w-1] + 2*gray[p+w] + gray[p+w+1] -
				gray[p-w-1] - 2*gray[p-w] - gray[p-w+1]
		}
	}

	resp := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var sxx, syy, sxy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					p := (y+dy)*w + x + dx
					sxx += ix[p] * ix[p]
					syy += iy[p] * iy[p]
					sxy += ix[p] * iy[p]
				}
			}
			det := sxx*syy - sxy*sxy
			trace := sxx + syy
			resp[y*w+x] = det - k*trace*trace
		}
	}
	return resp
}

// pickCorners thresholds the response map relative to its maximum,
// suppresses non-maxima and returns the survivors strongest first.
func pickCorners(resp []float64, w, h int, opts Options) []Corner {
	maxResp := 0.0
	for _, r := range resp {
		if r > maxResp {
			maxResp = r
		}
	}
	if maxResp <= 0 {
		return nil
	}
	threshold := opts.QualityLevel * maxResp

	r := opts.NMSRadius
	if r < 1 {
		r = 1
	}
	var corners []Corner
	for y := r; y < h-r; y++ {
	next:
		for x := r; x < w-r; x++ {
			v := resp[y*w+x]
			if v < threshold {
				continue
			}
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					if resp[(y+dy)*w+x+dx] > v {
						continue next
					}
				}
			}
			corners = append(corners, Corner{X: x, Y: y, Response: v})
		}
	}

	sort.Slice(corners, func(i, j int) bool {
		return corners[i].Response > corners[j].Response
	})
	return corners
}

// patchVector extracts the descriptor patch around (cx, cy),
// mean-subtracts and L2-normalizes it. ok is false when the patch
// leaves the frame, touches invalid pixels, or has no contrast.
func patchVector(gray []float64, pf *stitch.ProjectedFrame, cx, cy, half int) ([]float64, bool) {
	if cx-half < 0 || cy-half < 0 || cx+half >= pf.Width || cy+half >= pf.Height {
		return nil, false
	}
	side := 2*half + 1
	vec := make([]float64, 0, side*side)
	for y := cy - half; y <= cy+half; y++ {
		for x := cx - half; x <= cx+half; x++ {
			if !pf.Valid(x, y) {
				return nil, false
			}
			vec = append(vec, gray[y*pf.Width+x])
		}
	}

	mean := floats.Sum(vec) / float64(len(vec))
	floats.AddConst(-mean, vec)
	norm := floats.Norm(vec, 2)
	if norm < 1e-9 {
		// Flat patch, nothing to match against.
		return nil, false
	}
	floats.Scale(1/norm, vec)
	return vec, true
}
