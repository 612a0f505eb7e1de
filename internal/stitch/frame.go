package stitch

import (
	"image"
)

// Frame is a raw input image with its position in the capture sequence and
// the focal length resolved for it (override > EXIF > configured default),
// in pixels.
type Frame struct {
	Index int
	Img   *image.NRGBA
	Focal float64
}

// ProjectedFrame is the cylindrical re-projection of a Frame. Mask marks
// pixels that had a valid source sample; everything else is zero-filled.
// Produced once by the projector and read-only afterwards.
type ProjectedFrame struct {
	Index  int
	Width  int
	Height int
	Img    *image.NRGBA
	Mask   []bool
	Focal  float64
}

// Valid reports whether the pixel at (x, y) had a valid projection source.
func (p *ProjectedFrame) Valid(x, y int) bool {
	if x < 0 || x >= p.Width || y < 0 || y >= p.Height {
		return false
	}
	return p.Mask[y*p.Width+x]
}

// Point is a 2-D position in projected-image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Correspondence pairs a point in one projected frame with its match in
// another: P1 in the earlier frame, P2 in the later. The matcher that
// produced it is opaque to the core.
type Correspondence struct {
	P1 Point
	P2 Point
}

// PairwiseTransform is the robust translation estimate for one adjacent
// image pair. Pair i relates frames i and i+1 (or N-1 and 0 for the
// closure pair of a 360 loop).
type PairwiseTransform struct {
	Pair         int     `json:"pair"`
	DX           float64 `json:"dx"`
	DY           float64 `json:"dy"`
	InlierCount  int     `json:"inlier_count"`
	TotalMatches int     `json:"total_matches"`
	Failed       bool    `json:"failed"`
}

// InlierRatio returns the fraction of matches consistent with the estimate.
func (t PairwiseTransform) InlierRatio() float64 {
	if t.TotalMatches == 0 {
		return 0
	}
	return float64(t.InlierCount) / float64(t.TotalMatches)
}

// Offset is an absolute frame position accumulated from pairwise
// translations, with the first frame at the origin.
type Offset struct {
	X float64
	Y float64
}

// SequenceOffsets holds the chained absolute positions for a sequence.
// When a pairwise estimate failed, the chain is broken at that pair:
// offsets past BrokenAt are relative to a reset local origin and must not
// be composited with the ones before it.
type SequenceOffsets struct {
	Offsets  []Offset
	Broken   bool
	BrokenAt int
}

// DriftCorrection records the angular gap of a closed 360 loop and how it
// is redistributed across the sequence.
type DriftCorrection struct {
	GapAngle       float64 `json:"gap_angle"`
	OriginalFocal  float64 `json:"original_focal_length"`
	CorrectedFocal float64 `json:"corrected_focal_length"`
	PerPair        float64 `json:"per_pair_correction"`
	NumImages      int     `json:"num_images"`
}

// CropRect is the maximal interior rectangle free of border pixels.
type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DescriptorSet is an opaque handle to detected features of one projected
// frame. The core never inspects it; it only hands it back to the Matcher.
type DescriptorSet interface{}

// Matcher supplies point correspondences between two projected frames.
// Implementations own feature detection and descriptor comparison; the
// core consumes only the resulting point pairs.
type Matcher interface {
	Detect(frame *ProjectedFrame) (DescriptorSet, error)
	Match(a, b DescriptorSet) ([]Correspondence, error)
}
