package stitch

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// Options carries the stitching configuration resolved from config/flags.
type Options struct {
	Ransac                RansacOptions
	EnableDriftCorrection bool
	BlendMethod           string
	CropBlackThreshold    float64
	Workers               int
	// TolerateBrokenChain lets a run produce a partial composite when a
	// pairwise estimate failed. Off by default: a broken chain is fatal.
	TolerateBrokenChain bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Ransac:                DefaultRansacOptions(),
		EnableDriftCorrection: false,
		BlendMethod:           BlendAverage,
		CropBlackThreshold:    0.04,
		Workers:               4,
	}
}

// Result is everything a stitch run produced. Canvas is present whenever
// composition ran, even when cropping failed afterwards.
type Result struct {
	Pairs []PairwiseTransform
	// Offsets are the positions composition used: drift-corrected when
	// correction ran, the raw chain otherwise.
	Offsets SequenceOffsets
	Drift    *DriftCorrection
	Canvas   *Composite
	Crop     CropRect
	Cropped  *image.NRGBA
	Dropped  []int // indexes of frames dropped before alignment
	Warnings []string
}

// Stitcher runs the full geometric pipeline over an ordered frame
// sequence. The matcher supplying correspondences is a black box to it.
type Stitcher struct {
	matcher Matcher
	opts    Options
	log     *slog.Logger
}

// New creates a Stitcher. A nil logger falls back to slog.Default.
func New(matcher Matcher, opts Options, log *slog.Logger) *Stitcher {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Stitcher{matcher: matcher, opts: opts, log: log}
}

// Stitch projects, aligns, chains, drift-corrects, composites and crops
// the sequence. Per-frame and per-pair failures are logged and skipped as
// long as the transform chain stays unbroken; a broken chain aborts
// composition unless the options tolerate it. A failed crop still returns
// the blended canvas alongside ErrCropEmpty.
func (s *Stitcher) Stitch(ctx context.Context, frames []Frame) (*Result, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("need at least 2 frames to stitch, got %d", len(frames))
	}
	res := &Result{}

	// Project every frame onto the cylinder; drop degenerate ones.
	projected, errs := ProjectAll(frames, s.opts.Workers)
	kept := projected[:0]
	keptFrames := frames[:0:0]
	for i, pf := range projected {
		if errs[i] != nil {
			s.log.Warn("frame dropped", "index", frames[i].Index, "error", errs[i])
			res.Dropped = append(res.Dropped, frames[i].Index)
			res.Warnings = append(res.Warnings, fmt.Sprintf("frame %d dropped: %v", frames[i].Index, errs[i]))
			continue
		}
		kept = append(kept, pf)
		keptFrames = append(keptFrames, frames[i])
	}
	projected = kept
	if len(projected) < 2 {
		return res, fmt.Errorf("fewer than 2 frames survived projection")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	descs, err := s.detectAll(ctx, projected)
	if err != nil {
		return res, err
	}

	res.Pairs = s.estimatePairs(ctx, projected, descs)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Offsets = Chain(res.Pairs)
	if res.Offsets.Broken {
		s.log.Warn("transform chain broken", "pair", res.Offsets.BrokenAt)
		if !s.opts.TolerateBrokenChain {
			return res, ErrSequenceBroken
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf("chain broken at pair %d, partial stitch", res.Offsets.BrokenAt))
	}

	if s.opts.EnableDriftCorrection {
		// correctDrift returns the offsets composition must use, so the
		// result reflects the corrected geometry.
		res.Offsets = s.correctDrift(ctx, res, projected, descs, keptFrames)
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	canvas, err := CompositeFrames(projected, res.Offsets.Offsets, s.opts.BlendMethod, s.opts.Workers)
	if err != nil {
		return res, err
	}
	res.Canvas = canvas
	s.log.Info("composited canvas", "width", canvas.Width, "height", canvas.Height, "frames", len(projected))

	crop, err := FindCrop(canvas, s.opts.CropBlackThreshold)
	if err != nil {
		// Fatal for the final output, but the blended canvas still goes
		// back to the caller.
		return res, err
	}
	res.Crop = crop
	res.Cropped = canvas.Img.SubImage(image.Rect(crop.X, crop.Y, crop.X+crop.Width, crop.Y+crop.Height)).(*image.NRGBA)
	return res, nil
}

// detectAll runs feature detection on every projected frame. Detection is
// per-frame independent, so frames fan out across the worker budget.
func (s *Stitcher) detectAll(ctx context.Context, projected []*ProjectedFrame) ([]DescriptorSet, error) {
	descs := make([]DescriptorSet, len(projected))
	errs := make([]error, len(projected))
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup
	for i := range projected {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			descs[i], errs[i] = s.matcher.Detect(projected[i])
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("feature detection on frame %d: %w", projected[i].Index, err)
		}
	}
	return descs, ctx.Err()
}

// estimatePairs matches and estimates every adjacent pair. Pairs are
// independent and run in parallel; the RANSAC loop within one pair stays
// sequential because the best-model state is inherently serial.
func (s *Stitcher) estimatePairs(ctx context.Context, projected []*ProjectedFrame, descs []DescriptorSet) []PairwiseTransform {
	pairs := make([]PairwiseTransform, len(projected)-1)
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup
	for i := 0; i < len(projected)-1; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			pairs[i] = s.estimatePair(i, descs[i], descs[i+1])
		}(i)
	}
	wg.Wait()
	return pairs
}

func (s *Stitcher) estimatePair(pair int, a, b DescriptorSet) PairwiseTransform {
	corrs, err := s.matcher.Match(a, b)
	if err != nil {
		s.log.Warn("pair skipped: matching failed", "pair", pair, "error", err)
		return PairwiseTransform{Pair: pair, Failed: true}
	}
	t, err := EstimateTranslation(pair, corrs, s.opts.Ransac)
	if err != nil {
		s.log.Warn("pair skipped", "pair", pair, "matches", len(corrs), "error", err)
		return t
	}
	s.log.Debug("pair estimated",
		"pair", pair,
		"dx", t.DX, "dy", t.DY,
		"inliers", t.InlierCount, "matches", t.TotalMatches,
		"inlier_ratio", t.InlierRatio(),
	)
	return t
}

// correctDrift closes the 360 loop: it estimates the first/last pair,
// derives the gap angle, redistributes it over the offsets and
// re-projects every frame at the corrected focal length. Any failure is
// non-fatal and leaves the run uncorrected.
func (s *Stitcher) correctDrift(ctx context.Context, res *Result, projected []*ProjectedFrame, descs []DescriptorSet, frames []Frame) SequenceOffsets {
	n := len(projected)
	closure := s.estimatePair(n-1, descs[n-1], descs[0])
	drift, err := CorrectDrift(res.Offsets, closure, frames[0].Focal, n)
	if err != nil {
		s.log.Warn("drift correction skipped", "error", err)
		res.Warnings = append(res.Warnings, "drift correction skipped: loop not closed")
		return res.Offsets
	}
	res.Drift = &drift
	s.log.Info("drift corrected",
		"gap_angle", drift.GapAngle,
		"focal", drift.OriginalFocal,
		"corrected_focal", drift.CorrectedFocal,
		"per_pair", drift.PerPair,
	)

	// Re-project at the corrected focal length so the composite uses the
	// closed-loop geometry.
	factor := drift.CorrectedFocal / drift.OriginalFocal
	rescaled := make([]Frame, len(frames))
	for i, fr := range frames {
		fr.Focal *= factor
		rescaled[i] = fr
	}
	reprojected, errs := ProjectAll(rescaled, s.opts.Workers)
	for i, err := range errs {
		if err != nil {
			// Should not happen for frames that projected once already.
			s.log.Warn("re-projection failed, keeping original", "index", frames[i].Index, "error", err)
			reprojected[i] = projected[i]
		}
	}
	copy(projected, reprojected)
	return drift.Apply(res.Offsets)
}
