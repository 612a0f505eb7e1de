package stitch

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

// MinCorrespondences is the smallest match set the aligner accepts. A
// single pair determines a translation, but anything under three gives
// the consensus count no meaning.
const MinCorrespondences = 3

// RansacOptions tunes the translation estimator.
type RansacOptions struct {
	// Threshold is the inlier residual limit in pixels.
	Threshold float64
	// MaxIters bounds the sampling loop.
	MaxIters int
	// Confidence in (0,1) drives the adaptive early stop.
	Confidence float64
	// MinInlierRatio rejects estimates supported by too few matches.
	MinInlierRatio float64
	// MinInliers is an absolute floor on the consensus set size.
	MinInliers int
	// Rand is the sampling source. Nil falls back to the global source;
	// tests pass a seeded one for determinism.
	Rand *rand.Rand
}

// DefaultRansacOptions mirrors the configuration defaults.
func DefaultRansacOptions() RansacOptions {
	return RansacOptions{
		Threshold:      5.0,
		MaxIters:       2000,
		Confidence:     0.995,
		MinInlierRatio: 0.15,
		MinInliers:     MinCorrespondences,
	}
}

// EstimateTranslation recovers the 2-D translation between two projected
// frames from a correspondence set, robust to outliers. The model is pure
// translation and the estimate is the later frame's placement relative to
// the earlier one: scene points shift opposite to the camera pan, so the
// candidate from a sampled correspondence is P1 - P2. Each iteration
// samples one correspondence, takes its displacement as the candidate,
// and counts correspondences whose residual under the candidate is within
// Threshold.
//
// The loop stops early once enough iterations have run that an all-inlier
// sample was drawn with probability Confidence, re-estimated every time a
// better model is found. The winner is refined as the mean displacement
// over its inlier set, the least-squares optimum for this model.
func EstimateTranslation(pair int, corrs []Correspondence, opts RansacOptions) (PairwiseTransform, error) {
	total := len(corrs)
	if total < MinCorrespondences {
		return PairwiseTransform{Pair: pair, TotalMatches: total, Failed: true}, ErrInsufficientCorrespondences
	}

	intn := rand.Intn
	if opts.Rand != nil {
		intn = opts.Rand.Intn
	}
	maxIters := opts.MaxIters
	if maxIters < 1 {
		maxIters = 1
	}

	thresholdSq := opts.Threshold * opts.Threshold
	bestCount := 0
	var bestDX, bestDY float64
	needed := float64(maxIters)

	for iter := 0; iter < maxIters && float64(iter) < needed; iter++ {
		s := corrs[intn(total)]
		dx := s.P1.X - s.P2.X
		dy := s.P1.Y - s.P2.Y

		count := 0
		for _, c := range corrs {
			rx := c.P1.X - c.P2.X - dx
			ry := c.P1.Y - c.P2.Y - dy
			if rx*rx+ry*ry <= thresholdSq {
				count++
			}
		}

		if count > bestCount {
			bestCount = count
			bestDX, bestDY = dx, dy
			needed = iterationsNeeded(opts.Confidence, float64(count)/float64(total))
		}
	}

	minInliers := opts.MinInliers
	if minInliers < MinCorrespondences {
		minInliers = MinCorrespondences
	}
	if bestCount < minInliers || float64(bestCount)/float64(total) < opts.MinInlierRatio {
		return PairwiseTransform{Pair: pair, TotalMatches: total, InlierCount: bestCount, Failed: true}, ErrRansacFailure
	}

	// Refine over the winning inlier set.
	dxs := make([]float64, 0, bestCount)
	dys := make([]float64, 0, bestCount)
	for _, c := range corrs {
		rx := c.P1.X - c.P2.X - bestDX
		ry := c.P1.Y - c.P2.Y - bestDY
		if rx*rx+ry*ry <= thresholdSq {
			dxs = append(dxs, c.P1.X-c.P2.X)
			dys = append(dys, c.P1.Y-c.P2.Y)
		}
	}

	return PairwiseTransform{
		Pair:         pair,
		DX:           stat.Mean(dxs, nil),
		DY:           stat.Mean(dys, nil),
		InlierCount:  len(dxs),
		TotalMatches: total,
	}, nil
}

// iterationsNeeded is the standard adaptive RANSAC stopping rule for a
// one-point minimal sample: log(1-confidence) / log(1-inlierRatio).
func iterationsNeeded(confidence, inlierRatio float64) float64 {
	if inlierRatio >= 1 {
		return 0
	}
	if inlierRatio <= 0 || confidence <= 0 || confidence >= 1 {
		return math.Inf(1)
	}
	return math.Log(1-confidence) / math.Log(1-inlierRatio)
}
