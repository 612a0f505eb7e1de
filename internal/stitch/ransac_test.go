package stitch

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// buildCorrespondences places nInliers true matches at placement (dx, dy)
// (P1 = P2 + d) and nOutliers random mismatches.
func buildCorrespondences(rng *rand.Rand, nInliers, nOutliers int, dx, dy float64) []Correspondence {
	corrs := make([]Correspondence, 0, nInliers+nOutliers)
	for i := 0; i < nInliers; i++ {
		p2 := Point{X: rng.Float64() * 500, Y: rng.Float64() * 500}
		jx := (rng.Float64() - 0.5) * 0.4
		jy := (rng.Float64() - 0.5) * 0.4
		corrs = append(corrs, Correspondence{
			P1: Point{X: p2.X + dx + jx, Y: p2.Y + dy + jy},
			P2: p2,
		})
	}
	for i := 0; i < nOutliers; i++ {
		// Displacements at least 25px off the true model, so no outlier
		// can ever land inside the inlier threshold.
		p2 := Point{X: rng.Float64() * 500, Y: rng.Float64() * 500}
		corrs = append(corrs, Correspondence{
			P1: Point{X: p2.X + dx + 25 + rng.Float64()*200, Y: p2.Y + dy + 25 + rng.Float64()*200},
			P2: p2,
		})
	}
	rng.Shuffle(len(corrs), func(i, j int) { corrs[i], corrs[j] = corrs[j], corrs[i] })
	return corrs
}

func TestEstimateTranslationRecoversWithOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const dx0, dy0 = 82.5, -4.25

	// 40% outliers.
	corrs := buildCorrespondences(rng, 60, 40, dx0, dy0)

	opts := DefaultRansacOptions()
	opts.Threshold = 2.0
	opts.Rand = rand.New(rand.NewSource(11))

	tr, err := EstimateTranslation(0, corrs, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(tr.DX-dx0) > 0.5 || math.Abs(tr.DY-dy0) > 0.5 {
		t.Fatalf("estimate (%.3f, %.3f) too far from (%.3f, %.3f)", tr.DX, tr.DY, dx0, dy0)
	}
	if tr.InlierCount != 60 {
		t.Fatalf("expected 60 inliers, got %d", tr.InlierCount)
	}
	if tr.TotalMatches != 100 {
		t.Fatalf("expected 100 total matches, got %d", tr.TotalMatches)
	}
}

func TestEstimateTranslationInsufficient(t *testing.T) {
	corrs := []Correspondence{
		{P1: Point{X: 1}, P2: Point{}},
		{P1: Point{X: 2}, P2: Point{X: 1}},
	}
	tr, err := EstimateTranslation(3, corrs, DefaultRansacOptions())
	if !errors.Is(err, ErrInsufficientCorrespondences) {
		t.Fatalf("expected ErrInsufficientCorrespondences, got %v", err)
	}
	if !tr.Failed || tr.Pair != 3 {
		t.Fatalf("failed transform not marked: %+v", tr)
	}
}

func TestEstimateTranslationNoConsensus(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	corrs := buildCorrespondences(rng, 0, 40, 0, 0)

	opts := DefaultRansacOptions()
	opts.Threshold = 1.0
	opts.MinInliers = 10
	opts.Rand = rand.New(rand.NewSource(5))

	tr, err := EstimateTranslation(0, corrs, opts)
	if !errors.Is(err, ErrRansacFailure) {
		t.Fatalf("expected ErrRansacFailure, got %v", err)
	}
	if !tr.Failed {
		t.Fatalf("transform should be marked failed")
	}
}

func TestIterationsNeeded(t *testing.T) {
	// One-point model: log(1-0.99)/log(1-0.5) ≈ 6.64.
	got := iterationsNeeded(0.99, 0.5)
	if math.Abs(got-6.6438) > 0.01 {
		t.Fatalf("iterationsNeeded(0.99, 0.5) = %v, want ≈ 6.64", got)
	}
	if iterationsNeeded(0.995, 1.0) != 0 {
		t.Fatalf("perfect inlier ratio should need no further iterations")
	}
	if !math.IsInf(iterationsNeeded(0.995, 0), 1) {
		t.Fatalf("zero inlier ratio should never satisfy the stop rule")
	}
}
