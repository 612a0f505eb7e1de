package stitch

import "math"

// CorrectDrift measures the angular gap of a closed 360 loop and
// redistributes it evenly across the sequence.
//
// A full rotation at focal length f spans 2*pi*f horizontal pixels on the
// cylinder. The measured closure is the last chained offset plus the
// first/last pair's displacement. The residual, expressed as an angle, is
// the gap:
//
//	gapAngle = (2*pi*f - (lastOffsetX + firstLast.DX)) / f
//
// Each of the loop's numImages pairs absorbs gapAngle/numImages, and the
// focal length is rescaled so the corrected span closes exactly:
//
//	f' = f * (1 - gapAngle/2*pi)
//
// firstLast must be a successful estimate between frame 0 and frame N-1;
// a failed one returns ErrDriftLoopNotClosed and the caller proceeds with
// uncorrected offsets and the original focal length.
func CorrectDrift(offsets SequenceOffsets, firstLast PairwiseTransform, focal float64, numImages int) (DriftCorrection, error) {
	if firstLast.Failed || numImages < 2 || focal <= 0 {
		return DriftCorrection{}, ErrDriftLoopNotClosed
	}
	if offsets.Broken || len(offsets.Offsets) == 0 {
		return DriftCorrection{}, ErrDriftLoopNotClosed
	}

	expectedClosureX := 2 * math.Pi * focal
	actualClosureX := offsets.Offsets[len(offsets.Offsets)-1].X + firstLast.DX
	gap := (expectedClosureX - actualClosureX) / focal

	return DriftCorrection{
		GapAngle:       gap,
		OriginalFocal:  focal,
		CorrectedFocal: focal * (1 - gap/(2*math.Pi)),
		PerPair:        gap / float64(numImages),
		NumImages:      numImages,
	}, nil
}

// Apply nudges each chained offset by its share of the gap angle,
// expressed as a horizontal pixel correction at the original focal
// length. Frame i has absorbed i pair corrections.
func (d DriftCorrection) Apply(offsets SequenceOffsets) SequenceOffsets {
	out := SequenceOffsets{
		Offsets:  make([]Offset, len(offsets.Offsets)),
		Broken:   offsets.Broken,
		BrokenAt: offsets.BrokenAt,
	}
	step := d.PerPair * d.OriginalFocal
	for i, o := range offsets.Offsets {
		out.Offsets[i] = Offset{X: o.X + float64(i)*step, Y: o.Y}
	}
	return out
}
