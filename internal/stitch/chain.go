package stitch

// Chain accumulates pairwise translations into absolute per-frame offsets.
// The first frame sits at the origin; each subsequent offset is the
// previous plus the corresponding pairwise (dx, dy).
//
// A failed transform breaks the chain at that pair. Accumulation restarts
// from a local origin so partial stitching stays possible downstream, but
// Broken/BrokenAt record the discontinuity: offsets after the break are
// not comparable to the ones before it, and a full panorama requires an
// unbroken chain.
func Chain(transforms []PairwiseTransform) SequenceOffsets {
	offsets := make([]Offset, len(transforms)+1)
	res := SequenceOffsets{Offsets: offsets, BrokenAt: -1}

	cur := Offset{}
	for i, t := range transforms {
		if t.Failed {
			if !res.Broken {
				res.Broken = true
				res.BrokenAt = i
			}
			cur = Offset{}
		} else {
			cur.X += t.DX
			cur.Y += t.DY
		}
		offsets[i+1] = cur
	}
	return res
}
