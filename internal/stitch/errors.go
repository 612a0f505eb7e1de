package stitch

import "errors"

var (
	// ErrProjectionDegenerate marks a frame with a non-positive focal
	// length. The frame is dropped from the sequence.
	ErrProjectionDegenerate = errors.New("projection degenerate: non-positive focal length")

	// ErrInsufficientCorrespondences means fewer than the minimum number
	// of point pairs were supplied to the aligner.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences for estimation")

	// ErrRansacFailure means no candidate translation reached the minimum
	// inlier ratio within the iteration budget.
	ErrRansacFailure = errors.New("ransac found no acceptable translation")

	// ErrSequenceBroken means no unbroken chain of pairwise transforms
	// spans the full sequence; composition cannot proceed.
	ErrSequenceBroken = errors.New("pairwise transform chain is broken")

	// ErrDriftLoopNotClosed means the first/last image match failed, so
	// the 360 loop closure could not be measured. Non-fatal: the pipeline
	// continues with uncorrected offsets.
	ErrDriftLoopNotClosed = errors.New("drift correction: first/last match failed")

	// ErrCropEmpty means no interior rectangle free of border pixels
	// exists. The uncropped canvas is still returned to the caller.
	ErrCropEmpty = errors.New("no valid interior rectangle to crop")
)
