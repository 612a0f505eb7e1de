package stitch

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
)

// stubMatcher fabricates perfect correspondences with a fixed per-pair
// displacement, so the geometric pipeline can run without real features.
type stubMatcher struct {
	dx, dy float64
	// failAt makes Match fail when the earlier frame has this index.
	failAt int
	// failClosure rejects the wrap-around last/first match, leaving the
	// 360 loop open.
	failClosure bool
}

type stubDesc struct {
	index int
}

func (m *stubMatcher) Detect(pf *ProjectedFrame) (DescriptorSet, error) {
	return stubDesc{index: pf.Index}, nil
}

func (m *stubMatcher) Match(a, b DescriptorSet) ([]Correspondence, error) {
	ai, bi := a.(stubDesc).index, b.(stubDesc).index
	if ai == m.failAt {
		return nil, errors.New("no overlap between frames")
	}
	if m.failClosure && bi < ai {
		return nil, errors.New("no overlap between frames")
	}
	corrs := make([]Correspondence, 0, 20)
	for i := 0; i < 20; i++ {
		p2 := Point{X: float64(10 + i*4), Y: float64(20 + (i%5)*10)}
		corrs = append(corrs, Correspondence{
			P1: Point{X: p2.X + m.dx, Y: p2.Y + m.dy},
			P2: p2,
		})
	}
	return corrs, nil
}

func grayFrame(index int, focal float64) Frame {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = 128
		img.Pix[i+1] = 128
		img.Pix[i+2] = 128
		img.Pix[i+3] = 255
	}
	return Frame{Index: index, Img: img, Focal: focal}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStitchEndToEnd(t *testing.T) {
	matcher := &stubMatcher{dx: 40, failAt: -1}
	s := New(matcher, DefaultOptions(), quietLogger())

	frames := []Frame{grayFrame(0, 400), grayFrame(1, 400), grayFrame(2, 400)}
	res, err := s.Stitch(context.Background(), frames)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Pairs) != 2 {
		t.Fatalf("expected 2 pairwise transforms, got %d", len(res.Pairs))
	}
	for _, p := range res.Pairs {
		if p.Failed || math.Abs(p.DX-40) > 1e-9 || math.Abs(p.DY) > 1e-9 {
			t.Fatalf("pair %d estimate wrong: %+v", p.Pair, p)
		}
	}
	want := []Offset{{0, 0}, {40, 0}, {80, 0}}
	for i, w := range want {
		if math.Abs(res.Offsets.Offsets[i].X-w.X) > 1e-9 {
			t.Fatalf("offset %d = %+v, want %+v", i, res.Offsets.Offsets[i], w)
		}
	}
	if res.Canvas == nil || res.Canvas.Width != 180 || res.Canvas.Height != 100 {
		t.Fatalf("canvas missing or mis-sized: %+v", res.Canvas)
	}
	// The cylindrical warp invalidates a thin edge band, so the crop is a
	// little smaller than the canvas but must cover most of it.
	if res.Crop.Width < 160 || res.Crop.Height < 85 {
		t.Fatalf("crop too small: %+v", res.Crop)
	}
	if res.Cropped == nil {
		t.Fatalf("cropped output missing")
	}
	if res.Drift != nil {
		t.Fatalf("drift correction ran while disabled")
	}
}

func TestStitchBrokenChainIsFatal(t *testing.T) {
	matcher := &stubMatcher{dx: 40, failAt: 1}
	s := New(matcher, DefaultOptions(), quietLogger())

	frames := []Frame{grayFrame(0, 400), grayFrame(1, 400), grayFrame(2, 400)}
	res, err := s.Stitch(context.Background(), frames)
	if !errors.Is(err, ErrSequenceBroken) {
		t.Fatalf("expected ErrSequenceBroken, got %v", err)
	}
	if !res.Offsets.Broken || res.Offsets.BrokenAt != 1 {
		t.Fatalf("broken chain not reported: %+v", res.Offsets)
	}
	if res.Canvas != nil {
		t.Fatalf("no canvas should be produced for a fatal broken chain")
	}
}

func TestStitchToleratesBrokenChain(t *testing.T) {
	matcher := &stubMatcher{dx: 40, failAt: 1}
	opts := DefaultOptions()
	opts.TolerateBrokenChain = true
	s := New(matcher, opts, quietLogger())

	frames := []Frame{grayFrame(0, 400), grayFrame(1, 400), grayFrame(2, 400)}
	res, err := s.Stitch(context.Background(), frames)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Canvas == nil {
		t.Fatalf("tolerant run should still composite")
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("partial stitch should carry a warning")
	}
}

func TestStitchDriftCorrection(t *testing.T) {
	matcher := &stubMatcher{dx: 40, failAt: -1}
	opts := DefaultOptions()
	opts.EnableDriftCorrection = true
	s := New(matcher, opts, quietLogger())

	// 15 frames at 40px steps nearly close a loop at f=100
	// (2*pi*100 ~ 628px), leaving a small gap to redistribute.
	const focal = 100.0
	frames := make([]Frame, 15)
	for i := range frames {
		frames[i] = grayFrame(i, focal)
	}
	res, err := s.Stitch(context.Background(), frames)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Drift == nil {
		t.Fatalf("drift correction did not run")
	}

	lastX := 40.0 * 14
	gap := (2*math.Pi*focal - (lastX + 40)) / focal
	if math.Abs(res.Drift.GapAngle-gap) > 1e-9 {
		t.Fatalf("gap angle = %v, want %v", res.Drift.GapAngle, gap)
	}
	wantFocal := focal * (1 - gap/(2*math.Pi))
	if math.Abs(res.Drift.CorrectedFocal-wantFocal) > 1e-9 {
		t.Fatalf("corrected focal = %v, want %v", res.Drift.CorrectedFocal, wantFocal)
	}

	// The result carries the offsets composition actually used: each
	// frame nudged by its share of the gap.
	step := gap / 15 * focal
	for i, o := range res.Offsets.Offsets {
		want := 40.0*float64(i) + float64(i)*step
		if math.Abs(o.X-want) > 1e-9 {
			t.Fatalf("offset %d = %v, want %v", i, o.X, want)
		}
	}
	if res.Canvas == nil || res.Cropped == nil {
		t.Fatalf("corrected run produced no composite")
	}
	for _, w := range res.Warnings {
		if strings.Contains(w, "drift") {
			t.Fatalf("unexpected warning %q", w)
		}
	}
}

func TestStitchDriftLoopNotClosed(t *testing.T) {
	matcher := &stubMatcher{dx: 40, failAt: -1, failClosure: true}
	opts := DefaultOptions()
	opts.EnableDriftCorrection = true
	s := New(matcher, opts, quietLogger())

	frames := []Frame{grayFrame(0, 400), grayFrame(1, 400), grayFrame(2, 400)}
	res, err := s.Stitch(context.Background(), frames)
	if err != nil {
		t.Fatalf("open loop must be non-fatal: %v", err)
	}
	if res.Drift != nil {
		t.Fatalf("no correction should be recorded: %+v", res.Drift)
	}
	warned := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "drift correction skipped") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("missing skip warning: %v", res.Warnings)
	}

	// The uncorrected chain still composites.
	want := []Offset{{0, 0}, {40, 0}, {80, 0}}
	for i, w := range want {
		if math.Abs(res.Offsets.Offsets[i].X-w.X) > 1e-9 {
			t.Fatalf("offset %d = %+v, want %+v", i, res.Offsets.Offsets[i], w)
		}
	}
	if res.Canvas == nil || res.Canvas.Width != 180 {
		t.Fatalf("uncorrected composite missing or mis-sized: %+v", res.Canvas)
	}
}

func TestStitchDropsDegenerateFrames(t *testing.T) {
	matcher := &stubMatcher{dx: 40, failAt: -1}
	s := New(matcher, DefaultOptions(), quietLogger())

	frames := []Frame{
		{Index: 0, Img: grayFrame(0, 400).Img, Focal: -1},
		grayFrame(1, 400),
		grayFrame(2, 400),
	}
	res, err := s.Stitch(context.Background(), frames)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != 0 {
		t.Fatalf("expected frame 0 dropped, got %v", res.Dropped)
	}
	if len(res.Pairs) != 1 {
		t.Fatalf("expected a single pair after the drop, got %d", len(res.Pairs))
	}
}

func TestStitchRejectsShortSequences(t *testing.T) {
	s := New(&stubMatcher{failAt: -1}, DefaultOptions(), quietLogger())
	if _, err := s.Stitch(context.Background(), []Frame{grayFrame(0, 400)}); err == nil {
		t.Fatalf("expected error for single-frame input")
	}
}
