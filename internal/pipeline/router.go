package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"panostitch/internal/config"
	"panostitch/internal/features"
	"panostitch/internal/fsutil"
	"panostitch/internal/imgio"
	"panostitch/internal/logging"
	"panostitch/internal/stitch"
	"panostitch/internal/storage"
)

// frameStitcher runs the geometric pipeline over a frame sequence.
type frameStitcher interface {
	Stitch(ctx context.Context, frames []stitch.Frame) (*stitch.Result, error)
}

type stitcherFactory func(opts stitch.Options) (frameStitcher, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log         *slog.Logger
	store       *storage.Store
	cfg         *config.Config
	stitcherFac stitcherFactory
	listImages  func(root string) ([]string, error)
	loadImage   func(path string) (*image.NRGBA, error)
	saveImage   func(img image.Image, path string, quality int) error
	readFocal   func(ctx context.Context, path string) (imgio.FocalInfo, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	return &router{
		log:   logger,
		store: store,
		cfg:   cfg,
		stitcherFac: func(opts stitch.Options) (frameStitcher, error) {
			matcher, err := features.NewProvider(featureOptions(cfg))
			if err != nil {
				return nil, err
			}
			return stitch.New(matcher, opts, logger), nil
		},
		listImages: fsutil.ListImages,
		loadImage:  imgio.Load,
		saveImage:  imgio.Save,
		readFocal:  imgio.ReadFocalInfo,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStitch:
		return r.handleStitch(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStitch(ctx context.Context, job Job) Result {
	files, _ := job.Options["images"].([]string)
	if len(files) == 0 {
		listed, err := r.listImages(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("list images: %w", err)}
		}
		files = listed
	}
	if len(files) < 2 {
		return Result{Job: job, Error: fmt.Errorf("need at least 2 images in %s, found %d", job.InputPath, len(files))}
	}

	logging.LogProcessingStep(r.log, job.ID, "load", "start", map[string]any{"images": len(files)})
	frames := make([]stitch.Frame, 0, len(files))
	for i, f := range files {
		img, err := r.loadImage(f)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("load %s: %w", f, err)}
		}
		focal, err := r.resolveFocal(ctx, job, f, img.Bounds().Dx())
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("focal length for %s: %w", f, err)}
		}
		frames = append(frames, stitch.Frame{Index: i, Img: img, Focal: focal})
	}

	s, err := r.stitcherFac(r.stitchOptions(job))
	if err != nil {
		return Result{Job: job, Error: err}
	}

	logging.LogProcessingStep(r.log, job.ID, "stitch", "start", map[string]any{"frames": len(frames)})
	res, err := s.Stitch(ctx, frames)
	if res != nil {
		r.persistRun(job, res)
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: runMeta(job, res, "")}
	}

	output := job.Output
	if output == "" {
		ext := r.cfg.Stitch.OutputFormat
		if ext == "" {
			ext = "jpg"
		}
		output = filepath.Join(job.InputPath, "panorama."+ext)
	}
	logging.LogProcessingStep(r.log, job.ID, "save", "start", map[string]any{"output": output})
	if err := r.saveImage(res.Cropped, output, r.cfg.Stitch.OutputQuality); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save %s: %w", output, err)}
	}

	if r.store != nil {
		rec := runRecord(job, res)
		rec.OutputPath = output
		_ = r.store.RecordStitchRun(rec)
	}
	return Result{Job: job, Meta: runMeta(job, res, output)}
}

// resolveFocal picks the focal length in pixels for one frame: an
// explicit job option wins, then metadata recorded by an earlier scan
// or stitch, then a fresh exiftool read (recorded for next time), then
// the configured default.
func (r *router) resolveFocal(ctx context.Context, job Job, path string, width int) (float64, error) {
	if f, ok := job.Options["focal"].(float64); ok && f > 0 {
		return f, nil
	}
	fi, cached := r.cachedFocal(path)
	if !cached {
		read, err := r.readFocal(ctx, path)
		if err == nil {
			fi = read
			r.recordFocal(path, read, width)
		}
	}
	if px, err := fi.PixelFocal(width); err == nil {
		return px, nil
	}
	if r.cfg.Stitch.DefaultFocal > 0 {
		return r.cfg.Stitch.DefaultFocal, nil
	}
	return 0, imgio.ErrNoFocalLength
}

// cachedFocal looks up focal metadata a previous scan or stitch run
// recorded for this file.
func (r *router) cachedFocal(path string) (imgio.FocalInfo, bool) {
	if r.store == nil {
		return imgio.FocalInfo{}, false
	}
	meta, err := r.store.ImageMetadataFor(path)
	if err != nil || meta.FocalLength <= 0 {
		return imgio.FocalInfo{}, false
	}
	return imgio.FocalInfo{
		FocalLengthMM:   meta.FocalLength,
		FocalLength35MM: meta.FocalLength35,
		CameraMake:      meta.CameraMake,
		CameraModel:     meta.CameraModel,
	}, true
}

func (r *router) recordFocal(path string, fi imgio.FocalInfo, width int) {
	if r.store == nil {
		return
	}
	meta := storage.ImageMetadata{
		FilePath:      path,
		CameraMake:    fi.CameraMake,
		CameraModel:   fi.CameraModel,
		FocalLength:   fi.FocalLengthMM,
		FocalLength35: fi.FocalLength35MM,
		Width:         width,
	}
	if px, err := fi.PixelFocal(width); err == nil {
		meta.FocalPixels = px
	}
	_ = r.store.RecordImageMetadata(meta)
}

func (r *router) stitchOptions(job Job) stitch.Options {
	cfg := r.cfg.Stitch
	opts := stitch.Options{
		Ransac: stitch.RansacOptions{
			Threshold:      cfg.RansacThreshold,
			MaxIters:       cfg.RansacMaxIters,
			Confidence:     cfg.RansacConfidence,
			MinInlierRatio: cfg.MinInlierRatio,
			MinInliers:     cfg.MinInliers,
		},
		EnableDriftCorrection: cfg.DriftCorrection,
		BlendMethod:           cfg.BlendMethod,
		CropBlackThreshold:    cfg.CropBlackThreshold,
		Workers:               r.cfg.Processing.ParallelJobs,
		TolerateBrokenChain:   cfg.TolerateBrokenChain,
	}
	if v, ok := job.Options["drift"].(bool); ok {
		opts.EnableDriftCorrection = v
	}
	if v, ok := job.Options["partial"].(bool); ok {
		opts.TolerateBrokenChain = v
	}
	return opts
}

func featureOptions(cfg *config.Config) features.Options {
	return features.Options{
		MaxCorners:   cfg.Features.MaxCorners,
		PatchSize:    cfg.Features.PatchSize,
		RatioTest:    cfg.Features.RatioTest,
		HarrisK:      cfg.Features.HarrisK,
		QualityLevel: cfg.Features.QualityLevel,
		BlurRadius:   cfg.Features.BlurRadius,
		NMSRadius:    cfg.Features.NMSRadius,
	}
}

// persistRun stores the pair estimates and drift correction even for
// runs that failed later in the pipeline, so partial results stay
// inspectable.
func (r *router) persistRun(job Job, res *stitch.Result) {
	if r.store == nil {
		return
	}
	if len(res.Pairs) > 0 {
		recs := make([]storage.PairTransformRecord, 0, len(res.Pairs))
		for _, p := range res.Pairs {
			recs = append(recs, storage.PairTransformRecord{
				RunID:   job.ID,
				Pair:    p.Pair,
				DX:      p.DX,
				DY:      p.DY,
				Inliers: p.InlierCount,
				Matches: p.TotalMatches,
				Failed:  p.Failed,
			})
		}
		_ = r.store.RecordPairTransforms(job.ID, recs)
	}
	if res.Drift != nil {
		_ = r.store.RecordDrift(storage.DriftRecord{
			RunID:          job.ID,
			GapAngle:       res.Drift.GapAngle,
			OriginalFocal:  res.Drift.OriginalFocal,
			CorrectedFocal: res.Drift.CorrectedFocal,
			PerPair:        res.Drift.PerPair,
			NumImages:      res.Drift.NumImages,
		})
	}
}

func runRecord(job Job, res *stitch.Result) storage.StitchRunRecord {
	rec := storage.StitchRunRecord{
		ID:           job.ID,
		InputPath:    job.InputPath,
		ImageCount:   len(res.Offsets.Offsets),
		DroppedCount: len(res.Dropped),
		Warnings:     res.Warnings,
	}
	if res.Canvas != nil {
		rec.CanvasWidth = res.Canvas.Width
		rec.CanvasHeight = res.Canvas.Height
	}
	rec.CropX = res.Crop.X
	rec.CropY = res.Crop.Y
	rec.CropWidth = res.Crop.Width
	rec.CropHeight = res.Crop.Height
	return rec
}

func runMeta(job Job, res *stitch.Result, output string) map[string]any {
	meta := map[string]any{}
	if output != "" {
		meta["output"] = output
	}
	if res == nil {
		return meta
	}
	meta["pairs"] = len(res.Pairs)
	meta["dropped"] = len(res.Dropped)
	meta["warnings"] = res.Warnings
	if res.Canvas != nil {
		meta["canvasWidth"] = res.Canvas.Width
		meta["canvasHeight"] = res.Canvas.Height
	}
	if res.Crop.Width > 0 {
		meta["cropWidth"] = res.Crop.Width
		meta["cropHeight"] = res.Crop.Height
	}
	if res.Drift != nil {
		meta["gapAngle"] = res.Drift.GapAngle
		meta["correctedFocal"] = res.Drift.CorrectedFocal
	}
	return meta
}

// handleScan walks a directory, reads focal length metadata for every
// image and records it, so later stitch runs can skip the exiftool
// round trips.
func (r *router) handleScan(ctx context.Context, job Job) Result {
	files, err := r.listImages(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("list images: %w", err)}
	}

	withFocal := 0
	for _, f := range files {
		fi, err := r.readFocal(ctx, f)
		if err != nil {
			continue
		}
		withFocal++
		if r.store != nil {
			_ = r.store.RecordImageMetadata(storage.ImageMetadata{
				FilePath:      f,
				CameraMake:    fi.CameraMake,
				CameraModel:   fi.CameraModel,
				FocalLength:   fi.FocalLengthMM,
				FocalLength35: fi.FocalLength35MM,
			})
		}
	}

	return Result{Job: job, Meta: map[string]any{
		"images":    len(files),
		"withFocal": withFocal,
	}}
}
