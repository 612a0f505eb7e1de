// Package watch queues stitch jobs for directories that receive a
// burst of new images, such as a camera import finishing.
package watch

import (
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"panostitch/internal/config"
	"panostitch/internal/fsutil"
	"panostitch/internal/pipeline"

	"github.com/fsnotify/fsnotify"
)

type jobSubmitter interface {
	Submit(job pipeline.Job) error
}

// burst tracks images arriving in one directory.
type burst struct {
	files    map[string]struct{}
	lastSeen time.Time
}

// Watcher monitors directories and submits a stitch job once a burst
// of images has settled.
type Watcher struct {
	watcher   *fsnotify.Watcher
	log       *slog.Logger
	pipe      jobSubmitter
	settle    time.Duration
	minImages int

	mu     sync.Mutex
	bursts map[string]*burst

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher over the given directories.
func New(paths []string, cfg config.Watch, pipe jobSubmitter, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	settle := time.Duration(cfg.SettleSeconds) * time.Second
	if settle <= 0 {
		settle = 5 * time.Second
	}
	minImages := cfg.MinImages
	if minImages < 2 {
		minImages = 2
	}

	w := &Watcher{
		watcher:   fsw,
		log:       log,
		pipe:      pipe,
		settle:    settle,
		minImages: minImages,
		bursts:    make(map[string]*burst),
		done:      make(chan struct{}),
	}

	for _, dir := range paths {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		log.Info("watching directory", "dir", dir)
	}

	return w, nil
}

// Start begins processing filesystem events until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.observe(event.Name, time.Now())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

// observe records an image arriving in its directory's burst.
func (w *Watcher) observe(path string, now time.Time) {
	if !fsutil.IsImageFile(path) {
		return
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bursts[dir]
	if !ok {
		b = &burst{files: make(map[string]struct{})}
		w.bursts[dir] = b
	}
	b.files[path] = struct{}{}
	b.lastSeen = now
}

// flush submits stitch jobs for bursts that have been quiet for the
// settle window, and drops bursts too small to stitch.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for dir, b := range w.bursts {
		if now.Sub(b.lastSeen) < w.settle {
			continue
		}
		if len(b.files) >= w.minImages {
			ready = append(ready, dir)
		} else {
			w.log.Debug("discarding small burst", "dir", dir, "images", len(b.files))
		}
		delete(w.bursts, dir)
	}
	w.mu.Unlock()

	for _, dir := range ready {
		job := pipeline.Job{
			ID:        newJobID("stitch"),
			Type:      pipeline.JobStitch,
			InputPath: dir,
			Options:   map[string]any{"source": "watch"},
		}
		if err := w.pipe.Submit(job); err != nil {
			w.log.Error("failed to queue stitch job", "dir", dir, "error", err)
			continue
		}
		w.log.Info("burst settled, stitch queued", "dir", dir, "job", job.ID)
	}
}

func newJobID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
