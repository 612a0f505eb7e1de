package watch

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"panostitch/internal/config"
	"panostitch/internal/pipeline"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (f *fakeSubmitter) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeSubmitter) queued() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeSubmitter) {
	t.Helper()
	pipe := &fakeSubmitter{}
	cfg := config.Watch{SettleSeconds: 5, MinImages: 3}
	w, err := New(nil, cfg, pipe, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, pipe
}

func TestBurstSettlesIntoStitchJob(t *testing.T) {
	w, pipe := newTestWatcher(t)

	start := time.Now()
	dir := filepath.Join("/photos", "loop")
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		w.observe(filepath.Join(dir, name), start.Add(time.Duration(i)*time.Second))
	}

	// Still inside the settle window: nothing fires.
	w.flush(start.Add(4 * time.Second))
	if len(pipe.queued()) != 0 {
		t.Fatalf("burst fired before settling")
	}

	w.flush(start.Add(10 * time.Second))
	jobs := pipe.queued()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Type != pipeline.JobStitch || jobs[0].InputPath != dir {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
	if jobs[0].Options["source"] != "watch" {
		t.Fatalf("job not tagged as watch-sourced: %v", jobs[0].Options)
	}
}

func TestSmallBurstsAreDiscarded(t *testing.T) {
	w, pipe := newTestWatcher(t)

	start := time.Now()
	w.observe("/photos/pair/a.jpg", start)
	w.observe("/photos/pair/b.jpg", start)

	w.flush(start.Add(time.Minute))
	if len(pipe.queued()) != 0 {
		t.Fatalf("two-image burst should not stitch with MinImages=3")
	}
	// Burst state is cleared, so a later flush stays quiet too.
	w.flush(start.Add(2 * time.Minute))
	if len(pipe.queued()) != 0 {
		t.Fatalf("discarded burst came back")
	}
}

func TestNonImageFilesAreIgnored(t *testing.T) {
	w, pipe := newTestWatcher(t)

	start := time.Now()
	w.observe("/photos/loop/notes.txt", start)
	w.observe("/photos/loop/pano.xmp", start)
	w.observe("/photos/loop/a.jpg", start)
	w.observe("/photos/loop/b.jpg", start)
	w.observe("/photos/loop/c.jpg", start)

	w.flush(start.Add(time.Minute))
	jobs := pipe.queued()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestRepeatedWritesCountOnce(t *testing.T) {
	w, pipe := newTestWatcher(t)

	start := time.Now()
	// The same two files written many times never reach MinImages.
	for i := 0; i < 10; i++ {
		w.observe("/photos/loop/a.jpg", start.Add(time.Duration(i)*time.Second))
		w.observe("/photos/loop/b.jpg", start.Add(time.Duration(i)*time.Second))
	}

	w.flush(start.Add(time.Hour))
	if len(pipe.queued()) != 0 {
		t.Fatalf("duplicate writes were counted as distinct images")
	}
}
