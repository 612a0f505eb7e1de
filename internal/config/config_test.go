package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("PANOSTITCH_CONFIG", filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stitch.BlendMethod != "average" {
		t.Fatalf("blend method default = %q", cfg.Stitch.BlendMethod)
	}
	if cfg.Stitch.RansacThreshold != 5.0 || cfg.Stitch.RansacMaxIters != 2000 {
		t.Fatalf("ransac defaults wrong: %+v", cfg.Stitch)
	}
	if cfg.Features.MaxCorners != 500 || cfg.Features.PatchSize != 9 {
		t.Fatalf("feature defaults wrong: %+v", cfg.Features)
	}
	if cfg.Processing.ParallelJobs != 4 {
		t.Fatalf("parallel jobs default = %d", cfg.Processing.ParallelJobs)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"stitch": {"drift_correction": false, "ransac_threshold": 2.5}, "server": {"host": "0.0.0.0", "port": 9000}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PANOSTITCH_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stitch.DriftCorrection {
		t.Fatalf("drift correction should be overridden to false")
	}
	if cfg.Stitch.RansacThreshold != 2.5 {
		t.Fatalf("ransac threshold = %v, want 2.5", cfg.Stitch.RansacThreshold)
	}
	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Fatalf("server addr = %q", cfg.Server.Addr())
	}
	// Untouched sections keep their defaults.
	if cfg.Stitch.BlendMethod != "average" {
		t.Fatalf("unrelated default lost: %q", cfg.Stitch.BlendMethod)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PANOSTITCH_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}
