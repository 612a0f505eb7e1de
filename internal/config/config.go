package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/panostitch/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the stitching pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Stitch     Stitch     `json:"stitch"`
	Features   Features   `json:"features"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Stitch tunes the geometric pipeline.
type Stitch struct {
	// DefaultFocal is the focal length in pixels used when an image
	// carries no usable metadata. Zero makes missing metadata an error.
	DefaultFocal        float64 `json:"default_focal"`
	RansacThreshold     float64 `json:"ransac_threshold"`
	RansacMaxIters      int     `json:"ransac_max_iters"`
	RansacConfidence    float64 `json:"ransac_confidence"`
	MinInlierRatio      float64 `json:"min_inlier_ratio"`
	MinInliers          int     `json:"min_inliers"`
	DriftCorrection     bool    `json:"drift_correction"`
	BlendMethod         string  `json:"blend_method"`
	CropBlackThreshold  float64 `json:"crop_black_threshold"`
	TolerateBrokenChain bool    `json:"tolerate_broken_chain"`
	OutputFormat        string  `json:"output_format"` // jpg, png, webp, tiff
	OutputQuality       int     `json:"output_quality"`
}

// Features tunes corner detection and matching.
type Features struct {
	MaxCorners   int     `json:"max_corners"`
	PatchSize    int     `json:"patch_size"`
	RatioTest    float64 `json:"ratio_test"`
	HarrisK      float64 `json:"harris_k"`
	QualityLevel float64 `json:"quality_level"`
	BlurRadius   float64 `json:"blur_radius"`
	NMSRadius    int     `json:"nms_radius"`
}

// Server configures the HTTP API.
type Server struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr is the listen address in host:port form.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Watch configures the directory watcher.
type Watch struct {
	// SettleSeconds is how long a directory must stay quiet before a
	// stitch run is queued for it.
	SettleSeconds int `json:"settle_seconds"`
	// MinImages is the smallest burst worth stitching.
	MinImages int `json:"min_images"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("PANOSTITCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "panostitch.db"),
		},
		Stitch: Stitch{
			DefaultFocal:       1500,
			RansacThreshold:    5.0,
			RansacMaxIters:     2000,
			RansacConfidence:   0.995,
			MinInlierRatio:     0.15,
			MinInliers:         8,
			DriftCorrection:    true,
			BlendMethod:        "average",
			CropBlackThreshold: 0.04,
			OutputFormat:       "jpg",
			OutputQuality:      95,
		},
		Features: Features{
			MaxCorners:   500,
			PatchSize:    9,
			RatioTest:    0.8,
			HarrisK:      0.04,
			QualityLevel: 0.01,
			BlurRadius:   1.4,
			NMSRadius:    4,
		},
		Server: Server{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Watch: Watch{
			SettleSeconds: 5,
			MinImages:     2,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
