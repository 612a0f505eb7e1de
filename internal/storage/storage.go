// Package storage persists job history and stitch run results in
// SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and stitch runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS stitch_runs (
            id TEXT PRIMARY KEY,
            input_path TEXT,
            output_path TEXT,
            image_count INTEGER,
            dropped_count INTEGER,
            canvas_width INTEGER,
            canvas_height INTEGER,
            crop_x INTEGER,
            crop_y INTEGER,
            crop_width INTEGER,
            crop_height INTEGER,
            warnings_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS pair_transforms (
            run_id TEXT NOT NULL,
            pair_index INTEGER NOT NULL,
            dx REAL,
            dy REAL,
            inliers INTEGER,
            matches INTEGER,
            failed BOOLEAN DEFAULT FALSE,
            PRIMARY KEY (run_id, pair_index)
        );`,
		`CREATE TABLE IF NOT EXISTS drift_corrections (
            run_id TEXT PRIMARY KEY,
            gap_angle REAL,
            original_focal REAL,
            corrected_focal REAL,
            per_pair REAL,
            num_images INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS image_metadata (
            file_path TEXT PRIMARY KEY,
            camera_make TEXT,
            camera_model TEXT,
            focal_length REAL,
            focal_length_35mm REAL,
            focal_pixels REAL,
            width INTEGER,
            height INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_pair_transforms_run ON pair_transforms(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stitch_runs_created ON stitch_runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StitchRunRecord captures one finished stitch run.
type StitchRunRecord struct {
	ID           string
	InputPath    string
	OutputPath   string
	ImageCount   int
	DroppedCount int
	CanvasWidth  int
	CanvasHeight int
	CropX        int
	CropY        int
	CropWidth    int
	CropHeight   int
	Warnings     []string
	CreatedAt    time.Time
}

// PairTransformRecord captures one pairwise alignment estimate.
type PairTransformRecord struct {
	RunID   string
	Pair    int
	DX      float64
	DY      float64
	Inliers int
	Matches int
	Failed  bool
}

// DriftRecord captures a 360 closure correction.
type DriftRecord struct {
	RunID          string
	GapAngle       float64
	OriginalFocal  float64
	CorrectedFocal float64
	PerPair        float64
	NumImages      int
}

// ImageMetadata captures the focal length metadata of one source image.
type ImageMetadata struct {
	FilePath      string
	CameraMake    string
	CameraModel   string
	FocalLength   float64
	FocalLength35 float64
	FocalPixels   float64
	Width         int
	Height        int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordStitchRun persists a finished run's summary.
func (s *Store) RecordStitchRun(rec StitchRunRecord) error {
	if s == nil {
		return nil
	}
	warningsJSON, _ := json.Marshal(rec.Warnings)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stitch_runs
        (id, input_path, output_path, image_count, dropped_count, canvas_width, canvas_height, crop_x, crop_y, crop_width, crop_height, warnings_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.InputPath, rec.OutputPath, rec.ImageCount, rec.DroppedCount,
		rec.CanvasWidth, rec.CanvasHeight, rec.CropX, rec.CropY, rec.CropWidth, rec.CropHeight,
		string(warningsJSON))
	return err
}

// RecentRuns returns the latest stitch runs up to limit.
func (s *Store) RecentRuns(limit int) ([]StitchRunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, input_path, output_path, image_count, dropped_count, canvas_width, canvas_height, crop_x, crop_y, crop_width, crop_height, warnings_json, created_at FROM stitch_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StitchRunRecord
	for rows.Next() {
		var rec StitchRunRecord
		var warningsJSON string
		if err := rows.Scan(&rec.ID, &rec.InputPath, &rec.OutputPath, &rec.ImageCount, &rec.DroppedCount,
			&rec.CanvasWidth, &rec.CanvasHeight, &rec.CropX, &rec.CropY, &rec.CropWidth, &rec.CropHeight,
			&warningsJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if warningsJSON != "" {
			json.Unmarshal([]byte(warningsJSON), &rec.Warnings)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecordPairTransforms stores every pair estimate of a run in one
// transaction.
func (s *Store) RecordPairTransforms(runID string, recs []PairTransformRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO pair_transforms (run_id, pair_index, dx, dy, inliers, matches, failed) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			runID, rec.Pair, rec.DX, rec.DY, rec.Inliers, rec.Matches, rec.Failed); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// PairTransforms returns a run's pair estimates in pair order.
func (s *Store) PairTransforms(runID string) ([]PairTransformRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, pair_index, dx, dy, inliers, matches, failed FROM pair_transforms WHERE run_id=? ORDER BY pair_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PairTransformRecord
	for rows.Next() {
		var rec PairTransformRecord
		if err := rows.Scan(&rec.RunID, &rec.Pair, &rec.DX, &rec.DY, &rec.Inliers, &rec.Matches, &rec.Failed); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecordDrift stores the closure correction of a run.
func (s *Store) RecordDrift(rec DriftRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO drift_corrections (run_id, gap_angle, original_focal, corrected_focal, per_pair, num_images) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.GapAngle, rec.OriginalFocal, rec.CorrectedFocal, rec.PerPair, rec.NumImages)
	return err
}

// DriftFor fetches a run's closure correction, sql.ErrNoRows when the
// run was not drift-corrected.
func (s *Store) DriftFor(runID string) (DriftRecord, error) {
	var rec DriftRecord
	if s == nil {
		return rec, errors.New("store not initialized")
	}
	err := s.DB.QueryRow(`SELECT run_id, gap_angle, original_focal, corrected_focal, per_pair, num_images FROM drift_corrections WHERE run_id=?;`, runID).
		Scan(&rec.RunID, &rec.GapAngle, &rec.OriginalFocal, &rec.CorrectedFocal, &rec.PerPair, &rec.NumImages)
	return rec, err
}

// RecordImageMetadata stores focal length details if available.
func (s *Store) RecordImageMetadata(meta ImageMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_metadata (file_path, camera_make, camera_model, focal_length, focal_length_35mm, focal_pixels, width, height)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.CameraMake, meta.CameraModel, meta.FocalLength, meta.FocalLength35, meta.FocalPixels, meta.Width, meta.Height)
	return err
}

// ImageMetadataFor fetches stored metadata for one file.
func (s *Store) ImageMetadataFor(path string) (ImageMetadata, error) {
	var meta ImageMetadata
	if s == nil {
		return meta, errors.New("store not initialized")
	}
	err := s.DB.QueryRow(`SELECT file_path, camera_make, camera_model, focal_length, focal_length_35mm, focal_pixels, width, height FROM image_metadata WHERE file_path=?;`, path).
		Scan(&meta.FilePath, &meta.CameraMake, &meta.CameraModel, &meta.FocalLength, &meta.FocalLength35, &meta.FocalPixels, &meta.Width, &meta.Height)
	return meta, err
}
