// Package store persists settings and jobs in an embedded SQLite file.
// The transfer engine is the only writer of jobs; request handlers read
// consistent snapshots through the same connection pool.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/michaelscutari/rclone-hub/internal/job"
)

const settingsTableDDL = `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const jobsTableDDL = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    payload TEXT NOT NULL
);
`

// Settings is the single persisted configuration record, stored one row
// per field.
type Settings struct {
	StagingPath     string         `json:"staging_path"`
	StagingCapBytes int64          `json:"staging_cap_bytes"`
	Concurrency     int            `json:"concurrency"`
	VerifyMode      job.VerifyMode `json:"verify_mode"`
}

// DefaultSettings returns the record seeded on first boot.
func DefaultSettings(stagingPath string) Settings {
	return Settings{
		StagingPath:     stagingPath,
		StagingCapBytes: 20 * 1024 * 1024 * 1024,
		Concurrency:     2,
		VerifyMode:      job.VerifyStrict,
	}
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at path and seeds default
// settings when none exist. defaultStaging is the staging path used for
// the seeded record.
func Open(path, defaultStaging string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedDefaults(defaultStaging); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}
	for _, ddl := range []string{settingsTableDDL, jobsTableDDL} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}
	return nil
}

func (s *Store) seedDefaults(defaultStaging string) error {
	settings, err := s.GetSettings()
	if err != nil {
		return err
	}
	if settings != nil {
		return nil
	}
	return s.SetSettings(DefaultSettings(defaultStaging))
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSettings reads the settings record, or nil when none has been
// written yet.
func (s *Store) GetSettings() (*Settings, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan settings row: %w", err)
		}
		fields[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	buf, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(buf, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &settings, nil
}

// SetSettings replaces the whole settings record in one transaction.
func (s *Store) SetSettings(settings Settings) error {
	buf, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(buf, &fields); err != nil {
		return fmt.Errorf("failed to split settings: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin settings write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM settings`); err != nil {
		return fmt.Errorf("failed to clear settings: %w", err)
	}
	for key, value := range fields {
		if _, err := tx.Exec(`INSERT INTO settings(key, value) VALUES (?, ?)`, key, string(value)); err != nil {
			return fmt.Errorf("failed to write setting %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// UpsertJob writes the job's full payload, replacing any prior record
// with the same id.
func (s *Store) UpsertJob(j *job.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", j.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs(id, status, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		j.ID, string(j.Status), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to write job %s: %w", j.ID, err)
	}
	return nil
}

// ListJobs returns every job, newest insertion first.
func (s *Store) ListJobs() ([]*job.Job, error) {
	rows, err := s.db.Query(`SELECT payload FROM jobs ORDER BY rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		var j job.Job
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			return nil, fmt.Errorf("failed to decode job payload: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// GetJob returns the job with the given id, or nil when unknown.
func (s *Store) GetJob(id string) (*job.Job, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	return &j, nil
}

// MarkRunningJobsInterrupted rewrites every running job as interrupted.
// The transfer engine calls this exactly once at start, before its
// workers begin dequeuing, so jobs that were mid-flight when the process
// died surface as a terminal state instead of running forever.
func (s *Store) MarkRunningJobsInterrupted() error {
	jobs, err := s.ListJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		j.Status = job.StatusInterrupted
		if err := s.UpsertJob(j); err != nil {
			return err
		}
	}
	return nil
}
