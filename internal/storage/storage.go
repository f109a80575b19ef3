package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the layout this package reads and writes.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSchemaVersion is returned when the database was written by an
	// incompatible layout.
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// Store wraps SQLite-backed persistence for bookkeeping, inventory and jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
            key TEXT PRIMARY KEY,
            value TEXT
        );`,
		// bookkeeping
		`CREATE TABLE IF NOT EXISTS raw_science_files (
            dp_id TEXT PRIMARY KEY,
            object TEXT,
            mjd_obs REAL,
            filter TEXT,
            binning TEXT,
            readout_mode TEXT,
            exptime REAL,
            file_path TEXT NOT NULL,
            checksum TEXT NOT NULL,
            downloaded_at TEXT NOT NULL DEFAULT (datetime('now'))
        );`,
		`CREATE INDEX IF NOT EXISTS idx_science_lookup ON raw_science_files(filter, binning, readout_mode, mjd_obs);`,
		`CREATE TABLE IF NOT EXISTS biases (
            calib_id TEXT PRIMARY KEY,
            mjd_obs REAL,
            binning TEXT,
            readout_mode TEXT,
            file_path TEXT NOT NULL,
            checksum TEXT NOT NULL,
            downloaded_at TEXT NOT NULL DEFAULT (datetime('now'))
        );`,
		`CREATE INDEX IF NOT EXISTS idx_bias_lookup ON biases(binning, readout_mode, mjd_obs);`,
		`CREATE TABLE IF NOT EXISTS flats (
            calib_id TEXT PRIMARY KEY,
            mjd_obs REAL NOT NULL,
            filter TEXT NOT NULL,
            type TEXT,
            binning TEXT NOT NULL,
            readout_mode TEXT NOT NULL,
            file_path TEXT NOT NULL,
            checksum TEXT NOT NULL,
            downloaded_at TEXT NOT NULL DEFAULT (datetime('now'))
        );`,
		`CREATE INDEX IF NOT EXISTS idx_flat_lookup ON flats(filter, binning, readout_mode, mjd_obs);`,
		`CREATE TABLE IF NOT EXISTS unused_calibrations (
            calib_id TEXT PRIMARY KEY,
            type TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS combined_biases (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            binning TEXT,
            readout_mode TEXT,
            file_path TEXT NOT NULL,
            average_mjd_obs REAL,
            scatter_mjd_obs REAL,
            created_at TEXT NOT NULL,
            UNIQUE(binning, readout_mode, average_mjd_obs)
        );`,
		`CREATE TABLE IF NOT EXISTS combined_flats (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            binning TEXT,
            readout_mode TEXT,
            filter TEXT,
            combined_bias INTEGER REFERENCES combined_biases(id) ON UPDATE CASCADE ON DELETE SET NULL,
            file_path TEXT NOT NULL,
            average_mjd_obs REAL,
            scatter_mjd_obs REAL,
            created_at TEXT NOT NULL,
            UNIQUE(filter, binning, readout_mode, average_mjd_obs)
        );`,
		`CREATE TABLE IF NOT EXISTS combined_bias_members (
            combined_bias INTEGER REFERENCES combined_biases(id) ON DELETE CASCADE,
            bias_calib_id TEXT REFERENCES biases(calib_id) ON DELETE CASCADE,
            PRIMARY KEY (combined_bias, bias_calib_id)
        );`,
		`CREATE TABLE IF NOT EXISTS combined_flat_members (
            combined_flat INTEGER REFERENCES combined_flats(id) ON DELETE CASCADE,
            flat_calib_id TEXT REFERENCES flats(calib_id) ON DELETE CASCADE,
            PRIMARY KEY (combined_flat, flat_calib_id)
        );`,
		`CREATE TABLE IF NOT EXISTS reduced_science_files (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            raw_dp_id TEXT UNIQUE REFERENCES raw_science_files(dp_id) ON DELETE CASCADE,
            combined_bias INTEGER REFERENCES combined_biases(id),
            combined_flat INTEGER REFERENCES combined_flats(id),
            file_path TEXT NOT NULL,
            checksum TEXT NOT NULL,
            processed_at TEXT NOT NULL,
            processing_version TEXT
        );`,
		// inventory
		`CREATE TABLE IF NOT EXISTS targets (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT UNIQUE
        );`,
		`CREATE TABLE IF NOT EXISTS nights (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            date TEXT UNIQUE
        );`,
		`CREATE TABLE IF NOT EXISTS epochs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            target_id INTEGER REFERENCES targets(id),
            night_id INTEGER REFERENCES nights(id),
            timestamp TEXT UNIQUE,
            mjd REAL
        );`,
		`CREATE TABLE IF NOT EXISTS exposures (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            epoch_id INTEGER REFERENCES epochs(id),
            ccd_id INTEGER,
            file_path TEXT UNIQUE,
            solved BOOLEAN NOT NULL DEFAULT FALSE,
            header_path TEXT,
            catalog_path TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS mosaics (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            target_id INTEGER REFERENCES targets(id),
            night_id INTEGER REFERENCES nights(id),
            mosaic_file_path TEXT UNIQUE,
            preview_path TEXT,
            input_count INTEGER,
            created_at TEXT NOT NULL DEFAULT (datetime('now'))
        );`,
		// job log
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            scope TEXT,
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
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkVersion() error {
	var value string
	err := s.DB.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.DB.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?);`, strconv.Itoa(SchemaVersion))
		return err
	}
	if err != nil {
		return err
	}
	if v, convErr := strconv.Atoi(value); convErr != nil || v != SchemaVersion {
		return fmt.Errorf("%w: database has %q, want %d", ErrSchemaVersion, value, SchemaVersion)
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

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	Scope       string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, scope, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.Scope, rec.OptionsJSON)
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
	rows, err := s.DB.Query(`SELECT id, job_type, status, scope, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var scope, options, errorMsg sql.NullString
		var created, started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &scope, &options, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Scope = scope.String
		rec.OptionsJSON = options.String
		rec.Error = errorMsg.String
		if created.Valid {
			rec.CreatedAt = created.Time
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
