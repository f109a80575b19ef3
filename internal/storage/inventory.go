package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Exposure is one CCD of one epoch of a target.
type Exposure struct {
	Target      string
	Night       string
	Timestamp   string
	MJD         float64
	CCD         int
	FilePath    string
	Solved      bool
	HeaderPath  string
	CatalogPath string
}

// TargetNight identifies a mosaic.
type TargetNight struct {
	Target string
	Night  string
}

func (tn TargetNight) String() string {
	return tn.Target + "/" + tn.Night
}

// Mosaic is a produced co-added image.
type Mosaic struct {
	Target      string
	Night       string
	FilePath    string
	PreviewPath string
	InputCount  int
	CreatedAt   string
}

// EpochCount is the number of CCD exposures registered for an epoch.
type EpochCount struct {
	Target    string
	Night     string
	Timestamp string
	CCDs      int
}

// AddExposure registers an exposure with its target, night and epoch.
// Re-adding a known file is a no-op; added reports whether a row was created.
func (s *Store) AddExposure(ctx context.Context, e Exposure) (added bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO targets (name) VALUES (?);`, e.Target); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO nights (date) VALUES (?);`, e.Night); err != nil {
			return err
		}
		var targetID, nightID, epochID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM targets WHERE name=?;`, e.Target).Scan(&targetID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM nights WHERE date=?;`, e.Night).Scan(&nightID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO epochs (target_id, night_id, timestamp, mjd) VALUES (?, ?, ?, ?);`,
			targetID, nightID, e.Timestamp, e.MJD); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM epochs WHERE timestamp=?;`, e.Timestamp).Scan(&epochID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO exposures (epoch_id, ccd_id, file_path) VALUES (?, ?, ?);`,
			epochID, e.CCD, e.FilePath)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("add exposure %s: %w", e.FilePath, err)
	}
	return added, nil
}

// ExposureKnown reports whether filePath is already inventoried.
func (s *Store) ExposureKnown(ctx context.Context, filePath string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM exposures WHERE file_path=? LIMIT 1;`, filePath)
}

// MissingMosaics lists the target/night combinations that have epochs but
// no mosaic yet.
func (s *Store) MissingMosaics(ctx context.Context) ([]TargetNight, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT t.name, n.date
        FROM epochs e
        JOIN targets t ON t.id = e.target_id
        JOIN nights n ON n.id = e.night_id
        LEFT JOIN mosaics m ON m.target_id = e.target_id AND m.night_id = e.night_id
        WHERE m.id IS NULL
        ORDER BY t.name, n.date;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TargetNight
	for rows.Next() {
		var tn TargetNight
		if err := rows.Scan(&tn.Target, &tn.Night); err != nil {
			return nil, err
		}
		out = append(out, tn)
	}
	return out, rows.Err()
}

// AddMosaic records a produced mosaic, replacing a previous record of the
// same file.
func (s *Store) AddMosaic(ctx context.Context, m Mosaic) error {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO mosaics (target_id, night_id, mosaic_file_path, preview_path, input_count)
        SELECT t.id, n.id, ?, ?, ? FROM targets t, nights n WHERE t.name=? AND n.date=?
        ON CONFLICT(mosaic_file_path) DO UPDATE
            SET preview_path = excluded.preview_path,
                input_count = excluded.input_count,
                created_at = datetime('now');`,
		m.FilePath, m.PreviewPath, m.InputCount, m.Target, m.Night)
	if err != nil {
		return fmt.Errorf("add mosaic %s: %w", m.FilePath, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("add mosaic %s/%s: %w", m.Target, m.Night, ErrNotFound)
	}
	return nil
}

// MosaicExists reports whether a mosaic was recorded for target and night.
func (s *Store) MosaicExists(ctx context.Context, target, night string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM mosaics m
        JOIN targets t ON t.id = m.target_id
        JOIN nights n ON n.id = m.night_id
        WHERE t.name=? AND n.date=? LIMIT 1;`, target, night)
}

// FindMosaic returns the mosaic recorded for target and night.
func (s *Store) FindMosaic(ctx context.Context, target, night string) (Mosaic, error) {
	ms, err := s.queryMosaics(ctx, ` WHERE t.name=? AND n.date=? ORDER BY m.id DESC LIMIT 1`, target, night)
	if err != nil {
		return Mosaic{}, err
	}
	if len(ms) == 0 {
		return Mosaic{}, fmt.Errorf("mosaic %s/%s: %w", target, night, ErrNotFound)
	}
	return ms[0], nil
}

// Mosaics lists all recorded mosaics by target and night.
func (s *Store) Mosaics(ctx context.Context) ([]Mosaic, error) {
	return s.queryMosaics(ctx, ` ORDER BY t.name, n.date`)
}

func (s *Store) queryMosaics(ctx context.Context, where string, args ...any) ([]Mosaic, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT t.name, n.date, m.mosaic_file_path, COALESCE(m.preview_path, ''), COALESCE(m.input_count, 0), m.created_at
        FROM mosaics m
        JOIN targets t ON t.id = m.target_id
        JOIN nights n ON n.id = m.night_id`+where+`;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mosaic
	for rows.Next() {
		var m Mosaic
		if err := rows.Scan(&m.Target, &m.Night, &m.FilePath, &m.PreviewPath, &m.InputCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ExposuresForMosaic returns the exposures of target observed during night,
// ordered by epoch and CCD.
func (s *Store) ExposuresForMosaic(ctx context.Context, target, night string) ([]Exposure, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT e.timestamp, e.mjd, x.ccd_id, x.file_path, x.solved,
            COALESCE(x.header_path, ''), COALESCE(x.catalog_path, '')
        FROM exposures x
        JOIN epochs e ON e.id = x.epoch_id
        JOIN targets t ON t.id = e.target_id
        JOIN nights n ON n.id = e.night_id
        WHERE t.name=? AND n.date=?
        ORDER BY e.timestamp, x.ccd_id;`, target, night)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exposure
	for rows.Next() {
		e := Exposure{Target: target, Night: night}
		if err := rows.Scan(&e.Timestamp, &e.MJD, &e.CCD, &e.FilePath, &e.Solved, &e.HeaderPath, &e.CatalogPath); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EpochsWithCCDCount returns epochs whose exposure count compares to n with
// op, one of "=", "<", "<=", ">", ">=".
func (s *Store) EpochsWithCCDCount(ctx context.Context, op string, n int) ([]EpochCount, error) {
	switch op {
	case "=", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("unsupported comparison %q", op)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT t.name, ni.date, e.timestamp, COUNT(x.id) AS ccd_count
        FROM epochs e
        JOIN exposures x ON e.id = x.epoch_id
        JOIN targets t ON t.id = e.target_id
        JOIN nights ni ON ni.id = e.night_id
        GROUP BY e.id
        HAVING ccd_count `+op+` ?
        ORDER BY e.timestamp;`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpochCount
	for rows.Next() {
		var ec EpochCount
		if err := rows.Scan(&ec.Target, &ec.Night, &ec.Timestamp, &ec.CCDs); err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// MarkExposureSolved flags an exposure as astrometrically calibrated and
// records where its SCAMP products were cached.
func (s *Store) MarkExposureSolved(ctx context.Context, filePath, headerPath, catalogPath string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE exposures SET solved=TRUE, header_path=?, catalog_path=? WHERE file_path=?;`,
		headerPath, catalogPath, filePath)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exposure %s: %w", filePath, ErrNotFound)
	}
	return nil
}

// ObjectStatus summarises the bookkeeping of one archive object.
type ObjectStatus struct {
	Object     string
	Downloaded []string
	Reduced    []string
	Pending    []string
}

// ObjectStatus reports downloaded, reduced and pending (downloaded but not
// reduced) dataset ids for an archive object name, compared case-insensitively.
func (s *Store) ObjectStatus(ctx context.Context, object string) (ObjectStatus, error) {
	st := ObjectStatus{Object: object}
	rows, err := s.DB.QueryContext(ctx, `SELECT s.dp_id, r.id IS NOT NULL
        FROM raw_science_files s
        LEFT JOIN reduced_science_files r ON r.raw_dp_id = s.dp_id
        WHERE UPPER(TRIM(s.object)) = ?
        ORDER BY s.mjd_obs, s.dp_id;`, strings.ToUpper(strings.TrimSpace(object)))
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var reduced bool
		if err := rows.Scan(&id, &reduced); err != nil {
			return st, err
		}
		st.Downloaded = append(st.Downloaded, id)
		if reduced {
			st.Reduced = append(st.Reduced, id)
		} else {
			st.Pending = append(st.Pending, id)
		}
	}
	return st, rows.Err()
}

// Targets lists inventoried target names.
func (s *Store) Targets(ctx context.Context) ([]string, error) {
	out, err := s.strings(ctx, `SELECT name FROM targets ORDER BY name;`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return out, err
}
