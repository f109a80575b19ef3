package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Flat types as classified from the archive DPR.TYPE.
const (
	FlatSky  = "SKY"
	FlatDome = "DOME"
)

// RawScience is a downloaded science frame.
type RawScience struct {
	DPID        string
	Object      string
	MJD         float64
	Filter      string
	Binning     string
	ReadoutMode string
	Exptime     float64
	FilePath    string
	Checksum    string
}

// Calibration is a downloaded bias or flat. Filter and Type are empty for biases.
type Calibration struct {
	CalibID     string
	MJD         float64
	Filter      string
	Type        string
	Binning     string
	ReadoutMode string
	FilePath    string
	Checksum    string
}

// CombinedCalib is a master bias or flat. Filter and CombinedBias are
// only set for flats.
type CombinedCalib struct {
	ID           int64
	Filter       string
	Binning      string
	ReadoutMode  string
	CombinedBias int64
	FilePath     string
	AverageMJD   float64
	ScatterMJD   float64
}

// ReducedScience links a raw frame to its calibrated product.
type ReducedScience struct {
	RawDPID           string
	CombinedBias      int64
	CombinedFlat      int64
	FilePath          string
	Checksum          string
	ProcessingVersion string
}

// RegisterRawScience records a science frame; known ids are left untouched.
func (s *Store) RegisterRawScience(ctx context.Context, r RawScience) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO raw_science_files
            (dp_id, object, mjd_obs, filter, binning, readout_mode, exptime, file_path, checksum, downloaded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(dp_id) DO NOTHING;`,
		r.DPID, r.Object, r.MJD, r.Filter, r.Binning, r.ReadoutMode, r.Exptime, r.FilePath, r.Checksum, utcNow())
	if err != nil {
		return fmt.Errorf("register science %s: %w", r.DPID, err)
	}
	return nil
}

// RegisterBias records a raw bias frame.
func (s *Store) RegisterBias(ctx context.Context, c Calibration) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO biases
            (calib_id, mjd_obs, binning, readout_mode, file_path, checksum, downloaded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(calib_id) DO NOTHING;`,
		c.CalibID, c.MJD, c.Binning, c.ReadoutMode, c.FilePath, c.Checksum, utcNow())
	if err != nil {
		return fmt.Errorf("register bias %s: %w", c.CalibID, err)
	}
	return nil
}

// RegisterFlat records a raw flat frame.
func (s *Store) RegisterFlat(ctx context.Context, c Calibration) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO flats
            (calib_id, mjd_obs, filter, type, binning, readout_mode, file_path, checksum, downloaded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(calib_id) DO NOTHING;`,
		c.CalibID, c.MJD, c.Filter, c.Type, c.Binning, c.ReadoutMode, c.FilePath, c.Checksum, utcNow())
	if err != nil {
		return fmt.Errorf("register flat %s: %w", c.CalibID, err)
	}
	return nil
}

// RegisterUnusedCalib remembers a calibration we retrieved but do not use,
// so it is not downloaded again.
func (s *Store) RegisterUnusedCalib(ctx context.Context, calibID, typ string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO unused_calibrations (calib_id, type) VALUES (?, ?)
        ON CONFLICT(calib_id) DO NOTHING;`, calibID, typ)
	if err != nil {
		return fmt.Errorf("register unused calibration %s: %w", calibID, err)
	}
	return nil
}

// RawScienceExists reports whether dpID was already downloaded.
func (s *Store) RawScienceExists(ctx context.Context, dpID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM raw_science_files WHERE dp_id=? LIMIT 1;`, dpID)
}

// BiasExists reports whether calibID is a registered bias.
func (s *Store) BiasExists(ctx context.Context, calibID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM biases WHERE calib_id=? LIMIT 1;`, calibID)
}

// FlatExists reports whether calibID is a registered flat.
func (s *Store) FlatExists(ctx context.Context, calibID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM flats WHERE calib_id=? LIMIT 1;`, calibID)
}

// UnusedCalibExists reports whether calibID was set aside as unused.
func (s *Store) UnusedCalibExists(ctx context.Context, calibID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM unused_calibrations WHERE calib_id=? LIMIT 1;`, calibID)
}

// CalibrationKnown reports whether calibID is in any calibration table.
func (s *Store) CalibrationKnown(ctx context.Context, calibID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM biases WHERE calib_id=?1
        UNION ALL SELECT 1 FROM flats WHERE calib_id=?1
        UNION ALL SELECT 1 FROM unused_calibrations WHERE calib_id=?1
        LIMIT 1;`, calibID)
}

// ReducedScienceExists reports whether dpID has a reduced product.
func (s *Store) ReducedScienceExists(ctx context.Context, dpID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM reduced_science_files WHERE raw_dp_id=? LIMIT 1;`, dpID)
}

// FindBiases returns biases with the given binning and readout mode within
// window days of center, closest first.
func (s *Store) FindBiases(ctx context.Context, binning, readoutMode string, center, window float64) ([]Calibration, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT calib_id, mjd_obs, binning, readout_mode, file_path, checksum
        FROM biases
        WHERE binning=?1 AND readout_mode=?2 AND ABS(mjd_obs - ?3) <= ?4
        ORDER BY ABS(mjd_obs - ?3);`, binning, readoutMode, center, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Calibration
	for rows.Next() {
		var c Calibration
		if err := rows.Scan(&c.CalibID, &c.MJD, &c.Binning, &c.ReadoutMode, &c.FilePath, &c.Checksum); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindFlats returns flats of one type matching filter, binning and readout
// mode within window days of center, closest first.
func (s *Store) FindFlats(ctx context.Context, filter, binning, readoutMode, typ string, center, window float64) ([]Calibration, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT calib_id, mjd_obs, filter, type, binning, readout_mode, file_path, checksum
        FROM flats
        WHERE filter=?1 AND binning=?2 AND readout_mode=?3 AND type=?4 AND ABS(mjd_obs - ?5) <= ?6
        ORDER BY ABS(mjd_obs - ?5);`, filter, binning, readoutMode, typ, center, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Calibration
	for rows.Next() {
		var c Calibration
		if err := rows.Scan(&c.CalibID, &c.MJD, &c.Filter, &c.Type, &c.Binning, &c.ReadoutMode, &c.FilePath, &c.Checksum); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindCombinedBias returns the master bias with the given key.
func (s *Store) FindCombinedBias(ctx context.Context, binning, readoutMode string, avgMJD float64) (CombinedCalib, error) {
	c := CombinedCalib{Binning: binning, ReadoutMode: readoutMode}
	err := s.DB.QueryRowContext(ctx, `SELECT id, file_path, average_mjd_obs, scatter_mjd_obs FROM combined_biases
        WHERE binning=? AND readout_mode=? AND average_mjd_obs=?;`, binning, readoutMode, avgMJD).
		Scan(&c.ID, &c.FilePath, &c.AverageMJD, &c.ScatterMJD)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// FindCombinedFlat returns the master flat with the given key.
func (s *Store) FindCombinedFlat(ctx context.Context, filter, binning, readoutMode string, avgMJD float64) (CombinedCalib, error) {
	c := CombinedCalib{Filter: filter, Binning: binning, ReadoutMode: readoutMode}
	var bias sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT id, combined_bias, file_path, average_mjd_obs, scatter_mjd_obs FROM combined_flats
        WHERE filter=? AND binning=? AND readout_mode=? AND average_mjd_obs=?;`, filter, binning, readoutMode, avgMJD).
		Scan(&c.ID, &bias, &c.FilePath, &c.AverageMJD, &c.ScatterMJD)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.CombinedBias = bias.Int64
	return c, err
}

// RegisterCombinedBias inserts a master bias, or refreshes the scatter of
// an existing one with the same key, and records its members.
func (s *Store) RegisterCombinedBias(ctx context.Context, c CombinedCalib, members []string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `INSERT INTO combined_biases
                (binning, readout_mode, file_path, average_mjd_obs, scatter_mjd_obs, created_at)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT(binning, readout_mode, average_mjd_obs) DO UPDATE
                SET scatter_mjd_obs = excluded.scatter_mjd_obs
            RETURNING id;`,
			c.Binning, c.ReadoutMode, c.FilePath, c.AverageMJD, c.ScatterMJD, utcNow()).Scan(&id)
		if err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO combined_bias_members (combined_bias, bias_calib_id) VALUES (?, ?);`, id, m); err != nil {
				return fmt.Errorf("member %s: %w", m, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("register combined bias %s: %w", c.FilePath, err)
	}
	return id, nil
}

// RegisterCombinedFlat is RegisterCombinedBias for master flats.
func (s *Store) RegisterCombinedFlat(ctx context.Context, c CombinedCalib, members []string) (int64, error) {
	var bias any
	if c.CombinedBias != 0 {
		bias = c.CombinedBias
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `INSERT INTO combined_flats
                (filter, binning, readout_mode, combined_bias, file_path, average_mjd_obs, scatter_mjd_obs, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(filter, binning, readout_mode, average_mjd_obs) DO UPDATE
                SET scatter_mjd_obs = excluded.scatter_mjd_obs
            RETURNING id;`,
			c.Filter, c.Binning, c.ReadoutMode, bias, c.FilePath, c.AverageMJD, c.ScatterMJD, utcNow()).Scan(&id)
		if err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO combined_flat_members (combined_flat, flat_calib_id) VALUES (?, ?);`, id, m); err != nil {
				return fmt.Errorf("member %s: %w", m, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("register combined flat %s: %w", c.FilePath, err)
	}
	return id, nil
}

// CombinedMembers returns the calibration ids that went into a master.
func (s *Store) CombinedMembers(ctx context.Context, flat bool, id int64) ([]string, error) {
	query := `SELECT bias_calib_id FROM combined_bias_members WHERE combined_bias=? ORDER BY bias_calib_id;`
	if flat {
		query = `SELECT flat_calib_id FROM combined_flat_members WHERE combined_flat=? ORDER BY flat_calib_id;`
	}
	return s.strings(ctx, query, id)
}

// CombinedBiasPath returns the file of master bias id.
func (s *Store) CombinedBiasPath(ctx context.Context, id int64) (string, error) {
	return s.path(ctx, `SELECT file_path FROM combined_biases WHERE id=?;`, id)
}

// CombinedFlatPath returns the file of master flat id.
func (s *Store) CombinedFlatPath(ctx context.Context, id int64) (string, error) {
	return s.path(ctx, `SELECT file_path FROM combined_flats WHERE id=?;`, id)
}

func (s *Store) path(ctx context.Context, query string, id int64) (string, error) {
	var p string
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RegisterReducedScience records a reduced product, replacing the previous
// product of the same raw frame.
func (s *Store) RegisterReducedScience(ctx context.Context, r ReducedScience) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO reduced_science_files
            (raw_dp_id, combined_bias, combined_flat, file_path, checksum, processed_at, processing_version)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(raw_dp_id) DO UPDATE
            SET file_path = excluded.file_path,
                checksum = excluded.checksum,
                processed_at = excluded.processed_at,
                processing_version = excluded.processing_version;`,
		r.RawDPID, nullID(r.CombinedBias), nullID(r.CombinedFlat), r.FilePath, r.Checksum, utcNow(), r.ProcessingVersion)
	if err != nil {
		return fmt.Errorf("register reduced %s: %w", r.RawDPID, err)
	}
	return nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// UnreducedScience lists raw science frames without a reduced product,
// optionally bounded by MJD. A zero bound is open.
func (s *Store) UnreducedScience(ctx context.Context, from, to float64) ([]RawScience, error) {
	query := `SELECT dp_id, COALESCE(object, ''), mjd_obs, filter, binning, readout_mode, exptime, file_path, checksum
        FROM raw_science_files AS s
        WHERE NOT EXISTS (SELECT 1 FROM reduced_science_files AS r WHERE r.raw_dp_id = s.dp_id)`
	var args []any
	if from > 0 {
		query += ` AND mjd_obs >= ?`
		args = append(args, from)
	}
	if to > 0 {
		query += ` AND mjd_obs <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY object, mjd_obs;`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawScience
	for rows.Next() {
		var r RawScience
		if err := rows.Scan(&r.DPID, &r.Object, &r.MJD, &r.Filter, &r.Binning, &r.ReadoutMode, &r.Exptime, &r.FilePath, &r.Checksum); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
