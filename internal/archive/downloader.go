package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"omegacamer/internal/fits"
	"omegacamer/internal/fsutil"
	"omegacamer/internal/storage"
)

// Header keywords read from OmegaCAM primary headers.
const (
	keyObject   = "OBJECT"
	keyMJD      = "MJD-OBS"
	keyFilter   = "HIERARCH ESO INS FILT1 NAME"
	keyBinX     = "HIERARCH ESO DET WIN1 BINX"
	keyBinY     = "HIERARCH ESO DET WIN1 BINY"
	keyReadMode = "HIERARCH ESO DET READ MODE"
	keyExptime  = "EXPTIME"
)

// FrameInfo is what the bookkeeping needs from a raw primary header.
type FrameInfo struct {
	Object      string
	MJD         float64
	Filter      string
	Binning     string
	ReadoutMode string
	Exptime     float64
}

// ReadFrameInfo extracts FrameInfo from the primary header of path.
func ReadFrameInfo(path string) (FrameInfo, error) {
	h, err := fits.ReadPrimaryHeader(path)
	if err != nil {
		return FrameInfo{}, err
	}
	return frameInfo(h)
}

func frameInfo(h *fits.Header) (FrameInfo, error) {
	var info FrameInfo
	var errs []error
	var ok bool
	if info.Object, ok = h.String(keyObject); !ok {
		errs = append(errs, errors.New("missing OBJECT"))
	}
	var err error
	if info.MJD, err = h.Float(keyMJD); err != nil {
		errs = append(errs, err)
	}
	info.Filter, _ = h.String(keyFilter)
	binx, errx := h.Int(keyBinX)
	biny, erry := h.Int(keyBinY)
	if errx != nil || erry != nil {
		errs = append(errs, errors.Join(errx, erry))
	} else {
		info.Binning = strconv.Itoa(binx) + "x" + strconv.Itoa(biny)
	}
	info.ReadoutMode, _ = h.String(keyReadMode)
	info.Exptime, _ = h.Float(keyExptime)
	return info, errors.Join(errs...)
}

// Archive is the part of *Client the downloader drives.
type Archive interface {
	QueryRecords(ctx context.Context, start, end, programID string) ([]Record, error)
	AssociatedCalibrations(ctx context.Context, dpIDs []string) ([]string, error)
	Retrieve(ctx context.Context, dpID, destDir string) (string, error)
}

// Downloader fetches new science frames of a programme together with their
// raw calibrations and registers everything in the bookkeeping tables.
type Downloader struct {
	archive   Archive
	store     *storage.Store
	workDir   string
	programID string
	logger    *slog.Logger
}

// NewDownloader creates a downloader storing files below workDir.
func NewDownloader(a Archive, store *storage.Store, workDir, programID string, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{archive: a, store: store, workDir: workDir, programID: programID, logger: logger}
}

// Summary counts what a download run did.
type Summary struct {
	Records      int `json:"records"`
	Science      int `json:"science"`
	Biases       int `json:"biases"`
	Flats        int `json:"flats"`
	Unused       int `json:"unused"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	Calibrations int `json:"calibrations"`
}

// Run downloads everything new between start and end (YYYY-MM-DD).
// Calibrations are fetched before science so an interrupted run never
// leaves science frames without their calibrations.
func (d *Downloader) Run(ctx context.Context, start, end string) (Summary, error) {
	var sum Summary
	records, err := d.archive.QueryRecords(ctx, start, end, d.programID)
	if err != nil {
		return sum, err
	}
	sum.Records = len(records)

	var todo []string
	seen := make(map[string]bool)
	for _, r := range records {
		if seen[r.DatasetID] {
			continue
		}
		seen[r.DatasetID] = true
		known, err := d.store.RawScienceExists(ctx, r.DatasetID)
		if err != nil {
			return sum, err
		}
		if known {
			d.logger.Debug("science frame already downloaded", "dp_id", r.DatasetID)
			sum.Skipped++
			continue
		}
		todo = append(todo, r.DatasetID)
	}
	if len(todo) == 0 {
		d.logger.Info("nothing new to download", "records", sum.Records)
		return sum, nil
	}

	calibs, err := d.archive.AssociatedCalibrations(ctx, todo)
	if err != nil {
		return sum, err
	}
	sum.Calibrations = len(calibs)
	d.logger.Info("downloading", "science", len(todo), "calibrations", len(calibs))

	calibDir := filepath.Join(d.workDir, "raw", "calib")
	for _, id := range calibs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if strings.HasPrefix(id, "M.") {
			continue
		}
		known, err := d.store.CalibrationKnown(ctx, id)
		if err != nil {
			return sum, err
		}
		if known {
			sum.Skipped++
			continue
		}
		kind, err := d.fetchCalibration(ctx, id, calibDir)
		if err != nil {
			d.logger.Error("calibration failed", "dp_id", id, "error", err)
			sum.Failed++
			continue
		}
		switch kind {
		case "BIAS":
			sum.Biases++
		case storage.FlatSky, storage.FlatDome:
			sum.Flats++
		default:
			sum.Unused++
		}
	}

	scienceDir := filepath.Join(d.workDir, "raw", "science")
	var errs []error
	for _, id := range todo {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := d.fetchScience(ctx, id, scienceDir); err != nil {
			d.logger.Error("science frame failed", "dp_id", id, "error", err)
			sum.Failed++
			errs = append(errs, err)
			continue
		}
		sum.Science++
	}
	return sum, errors.Join(errs...)
}

// fetchCalibration retrieves and registers one calibration and returns
// its classification.
func (d *Downloader) fetchCalibration(ctx context.Context, id, dir string) (string, error) {
	path, err := d.archive.Retrieve(ctx, id, dir)
	if err != nil {
		return "", err
	}
	info, err := ReadFrameInfo(path)
	if err != nil && info.Object == "" {
		return "", err
	}
	rel := fsutil.Rel(d.workDir, path)

	switch info.Object {
	case "FLAT,SKY", "FLAT,DOME":
		if err != nil {
			return "", err
		}
		sum, err := fsutil.MD5(path)
		if err != nil {
			return "", err
		}
		typ := strings.SplitN(info.Object, ",", 2)[1]
		err = d.store.RegisterFlat(ctx, storage.Calibration{
			CalibID: id, MJD: info.MJD, Filter: info.Filter, Type: typ,
			Binning: info.Binning, ReadoutMode: info.ReadoutMode, FilePath: rel, Checksum: sum,
		})
		if err != nil {
			return "", err
		}
		d.logger.Info("downloaded flat", "type", typ, "dp_id", id, "path", rel)
		return typ, nil
	case "BIAS":
		if err != nil {
			return "", err
		}
		sum, err := fsutil.MD5(path)
		if err != nil {
			return "", err
		}
		err = d.store.RegisterBias(ctx, storage.Calibration{
			CalibID: id, MJD: info.MJD, Binning: info.Binning, ReadoutMode: info.ReadoutMode,
			FilePath: rel, Checksum: sum,
		})
		if err != nil {
			return "", err
		}
		d.logger.Info("downloaded bias", "dp_id", id, "path", rel)
		return "BIAS", nil
	default:
		if err := d.store.RegisterUnusedCalib(ctx, id, info.Object); err != nil {
			return "", err
		}
		d.logger.Info("calibration type not used", "dp_id", id, "type", info.Object)
		return info.Object, nil
	}
}

func (d *Downloader) fetchScience(ctx context.Context, id, dir string) error {
	path, err := d.archive.Retrieve(ctx, id, dir)
	if err != nil {
		return err
	}
	info, err := ReadFrameInfo(path)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	sum, err := fsutil.MD5(path)
	if err != nil {
		return err
	}
	rel := fsutil.Rel(d.workDir, path)
	err = d.store.RegisterRawScience(ctx, storage.RawScience{
		DPID: id, Object: info.Object, MJD: info.MJD, Filter: info.Filter, Binning: info.Binning,
		ReadoutMode: info.ReadoutMode, Exptime: info.Exptime, FilePath: rel, Checksum: sum,
	})
	if err != nil {
		return err
	}
	d.logger.Info("downloaded science frame", "dp_id", id, "object", info.Object, "path", rel)
	return nil
}
