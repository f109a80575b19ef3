// Package prered plans and runs the pre-reduction of downloaded science
// frames: master calibrations per night and per-frame calibration.
package prered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"omegacamer/internal/astro"
	"omegacamer/internal/fsutil"
	"omegacamer/internal/storage"
)

var (
	ErrNoBiases = errors.New("no biases")
	ErrNoFlats  = errors.New("not enough flats")
)

const (
	calibWindow = 0.5 // days around the science frame
	minFlats    = 4
	unknownObj  = "UNKNOWN"
	defaultVer  = "v0.1.0"
)

// Options configures a Pipeline.
type Options struct {
	WorkDir        string
	ReducedDir     string // default <WorkDir>/reduced
	Format         string // MEF or perccd
	Version        string
	Location       *time.Location
	NightStartHour int
}

// Pipeline reduces registered raw science frames.
type Pipeline struct {
	store   *storage.Store
	reducer Reducer
	opts    Options
	logger  *slog.Logger
}

// New creates a pre-reduction pipeline.
func New(store *storage.Store, reducer Reducer, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReducedDir == "" {
		opts.ReducedDir = filepath.Join(opts.WorkDir, "reduced")
	}
	if opts.Format == "" {
		opts.Format = FormatMEF
	}
	if opts.Version == "" {
		opts.Version = defaultVer
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Pipeline{store: store, reducer: reducer, opts: opts, logger: logger}
}

// Summary counts what a run did.
type Summary struct {
	Objects      int `json:"objects"`
	Frames       int `json:"frames"`
	Reduced      int `json:"reduced"`
	Failed       int `json:"failed"`
	MasterBiases int `json:"master_biases"`
	MasterFlats  int `json:"master_flats"`
}

// calibKey identifies the calibrations a science frame needs.
type calibKey struct {
	Night, Filter, Binning, ReadoutMode string
}

type masters struct {
	biasID, flatID     int64
	biasPath, flatPath string
}

// Run reduces every unreduced science frame with MJD in [from, to]; zero
// bounds are open. Objects are processed in name order. A failing object
// is logged and skipped; the joined errors are returned at the end.
func (p *Pipeline) Run(ctx context.Context, from, to float64) (Summary, error) {
	var sum Summary
	frames, err := p.store.UnreducedScience(ctx, from, to)
	if err != nil {
		return sum, err
	}
	if len(frames) == 0 {
		p.logger.Info("nothing to do, all science frames are reduced")
		return sum, nil
	}
	sum.Frames = len(frames)

	byObject := make(map[string][]storage.RawScience)
	for _, f := range frames {
		obj := f.Object
		if obj == "" {
			obj = unknownObj
		}
		byObject[obj] = append(byObject[obj], f)
	}
	objects := make([]string, 0, len(byObject))
	for obj := range byObject {
		objects = append(objects, obj)
	}
	sort.Strings(objects)

	var errs []error
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Objects++
		if err := p.processObject(ctx, obj, byObject[obj], &sum); err != nil {
			p.logger.Error("object reduction failed", "object", obj, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", obj, err))
		}
	}
	return sum, errors.Join(errs...)
}

func (p *Pipeline) processObject(ctx context.Context, obj string, frames []storage.RawScience, sum *Summary) error {
	p.logger.Info("reducing object", "object", obj, "frames", len(frames))
	outDir := filepath.Join(p.opts.ReducedDir, astro.SanitizeObject(obj))
	calibs := make(map[calibKey]masters)

	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := calibKey{
			Night:       astro.NightFromMJD(f.MJD, p.opts.Location, p.opts.NightStartHour),
			Filter:      f.Filter,
			Binning:     f.Binning,
			ReadoutMode: f.ReadoutMode,
		}
		m, ok := calibs[key]
		if !ok {
			var err error
			m, err = p.buildMasters(ctx, key, f.MJD, sum)
			if err != nil {
				sum.Failed++
				return err
			}
			calibs[key] = m
		}
		if err := p.reduceFrame(ctx, f, m, outDir); err != nil {
			sum.Failed++
			return fmt.Errorf("reduce %s: %w", f.DPID, err)
		}
		sum.Reduced++
	}
	return nil
}

// buildMasters finds or builds the master bias and flat for key, using
// calibrations within half a day of mjd.
func (p *Pipeline) buildMasters(ctx context.Context, key calibKey, mjd float64, sum *Summary) (masters, error) {
	var m masters
	biases, err := p.store.FindBiases(ctx, key.Binning, key.ReadoutMode, mjd, calibWindow)
	if err != nil {
		return m, err
	}
	if len(biases) == 0 {
		return m, fmt.Errorf("%w for %s/%s on night %s", ErrNoBiases, key.Binning, key.ReadoutMode, key.Night)
	}
	biasRel := filepath.Join("calib", "biases",
		fmt.Sprintf("master_bias_%s_%s_%s.fits", key.Night, key.ReadoutMode, key.Binning))
	avg, std := mjdStats(biases)
	bias, err := p.store.FindCombinedBias(ctx, key.Binning, key.ReadoutMode, avg)
	switch {
	case err == nil:
		p.logger.Debug("reusing master bias", "path", bias.FilePath)
	case errors.Is(err, storage.ErrNotFound):
		out, err := p.prepareOutput(biasRel)
		if err != nil {
			return m, err
		}
		if err := p.reducer.CombineBias(ctx, p.paths(biases), out); err != nil {
			return m, fmt.Errorf("combine bias %s: %w", biasRel, err)
		}
		bias = storage.CombinedCalib{Binning: key.Binning, ReadoutMode: key.ReadoutMode,
			FilePath: biasRel, AverageMJD: avg, ScatterMJD: std}
		if bias.ID, err = p.store.RegisterCombinedBias(ctx, bias, ids(biases)); err != nil {
			return m, err
		}
		sum.MasterBiases++
		p.logger.Info("built master bias", "path", biasRel, "members", len(biases))
	default:
		return m, err
	}
	m.biasID = bias.ID
	m.biasPath = fsutil.Resolve(p.opts.WorkDir, bias.FilePath)

	flats, err := p.store.FindFlats(ctx, key.Filter, key.Binning, key.ReadoutMode, storage.FlatSky, mjd, calibWindow)
	if err != nil {
		return m, err
	}
	if len(flats) < minFlats {
		dome, err := p.store.FindFlats(ctx, key.Filter, key.Binning, key.ReadoutMode, storage.FlatDome, mjd, calibWindow)
		if err != nil {
			return m, err
		}
		p.logger.Debug("too few sky flats, adding dome flats", "sky", len(flats), "dome", len(dome))
		flats = append(flats, dome...)
	}
	if len(flats) < minFlats {
		return m, fmt.Errorf("%w for %s/%s/%s on night %s (%d found)", ErrNoFlats,
			key.Filter, key.Binning, key.ReadoutMode, key.Night, len(flats))
	}
	flatRel := filepath.Join("calib", "flats",
		fmt.Sprintf("master_flat_%s_%s_%s_%s.fits", key.Filter, key.Night, key.ReadoutMode, key.Binning))
	avg, std = mjdStats(flats)
	flat, err := p.store.FindCombinedFlat(ctx, key.Filter, key.Binning, key.ReadoutMode, avg)
	switch {
	case err == nil:
		p.logger.Debug("reusing master flat", "path", flat.FilePath)
	case errors.Is(err, storage.ErrNotFound):
		out, err := p.prepareOutput(flatRel)
		if err != nil {
			return m, err
		}
		if err := p.reducer.CombineFlat(ctx, p.paths(flats), m.biasPath, out); err != nil {
			return m, fmt.Errorf("combine flat %s: %w", flatRel, err)
		}
		flat = storage.CombinedCalib{Filter: key.Filter, Binning: key.Binning, ReadoutMode: key.ReadoutMode,
			CombinedBias: m.biasID, FilePath: flatRel, AverageMJD: avg, ScatterMJD: std}
		if flat.ID, err = p.store.RegisterCombinedFlat(ctx, flat, ids(flats)); err != nil {
			return m, err
		}
		sum.MasterFlats++
		p.logger.Info("built master flat", "path", flatRel, "members", len(flats))
	default:
		return m, err
	}
	m.flatID = flat.ID
	m.flatPath = fsutil.Resolve(p.opts.WorkDir, flat.FilePath)
	return m, nil
}

func (p *Pipeline) reduceFrame(ctx context.Context, f storage.RawScience, m masters, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	out, err := p.reducer.ReduceScience(ctx, ReduceRequest{
		Input:      fsutil.Resolve(p.opts.WorkDir, f.FilePath),
		MasterBias: m.biasPath,
		MasterFlat: m.flatPath,
		OutDir:     outDir,
		Format:     p.opts.Format,
	})
	if err != nil {
		return err
	}
	sum, err := fsutil.MD5(out)
	if err != nil {
		return err
	}
	rel := fsutil.Rel(p.opts.WorkDir, out)
	err = p.store.RegisterReducedScience(ctx, storage.ReducedScience{
		RawDPID:           f.DPID,
		CombinedBias:      m.biasID,
		CombinedFlat:      m.flatID,
		FilePath:          rel,
		Checksum:          sum,
		ProcessingVersion: p.opts.Version,
	})
	if err != nil {
		return err
	}
	p.logger.Info("reduced science frame", "dp_id", f.DPID, "path", rel)
	return nil
}

func (p *Pipeline) prepareOutput(rel string) (string, error) {
	out := fsutil.Resolve(p.opts.WorkDir, rel)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, nil
}

func (p *Pipeline) paths(cals []storage.Calibration) []string {
	out := make([]string, len(cals))
	for i, c := range cals {
		out[i] = fsutil.Resolve(p.opts.WorkDir, c.FilePath)
	}
	return out
}

func ids(cals []storage.Calibration) []string {
	out := make([]string, len(cals))
	for i, c := range cals {
		out[i] = c.CalibID
	}
	return out
}

// mjdStats returns mean and std of the member MJDs. The values are sorted
// first so the same members always give the same mean, which is part of
// the master key.
func mjdStats(cals []storage.Calibration) (float64, float64) {
	xs := make([]float64, len(cals))
	for i, c := range cals {
		xs[i] = c.MJD
	}
	sort.Float64s(xs)
	return astro.MeanStd(xs)
}
