package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"omegacamer/internal/fsutil"
	"omegacamer/internal/scamp"
	"omegacamer/internal/storage"
	"omegacamer/internal/swarp"
)

// InputList is the SWarp input list written to each group directory.
const InputList = "inputs.lst"

// SwarpConfigName is the SWarp configuration written to each group directory.
const SwarpConfigName = "mosaic.swarp"

// Solver plate-solves frames; *scamp.Solver satisfies it.
type Solver interface {
	SolveAll(ctx context.Context, files []string) []scamp.Result
}

// Coadder co-adds images; *swarp.Coadder satisfies it.
type Coadder interface {
	Run(ctx context.Context, cfg swarp.Config, workDir, pattern string, redo bool, configName string) (bool, error)
}

// Previewer renders a PNG preview of a FITS image.
type Previewer func(ctx context.Context, fitsPath, pngPath string) error

// BuildOptions control mosaic production.
type BuildOptions struct {
	PlateSolve      bool
	RequireComplete bool
	ExpectedCCDs    int
	Redo            bool
	Swarp           swarp.Config
}

// Filter restricts a build to one target, one night, or both. Redo forces
// existing outputs to be rebuilt for this build only.
type Filter struct {
	Target string
	Night  string
	Redo   bool
}

func (f Filter) match(tn storage.TargetNight) bool {
	return (f.Target == "" || f.Target == tn.Target) && (f.Night == "" || f.Night == tn.Night)
}

// BuildSummary counts what Build did.
type BuildSummary struct {
	Groups   int      `json:"groups"`
	Built    int      `json:"built"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Unsolved int      `json:"unsolved"`
	Mosaics  []string `json:"mosaics,omitempty"`
}

// Builder produces one mosaic per target and night.
type Builder struct {
	store   *storage.Store
	linker  *Linker
	masks   Masks
	solver  Solver
	coadder Coadder
	preview Previewer
	opts    BuildOptions
	logger  *slog.Logger
}

// NewBuilder wires a builder. solver may be nil when plate solving is off
// and preview may be nil to skip previews.
func NewBuilder(store *storage.Store, linker *Linker, masks Masks, solver Solver, coadder Coadder, preview Previewer, opts BuildOptions, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:   store,
		linker:  linker,
		masks:   masks,
		solver:  solver,
		coadder: coadder,
		preview: preview,
		opts:    opts,
		logger:  logger,
	}
}

// Build produces the mosaics that are missing, restricted by f. With Redo
// set and both target and night given, an existing mosaic is rebuilt.
func (b *Builder) Build(ctx context.Context, f Filter) (BuildSummary, error) {
	var sum BuildSummary
	redo := b.opts.Redo || f.Redo
	groups, err := b.groups(ctx, f, redo)
	if err != nil {
		return sum, err
	}
	if len(groups) == 0 {
		b.logger.Info("no mosaics to build")
		return sum, nil
	}

	var errs []error
	for _, tn := range groups {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Groups++
		m, unsolved, err := b.buildGroup(ctx, tn, redo)
		sum.Unsolved += unsolved
		switch {
		case err != nil:
			b.logger.Error("mosaic failed", "target", tn.Target, "night", tn.Night, "error", err)
			sum.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", tn, err))
		case m == nil:
			sum.Skipped++
		default:
			sum.Built++
			sum.Mosaics = append(sum.Mosaics, m.FilePath)
		}
	}
	b.logger.Info("mosaics done", "built", sum.Built, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, errors.Join(errs...)
}

func (b *Builder) groups(ctx context.Context, f Filter, redo bool) ([]storage.TargetNight, error) {
	missing, err := b.store.MissingMosaics(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.TargetNight
	for _, tn := range missing {
		if f.match(tn) {
			out = append(out, tn)
		}
	}
	if len(out) == 0 && redo && f.Target != "" && f.Night != "" {
		ok, err := b.store.MosaicExists(ctx, f.Target, f.Night)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, storage.TargetNight{Target: f.Target, Night: f.Night})
		}
	}
	return out, nil
}

// buildGroup returns a nil mosaic when the group had nothing to co-add.
func (b *Builder) buildGroup(ctx context.Context, tn storage.TargetNight, redo bool) (*storage.Mosaic, int, error) {
	log := b.logger.With("target", tn.Target, "night", tn.Night)
	exps, err := b.store.ExposuresForMosaic(ctx, tn.Target, tn.Night)
	if err != nil {
		return nil, 0, err
	}
	if b.opts.RequireComplete {
		exps = completeEpochs(exps, b.opts.ExpectedCCDs, log)
	}
	files, _ := existing(exps, log)
	if len(files) == 0 {
		log.Warn("no exposure files found, skipping")
		return nil, 0, nil
	}
	if _, err := b.linker.LinkFiles(tn, files); err != nil {
		return nil, 0, err
	}
	dir := b.linker.Dir(tn)

	unsolved := 0
	if b.opts.PlateSolve {
		exps, unsolved = b.plateSolve(ctx, dir, exps, log)
		if err := ctx.Err(); err != nil {
			return nil, unsolved, err
		}
	}

	var inputs []storage.Exposure
	for _, e := range exps {
		if fsutil.Exists(e.FilePath) {
			inputs = append(inputs, e)
		}
	}
	if len(inputs) == 0 {
		log.Warn("no usable exposures left, skipping")
		return nil, unsolved, nil
	}

	cfg := b.opts.Swarp
	base := tn.Target + "_" + tn.Night
	cfg.OutputName = base + ".fits"
	cfg.WeightOutputName = base + ".weight.fits"
	if b.linkMasks(dir, inputs, log) {
		cfg.WeightType = "MAP_WEIGHT"
		cfg.WeightSuffix = ".weight.fits"
	}

	names := make([]string, len(inputs))
	for i, e := range inputs {
		names[i] = filepath.Base(e.FilePath)
	}
	if err := os.WriteFile(filepath.Join(dir, InputList), []byte(strings.Join(names, "\n")+"\n"), 0o644); err != nil {
		return nil, unsolved, err
	}

	ran, err := b.coadder.Run(ctx, cfg, dir, "@"+InputList, redo, SwarpConfigName)
	if err != nil {
		return nil, unsolved, err
	}
	output, err := filepath.Abs(filepath.Join(dir, cfg.OutputName))
	if err != nil {
		return nil, unsolved, err
	}
	if !fsutil.Exists(output) {
		return nil, unsolved, fmt.Errorf("swarp produced no %s", cfg.OutputName)
	}

	m := &storage.Mosaic{Target: tn.Target, Night: tn.Night, FilePath: output, InputCount: len(inputs)}
	if b.preview != nil {
		png := strings.TrimSuffix(output, ".fits") + ".png"
		if ran || !fsutil.Exists(png) {
			if err := b.preview(ctx, output, png); err != nil {
				log.Warn("preview failed", "file", output, "error", err)
			} else {
				m.PreviewPath = png
			}
		} else {
			m.PreviewPath = png
		}
	}
	if err := b.store.AddMosaic(ctx, *m); err != nil {
		return nil, unsolved, err
	}
	log.Info("mosaic registered", "file", output, "inputs", len(inputs), "coadded", ran)
	return m, unsolved, nil
}

// plateSolve solves the unsolved exposures. Exposures that fail are
// dropped and their links removed.
func (b *Builder) plateSolve(ctx context.Context, dir string, exps []storage.Exposure, log *slog.Logger) ([]storage.Exposure, int) {
	if b.solver == nil {
		return exps, 0
	}
	var todo []string
	for _, e := range exps {
		if !e.Solved && fsutil.Exists(e.FilePath) && !scamp.IsSolved(e.FilePath) {
			todo = append(todo, e.FilePath)
		}
	}
	if len(todo) == 0 {
		return exps, 0
	}
	log.Info("plate solving", "files", len(todo))

	failed := make(map[string]bool)
	for _, r := range b.solver.SolveAll(ctx, todo) {
		if !r.OK() {
			log.Warn("plate solving failed, dropping exposure", "file", r.File, "error", r.Err)
			failed[r.File] = true
			if err := os.Remove(filepath.Join(dir, filepath.Base(r.File))); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove link", "file", r.File, "error", err)
			}
			continue
		}
		if err := b.store.MarkExposureSolved(ctx, r.File, r.Header, r.Catalog); err != nil {
			log.Error("failed to flag exposure as solved", "file", r.File, "error", err)
		}
	}

	kept := exps[:0:0]
	for _, e := range exps {
		if !failed[e.FilePath] {
			kept = append(kept, e)
		}
	}
	return kept, len(failed)
}

// linkMasks links the weight map of every input's CCD next to it and
// reports whether all inputs have one.
func (b *Builder) linkMasks(dir string, inputs []storage.Exposure, log *slog.Logger) bool {
	if len(b.masks) == 0 {
		return false
	}
	all := true
	for _, e := range inputs {
		mask, ok := b.masks[e.CCD]
		if !ok {
			log.Warn("no mask for CCD", "ccd", e.CCD)
			all = false
			continue
		}
		link := filepath.Join(dir, WeightName(filepath.Base(e.FilePath)))
		if _, err := fsutil.Symlink(mask, link, true); err != nil {
			log.Warn("failed to link mask", "ccd", e.CCD, "error", err)
			all = false
		}
	}
	if !all {
		log.Warn("not every CCD has a mask, mosaic will be unweighted")
	}
	return all
}

// completeEpochs keeps the exposures of epochs with exactly n CCDs.
func completeEpochs(exps []storage.Exposure, n int, log *slog.Logger) []storage.Exposure {
	counts := make(map[string]int)
	for _, e := range exps {
		counts[e.Timestamp]++
	}
	var out []storage.Exposure
	for _, e := range exps {
		if counts[e.Timestamp] == n {
			out = append(out, e)
		}
	}
	for ts, c := range counts {
		if c != n {
			log.Warn("skipping incomplete epoch", "timestamp", ts, "ccds", fmt.Sprintf("%d/%d", c, n))
		}
	}
	return out
}
