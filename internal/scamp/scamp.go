// Package scamp plate-solves reduced frames with SExtractor and SCAMP and
// writes the resulting WCS back into the frames.
package scamp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"omegacamer/internal/config"
	"omegacamer/internal/fits"
	"omegacamer/internal/fsutil"
	"omegacamer/internal/tools"
)

var (
	ErrTooFewSources = errors.New("too few sources detected")
	ErrNoHeader      = errors.New("no header produced")
	ErrNotCelestial  = errors.New("header has no celestial WCS")
)

// SolvedKey marks a frame whose WCS came from SCAMP.
const SolvedKey = "SCMP_SLV"

const minSources = 3

var sexnfin = regexp.MustCompile(`SEXNFIN\s*=\s*(\d+)`)

// Runner executes external tools; *tools.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, c tools.Cmd) error
}

// Options configures the solver.
type Options struct {
	TmpDir     string
	HeadersDir string
	SourcesDir string
	KeepTmp    bool
	Parallel   int
	Scamp      config.Scamp
	Sextractor config.Sextractor
}

// OptionsFromConfig collects the solver settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TmpDir:     cfg.TmpDir,
		HeadersDir: fsutil.Resolve(cfg.WorkingDirectory, cfg.HeadersSaveDir),
		SourcesDir: fsutil.Resolve(cfg.WorkingDirectory, cfg.SourcesSaveDir),
		KeepTmp:    cfg.KeepTmp,
		Parallel:   cfg.Processing.ParallelJobs,
		Scamp:      cfg.Scamp,
		Sextractor: cfg.Sextractor,
	}
}

// Solver plate-solves frames one work directory at a time.
type Solver struct {
	runner    Runner
	opts      Options
	scampArgs []string
	sexArgs   []string
	logger    *slog.Logger
}

// NewSolver creates a solver. The header and catalog caches are created
// when the first solution is stored.
func NewSolver(r Runner, opts Options, logger *slog.Logger) (*Solver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	if opts.Scamp.HeaderSuffix == "" {
		opts.Scamp.HeaderSuffix = ".head"
	}
	for _, dir := range []string{opts.HeadersDir, opts.SourcesDir} {
		if dir == "" {
			return nil, errors.New("header and source cache directories are required")
		}
	}
	scampArgs, err := tools.SplitArgs(opts.Scamp.ExtraArgs)
	if err != nil {
		return nil, err
	}
	sexArgs, err := tools.SplitArgs(opts.Sextractor.ExtraArgs)
	if err != nil {
		return nil, err
	}
	return &Solver{runner: r, opts: opts, scampArgs: scampArgs, sexArgs: sexArgs, logger: logger}, nil
}

// Result is the outcome of solving one frame.
type Result struct {
	File    string `json:"file"`
	Header  string `json:"header,omitempty"`
	Catalog string `json:"catalog,omitempty"`
	Cached  bool   `json:"cached"`
	Err     error  `json:"-"`
}

// OK reports success.
func (r Result) OK() bool { return r.Err == nil }

// Solve plate-solves file and updates its primary header in place.
func (s *Solver) Solve(ctx context.Context, file string) Result {
	res := Result{File: file}
	abs, err := filepath.Abs(file)
	if err != nil {
		res.Err = err
		return res
	}
	base := filepath.Base(abs)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	work := filepath.Join(s.opts.TmpDir, "scamp_"+stem)
	if err := os.MkdirAll(work, 0o755); err != nil {
		res.Err = err
		return res
	}
	if !s.opts.KeepTmp {
		defer os.RemoveAll(work)
	}
	s.logger.Info("plate solving", "file", abs, "work_dir", work)

	link := filepath.Join(work, base)
	if _, err := fsutil.Symlink(abs, link, false); err != nil {
		res.Err = err
		return res
	}
	header := filepath.Join(work, stem+s.opts.Scamp.HeaderSuffix)
	catalog := filepath.Join(work, stem+".cat")
	res.Header = filepath.Join(s.opts.HeadersDir, filepath.Base(header))
	res.Catalog = filepath.Join(s.opts.SourcesDir, filepath.Base(catalog))

	switch {
	case fsutil.Exists(header):
		s.logger.Info("using existing header", "path", header)
	case fsutil.Exists(res.Header):
		s.logger.Info("using cached header", "path", res.Header)
		if err := fsutil.CopyFile(res.Header, header); err != nil {
			res.Err = err
			return res
		}
		res.Cached = true
	default:
		if err := s.extractAndSolve(ctx, work, link, catalog); err != nil {
			res.Err = err
			return res
		}
	}

	if !fsutil.Exists(header) {
		res.Err = fmt.Errorf("%s: %w", base, ErrNoHeader)
		return res
	}
	if err := s.applyHeader(abs, header); err != nil {
		res.Err = err
		return res
	}
	s.logger.Info("updated WCS", "file", abs)

	if !res.Cached {
		if err := fsutil.CopyFile(header, res.Header); err != nil {
			res.Err = err
			return res
		}
		if err := fsutil.CopyFile(catalog, res.Catalog); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

func (s *Solver) extractAndSolve(ctx context.Context, work, link, catalog string) error {
	if err := WriteSexConfig(work, s.opts.Sextractor); err != nil {
		return err
	}
	if err := WriteScampConfig(work, s.opts.Scamp); err != nil {
		return err
	}

	s.logger.Debug("running sextractor", "file", link)
	args := append([]string{link, "-c", filepath.Join(work, SexConfig), "-CATALOG_NAME", catalog}, s.sexArgs...)
	if err := s.runner.Run(ctx, tools.Cmd{Tool: tools.Sextractor, Args: args, Dir: work}); err != nil {
		return err
	}
	// SCAMP hangs on nearly empty catalogs
	n, err := CountSources(catalog)
	if err != nil {
		return err
	}
	if n < minSources {
		return fmt.Errorf("%s: %d sources: %w", filepath.Base(catalog), n, ErrTooFewSources)
	}

	s.logger.Debug("running scamp", "catalog", catalog, "sources", n)
	args = append([]string{catalog, "-c", filepath.Join(work, ScampConfig)}, s.scampArgs...)
	return s.runner.Run(ctx, tools.Cmd{Tool: tools.Scamp, Args: args, Dir: work})
}

// CountSources reads SEXNFIN, the number of extracted sources, from a
// SExtractor catalog.
func CountSources(catalog string) (int, error) {
	data, err := os.ReadFile(catalog)
	if err != nil {
		return 0, fmt.Errorf("read catalog: %w", ErrNoHeader)
	}
	m := sexnfin.FindSubmatch(data)
	if m == nil {
		return 0, fmt.Errorf("%s: no source count, corrupt catalog: %w", filepath.Base(catalog), ErrNoHeader)
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, fmt.Errorf("%s: source count %q: %w", filepath.Base(catalog), m[1], ErrNoHeader)
	}
	return n, nil
}

// applyHeader replaces the WCS of file with the one in the SCAMP header.
func (s *Solver) applyHeader(file, header string) error {
	text, err := os.ReadFile(header)
	if err != nil {
		return err
	}
	h, err := fits.ParseHeaderText(string(text))
	if err != nil {
		return err
	}
	if !fits.IsCelestial(h) {
		return fmt.Errorf("%s: %w", filepath.Base(header), ErrNotCelestial)
	}
	wcs := h.Filter(fits.IsWCSKey)
	return fits.UpdatePrimaryHeader(file, func(ph *fits.Header) error {
		ph.DeleteFunc(fits.IsWCSKey)
		ph.Merge(wcs)
		return ph.Set(SolvedKey, "1", "WCS solved by SCAMP")
	})
}

// SolveAll solves files with bounded parallelism. Results keep the order
// of files; a failed frame never stops the others.
func (s *Solver) SolveAll(ctx context.Context, files []string) []Result {
	results := make([]Result, len(files))
	g, ctx := errgroup.WithContext(ctx)
	limit := s.opts.Parallel
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	var mu sync.Mutex
	failed := 0
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{File: f, Err: err}
				return nil
			}
			res := s.Solve(ctx, f)
			if res.Err != nil {
				s.logger.Error("plate solving failed", "file", f, "error", res.Err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("plate solving finished", "files", len(files), "failed", failed)
	return results
}

// IsSolved reports whether the primary header of file carries SCMP_SLV.
func IsSolved(file string) bool {
	h, err := fits.ReadPrimaryHeader(file)
	if err != nil {
		return false
	}
	v, ok := h.String(SolvedKey)
	return ok && strings.TrimSpace(v) == "1"
}
