package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"omegacamer/internal/archive"
	"omegacamer/internal/mosaic"
	"omegacamer/internal/prered"
	"omegacamer/internal/scamp"
	"omegacamer/internal/storage"
)

// Downloader fetches new frames from the archive.
type Downloader interface {
	Run(ctx context.Context, start, end string) (archive.Summary, error)
}

// Prereducer calibrates downloaded science frames.
type Prereducer interface {
	Run(ctx context.Context, from, to float64) (prered.Summary, error)
}

// Inventory registers reduced CCD frames.
type Inventory interface {
	Build(ctx context.Context) (mosaic.InventorySummary, error)
}

// Linker lays out mosaic work directories.
type Linker interface {
	Link(ctx context.Context) (mosaic.LinkSummary, error)
}

// MosaicBuilder produces mosaics.
type MosaicBuilder interface {
	Build(ctx context.Context, f mosaic.Filter) (mosaic.BuildSummary, error)
}

// PlateSolver plate-solves frames.
type PlateSolver interface {
	SolveAll(ctx context.Context, files []string) []scamp.Result
}

// Reporter regenerates the status report and returns where it was written.
type Reporter func(ctx context.Context) (string, error)

// Stages holds the implementation of each job type. Stages left nil make
// the corresponding jobs fail.
type Stages struct {
	Store      *storage.Store
	Downloader Downloader
	Prereducer Prereducer
	Inventory  Inventory
	Linker     Linker
	Builder    MosaicBuilder
	Solver     PlateSolver
	Report     Reporter
}

// router implements Processor and routes jobs to their stage.
type router struct {
	log *slog.Logger
	Stages
}

// NewRouter creates the processor dispatching jobs to stages.
func NewRouter(stages Stages, logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{log: logger, Stages: stages}
}

func unavailable(t JobType) error {
	return fmt.Errorf("%s stage is not configured", t)
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobDownload:
		return r.handleDownload(ctx, job)
	case JobPrered:
		return r.handlePrered(ctx, job)
	case JobInventory:
		return r.handleInventory(ctx, job)
	case JobLink:
		return r.handleLink(ctx, job)
	case JobPlateSolve:
		return r.handlePlateSolve(ctx, job)
	case JobMosaic:
		return r.handleMosaic(ctx, job)
	case JobReport:
		return r.handleReport(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleDownload(ctx context.Context, job Job) Result {
	if r.Downloader == nil {
		return Result{Job: job, Error: unavailable(job.Type)}
	}
	start, end := optString(job.Options, "start"), optString(job.Options, "end")
	if start == "" || end == "" {
		return Result{Job: job, Error: errors.New("download needs start and end dates")}
	}
	sum, err := r.Downloader.Run(ctx, start, end)
	return Result{Job: job, Error: err, Meta: toMeta(sum)}
}

func (r *router) handlePrered(ctx context.Context, job Job) Result {
	if r.Prereducer == nil {
		return Result{Job: job, Error: unavailable(job.Type)}
	}
	from, err := optFloat(job.Options, "from")
	if err != nil {
		return Result{Job: job, Error: err}
	}
	to, err := optFloat(job.Options, "to")
	if err != nil {
		return Result{Job: job, Error: err}
	}
	sum, err := r.Prereducer.Run(ctx, from, to)
	return Result{Job: job, Error: err, Meta: toMeta(sum)}
}

func (r *router) handleInventory(ctx context.Context, job Job) Result {
	if r.Inventory == nil {
		return Result{Job: job, Error: unavailable(job.Type)}
	}
	sum, err := r.Inventory.Build(ctx)
	meta := toMeta(sum)
	meta["incomplete"] = len(sum.Incomplete)
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleLink(ctx context.Context, job Job) Result {
	if r.Linker == nil {
		return Result{Job: job, Error: unavailable(job.Type)}
	}
	sum, err := r.Linker.Link(ctx)
	return Result{Job: job, Error: err, Meta: toMeta(sum)}
}

func (r *router) handlePlateSolve(ctx context.Context, job Job) Result {
	if r.Solver == nil {
		return Result{Job: job, Error: unavailable(job.Type)}
	}
	files := optStrings(job.Options, "files")
	if len(files) == 0 {
		return Result{Job: job, Error: errors.New("platesolve needs files")}
	}

	results := r.Solver.SolveAll(ctx, files)
	solved, cached := 0, 0
	var errs []error
	for _, res := range results {
		if !res.OK() {
			errs = append(errs, fmt.Errorf("%s: %w", res.File, res.Err))
			continue
		}
		solved++
		if res.Cached {
			cached++
		}
		if r.Store == nil {
			continue
		}
		// frames outside the inventory are fine
		if err := r.Store.MarkExposureSolved(ctx, res.File, res.Header, res.Catalog); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("failed to flag exposure as solved", "file", res.File, "error", err)
		}
	}
	meta := map[string]any{"files": len(files), "solved": solved, "cached": cached, "failed": len(errs)}
	return Result{Job: job, Error: errors.Join(errs...), Meta: meta}
}

func (r *router) handleMosaic(ctx context.Context, job Job) Result {
	if r.Builder == nil {
		return Result{Job: job, Error: unavailable(job.Type)}
	}
	f := mosaic.Filter{
		Target: optString(job.Options, "target"),
		Night:  optString(job.Options, "night"),
		Redo:   optBool(job.Options, "redo"),
	}
	sum, err := r.Builder.Build(ctx, f)
	return Result{Job: job, Error: err, Meta: toMeta(sum)}
}

func (r *router) handleReport(ctx context.Context, job Job) Result {
	if r.Report == nil {
		return Result{Job: job, Error: unavailable(job.Type)}
	}
	path, err := r.Report(ctx)
	return Result{Job: job, Error: err, Meta: map[string]any{"report": path}}
}

// toMeta flattens a summary struct through its json tags.
func toMeta(v any) map[string]any {
	meta := map[string]any{}
	data, err := json.Marshal(v)
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(data, &meta)
	return meta
}

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// optFloat reads a number that may have come from flags or JSON. A missing
// key is zero.
func optFloat(opts map[string]any, key string) (float64, error) {
	switch v := opts[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		if v == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %s: unexpected %T", key, v)
	}
}
