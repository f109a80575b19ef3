// Package cli implements the omegacamer command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/fatih/color"

	"omegacamer/internal/config"
	"omegacamer/internal/logging"
	"omegacamer/internal/pipeline"
	"omegacamer/internal/report"
	"omegacamer/internal/server"
	"omegacamer/internal/storage"
	"omegacamer/internal/tools"
)

var (
	okText   = color.New(color.FgGreen).SprintFunc()
	failText = color.New(color.FgRed).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
	keyText  = color.New(color.Bold).SprintFunc()
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Await(jobID string) (<-chan pipeline.Result, func())
}

type toolStatusFunc func() map[string]tools.ToolStatus

type serverFunc func(ctx context.Context, r *Root) error

func defaultServe(ctx context.Context, r *Root) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return errors.New("pipeline does not support server operation")
	}
	srv := server.New(r.cfg.Server.Addr, r.cfg.Server.GRPCAddr, r.store, real, statusFunc(r.cfg, r.store), r.log)
	return srv.Start(ctx)
}

// Root wires CLI commands to the pipeline. Configuration, the database and
// the pipeline are opened on first use so commands like version need none
// of them.
type Root struct {
	configPath string
	logLevel   string

	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	pipeline pipelineClient
	closers  []io.Closer

	toolStatus toolStatusFunc
	serveFn    serverFunc
}

// NewRoot returns a root with nothing opened yet.
func NewRoot() *Root {
	return &Root{serveFn: defaultServe}
}

// loadConfig reads the configuration and starts logging.
func (r *Root) loadConfig() error {
	if r.cfg != nil {
		return nil
	}
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.Logging.Level = r.logLevel
	}
	if err := os.MkdirAll(cfg.WorkingDirectory, 0o755); err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	r.cfg, r.log = cfg, logger
	r.closers = append(r.closers, closer)
	return nil
}

// open prepares everything command needs: validated configuration, the
// bookkeeping database and the job pipeline.
func (r *Root) open(command string) error {
	if err := r.loadConfig(); err != nil {
		return err
	}
	if err := r.cfg.ValidateFor(command); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if r.pipeline != nil {
		return nil
	}

	store, err := storage.New(r.cfg.DatabasePath())
	if err != nil {
		return err
	}
	r.store = store
	r.closers = append(r.closers, store)

	stages, err := buildStages(r.cfg, store, r.log)
	if err != nil {
		return err
	}
	pipe := pipeline.New(context.Background(), r.cfg.Processing.ParallelJobs, r.cfg.Processing.QueueSize,
		pipeline.NewRouter(stages, r.log), store, r.log)
	r.pipeline = pipe
	return nil
}

// Close stops the pipeline and releases the database and log file.
func (r *Root) Close() error {
	if p, ok := r.pipeline.(*pipeline.Pipeline); ok {
		p.Stop()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Root) toolStatuses() map[string]tools.ToolStatus {
	if r.toolStatus != nil {
		return r.toolStatus()
	}
	return tools.NewManager(r.cfg, r.log).Status()
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, cancel := r.pipeline.Await(job.ID)
	defer cancel()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	select {
	case <-ctx.Done():
		return pipeline.Result{Job: job}, ctx.Err()
	case res, ok := <-resCh:
		if !ok {
			return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
		}
		return res, res.Error
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "scope", job.Scope)
	return nil
}

// runJob queues a job, waits for it and prints its outcome.
func (r *Root) runJob(ctx context.Context, w io.Writer, t pipeline.JobType, scope string, options map[string]any) error {
	res, err := r.enqueueAndWait(ctx, pipeline.NewJob(t, scope, options))
	printResult(w, res, err)
	return err
}

func printResult(w io.Writer, res pipeline.Result, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s %s: %v\n", failText("✗"), res.Job.Type, err)
	} else {
		fmt.Fprintf(w, "%s %s completed\n", okText("✓"), res.Job.Type)
	}
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", keyText(k), res.Meta[k])
	}
}

func printStatus(w io.Writer, st report.Status) {
	for _, o := range st.Objects {
		pending := fmt.Sprint(len(o.Pending))
		if len(o.Pending) > 0 {
			pending = warnText(pending)
		}
		fmt.Fprintf(w, "%s  archive %d  downloaded %d  reduced %d  pending %s\n",
			keyText(o.Name), len(o.Archive), len(o.Downloaded), len(o.Reduced), pending)
	}
	for _, m := range st.Mosaics {
		fmt.Fprintf(w, "mosaic %s %s  %d inputs  %s\n", m.Target, m.Night, m.InputCount, m.Size)
	}
}
