package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"omegacamer/internal/archive"
	"omegacamer/internal/config"
	"omegacamer/internal/fsutil"
	"omegacamer/internal/mosaic"
	"omegacamer/internal/pipeline"
	"omegacamer/internal/prered"
	"omegacamer/internal/preview"
	"omegacamer/internal/report"
	"omegacamer/internal/scamp"
	"omegacamer/internal/storage"
	"omegacamer/internal/swarp"
	"omegacamer/internal/tools"
)

const recordsDirName = "obs_records"

// authDownloader logs in before every download run.
type authDownloader struct {
	client     *archive.Client
	downloader *archive.Downloader
	user       string
	password   string
}

func (d *authDownloader) Run(ctx context.Context, start, end string) (archive.Summary, error) {
	if err := d.client.Login(ctx, d.user, d.password); err != nil {
		return archive.Summary{}, err
	}
	return d.downloader.Run(ctx, start, end)
}

// newInventory builds the inventory shared by the inventory stage and the
// directory watcher.
func newInventory(cfg *config.Config, store *storage.Store, log *slog.Logger) (*mosaic.Inventory, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	nights := mosaic.NightRule{Location: loc, StartHour: cfg.Mosaic.NightStartHour}
	return mosaic.NewInventory(store, cfg.Directories, cfg.DiscoveryFilePattern, nights, cfg.Mosaic.ExpectedCCDs, log), nil
}

// statusFunc collects the report data of cfg's objects.
func statusFunc(cfg *config.Config, store *storage.Store) func(ctx context.Context) (report.Status, error) {
	recordsDir := filepath.Join(cfg.WorkingDirectory, recordsDirName)
	return func(ctx context.Context) (report.Status, error) {
		records, err := archive.CachedRecords(recordsDir)
		if err != nil {
			return report.Status{}, err
		}
		return report.Collect(ctx, store, records, cfg.Targets())
	}
}

// buildStages wires every pipeline stage from cfg. Stages whose settings
// are missing are left nil so their jobs fail with a clear message.
func buildStages(cfg *config.Config, store *storage.Store, log *slog.Logger) (pipeline.Stages, error) {
	stages := pipeline.Stages{Store: store}
	mgr := tools.NewManager(cfg, log)
	workDir := cfg.WorkingDirectory

	loc, err := cfg.Location()
	if err != nil {
		return stages, err
	}

	client := archive.NewClient(cfg.Archive, filepath.Join(workDir, recordsDirName), mgr, log)
	stages.Downloader = &authDownloader{
		client:     client,
		downloader: archive.NewDownloader(client, store, workDir, cfg.Credentials.ProgramID, log),
		user:       cfg.Credentials.User,
		password:   os.Getenv(config.EnvPassword),
	}

	if cfg.Reducer.Command != "" {
		reducedDir := ""
		if cfg.ReducedDataDir != "" {
			reducedDir = fsutil.Resolve(workDir, cfg.ReducedDataDir)
		}
		stages.Prereducer = prered.New(store, prered.ExecReducer{Runner: mgr, Args: cfg.Reducer.Args}, prered.Options{
			WorkDir:        workDir,
			ReducedDir:     reducedDir,
			Format:         cfg.ReducedFormat,
			Version:        cfg.Version,
			Location:       loc,
			NightStartHour: cfg.Mosaic.NightStartHour,
		}, log)
	}

	inv, err := newInventory(cfg, store, log)
	if err != nil {
		return stages, err
	}
	stages.Inventory = inv

	solver, err := scamp.NewSolver(mgr, scamp.OptionsFromConfig(cfg), log)
	if err != nil {
		return stages, fmt.Errorf("scamp: %w", err)
	}
	stages.Solver = solver

	if cfg.MosaicWorkingDirectory != "" {
		linker := mosaic.NewLinker(store, cfg.MosaicWorkingDirectory, log)
		stages.Linker = linker

		var masks mosaic.Masks
		if cfg.CCDMasksDirectory != "" {
			if masks, err = mosaic.LoadMasks(cfg.CCDMasksDirectory, log); err != nil {
				return stages, fmt.Errorf("ccd masks: %w", err)
			}
		}
		coadder, err := swarp.NewCoadder(mgr, cfg.Swarp.ExtraArgs, log)
		if err != nil {
			return stages, fmt.Errorf("swarp: %w", err)
		}
		var mosaicSolver mosaic.Solver
		if cfg.PlateSolve {
			mosaicSolver = solver
		}
		var render mosaic.Previewer
		if cfg.Mosaic.Preview {
			render = preview.Renderer(cfg.Mosaic.PreviewSize)
		}
		stages.Builder = mosaic.NewBuilder(store, linker, masks, mosaicSolver, coadder, render, mosaic.BuildOptions{
			PlateSolve:      cfg.PlateSolve,
			RequireComplete: cfg.Mosaic.RequireCompleteEpochs,
			ExpectedCCDs:    cfg.Mosaic.ExpectedCCDs,
			Redo:            cfg.Mosaic.Redo,
			Swarp:           swarp.FromSettings(cfg.Swarp, log),
		}, log)
	}

	if cfg.ReportPath != "" {
		status := statusFunc(cfg, store)
		reportPath := fsutil.Resolve(workDir, cfg.ReportPath)
		stages.Report = func(ctx context.Context) (string, error) {
			st, err := status(ctx)
			if err != nil {
				return "", err
			}
			if err := report.Write(reportPath, st); err != nil {
				return "", err
			}
			return reportPath, nil
		}
	}
	return stages, nil
}
