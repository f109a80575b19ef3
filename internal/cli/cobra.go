package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"omegacamer/internal/pipeline"
	"omegacamer/internal/watch"
)

const dateLayout = "2006-01-02"

// Execute runs the command line under ctx and releases everything the
// command opened, whether or not it succeeded.
func Execute(ctx context.Context) error {
	root := NewRoot()
	return root.execute(ctx, newRootCmd(root))
}

func (r *Root) execute(ctx context.Context, cmd *cobra.Command) error {
	err := cmd.ExecuteContext(ctx)
	return errors.Join(err, r.Close())
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "omegacamer",
		Short: "OmegaCAM data reduction and mosaic pipeline",
		Long: `omegacamer downloads OmegaCAM observations from the ESO archive, pre-reduces
them, inventories the reduced CCD frames and co-adds one mosaic per target and
night, keeping its bookkeeping in a local SQLite database.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", "", "configuration file (default $OMEGACAMER_CONFIG or ~/.config/omegacamer/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(newDownloadCmd(root))
	rootCmd.AddCommand(newPreredCmd(root))
	rootCmd.AddCommand(newInventoryCmd(root))
	rootCmd.AddCommand(newLinkCmd(root))
	rootCmd.AddCommand(newPlateSolveCmd(root))
	rootCmd.AddCommand(newMosaicCmd(root))
	rootCmd.AddCommand(newReportCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newDownloadCmd(root *Root) *cobra.Command {
	var start, end string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download new science frames and their calibrations",
		Long: `Query the ESO archive for the configured programme between two dates, then
retrieve every science frame not yet registered together with its raw
calibrations. The archive password is read from $OMEGACAMER_ESO_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, d := range []string{start, end} {
				if _, err := time.Parse(dateLayout, d); err != nil {
					return fmt.Errorf("dates must be YYYY-MM-DD: %w", err)
				}
			}
			if err := root.open("download"); err != nil {
				return err
			}
			return root.runJob(cmd.Context(), cmd.OutOrStdout(), pipeline.JobDownload, start+"/"+end,
				map[string]any{"start": start, "end": end})
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "first night to query (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last night to query (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newPreredCmd(root *Root) *cobra.Command {
	var from, to float64

	cmd := &cobra.Command{
		Use:   "prered",
		Short: "Pre-reduce downloaded science frames",
		Long: `Build master biases and flats and calibrate every downloaded science frame
that has not been reduced yet. --start and --end bound the frames by MJD;
zero leaves a bound open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to != 0 && from > to {
				return fmt.Errorf("--start %.5f is after --end %.5f", from, to)
			}
			if err := root.open("prered"); err != nil {
				return err
			}
			return root.runJob(cmd.Context(), cmd.OutOrStdout(), pipeline.JobPrered, "mjd",
				map[string]any{"from": from, "to": to})
		},
	}

	cmd.Flags().Float64Var(&from, "start", 0, "lowest MJD to reduce")
	cmd.Flags().Float64Var(&to, "end", 0, "highest MJD to reduce")
	return cmd
}

func newInventoryCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Register reduced CCD frames found in the source directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.open("inventory"); err != nil {
				return err
			}
			return root.runJob(cmd.Context(), cmd.OutOrStdout(), pipeline.JobInventory, "all", nil)
		},
	}
}

func newLinkCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "link",
		Short: "Link the frames of every missing mosaic into its work directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.open("link"); err != nil {
				return err
			}
			return root.runJob(cmd.Context(), cmd.OutOrStdout(), pipeline.JobLink, "missing", nil)
		},
	}
}

func newPlateSolveCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "platesolve <file>...",
		Short: "Plate-solve frames with SExtractor and SCAMP",
		Long: `Extract sources and solve the astrometry of each file, folding the SCAMP
solution into its primary header. Solutions are cached, so solving a file
again reuses its header.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]string, 0, len(args))
			for _, a := range args {
				abs, err := filepath.Abs(a)
				if err != nil {
					return err
				}
				files = append(files, abs)
			}
			if err := root.open("platesolve"); err != nil {
				return err
			}
			return root.runJob(cmd.Context(), cmd.OutOrStdout(), pipeline.JobPlateSolve, fmt.Sprintf("%d files", len(files)),
				map[string]any{"files": files})
		},
	}
}

func newMosaicCmd(root *Root) *cobra.Command {
	var (
		target string
		night  string
		redo   bool
	)

	cmd := &cobra.Command{
		Use:   "mosaic",
		Short: "Co-add the missing mosaics",
		Long: `Build one mosaic per target and night for every group without one. With
--target and --night the build is restricted to that group, and --redo
rebuilds it even when the mosaic exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if night != "" {
				if _, err := time.Parse(dateLayout, night); err != nil {
					return fmt.Errorf("--night must be YYYY-MM-DD: %w", err)
				}
			}
			if err := root.open("mosaic"); err != nil {
				return err
			}
			scope := "missing"
			if target != "" || night != "" {
				scope = target + "/" + night
			}
			return root.runJob(cmd.Context(), cmd.OutOrStdout(), pipeline.JobMosaic, scope,
				map[string]any{"target": target, "night": night, "redo": redo})
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "only build this target")
	cmd.Flags().StringVar(&night, "night", "", "only build this night (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&redo, "redo", false, "rebuild mosaics that already exist")
	return cmd
}

func newReportCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Regenerate the HTML status report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.open("report"); err != nil {
				return err
			}
			return root.runJob(cmd.Context(), cmd.OutOrStdout(), pipeline.JobReport, "all", nil)
		},
	}
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the processing state of every configured object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.open("status"); err != nil {
				return err
			}
			st, err := statusFunc(root.cfg, root.store)(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Inventory new reduced frames as they appear",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.open("watch"); err != nil {
				return err
			}
			return root.runWatcher(cmd.Context(), cmd.OutOrStdout(), debounce)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "time a file must stay unchanged before it is inventoried")
	return cmd
}

// runWatcher watches the source directories until ctx ends, printing one
// line per handled file.
func (r *Root) runWatcher(ctx context.Context, out io.Writer, debounce time.Duration) error {
	inv, err := newInventory(r.cfg, r.store, r.log)
	if err != nil {
		return err
	}
	w, err := watch.New(r.cfg.Directories, r.cfg.DiscoveryFilePattern, debounce, inv.AddFile, r.log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	for ev := range w.Events {
		switch {
		case ev.Err != nil:
			fmt.Fprintf(out, "%s %s: %v\n", failText("✗"), ev.Path, ev.Err)
		case ev.Added:
			fmt.Fprintf(out, "%s %s\n", okText("+"), ev.Path)
		}
	}
	return <-errCh
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		grpcAddr  string
		withWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status server",
		Long: `Serve the job API, the live report, mosaic previews and a job stream over
websocket and server-sent events, plus the gRPC health service.

Examples:
  omegacamer serve --addr :8080
  omegacamer serve --addr :8080 --grpc-addr :9090 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.open("serve"); err != nil {
				return err
			}
			if withWatch {
				if err := root.cfg.ValidateFor("watch"); err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
			}
			if cmd.Flags().Changed("addr") {
				root.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}

			root.log.Info("starting server",
				"addr", root.cfg.Server.Addr,
				"grpc_addr", root.cfg.Server.GRPCAddr,
				"watch", withWatch,
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return root.serveFn(ctx, root) })
			if withWatch {
				g.Go(func() error { return root.runWatcher(ctx, cmd.OutOrStdout(), 0) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address (host:port), overrides server.addr")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address, overrides server.grpc_addr")
	cmd.Flags().BoolVar(&withWatch, "watch", false, "also inventory new frames from the source directories")
	return cmd
}
