package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"europa/internal/cleanup"
	"europa/internal/config"
	"europa/internal/db"
	"europa/internal/logging"
	"europa/internal/server"
)

var errPostgresOnly = errors.New("migrations require EUROPA_STORE_BACKEND=postgres")

type cli struct {
	cfg *config.Config
	log *slog.Logger
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "europa-backend",
		Short:         "Encrypted file drop backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			format := cfg.LogFormat
			if cfg.Production() {
				format = "json"
			}
			c.cfg = cfg
			c.log = logging.New(stderr, format, cfg.LogLevel).With("service", "backend")
			slog.SetDefault(c.log)
			return nil
		},
	}
	root.AddCommand(c.serveCmd(), c.sweepCmd(), c.migrateCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the daily cleanup scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	srv := server.New(server.Config{
		Addr:          c.cfg.Addr,
		MaxChunkBytes: c.cfg.Upload.MaxChunkBytes,
		Metrics:       a.metrics,
	}, a.transfers, a.engine, a.checks, c.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.log.Info("starting", "addr", c.cfg.Addr, "env", c.cfg.Env)
		return srv.Run(gctx)
	})
	if c.cfg.Cleanup.Enabled {
		sweeps := recordedSweeps{Sweeper: a.engine, metrics: a.metrics}
		sched := cleanup.NewScheduler(sweeps, c.cfg.Cleanup.Interval, c.cfg.Cleanup.LockFile, c.log)
		g.Go(func() error { return sched.Run(gctx) })
	} else {
		c.log.Info("cleanup_disabled")
	}

	err = g.Wait()
	c.log.Info("shutdown_complete")
	return err
}

func (c *cli) sweepCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup sweep and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			sched := cleanup.NewScheduler(a.engine, c.cfg.Cleanup.Interval, c.cfg.Cleanup.LockFile, c.log)
			res, err := sched.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(res.Run)
			}
			_, err = fmt.Fprintf(out, "run %d %s: processed=%d deleted=%d errors=%d freed=%d orphans=%d staged=%d\n",
				res.Run.ID, res.Run.Status, res.Run.FilesProcessed, res.Run.FilesDeleted,
				res.Run.ErrorCount, res.Run.BytesFreed, res.OrphansDeleted, res.StagedPurged)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cleanup run as JSON")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the metadata schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(func(conn *sqlx.DB) error {
				if err := db.RunMigrations(conn.DB); err != nil {
					return err
				}
				c.log.Info("migrations_complete")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Revert the last migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid steps %q", args[0])
				}
				steps = n
			}
			return c.withDB(func(conn *sqlx.DB) error {
				return db.RollbackMigrations(conn.DB, steps)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(func(conn *sqlx.DB) error {
				v, dirty, err := db.SchemaVersion(conn.DB)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return err
			})
		},
	})
	return cmd
}

func (c *cli) withDB(fn func(conn *sqlx.DB) error) error {
	if c.cfg.StoreBackend != "postgres" {
		return errPostgresOnly
	}
	conn, err := db.OpenDB(c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = conn.Close() }()
	return fn(conn)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
