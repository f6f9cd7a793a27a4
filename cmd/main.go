package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/moby/locker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"pickupcal/internal/caldav"
	"pickupcal/internal/calendar"
	"pickupcal/internal/config"
	"pickupcal/internal/feed"
	"pickupcal/internal/google"
	"pickupcal/internal/groups"
	"pickupcal/internal/ingest"
	"pickupcal/internal/lifecycle"
	"pickupcal/internal/metrics"
	"pickupcal/internal/orphans"
	"pickupcal/internal/scheduler"
	"pickupcal/internal/status"
	"pickupcal/internal/store/sqlstore"
	"pickupcal/internal/streams"
	"pickupcal/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "pickupcal",
		Usage: "Publish waste pickup schedules as subscribable calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "pickupcal.yaml",
				EnvVars: []string{"PICKUPCAL_CONFIG"},
				Usage:   "Path to the YAML configuration file.",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			ingestCommand(),
			syncCommand(),
			statusCommand(),
			cleanupCommand(),
			exportCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed.", "error", err)
		os.Exit(1)
	}
}

// env holds what every command shares: configuration, logger, store and the
// registry the components report to.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *sqlstore.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	locks    *locker.Locker
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel)
	st, err := sqlstore.Open(c.Context, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &env{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		metrics:  metrics.New(reg),
		locks:    locker.New(),
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close store.", "error", err)
	}
}

// provider builds the configured calendar provider behind the throttle and
// call timeout.
func (e *env) provider(ctx context.Context) (calendar.Provider, error) {
	var (
		p   calendar.Provider
		err error
	)
	switch pc := e.cfg.Provider; pc.Kind {
	case config.ProviderGoogle:
		p, err = google.NewClient(ctx, e.logger, google.Credentials{
			ClientID:           pc.Google.ClientID,
			ClientSecret:       pc.Google.ClientSecret,
			TokenFile:          pc.Google.TokenFile,
			ServiceAccountFile: pc.Google.ServiceAccountFile,
		}, e.cfg.Events.Timezone)
	case config.ProviderCalDAV:
		p, err = caldav.NewClient(ctx, e.logger, caldav.Config{
			Endpoint: pc.CalDAV.Endpoint,
			Username: pc.CalDAV.Username,
			Password: pc.CalDAV.Password,
			HomeSet:  pc.CalDAV.HomeSet,
		})
	default:
		err = fmt.Errorf("unknown provider %q", pc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", e.cfg.Provider.Kind, err)
	}
	return calendar.NewGuarded(p, e.logger, calendar.GuardOptions{
		Interval: e.cfg.Provider.CallInterval,
		Timeout:  e.cfg.Provider.CallTimeout,
		Metrics:  e.metrics,
	}), nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Provider.Google.ClientID, cfg.Provider.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			tokenFile := cfg.Provider.Google.TokenFile
			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Record schedule groups from a JSON or CSV file and reconcile streams.",
		ArgsUsage: "FILE (- for stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Usage: "Input format: json or csv. Guessed from the file extension when unset."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("ingest needs exactly one FILE argument", 2)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			name := c.Args().First()
			format := c.String("format")
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(name), ".")
			}
			var in io.Reader = os.Stdin
			if name != "-" {
				f, err := os.Open(name)
				if err != nil {
					return fmt.Errorf("failed to open input: %w", err)
				}
				defer f.Close()
				in = f
			}
			rows, err := ingest.Read(in, format)
			if err != nil {
				return err
			}

			resolver := streams.NewResolver(e.logger, nil)
			reconciler := streams.NewReconciler(e.logger, nil, e.store, resolver, e.locks, e.cfg.Lifecycle.Grace)
			pipeline := ingest.NewPipeline(e.logger, e.store, groups.NewStore(e.logger, nil), resolver, reconciler, e.metrics)
			report, err := pipeline.Apply(c.Context, rows)
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d rows failed to ingest", report.Failed, report.Rows)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run a single tick and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes. Implies --once."},
			&cli.DurationFlag{Name: "watch", Usage: "Tick interval. Overrides the configured interval."},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			dryRun := c.Bool("dry-run")
			if dryRun {
				e.logger.Info("Performing a dry run. No changes will be made.")
			}
			style, err := e.cfg.EventStyle()
			if err != nil {
				return err
			}
			provider, err := e.provider(c.Context)
			if err != nil {
				return err
			}

			s := syncer.NewSyncer(e.logger, e.store, provider, syncer.Options{
				Locks:   e.locks,
				Style:   style,
				Metrics: e.metrics,
				DryRun:  dryRun,
			})
			var lc scheduler.LifecycleProcessor = lifecycle.NewManager(e.logger, e.store, provider, lifecycle.Options{
				Locks:         e.locks,
				Style:         style,
				Metrics:       e.metrics,
				Notices:       e.cfg.Lifecycle.Notices,
				NoticeSpacing: e.cfg.Lifecycle.NoticeSpacing,
			})
			if dryRun {
				lc = dryLifecycle{e.logger}
			}

			interval := e.cfg.Scheduler.Interval
			if c.IsSet("watch") {
				interval = c.Duration("watch")
			}
			opts := scheduler.Options{
				Interval: interval,
				Cooldown: e.cfg.Scheduler.Cooldown,
				Metrics:  e.metrics,
			}
			if !dryRun && e.cfg.Scheduler.OrphanSweep != "" {
				cleaner := orphans.NewCleaner(e.logger, e.store, provider, orphans.DefaultFilter())
				opts.MaintenanceSchedule = e.cfg.Scheduler.OrphanSweep
				opts.Maintenance = func(ctx context.Context) error {
					_, err := cleaner.Sweep(ctx, e.cfg.Scheduler.OrphanDryRun)
					return err
				}
			}
			sched, err := scheduler.New(e.logger, e.store, s, lc, opts)
			if err != nil {
				return err
			}

			if c.Bool("once") || dryRun {
				e.logger.Info("Running a single sync tick.")
				report, err := sched.Tick(c.Context)
				if err != nil {
					return fmt.Errorf("sync tick failed: %w", err)
				}
				e.logger.Info("Sync tick done.", "lifecycle", report.Lifecycle, "synced", report.Synced,
					"failed", report.Failed, "coolingDown", report.CoolingDown)
				return nil
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			addr := c.String("metrics-addr")
			if addr == "" {
				addr = e.cfg.MetricsAddr
			}
			if addr != "" {
				go serveMetrics(ctx, e.logger, addr, e.registry)
			}
			return sched.Run(ctx)
		},
	}
}

// dryLifecycle stands in for the lifecycle manager during dry runs.
type dryLifecycle struct {
	logger *slog.Logger
}

func (d dryLifecycle) Process(ctx context.Context, streamID string) (lifecycle.Outcome, error) {
	d.logger.Info("[DRY RUN] Would run deprecation step.", "streamID", streamID)
	return lifecycle.OutcomeNone, nil
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("Serving metrics.", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed.", "error", err)
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print the calendar status of schedule groups as JSON.",
		ArgsUsage: "GROUP_ID...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("status needs at least one GROUP_ID", 2)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()
			provider, err := e.provider(c.Context)
			if err != nil {
				return err
			}

			svc := status.NewService(e.store, provider)
			enc := json.NewEncoder(os.Stdout)
			for _, id := range c.Args().Slice() {
				st, err := svc.GetCalendarStatus(c.Context, id)
				if err != nil {
					return err
				}
				if err := enc.Encode(st); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup-orphans",
		Usage: "Find provider calendars no stream points at. Deletes them only with --apply.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "apply", Usage: "Delete the orphaned calendars."},
			&cli.StringSliceFlag{Name: "match", Usage: "Title substrings to consider. Defaults to the waste type names."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()
			provider, err := e.provider(c.Context)
			if err != nil {
				return err
			}

			cleaner := orphans.NewCleaner(e.logger, e.store, provider, calendar.ListFilter{TitleContains: c.StringSlice("match")})
			report, err := cleaner.Sweep(c.Context, !c.Bool("apply"))
			if err != nil {
				return err
			}
			for _, cal := range report.Orphans {
				fmt.Printf("%s\t%s\n", cal.ID, cal.Title)
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("failed to delete %d calendars", len(report.Failed))
			}
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Write a calendar stream as an ICS file.",
		ArgsUsage: "STREAM_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file. Defaults to stdout."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("export needs exactly one STREAM_ID", 2)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()
			style, err := e.cfg.EventStyle()
			if err != nil {
				return err
			}

			var out io.Writer = os.Stdout
			if name := c.String("out"); name != "" {
				f, err := os.Create(name)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			return feed.NewExporter(e.store, style, nil).Export(c.Context, c.Args().First(), out)
		},
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
