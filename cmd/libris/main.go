package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/libris/libris/cmd/libris/cli"
	"github.com/libris/libris/internal/app"
	"github.com/libris/libris/internal/auth"
	"github.com/libris/libris/internal/navigation"
	"github.com/libris/libris/internal/observability"
	"github.com/libris/libris/internal/platform/cache"
	"github.com/libris/libris/internal/platform/db"
	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/routing"
	"github.com/libris/libris/internal/shared"
	"github.com/libris/libris/internal/users"
	"github.com/libris/libris/jobs"
)

const usage = `usage: libris [command]

commands:
  serve                         run the HTTP server (default)
  routes validate --file F      check a TOML routes file
  routes import --file F        copy a TOML routes file into Postgres
  routes resolve --file F PATH  print the navigation decision for PATH
  jobs trigger NAME             enqueue a job (routes:refresh)
  jobs stats                    print default queue counters
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"serve"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch args[0] {
	case "serve":
		code = serve(ctx)
	case "routes":
		code = routesCommand(ctx, args[1:])
	case "jobs":
		code = jobsCommand(ctx, args[1:])
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

func serve(ctx context.Context) int {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr, 0)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	negotiator, err := cfg.Negotiator()
	if err != nil {
		return err
	}
	navOpts, err := cfg.NavigationOptions()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	sessionManager := shared.NewSessionManager(redisClient, "libris_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(pool)

	rbacService := rbac.NewService(rbac.NewRepository(pool), rbac.NewRoleCache(redisClient, cfg.RoleCacheTTL), logger)
	if err := rbacService.EnsurePermissions(ctx); err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	pgSource := routing.NewPGSource(pool)
	var source routing.Source = pgSource
	var writer routing.Writer = pgSource
	if cfg.RoutesFile != "" {
		source = routing.NewFileSource(cfg.RoutesFile)
		writer = nil
	}
	store := routing.NewStore(source, cfg.DefaultLocale, logger, metrics.ObserveRegistry)
	if _, err := store.Refresh(ctx); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	notifier := routing.NewNotifier(redisClient, logger)
	reload := func(ctx context.Context) {
		if _, err := store.Reload(ctx); err != nil {
			logger.Error("reload routes", slog.Any("error", err))
		}
	}
	if err := notifier.Listen(ctx, reload); err != nil {
		return err
	}
	if cfg.RoutesFile != "" {
		if err := routing.WatchFile(ctx, cfg.RoutesFile, logger, reload); err != nil {
			return err
		}
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	resolver := navigation.NewResolver(store, navOpts)
	routesHandler := routing.NewHandler(routing.HandlerDeps{
		Logger:    logger,
		Store:     store,
		Writer:    writer,
		Publisher: notifier,
		Enqueuer:  jobClient,
		Audit:     auditLogger,
		RBAC:      rbacMiddleware,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		CSRFManager:       csrfManager,
		AuthHandler:       auth.NewHandler(logger, auth.NewService(auth.NewRepository(pool)), sessionManager, csrfManager),
		RBACHandler:       rbac.NewHandler(logger, rbacService, rbacMiddleware),
		UsersHandler:      users.NewHandler(logger, users.NewService(users.NewRepository(pool), rbacService), auditLogger, rbacMiddleware),
		RoutesHandler:     routesHandler,
		NavigationHandler: navigation.NewHandler(logger, resolver, negotiator, rbacService),
		Guard:             navigation.NewGuard(resolver, negotiator, rbacService, metrics, logger),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
		Readiness:         readiness(pool, redisClient),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Int("routes", store.Registry().Len()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func readiness(pool *pgxpool.Pool, client *redis.Client) []app.ReadinessCheck {
	return []app.ReadinessCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return client.Ping(ctx).Err() }},
	}
}

func routesCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("routes "+args[0], flag.ContinueOnError)
	file := fs.String("file", os.Getenv("ROUTES_FILE"), "TOML routes file")
	defLocale := fs.String("default-locale", envOr("DEFAULT_LOCALE", "en"), "default locale")
	jsonOut := fs.Bool("json", false, "JSON output (validate)")
	skip := fs.Bool("skip-existing", false, "skip routes that already exist (import)")
	tags := fs.String("tags", "", "comma separated permission tags (resolve)")
	loc := fs.String("locale", "", "locale to resolve in (resolve)")
	policy := fs.String("policy", envOr("NAV_LOCALE_POLICY", "restrict"), "locale policy (resolve)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "validate":
		return cli.ValidateCommand(cli.RoutesValidateOptions{File: *file, DefaultLocale: *defLocale, JSONOutput: *jsonOut})
	case "resolve":
		p, err := navigation.ParseLocalePolicy(*policy)
		if err != nil || fs.NArg() != 1 {
			_, _ = fmt.Fprintln(os.Stderr, "routes resolve: expected one PATH and a valid --policy")
			return 2
		}
		return cli.ResolveCommand(cli.RoutesResolveOptions{
			File: *file, DefaultLocale: *defLocale, Tags: cli.SplitList(*tags), Locale: *loc, Path: fs.Arg(0),
			Navigation: navigation.Options{Policy: p},
		})
	case "import":
		cfg, err := app.LoadConfig()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "routes import: %v\n", err)
			return 1
		}
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "routes import: %v\n", err)
			return 1
		}
		defer pool.Close()
		var announcer cli.Announcer
		if client, err := cache.New(ctx, cfg.RedisAddr, 0); err == nil {
			defer client.Close()
			announcer = routing.NewNotifier(client, app.NewLogger(cfg))
		}
		return cli.ImportCommand(ctx, cli.RoutesImportOptions{File: *file, DefaultLocale: *defLocale, SkipExisting: *skip}, routing.NewPGSource(pool), announcer)
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func jobsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jc := cli.NewJobsCLI(envOr("REDIS_ADDR", "127.0.0.1:6379"))
	defer jc.Close()
	switch args[0] {
	case "trigger":
		if len(args) != 2 {
			_, _ = fmt.Fprint(os.Stderr, usage)
			return 2
		}
		info, err := jc.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(os.Stdout, "enqueued %s (%s)\n", info.Type, info.ID)
	case "stats":
		stats, err := jc.InspectQueue()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(os.Stdout, "%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
