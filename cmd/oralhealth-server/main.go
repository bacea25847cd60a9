package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oralhealth/intake/internal/config"
	"github.com/oralhealth/intake/internal/domain/account"
	"github.com/oralhealth/intake/internal/domain/record"
	"github.com/oralhealth/intake/internal/domain/report"
	"github.com/oralhealth/intake/internal/platform/auth"
	"github.com/oralhealth/intake/internal/platform/blobstore"
	"github.com/oralhealth/intake/internal/platform/db"
	"github.com/oralhealth/intake/internal/platform/filestore"
	"github.com/oralhealth/intake/internal/platform/middleware"
	"github.com/oralhealth/intake/migrations"
)

const (
	apiBanner      = "PolyU Oral Health Data API"
	requestTimeout = 2 * time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oralhealth-server",
		Short: "Oral health intake and record API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(dir, cfg.MigrationsDir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir, cfg.MigrationsDir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator account if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			loginID, _ := cmd.Flags().GetString("loginid")
			password, _ := cmd.Flags().GetString("password")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if loginID == "" {
				loginID = cfg.AdminLoginID
			}
			if password == "" {
				password = cfg.AdminPassword
			}
			if password == "" {
				return fmt.Errorf("--password or ADMIN_PASSWORD is required")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTExpire)
			revoked := auth.NewMemoryRevocationStore(time.Minute)
			defer revoked.Close()

			svc := account.NewService(account.NewRepo(pool), tokens, revoked, newLogger(cfg.Env))
			created, err := svc.EnsureAdmin(ctx, loginID, password)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Administrator %s created.\n", loginID)
			} else {
				fmt.Printf("Account %s already exists; nothing changed.\n", loginID)
			}
			return nil
		},
	}
	createCmd.Flags().String("loginid", "", "Administrator login id (defaults to ADMIN_LOGIN_ID)")
	createCmd.Flags().String("password", "", "Administrator password (defaults to ADMIN_PASSWORD)")

	cmd.AddCommand(createCmd)
	return cmd
}

// migrationFiles prefers an explicit directory, then the configured one, and
// falls back to the migrations compiled into the binary.
func migrationFiles(dirs ...string) fs.FS {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// rendererEnv is the environment the report script reads its model and
// provider settings from.
func rendererEnv(cfg *config.Config) []string {
	return []string{
		"ROBOFLOW_API_KEY=" + cfg.RoboflowAPIKey,
		"WORKSPACE_NAME=" + cfg.WorkspaceName,
		"WORKFLOW_ID=" + cfg.WorkflowID,
		"GROK_API_KEY=" + cfg.GrokAPIKey,
		"GROK_ENDPOINT=" + cfg.GrokEndpoint,
		"GROK_MODEL=" + cfg.GrokModel,
	}
}

// server holds everything the router needs.
type server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	database db.Pinger
	files    *filestore.Store
	gate     *auth.Gate
	accounts *account.Handler
	records  *record.Handler
	reports  *report.Handler
}

func (s *server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(config.MustSize(s.cfg.BodyLimit)))
	e.Use(middleware.RequestTimeout(requestTimeout, "/api/report"))
	e.Use(middleware.Audit(s.logger))

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"message": apiBanner})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(s.database))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.Static("/public", s.files.Root())

	api := e.Group("/api")
	loginLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: s.cfg.LoginRateLimitRPS,
		BurstSize:         s.cfg.LoginRateLimitBurst,
	})
	if s.cfg.LoginRateLimitRPS <= 0 {
		loginLimit = middleware.RateLimit(middleware.LoginRateLimitConfig())
	}

	authn := s.gate.Authenticate()
	s.accounts.RegisterRoutes(api, loginLimit)
	s.records.RegisterRoutes(api, authn)
	s.reports.RegisterRoutes(api, authn)

	return e
}

func runServer(migrate bool) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Env)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		count, err := db.NewMigrator(pool, migrationFiles(cfg.MigrationsDir)).Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Int("applied", count).Msg("migrations applied")
	}

	// Token revocation: shared through Redis when configured
	var revoked auth.RevocationStore
	if cfg.RedisURL != "" {
		client, err := auth.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		revoked = auth.NewRedisRevocationStore(client)
		logger.Info().Msg("using redis token revocation store")
	} else {
		mem := auth.NewMemoryRevocationStore(time.Minute)
		defer mem.Close()
		revoked = mem
	}

	files, err := filestore.New(cfg.UploadDir, config.MustSize(cfg.UploadMaxFileSize))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare upload directory")
	}

	// Accounts
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTExpire)
	accountRepo := account.NewRepo(pool)
	accountSvc := account.NewService(accountRepo, tokens, revoked, logger)
	principals := account.NewPrincipalCache(accountRepo, cfg.AuthCacheSize, cfg.AuthCacheTTL)
	accountSvc.SetCache(principals)
	gate := auth.NewGate(tokens, revoked, principals)

	// Records
	recordRepo := record.NewRepo(pool)
	recordSvc := record.NewService(recordRepo, accountSvc, files, logger)
	accountSvc.SetPhotoCleanup(recordRepo, files)

	// Reports
	renderer := report.NewScriptRenderer(report.ScriptConfig{
		Script:    cfg.ReportScript,
		Python:    cfg.ReportPython,
		Timeout:   cfg.ReportTimeout,
		MaxOutput: config.MustSize(cfg.ReportMaxOutput),
		Env:       rendererEnv(cfg),
	})
	python, script := renderer.Command()
	logger.Info().Str("python", python).Str("script", script).Msg("report renderer configured")

	reportSvc, err := report.NewService(recordSvc, files, renderer, report.Options{
		TempDir:       cfg.ReportTempDir,
		OutputDir:     cfg.ReportOutputDir,
		KeepOutput:    cfg.ReportKeepOutput,
		ArchivePrefix: cfg.ReportArchivePrefix,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare report directories")
	}
	if cfg.ReportArchiveBucket != "" {
		archive, err := blobstore.NewS3BlobStore(ctx, cfg.ReportArchiveBucket)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure report archive")
		}
		reportSvc.SetArchive(archive)
		logger.Info().Str("bucket", cfg.ReportArchiveBucket).Msg("archiving reports to s3")
	}

	// Bootstrap admin
	if cfg.AdminPassword != "" {
		if _, err := accountSvc.EnsureAdmin(ctx, cfg.AdminLoginID, cfg.AdminPassword); err != nil {
			logger.Error().Err(err).Msg("failed to ensure bootstrap admin")
		}
	}

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		database: pool,
		files:    files,
		gate:     gate,
		accounts: account.NewHandler(accountSvc, gate),
		records:  record.NewHandler(recordSvc),
		reports:  report.NewHandler(reportSvc),
	}
	e := srv.routes()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
