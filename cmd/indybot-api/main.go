package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/config"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/credentials"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/database"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/indy"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/server"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/snapshots"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "indybot-api",
		Short: "IndY timetable sync and credential vault service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP service",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		&cobra.Command{
			Use:       "sync [teachers|hours|subjects|special-indy]",
			Short:     "Run one sync pass in-process and print the result",
			Args:      cobra.MaximumNArgs(1),
			ValidArgs: []string{"teachers", "hours", "subjects", "special-indy"},
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSync(cmd.Context(), args)
			},
		},
		&cobra.Command{
			Use:   "schedule",
			Short: "Fire the sync trigger of a running service on a cron spec",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSchedule(cmd.Context())
			},
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "SQLite path or Postgres DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("indy-base-url", defaults.GetString("indy.base_url"), "IndY API base URL")
	cmd.PersistentFlags().Bool("metrics", defaults.GetBool("metrics.enabled"), "Expose /metrics")
	cmd.PersistentFlags().String("schedule-spec", defaults.GetString("schedule.spec"), "Cron spec (with seconds) for the schedule command")
	cmd.PersistentFlags().String("schedule-target", defaults.GetString("schedule.target_url"), "Service base URL for the schedule command")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "indy.base_url", "indy-base-url")
	bindFlag(cmd, "metrics.enabled", "metrics")
	bindFlag(cmd, "schedule.spec", "schedule-spec")
	bindFlag(cmd, "schedule.target_url", "schedule-target")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	credentials *credentials.Service
	engine      *snapshots.Engine
}

func newApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, File: appConfig.LogFile})
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return nil, err
	}

	client, err := indy.NewClient(indy.ClientConfig{BaseURL: appConfig.IndyBaseURL, Timeout: appConfig.IndyTimeout})
	if err != nil {
		return nil, err
	}

	credentialService, err := credentials.NewService(credentials.ServiceConfig{
		Database:      db,
		Upstream:      client,
		EncryptionKey: appConfig.IndyEncryptionKey,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := snapshots.NewEngine(snapshots.EngineConfig{
		Database: db,
		Client:   client,
		Session: credentialService.ServiceSession(credentials.ServiceAccount{
			Username: appConfig.IndyServiceUsername,
			Password: appConfig.IndyServicePassword,
			UserID:   appConfig.IndyServiceUserID,
		}),
		Observer: metrics.SyncRecorder{},
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:      appConfig,
		logger:      logger,
		db:          db,
		credentials: credentialService,
		engine:      engine,
	}, nil
}

func (a *application) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	cronGateway, err := gateway.New(gateway.Config{
		Secret: appConfig.CronSecret,
		Syncer: app.engine,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if appConfig.CronSecret == "" {
		logger.Warn("cron.secret is not set; sync triggers will be refused")
	}

	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Credentials:      app.credentials,
		Gateway:          cronGateway,
		HealthCheck:      sqlDB.PingContext,
		MetricsEnabled:   appConfig.MetricsEnabled,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSync(ctx context.Context, args []string) error {
	appConfig, err := config.LoadSync(viper.GetViper())
	if err != nil {
		return err
	}

	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	var (
		output any
		failed bool
	)
	if len(args) == 0 {
		report := app.engine.SyncAll(ctx)
		output, failed = report, !report.OK
	} else {
		resource, ok := gateway.ResourceFromPath(args[0])
		if !ok {
			return fmt.Errorf("unknown resource %q", args[0])
		}
		result, _ := app.engine.Sync(ctx, resource)
		output, failed = result, !result.OK
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return err
	}
	if failed {
		return errors.New("sync finished with failures")
	}
	return nil
}

func runSchedule(ctx context.Context) error {
	appConfig, err := config.LoadSchedule(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, File: appConfig.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	caller, err := schedule.NewCaller(schedule.CallerConfig{
		TargetURL: appConfig.ScheduleTargetURL,
		Secret:    appConfig.CronSecret,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := schedule.NewRunner(logger, signalCtx)
	id, err := runner.Add(appConfig.ScheduleSpec, func(jobCtx context.Context) {
		_, _ = caller.Fire(jobCtx)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule.spec %q: %w", appConfig.ScheduleSpec, err)
	}

	runner.Start()
	logger.Info("schedule armed",
		zap.String("spec", appConfig.ScheduleSpec),
		zap.String("target", appConfig.ScheduleTargetURL),
		zap.Time("next", runner.Next(id)))

	<-signalCtx.Done()
	runner.Stop()
	return nil
}
