package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/auth"
	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	"github.com/MarcoPoloResearchLab/badger/internal/config"
	"github.com/MarcoPoloResearchLab/badger/internal/database"
	"github.com/MarcoPoloResearchLab/badger/internal/logging"
	"github.com/MarcoPoloResearchLab/badger/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "badger-api",
		Short:         "Badge credit, claim code and assertion service",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newCodesCommand(), newTokenCommand(), newIssuerCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("public-origin", defaults.GetString("public.origin"), "Origin used in criteria, image and assertion URLs")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Operator token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the award bus")
	cmd.PersistentFlags().Int("claim-code-attempts", defaults.GetInt("claimcodes.max_attempts"), "Attempts per generated claim code")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "public.origin", "public-origin")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "claimcodes.max_attempts", "claim-code-attempts")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// environment bundles what every command needs to reach the badge catalog.
type environment struct {
	config  config.AppConfig
	logger  *zap.Logger
	db      *gorm.DB
	service *badges.Service
}

func (r *environment) close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func newEnvironment(notifier badges.AwardNotifier) (*environment, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := badges.NewGormStore(db)
	if err != nil {
		return nil, err
	}

	service, err := badges.NewService(badges.ServiceConfig{
		Store:               store,
		Clock:               time.Now,
		IDProvider:          badges.NewUUIDProvider(),
		CodeGenerator:       badges.NewWordCodeGenerator(),
		PublicOrigin:        appConfig.PublicOrigin,
		MaxGenerateAttempts: appConfig.ClaimCodeAttempts,
		Notifier:            notifier,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	return &environment{config: appConfig, logger: logger, db: db, service: service}, nil
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awards := server.NewAwardDispatcher()
	notifier := &awardNotifier{local: awards}

	env, err := newEnvironment(notifier)
	if err != nil {
		return err
	}
	defer env.close()
	logger := env.logger
	appConfig := env.config

	if appConfig.RedisAddress != "" {
		bus, err := server.NewRedisAwardBus(signalCtx, server.RedisAwardBusConfig{
			Address: appConfig.RedisAddress,
			Channel: appConfig.RedisChannel,
			Local:   awards,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer bus.Close() //nolint:errcheck
		if err := bus.Start(signalCtx); err != nil {
			return err
		}
		notifier.bus = bus
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	issuerTokens, err := auth.NewIssuerTokenValidator(auth.IssuerTokenValidatorConfig{
		Secrets:  server.NewIssuerSecretSource(env.service),
		Audience: appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Badges:         env.service,
		TokenManager:   tokenManager,
		IssuerTokens:   issuerTokens,
		Awards:         awards,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// awardNotifier routes awards through the redis bus once it is connected and
// straight to local subscribers otherwise.
type awardNotifier struct {
	local *server.AwardDispatcher
	bus   *server.RedisAwardBus
}

func (n *awardNotifier) NotifyAward(instance badges.BadgeInstance) {
	if n.bus != nil {
		n.bus.NotifyAward(instance)
		return
	}
	n.local.NotifyAward(instance)
}
