package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/auth"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/config"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/dataapi"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/database"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/exchange"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/logging"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/lookup"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/server"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-bridge",
		Short: "Exchanges Clerk sessions for data API tokens",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("dataapi-base-url", "", "Data API base URL")
	cmd.PersistentFlags().String("identity-strategy", defaults.GetString("identity.strategy"), "Identity mapping strategy (rpc, store)")
	cmd.PersistentFlags().String("identity-auth-type", "", "auth_type recorded on new identity mappings")
	cmd.PersistentFlags().String("database-url", "", "Identity store URL (postgres:// or SQLite path)")
	cmd.PersistentFlags().String("clerk-jwks-url", "", "Clerk JWKS URL")
	cmd.PersistentFlags().String("clerk-issuer", "", "Clerk session issuer")
	cmd.PersistentFlags().Bool("require-email", defaults.GetBool("exchange.require_email"), "Reject exchanges without a resolvable email")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "dataapi.base_url", "dataapi-base-url")
	bindFlag(cmd, "identity.strategy", "identity-strategy")
	bindFlag(cmd, "identity.auth_type", "identity-auth-type")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "clerk.jwks_url", "clerk-jwks-url")
	bindFlag(cmd, "clerk.issuer", "clerk-issuer")
	bindFlag(cmd, "exchange.require_email", "require-email")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the identity store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			databaseURL := strings.TrimSpace(viper.GetString("database.url"))
			if databaseURL == "" {
				return fmt.Errorf("database.url is required")
			}
			db, err := database.Open(databaseURL, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			logger.Info("identity store migrated")
			return nil
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	redacted := appConfig.Redacted()
	logger.Info("configuration loaded",
		zap.String("identity_strategy", string(redacted.IdentityStrategy)),
		zap.String("dataapi_base_url", redacted.DataAPIBaseURL),
		zap.String("database_url", redacted.DatabaseURL),
		zap.Strings("allowed_origins", redacted.AllowedOrigins))

	gin.SetMode(gin.ReleaseMode)

	appMetrics, err := metrics.New()
	if err != nil {
		return err
	}

	upstreamClient := &http.Client{Timeout: appConfig.UpstreamTimeout}

	signer, err := auth.NewTokenSigner(auth.TokenSignerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Audience:      appConfig.Audience,
		UserRole:      appConfig.UserRole,
		AdminRole:     appConfig.AdminRole,
		UserTokenTTL:  appConfig.UserTokenTTL,
		AdminTokenTTL: appConfig.AdminTokenTTL,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewClerkVerifier(auth.ClerkVerifierConfig{
		JWKSURL:           appConfig.ClerkJWKSURL,
		Issuer:            appConfig.ClerkIssuer,
		AuthorizedParties: appConfig.ClerkAuthorizedParties,
		SessionCookie:     appConfig.ClerkSessionCookie,
		HTTPClient:        upstreamClient,
		Logger:            logger.Named("clerk"),
	})
	if err != nil {
		return err
	}

	var profiles exchange.ProfileLookup
	if appConfig.ClerkSecretKey != "" {
		clerkUsers, err := auth.NewClerkUsers(auth.ClerkUsersConfig{
			APIURL:     appConfig.ClerkAPIURL,
			SecretKey:  appConfig.ClerkSecretKey,
			HTTPClient: upstreamClient,
		})
		if err != nil {
			return err
		}
		profiles = clerkUsers
	} else {
		logger.Warn("clerk.secret_key not set; sessions without an email claim exchange with an empty email")
	}

	dataClient, err := dataapi.NewClient(dataapi.ClientConfig{
		BaseURL: appConfig.DataAPIBaseURL,
		Timeout: appConfig.UpstreamTimeout,
		Logger:  logger.Named("dataapi"),
		Metrics: appMetrics,
	})
	if err != nil {
		return err
	}

	mapper, closeStore, err := newMapper(appConfig, dataClient, signer, appMetrics, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	exchangeService, err := exchange.NewService(exchange.Config{
		Verifier:     verifier,
		Profiles:     profiles,
		Mapper:       mapper,
		Tokens:       signer,
		Provider:     appConfig.IdentityProvider,
		AuthType:     appConfig.IdentityAuthType,
		Federated:    appConfig.IdentityFederated,
		RequireEmail: appConfig.RequireEmail,
		Logger:       logger.Named("exchange"),
		Metrics:      appMetrics,
	})
	if err != nil {
		return err
	}

	lookupService, err := lookup.NewService(dataClient, logger.Named("lookup"))
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Exchange:       exchangeService,
		Lookup:         lookupService,
		Metrics:        appMetrics,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newMapper builds the configured identity mapper. The returned close func
// releases the store connection pool when one was opened.
func newMapper(appConfig config.AppConfig, client *dataapi.Client, signer *auth.TokenSigner, appMetrics *metrics.Metrics, logger *zap.Logger) (users.Mapper, func(), error) {
	switch appConfig.IdentityStrategy {
	case config.IdentityStrategyStore:
		db, err := database.Open(appConfig.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		closeStore := closeDatabase(db, logger)
		sqlDB, err := db.DB()
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		if err := appMetrics.RegisterDatabase(sqlDB, "portal"); err != nil {
			closeStore()
			return nil, nil, err
		}
		mapper, err := users.NewStoreMapper(users.StoreMapperConfig{
			Database:       db,
			Logger:         logger.Named("store_mapper"),
			Metrics:        appMetrics,
			ResolveTimeout: appConfig.UpstreamTimeout,
		})
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		return mapper, closeStore, nil
	default:
		mapper, err := dataapi.NewRPCMapper(dataapi.RPCMapperConfig{
			Client:  client,
			Signer:  signer,
			Logger:  logger.Named("rpc_mapper"),
			Metrics: appMetrics,
		})
		if err != nil {
			return nil, nil, err
		}
		return mapper, func() {}, nil
	}
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) func() {
	return func() {
		sqlDB, err := db.DB()
		if err != nil {
			return
		}
		if err := sqlDB.Close(); err != nil {
			logger.Warn("closing identity store failed", zap.Error(err))
		}
	}
}
