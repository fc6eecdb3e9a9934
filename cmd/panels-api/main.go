package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/auth"
	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/MarcoPoloResearchLab/panels/internal/config"
	"github.com/MarcoPoloResearchLab/panels/internal/database"
	"github.com/MarcoPoloResearchLab/panels/internal/docstore"
	"github.com/MarcoPoloResearchLab/panels/internal/identity"
	"github.com/MarcoPoloResearchLab/panels/internal/ingest"
	"github.com/MarcoPoloResearchLab/panels/internal/logging"
	"github.com/MarcoPoloResearchLab/panels/internal/server"
	"github.com/MarcoPoloResearchLab/panels/internal/session"
	"github.com/MarcoPoloResearchLab/panels/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionIssuer   = "panels-api"
	sessionAudience = "panels-reader"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "panels-api",
		Short: "Panels comic reader backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newImportCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("series-rules", defaults.GetString("ingest.rules_path"), "YAML file with known-series rules")
	cmd.PersistentFlags().Int("status-ttl-seconds", defaults.GetInt("status.ttl_seconds"), "Seconds a status message stays visible")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "ingest.rules_path", "series-rules")
	bindFlag(cmd, "status.ttl_seconds", "status-ttl-seconds")
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

// openLibrary opens the database and builds the comics repository and ingestor over it.
func openLibrary(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, *comics.Service, *ingest.Ingestor, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := docstore.NewGormStore(docstore.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	library, err := comics.NewService(comics.ServiceConfig{Store: store, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}

	var rules []ingest.SeriesRule
	if appConfig.SeriesRulesPath != "" {
		rules, err = ingest.LoadRules(appConfig.SeriesRulesPath)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	ingestor, err := ingest.New(ingest.Config{Gateway: library, Rules: rules, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	return db, library, ingestor, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, library, ingestor, err := openLibrary(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience:       appConfig.GoogleClientID,
		JWKSURL:        appConfig.GoogleJWKSURL,
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	userDirectory, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	identityGateway, err := identity.NewGoogleGateway(identity.GoogleGatewayConfig{
		Verifier:  googleVerifier,
		Directory: userDirectory,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	sessions, err := session.NewManager(session.ManagerConfig{
		Library:   library,
		Uploader:  ingestor,
		Notifier:  realtime,
		StatusTTL: appConfig.StatusTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer sessions.Close()
	unsubscribe := identityGateway.OnAuthStateChange(sessions.HandleAuthState)
	defer unsubscribe()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identity:       identityGateway,
		Tokens:         tokenIssuer,
		Sessions:       sessionValidator,
		Manager:        sessions,
		Realtime:       realtime,
		AllowedOrigins: appConfig.AllowedOrigins,
		MaxUploadBytes: appConfig.MaxUploadBytes,
		Logger:         logger,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
