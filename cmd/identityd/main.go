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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/identitystub"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "identityd",
		Short:   "Development identity API with email verification, JWT access tokens, and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access and identity tokens")
	rootCmd.Flags().Duration("access_ttl", time.Hour, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("code_ttl", 15*time.Minute, "Verification and reset code TTL")
	rootCmd.Flags().Duration("resend_interval", time.Minute, "Minimum interval between verification resends per email")
	rootCmd.Flags().String("token_delivery", string(identitystub.DeliverCookies), "Where issued tokens go: cookie or body")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables /auth/google")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().String("bot_token", "", "Bot verification token required on signup, signin, and forgot-password; empty disables the check")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidCodeTTL          = "config.invalid_code_ttl"
	configCodeInvalidTokenDelivery    = "config.invalid_token_delivery"
	configCodeInvalidNonceTTL         = "config.invalid_nonce_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (identitystub.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return identitystub.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	serverConfig := identitystub.DefaultServerConfig([]byte(jwtSigningKey))

	if accessTTL := viper.GetDuration("access_ttl"); accessTTL > 0 {
		serverConfig.AccessTTL = accessTTL
	} else if viper.IsSet("access_ttl") {
		return identitystub.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	if refreshTTL := viper.GetDuration("refresh_ttl"); refreshTTL > 0 {
		serverConfig.RefreshTTL = refreshTTL
	} else if viper.IsSet("refresh_ttl") {
		return identitystub.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	if codeTTL := viper.GetDuration("code_ttl"); codeTTL > 0 {
		serverConfig.CodeTTL = codeTTL
	} else if viper.IsSet("code_ttl") {
		return identitystub.ServerConfig{}, configError(configCodeInvalidCodeTTL, "code_ttl must be greater than zero")
	}
	if resendInterval := viper.GetDuration("resend_interval"); resendInterval > 0 {
		serverConfig.ResendInterval = resendInterval
	}
	if nonceTTL := viper.GetDuration("nonce_ttl"); nonceTTL > 0 {
		serverConfig.NonceTTL = nonceTTL
	} else if viper.IsSet("nonce_ttl") {
		return identitystub.ServerConfig{}, configError(configCodeInvalidNonceTTL, "nonce_ttl must be greater than zero")
	}

	switch delivery := identitystub.Delivery(strings.ToLower(strings.TrimSpace(viper.GetString("token_delivery")))); delivery {
	case "":
	case identitystub.DeliverCookies, identitystub.DeliverBody:
		serverConfig.Delivery = delivery
	default:
		return identitystub.ServerConfig{}, configError(configCodeInvalidTokenDelivery, "token_delivery must be cookie or body")
	}

	serverConfig.CookieDomain = viper.GetString("cookie_domain")
	serverConfig.BotToken = viper.GetString("bot_token")
	serverConfig.GoogleClientID = strings.TrimSpace(viper.GetString("google_web_client_id"))
	return serverConfig, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(identitystub.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(identitystub.RequestLogger(logger))

	if enableCORS {
		corsMiddleware, corsErr := identitystub.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	var googleVerifier identitystub.GoogleVerifier
	if serverConfig.GoogleClientID != "" {
		verifier, verifierErr := identitystub.NewGoogleVerifier(context.Background())
		if verifierErr != nil {
			return verifierErr
		}
		googleVerifier = verifier
	}

	systemClock := clock.System()
	metricsRecorder := identitystub.NewRouteCounters()
	mountErr := identitystub.MountAuthRoutes(router, serverConfig, identitystub.Services{
		Users:         identitystub.NewMemoryUsers(0),
		RefreshTokens: identitystub.NewMemoryRefreshTokenStore(systemClock),
		Codes:         identitystub.NewMemoryCodeStore(serverConfig.CodeTTL, systemClock),
		Sink:          identitystub.NewMailbox(logger),
		Google:        googleVerifier,
		Clock:         systemClock,
		Logger:        logger,
		Metrics:       metricsRecorder,
	})
	if mountErr != nil {
		return mountErr
	}
	router.GET("/metrics", metricsRecorder.Handler())

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("token_delivery", string(serverConfig.Delivery)),
		zap.Bool("google_signin", googleVerifier != nil),
	)
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
