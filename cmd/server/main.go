package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mprlab/coursesync/internal/synckit"
	"github.com/mprlab/coursesync/internal/web"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
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
		Use:     "coursesync",
		Short:   "Background service syncing course assignments and quizzes into Google Calendar",
		PreRunE: prepareServiceConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address for the messaging facade")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().StringSlice("accepted_audiences", []string{}, "Additional accepted token audiences (client IDs)")
	rootCmd.Flags().String("oauth_redirect_addr", "127.0.0.1:8234", "Local listen address for the OAuth redirect")
	rootCmd.Flags().String("calendar_id", synckit.DefaultCalendarID, "Target calendar identifier")
	rootCmd.Flags().String("calendar_timezone", synckit.DefaultCalendarTimezone, "Fixed timezone for created events")
	rootCmd.Flags().Int("daily_ceiling", synckit.DefaultDailyCeiling, "Maximum counted sync runs per local day")
	rootCmd.Flags().Int("max_ops_per_run", synckit.DefaultMaxOpsPerRun, "Event creation cap per sync run")
	rootCmd.Flags().Duration("interval_floor", synckit.DefaultIntervalFloor, "Hard floor on the auto-sync interval")
	rootCmd.Flags().Duration("default_interval", synckit.DefaultSyncInterval, "Auto-sync interval when none is configured")
	rootCmd.Flags().Duration("scheduler_tick", 5*time.Minute, "Periodic trigger frequency for auto-sync decisions")
	rootCmd.Flags().String("candidate_feed_url", "", "Companion endpoint serving candidate batches for automatic runs")
	rootCmd.Flags().String("database_url", "", "State store URL (postgres:// or sqlite://; empty for in-memory)")
	rootCmd.Flags().Bool("resend_suppression", false, "Enable the persisted dedup-key set")
	rootCmd.Flags().Bool("strict_dedup", false, "Propagate existence-probe failures instead of failing open")
	rootCmd.Flags().String("test_bypass_key", "", "Non-empty value bypasses every auto-sync gate (testing only)")
	rootCmd.Flags().Duration("http_timeout", synckit.DefaultHTTPTimeout, "Timeout for outbound provider calls")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin UI collaborators")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "google_client_id", "google_client_secret", "accepted_audiences",
		"oauth_redirect_addr", "calendar_id", "calendar_timezone", "daily_ceiling",
		"max_ops_per_run", "interval_floor", "default_interval", "scheduler_tick",
		"candidate_feed_url", "database_url", "resend_suppression", "strict_dedup",
		"test_bypass_key", "http_timeout", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingGoogleClientID = "config.missing_google_client_id"
	configCodeMissingClientSecret   = "config.missing_google_client_secret"
	configCodeInvalidDailyCeiling   = "config.invalid_daily_ceiling"
	configCodeInvalidOpsCap         = "config.invalid_max_ops_per_run"
	configCodeUninitializedConfig   = "config.uninitialized_service_config"
)

type contextKey string

const serviceConfigContextKey contextKey = "serviceConfig"

func prepareServiceConfig(command *cobra.Command, arguments []string) error {
	serviceConfig, loadErr := LoadServiceConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serviceConfigContextKey, serviceConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServiceConfig reads and validates the sync configuration from viper.
func LoadServiceConfig() (synckit.ServiceConfig, error) {
	googleClientID := viper.GetString("google_client_id")
	if googleClientID == "" {
		return synckit.ServiceConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}
	googleClientSecret := viper.GetString("google_client_secret")
	if googleClientSecret == "" {
		return synckit.ServiceConfig{}, configError(configCodeMissingClientSecret, "google_client_secret must be provided")
	}
	if ceiling := viper.GetInt("daily_ceiling"); ceiling <= 0 {
		return synckit.ServiceConfig{}, configError(configCodeInvalidDailyCeiling, "daily_ceiling must be greater than zero")
	}
	if opsCap := viper.GetInt("max_ops_per_run"); opsCap <= 0 {
		return synckit.ServiceConfig{}, configError(configCodeInvalidOpsCap, "max_ops_per_run must be greater than zero")
	}

	audiences := append([]string{googleClientID}, viper.GetStringSlice("accepted_audiences")...)

	serviceConfig := synckit.ServiceConfig{
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		AcceptedAudiences:  audiences,
		RedirectAddr:       viper.GetString("oauth_redirect_addr"),
		CalendarID:         viper.GetString("calendar_id"),
		CalendarTimezone:   viper.GetString("calendar_timezone"),
		DailyCeiling:       viper.GetInt("daily_ceiling"),
		MaxOpsPerRun:       viper.GetInt("max_ops_per_run"),
		IntervalFloor:      viper.GetDuration("interval_floor"),
		DefaultInterval:    viper.GetDuration("default_interval"),
		ResendSuppression:  viper.GetBool("resend_suppression"),
		StrictDedup:        viper.GetBool("strict_dedup"),
		TestBypassKey:      viper.GetString("test_bypass_key"),
		HTTPTimeout:        viper.GetDuration("http_timeout"),
	}
	serviceConfig.ApplyDefaults()
	return serviceConfig, nil
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
		contextValue = commandContext.Value(serviceConfigContextKey)
	}
	serviceConfig, ok := contextValue.(synckit.ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedConfig, "service configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	schedulerTick := viper.GetDuration("scheduler_tick")
	candidateFeedURL := viper.GetString("candidate_feed_url")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	var stateStore synckit.StateStore
	if databaseURL != "" {
		persistentStore, storeErr := synckit.NewDatabaseStateStore(context.Background(), databaseURL)
		if storeErr != nil {
			return storeErr
		}
		stateStore = persistentStore
		logger.Info("using persistent state store", zap.String("driver", persistentStore.Driver()))
	} else {
		stateStore = synckit.NewMemoryStateStore()
		logger.Info("using in-memory state store")
	}

	clock := synckit.NewSystemClock()
	metrics := synckit.NewCounterMetrics()
	sessionState := synckit.NewSessionState(stateStore, clock)
	verifier := synckit.NewVerifier(serviceConfig, logger)
	codeFlow := synckit.NewCallbackCodeFlow(serviceConfig.RedirectAddr)
	authenticator := synckit.NewAuthenticator(serviceConfig, codeFlow, verifier, sessionState, logger, metrics)
	gateway := synckit.NewCalendarGateway(serviceConfig, clock, logger)
	orchestrator := synckit.NewOrchestrator(serviceConfig, gateway, sessionState, clock, logger, metrics)
	scheduler := synckit.NewScheduler(serviceConfig, sessionState, clock, logger)

	var candidateSource synckit.CandidateSource
	if candidateFeedURL != "" {
		candidateSource = synckit.NewHTTPCandidateSource(candidateFeedURL, serviceConfig.HTTPTimeout)
	}

	synckit.MountMessageRoutes(router, synckit.FacadeDeps{
		Authenticator: authenticator,
		Verifier:      verifier,
		Orchestrator:  orchestrator,
		Scheduler:     scheduler,
		State:         sessionState,
		Logger:        logger,
	})

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	runner := synckit.NewRunner(scheduler, authenticator, orchestrator, candidateSource, schedulerTick, logger, metrics)
	go runner.Start(shutdownCtx)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		shutdownCancel()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
