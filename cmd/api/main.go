package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/stitchquote/api/internal/di"
	"github.com/stitchquote/api/internal/handlers"
	"github.com/stitchquote/api/internal/platform/auth"
	"github.com/stitchquote/api/internal/platform/config"
	"github.com/stitchquote/api/internal/platform/observability"
	"github.com/stitchquote/api/internal/platform/secrets"
	"github.com/stitchquote/api/internal/services"
)

const (
	shutdownTimeout = 10 * time.Second
	purgeRunTimeout = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)
	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger.Named("quotes")),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	purgeCtx, purgeCancel := context.WithCancel(context.Background())
	var purgeWG sync.WaitGroup
	if cfg.RateLimits.PurgeInterval > 0 {
		purgeWG.Add(1)
		go func() {
			defer purgeWG.Done()
			runPurgeLoop(purgeCtx, logger.Named("ratelimit"), container.Services.Quotes, cfg.RateLimits.PurgeInterval)
		}()
	}

	httpLogger := logger.Named("http")
	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.ClientIPMiddleware(cfg.Server.TrustedProxyHops),
		observability.TraceMiddleware(projectID),
		observability.InjectLoggerMiddleware(httpLogger),
		observability.RequestLoggerMiddleware,
		observability.RecoveryMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithAllowedOrigins(cfg.CORS.AllowedOrigins...),
		handlers.WithQuoteRoutes(handlers.NewQuoteHandlers(container.Services.Quotes).Routes),
		handlers.WithInternalRoutes(handlers.NewMaintenanceHandlers(container.Services.Quotes).Routes),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg)),
	}
	if container.Staff != nil {
		opts = append(opts, handlers.WithStaffRoutes(handlers.NewStaffQuoteHandlers(container.Staff, container.Services.Quotes).Routes))
	} else {
		logger.Warn("staff routes disabled: firebase project not configured")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("quote api listening",
			zap.String("store", cfg.Store.Driver),
			zap.Bool("advisory", cfg.Features.EnableAdvisory),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	purgeCancel()
	purgeWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runPurgeLoop deletes closed rate limit windows every interval until ctx is cancelled.
func runPurgeLoop(ctx context.Context, logger *zap.Logger, quotes services.QuoteService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, purgeRunTimeout)
			runCtx = context.WithValue(runCtx, middleware.RequestIDKey, "purge-"+time.Now().UTC().Format("20060102T150405"))
			purged, err := quotes.PurgeRateLimits(runCtx)
			cancel()
			if err != nil {
				logger.Error("rate limit purge error", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("rate limit purge removed windows", zap.Int("count", purged))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := lookupEnv("QUOTE_BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit := lookupEnv("QUOTE_BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func lookupEnv(key string) string {
	value, err := config.Lookup(key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

// newSecretFetcher reads its own settings before config.Load so that secret references in the
// main configuration can be resolved.
func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	envLabel := strings.ToLower(lookupEnv("QUOTE_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookupEnv("QUOTE_SECRET_DEFAULT_PROJECT")
	if defaultProject == "" {
		defaultProject = lookupEnv("QUOTE_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookupEnv("QUOTE_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookupEnv("QUOTE_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames() []string {
	required := []string{"Captcha.SecretKey"}
	if strings.EqualFold(lookupEnv("QUOTE_STORE_DRIVER"), config.StoreDriverPostgres) {
		required = append(required, "Postgres.DSN")
	}
	return required
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}
