package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/platform/auth"
	"github.com/stitchquote/api/internal/platform/captcha"
	"github.com/stitchquote/api/internal/platform/config"
	pfirestore "github.com/stitchquote/api/internal/platform/firestore"
	"github.com/stitchquote/api/internal/platform/jobs"
	"github.com/stitchquote/api/internal/platform/observability"
	"github.com/stitchquote/api/internal/platform/storage"
	"github.com/stitchquote/api/internal/platform/textgen"
	"github.com/stitchquote/api/internal/repositories"
	firestoreRepo "github.com/stitchquote/api/internal/repositories/firestore"
	"github.com/stitchquote/api/internal/repositories/memory"
	"github.com/stitchquote/api/internal/repositories/postgres"
	redisRepo "github.com/stitchquote/api/internal/repositories/redis"
	"github.com/stitchquote/api/internal/services"
)

const (
	storeCheckTimeout = 1500 * time.Millisecond
	redisCheckTimeout = time.Second
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Quotes services.QuoteService
	System services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	// Staff is nil when no Firebase project is configured; staff routes stay unmounted then.
	Staff *auth.StaffAuthenticator

	closers []func(context.Context) error
}

// Option overrides a collaborator, mostly for tests and local runs.
type Option func(*options)

type options struct {
	registry  repositories.Registry
	replay    repositories.TokenReplayRepository
	verifier  services.HumanVerifier
	generator services.TextGenerator
	publisher services.UsageEventPublisher
	archive   services.TranscriptArchive
	logger    *zap.Logger
	build     services.BuildInfo
	clock     func() time.Time
}

// WithRegistry skips store driver selection and uses reg.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) { o.registry = reg }
}

func WithReplayRepository(replay repositories.TokenReplayRepository) Option {
	return func(o *options) { o.replay = replay }
}

func WithHumanVerifier(verifier services.HumanVerifier) Option {
	return func(o *options) { o.verifier = verifier }
}

func WithTextGenerator(generator services.TextGenerator) Option {
	return func(o *options) { o.generator = generator }
}

func WithUsagePublisher(publisher services.UsageEventPublisher) Option {
	return func(o *options) { o.publisher = publisher }
}

func WithTranscriptArchive(archive services.TranscriptArchive) Option {
	return func(o *options) { o.archive = archive }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) { o.build = build }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. Collaborators not supplied through options
// are built from cfg.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	c := &Container{Config: cfg}
	if err := c.build(ctx, o); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
		return nil, err
	}
	return c, nil
}

// Close releases resources such as repository clients, publishers, or caches in reverse order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) build(ctx context.Context, o options) error {
	cfg := c.Config
	events := observability.EventLogger(o.logger)

	reg := o.registry
	if reg == nil {
		var err error
		if reg, err = c.openRegistry(ctx, cfg); err != nil {
			return err
		}
	}
	c.Repositories = reg
	c.onClose(reg.Close)

	checks := []repositories.DependencyCheck{{
		Name:     "store",
		Timeout:  storeCheckTimeout,
		Critical: true,
		Check:    reg.Ping,
	}}

	replay := o.replay
	if replay == nil {
		if strings.TrimSpace(cfg.Redis.Addr) != "" {
			guard, err := redisRepo.NewReplayGuard(cfg.Redis)
			if err != nil {
				return fmt.Errorf("build replay guard: %w", err)
			}
			c.onClose(func(context.Context) error { return guard.Close() })
			checks = append(checks, repositories.DependencyCheck{
				Name:    "redis",
				Timeout: redisCheckTimeout,
				Check:   guard.Ping,
			})
			replay = guard
		} else {
			replay = memory.NewReplayGuard(o.clock)
		}
	}

	verifier := o.verifier
	if verifier == nil {
		client, err := captcha.NewSiteVerifyClient(cfg.Captcha, nil)
		if err != nil {
			return fmt.Errorf("build captcha client: %w", err)
		}
		verifier = client
	}

	rules, err := loadRules(cfg.Pricing)
	if err != nil {
		return err
	}
	pricing, err := services.NewQuotePricingEngine(services.QuotePricingEngineDeps{Rules: rules})
	if err != nil {
		return fmt.Errorf("build pricing engine: %w", err)
	}

	gate, err := services.NewSecurityGate(services.SecurityGateDeps{
		Verifier:         verifier,
		Replay:           replay,
		RateLimits:       reg.RateLimits(),
		MinScore:         cfg.Captcha.MinScore,
		Limit:            cfg.RateLimits.QuotesPerWindow,
		Window:           cfg.RateLimits.Window,
		VerifyTimeout:    cfg.Captcha.Timeout,
		ReplayTTL:        cfg.Captcha.ReplayTTL,
		ExpectedAction:   cfg.Captcha.ExpectedAction,
		ExpectedHostname: cfg.Captcha.ExpectedHostname,
		Clock:            o.clock,
		Logger:           events,
	})
	if err != nil {
		return fmt.Errorf("build security gate: %w", err)
	}

	generator := o.generator
	if generator == nil && cfg.Features.EnableAdvisory && strings.TrimSpace(cfg.Advisory.APIKey) != "" {
		gen, err := textgen.NewGenAIGenerator(ctx, cfg.Advisory,
			textgen.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}))
		if err != nil {
			return fmt.Errorf("build text generator: %w", err)
		}
		generator = gen
	}
	var limiter *rate.Limiter
	if cfg.Advisory.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Advisory.RPS), max(cfg.Advisory.Burst, 1))
	}
	advisory, err := services.NewAdvisoryGateway(services.AdvisoryGatewayDeps{
		Generator: generator,
		Rules:     rules,
		Timeout:   cfg.Advisory.Timeout,
		Limiter:   limiter,
		Clock:     o.clock,
		Logger:    events,
	})
	if err != nil {
		return fmt.Errorf("build advisory gateway: %w", err)
	}

	publisher := o.publisher
	if publisher == nil && strings.TrimSpace(cfg.PubSub.UsageTopic) != "" {
		if publisher, err = c.openUsagePublisher(ctx, cfg.PubSub); err != nil {
			return err
		}
	}
	usage, err := services.NewUsageService(services.UsageServiceDeps{
		Repository: reg.Usage(),
		Publisher:  publisher,
		Clock:      o.clock,
		Logger:     observability.NewWarnfAdapter(o.logger.Named("usage")),
		HashSalt:   cfg.Security.ClientHashSalt,
	})
	if err != nil {
		return fmt.Errorf("build usage service: %w", err)
	}

	archive := o.archive
	if archive == nil && cfg.Features.EnableTranscriptArchive && strings.TrimSpace(cfg.Storage.TranscriptBucket) != "" {
		if archive, err = c.openTranscriptArchive(ctx, cfg.Storage); err != nil {
			return err
		}
	}

	quotes, err := services.NewQuoteService(services.QuoteServiceDeps{
		Pricing:      pricing,
		Gate:         gate,
		Advisory:     advisory,
		Reconciler:   services.NewQuoteReconciler(),
		Quotes:       reg.Quotes(),
		RateLimits:   reg.RateLimits(),
		Usage:        usage,
		Archive:      archive,
		MinimumOrder: rules.MinimumOrder,
		Window:       cfg.RateLimits.Window,
		PurgeBatch:   cfg.RateLimits.PurgeBatch,
		UsageTimeout: cfg.Advisory.UsageTimeout,
		Clock:        o.clock,
		Logger:       events,
	})
	if err != nil {
		return fmt.Errorf("build quote service: %w", err)
	}
	c.Services.Quotes = quotes

	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return fmt.Errorf("build health repository: %w", err)
	}
	build := o.build
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            o.clock,
		Build:            build,
		RulesVersion:     rules.Version,
		AdvisoryEnabled:  generator != nil,
	})
	if err != nil {
		return fmt.Errorf("build system service: %w", err)
	}
	c.Services.System = system

	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 0)
		if err != nil {
			return fmt.Errorf("build firebase verifier: %w", err)
		}
		c.Staff = auth.NewStaffAuthenticator(firebaseVerifier)
	}
	return nil
}

func (c *Container) openRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		return memory.NewStore(), nil
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, nil
	case config.StoreDriverPostgres:
		reg, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.EnsureSchema(ctx); err != nil {
			_ = reg.Close(ctx)
			return nil, err
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func (c *Container) openUsagePublisher(ctx context.Context, cfg config.PubSubConfig) (services.UsageEventPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })

	publisher, err := jobs.NewPubSubUsagePublisher(client.Topic(cfg.UsageTopic))
	if err != nil {
		return nil, err
	}
	c.onClose(func(context.Context) error {
		publisher.Stop()
		return nil
	})
	return publisher, nil
}

func (c *Container) openTranscriptArchive(ctx context.Context, cfg config.StorageConfig) (services.TranscriptArchive, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })

	archive, err := storage.NewTranscriptArchive(client, cfg.TranscriptBucket)
	if err != nil {
		return nil, err
	}
	return archive, nil
}

func loadRules(cfg config.PricingConfig) (*domain.PricingRuleSet, error) {
	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		rules, err := services.LoadPricingRules(path)
		if err != nil {
			return nil, fmt.Errorf("load pricing rules: %w", err)
		}
		return rules, nil
	}
	rules, err := services.DefaultPricingRules()
	if err != nil {
		return nil, fmt.Errorf("load default pricing rules: %w", err)
	}
	return rules, nil
}
