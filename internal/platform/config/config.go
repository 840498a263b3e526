package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStoreDriver         = StoreDriverMemory
	defaultPostgresOpenConns   = 10
	defaultPostgresIdleConns   = 5
	defaultPostgresConnMaxLife = 30 * time.Minute
	defaultCaptchaVerifyURL    = "https://www.google.com/recaptcha/api/siteverify"
	defaultCaptchaMinScore     = 0.5
	defaultCaptchaTimeout      = 3 * time.Second
	defaultCaptchaReplayTTL    = 10 * time.Minute
	defaultAdvisoryModel       = "gemini-2.5-flash"
	defaultAdvisoryTimeout     = 8 * time.Second
	defaultAdvisoryRPS         = 2.0
	defaultAdvisoryBurst       = 5
	defaultAdvisoryMaxTokens   = 1024
	defaultUsageTimeout        = 2 * time.Second
	defaultQuotesPerWindow     = 10
	defaultRateLimitWindow     = time.Hour
	defaultPurgeInterval       = 15 * time.Minute
	defaultPurgeBatch          = 500
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecretFallbackFile  = ".secrets.local"
)

// Store drivers accepted by QUOTE_STORE_DRIVER.
const (
	StoreDriverMemory    = "memory"
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Firebase   FirebaseConfig
	Firestore  FirestoreConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	PubSub     PubSubConfig
	Storage    StorageConfig
	Captcha    CaptchaConfig
	Advisory   AdvisoryConfig
	Pricing    PricingConfig
	RateLimits RateLimitConfig
	Features   FeatureFlags
	Security   SecurityConfig
	CORS       CORSConfig
	Secrets    SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TrustedProxyHops is the number of load balancer hops that append to X-Forwarded-For.
	// Zero keys clients on the connection address.
	TrustedProxyHops int
}

// StoreConfig selects the durable store backing quotes and rate limits.
type StoreConfig struct {
	Driver string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the token replay guard. An empty address keeps the guard in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PubSubConfig names the usage event topic.
type PubSubConfig struct {
	ProjectID  string
	UsageTopic string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	TranscriptBucket string
}

// CaptchaConfig controls human-presence verification.
type CaptchaConfig struct {
	SecretKey        string
	VerifyURL        string
	MinScore         float64
	Timeout          time.Duration
	ExpectedAction   string
	ExpectedHostname string
	ReplayTTL        time.Duration
}

// AdvisoryConfig configures the text generation backend.
type AdvisoryConfig struct {
	APIKey          string
	Model           string
	Timeout         time.Duration
	RPS             float64
	Burst           int
	MaxOutputTokens int

	// UsageTimeout bounds recording of one usage event (store append plus publish).
	UsageTimeout time.Duration
}

// PricingConfig points at an optional rule set override.
type PricingConfig struct {
	RulesFile string
}

// RateLimitConfig controls per-client quote throttling and window cleanup.
type RateLimitConfig struct {
	QuotesPerWindow int
	Window          time.Duration
	PurgeInterval   time.Duration
	PurgeBatch      int
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	EnableAdvisory          bool
	EnableTranscriptArchive bool
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment    string
	OIDC           OIDCConfig
	ClientHashSalt string
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// CORSConfig lists origins allowed to call the public API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecretsConfig configures the Secret Manager fetcher.
type SecretsConfig struct {
	FallbackFile   string
	DefaultProject string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to nothing. Names are hashed so the
// error can be logged.
type MissingSecretsError struct {
	redacted []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.redacted) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.redacted, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.redacted...)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map take precedence over
// system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Captcha.SecretKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Lookup returns a single value using the same precedence as Load (explicit map, process
// environment, .env file). It lets callers bootstrap the secret fetcher before Load runs.
func Lookup(key string, opts ...Option) (string, error) {
	options := newLoaderOptions(opts)
	lookup, err := options.lookupFunc()
	if err != nil {
		return "", err
	}
	value, _ := lookup(key)
	return value, nil
}

func (o loaderOptions) lookupFunc() (func(string) (string, bool), error) {
	dotEnvValues, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}

	lookup, err := options.lookupFunc()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:             stringWithDefault(lookup, "QUOTE_SERVER_PORT", defaultPort),
			ReadTimeout:      durationWithDefault(lookup, "QUOTE_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:     durationWithDefault(lookup, "QUOTE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:      durationWithDefault(lookup, "QUOTE_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			TrustedProxyHops: intWithDefault(lookup, "QUOTE_SERVER_TRUSTED_PROXY_HOPS", 0),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(stringWithDefault(lookup, "QUOTE_STORE_DRIVER", defaultStoreDriver)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "QUOTE_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "QUOTE_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "QUOTE_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "QUOTE_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:             stringWithDefault(lookup, "QUOTE_POSTGRES_DSN", ""),
			MaxOpenConns:    intWithDefault(lookup, "QUOTE_POSTGRES_MAX_OPEN_CONNS", defaultPostgresOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "QUOTE_POSTGRES_MAX_IDLE_CONNS", defaultPostgresIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "QUOTE_POSTGRES_CONN_MAX_LIFETIME", defaultPostgresConnMaxLife),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "QUOTE_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "QUOTE_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "QUOTE_REDIS_DB", 0),
		},
		PubSub: PubSubConfig{
			ProjectID:  stringWithDefault(lookup, "QUOTE_PUBSUB_PROJECT_ID", ""),
			UsageTopic: stringWithDefault(lookup, "QUOTE_PUBSUB_USAGE_TOPIC", ""),
		},
		Storage: StorageConfig{
			TranscriptBucket: stringWithDefault(lookup, "QUOTE_STORAGE_TRANSCRIPT_BUCKET", ""),
		},
		Captcha: CaptchaConfig{
			SecretKey:        stringWithDefault(lookup, "QUOTE_CAPTCHA_SECRET_KEY", ""),
			VerifyURL:        stringWithDefault(lookup, "QUOTE_CAPTCHA_VERIFY_URL", defaultCaptchaVerifyURL),
			MinScore:         floatWithDefault(lookup, "QUOTE_CAPTCHA_MIN_SCORE", defaultCaptchaMinScore),
			Timeout:          durationWithDefault(lookup, "QUOTE_CAPTCHA_TIMEOUT", defaultCaptchaTimeout),
			ExpectedAction:   stringWithDefault(lookup, "QUOTE_CAPTCHA_EXPECTED_ACTION", ""),
			ExpectedHostname: stringWithDefault(lookup, "QUOTE_CAPTCHA_EXPECTED_HOSTNAME", ""),
			ReplayTTL:        durationWithDefault(lookup, "QUOTE_CAPTCHA_REPLAY_TTL", defaultCaptchaReplayTTL),
		},
		Advisory: AdvisoryConfig{
			APIKey:          stringWithDefault(lookup, "QUOTE_ADVISORY_API_KEY", ""),
			Model:           stringWithDefault(lookup, "QUOTE_ADVISORY_MODEL", defaultAdvisoryModel),
			Timeout:         durationWithDefault(lookup, "QUOTE_ADVISORY_TIMEOUT", defaultAdvisoryTimeout),
			RPS:             floatWithDefault(lookup, "QUOTE_ADVISORY_RPS", defaultAdvisoryRPS),
			Burst:           intWithDefault(lookup, "QUOTE_ADVISORY_BURST", defaultAdvisoryBurst),
			MaxOutputTokens: intWithDefault(lookup, "QUOTE_ADVISORY_MAX_OUTPUT_TOKENS", defaultAdvisoryMaxTokens),
			UsageTimeout:    durationWithDefault(lookup, "QUOTE_ADVISORY_USAGE_TIMEOUT", defaultUsageTimeout),
		},
		Pricing: PricingConfig{
			RulesFile: stringWithDefault(lookup, "QUOTE_PRICING_RULES_FILE", ""),
		},
		RateLimits: RateLimitConfig{
			QuotesPerWindow: intWithDefault(lookup, "QUOTE_RATELIMIT_QUOTES_PER_WINDOW", defaultQuotesPerWindow),
			Window:          durationWithDefault(lookup, "QUOTE_RATELIMIT_WINDOW", defaultRateLimitWindow),
			PurgeInterval:   durationWithDefault(lookup, "QUOTE_RATELIMIT_PURGE_INTERVAL", defaultPurgeInterval),
			PurgeBatch:      intWithDefault(lookup, "QUOTE_RATELIMIT_PURGE_BATCH", defaultPurgeBatch),
		},
		Features: FeatureFlags{
			EnableAdvisory:          boolWithDefault(lookup, "QUOTE_FEATURE_ADVISORY", true),
			EnableTranscriptArchive: boolWithDefault(lookup, "QUOTE_FEATURE_TRANSCRIPT_ARCHIVE", false),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "QUOTE_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "QUOTE_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "QUOTE_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "QUOTE_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "QUOTE_SECURITY_OIDC_ISSUERS"),
			},
			ClientHashSalt: stringWithDefault(lookup, "QUOTE_SECURITY_CLIENT_HASH_SALT", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: csvWithDefault(lookup, "QUOTE_CORS_ALLOWED_ORIGINS"),
		},
		Secrets: SecretsConfig{
			FallbackFile:   stringWithDefault(lookup, "QUOTE_SECRET_FALLBACK_FILE", defaultSecretFallbackFile),
			DefaultProject: stringWithDefault(lookup, "QUOTE_SECRET_DEFAULT_PROJECT", ""),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Captcha.SecretKey", &cfg.Captcha.SecretKey},
		{"Advisory.APIKey", &cfg.Advisory.APIKey},
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Security.ClientHashSalt", &cfg.Security.ClientHashSalt},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.TrustedProxyHops < 0 {
		invalid = append(invalid, "Server.TrustedProxyHops")
	}
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case StoreDriverPostgres:
		if cfg.Postgres.DSN == "" {
			invalid = append(invalid, "Postgres.DSN")
		}
	default:
		invalid = append(invalid, "Store.Driver")
	}
	if cfg.Captcha.MinScore < 0 || cfg.Captcha.MinScore > 1 {
		invalid = append(invalid, "Captcha.MinScore")
	}
	if cfg.Captcha.Timeout <= 0 {
		invalid = append(invalid, "Captcha.Timeout")
	}
	if cfg.Advisory.Timeout <= 0 {
		invalid = append(invalid, "Advisory.Timeout")
	}
	if cfg.RateLimits.QuotesPerWindow <= 0 {
		invalid = append(invalid, "RateLimits.QuotesPerWindow")
	}
	if cfg.RateLimits.Window <= 0 {
		invalid = append(invalid, "RateLimits.Window")
	}
	if cfg.RateLimits.PurgeBatch <= 0 {
		invalid = append(invalid, "RateLimits.PurgeBatch")
	}
	if cfg.Features.EnableTranscriptArchive && cfg.Storage.TranscriptBucket == "" {
		invalid = append(invalid, "Storage.TranscriptBucket")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var redacted []string
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] != "" {
			continue
		}
		redacted = append(redacted, redactSecretName(trimmed))
	}
	if len(redacted) == 0 {
		return nil
	}
	sort.Strings(redacted)
	return &MissingSecretsError{redacted: redacted}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// mapWithDefault parses "key=value,key=value" pairs. Keys are lower-cased.
func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
