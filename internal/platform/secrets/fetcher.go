// Package secrets resolves secret:// references through Google Secret Manager.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	environmentEnvVar   = "QUOTE_SECURITY_ENVIRONMENT"
	meterName           = "github.com/stitchquote/api/internal/platform/secrets"
)

// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file holds the reference.
var ErrSecretNotFound = errors.New("secrets: secret not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret://NAME[?version=N&project=P] references once and caches the value.
// Outside production, a local KEY=VALUE file stands in when Secret Manager is unreachable.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.Mutex
	cache map[string]string

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	project      string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment overrides QUOTE_SECURITY_ENVIRONMENT. Production environments never read the fallback file.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when a reference carries no project parameter.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewFetcher builds a fetcher. A Secret Manager client that cannot be created leaves the
// fetcher in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv(environmentEnvVar))),
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter(meterName)
	}

	f := &Fetcher{
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.project,
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]string),
	}

	var err error
	if f.latency, err = cfg.meter.Float64Histogram("secret.fetch.latency", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}
	if f.cacheHits, err = cfg.meter.Int64Counter("secret.fetch.cache_hits"); err != nil {
		return nil, fmt.Errorf("secrets: register cache metric: %w", err)
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
	if err != nil {
		if f.isProduction() {
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
		f.logger.Warn("secret manager client unavailable, using fallback file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret returns the secret value for ref. It satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	refAttr := attribute.String("secret", maskReference(parsed.key))

	f.mu.Lock()
	value, ok := f.cache[parsed.key]
	f.mu.Unlock()
	if ok {
		f.cacheHits.Add(ctx, 1, metric.WithAttributes(refAttr))
		return value, nil
	}

	source := "remote"
	value, err = f.fetchRemote(ctx, parsed)
	if err != nil {
		if !f.canFallback(err) {
			f.recordLatency(ctx, start, "error", refAttr)
			return "", fmt.Errorf("secrets: fetch %s: %w", maskReference(parsed.key), err)
		}
		var found bool
		if value, found = f.lookupFallback(parsed); !found {
			f.recordLatency(ctx, start, "error", refAttr)
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, maskReference(parsed.key))
		}
		source = "fallback"
	}

	f.mu.Lock()
	f.cache[parsed.key] = value
	f.mu.Unlock()
	f.recordLatency(ctx, start, source, refAttr)
	return value, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, ref reference) (string, error) {
	project := ref.project
	if project == "" {
		project = f.defaultProject
	}
	if f.client == nil || project == "" {
		return "", errRemoteUnavailable
	}
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned an empty payload")
	}
	return string(resp.GetPayload().GetData()), nil
}

var errRemoteUnavailable = errors.New("secrets: secret manager not configured")

func (f *Fetcher) canFallback(err error) bool {
	if f.isProduction() {
		return false
	}
	if errors.Is(err, errRemoteUnavailable) {
		return true
	}
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func (f *Fetcher) isProduction() bool {
	return f.env == "prod" || f.env == "production"
}

func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Warn("secret fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}
	value, ok := f.fallbackVals[ref.key]
	return value, ok
}

// loadFallback reads KEY=VALUE lines where KEY is a secret:// or sm:// reference.
func (f *Fetcher) loadFallback() {
	f.fallbackVals = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = err
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parsed, err := parseReference(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		f.fallbackVals[parsed.key] = strings.TrimSpace(value)
	}
	f.fallbackErr = scanner.Err()
}

func (f *Fetcher) recordLatency(ctx context.Context, start time.Time, source string, ref attribute.KeyValue) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source), ref))
}

type reference struct {
	key     string
	name    string
	version string
	project string
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported reference %q", maskReference(ref))
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return reference{}, fmt.Errorf("secrets: invalid secret name in %q", maskReference(ref))
	}
	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = "latest"
	}
	project := strings.TrimSpace(query.Get("project"))
	return reference{
		key:     fmt.Sprintf("%s|%s|%s", project, name, version),
		name:    name,
		version: version,
		project: project,
	}, nil
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}
