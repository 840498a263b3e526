package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.TrustedProxyHops != 0 {
		t.Errorf("expected no trusted proxy hops by default, got %d", cfg.Server.TrustedProxyHops)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("expected memory store by default, got %s", cfg.Store.Driver)
	}
	if cfg.RateLimits.QuotesPerWindow != 10 || cfg.RateLimits.Window != time.Hour {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimits)
	}
	if cfg.Captcha.MinScore != 0.5 {
		t.Errorf("expected min score 0.5, got %v", cfg.Captcha.MinScore)
	}
	if cfg.Advisory.Timeout != 8*time.Second {
		t.Errorf("expected advisory timeout 8s, got %s", cfg.Advisory.Timeout)
	}
	if !cfg.Features.EnableAdvisory || cfg.Features.EnableTranscriptArchive {
		t.Errorf("unexpected feature defaults: %+v", cfg.Features)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Errorf("expected permissive cors, got %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"QUOTE_SERVER_PORT":                 "9090",
		"QUOTE_SERVER_WRITE_TIMEOUT":        "25s",
		"QUOTE_STORE_DRIVER":                "Postgres",
		"QUOTE_POSTGRES_DSN":                "secret://postgres/dsn",
		"QUOTE_POSTGRES_MAX_OPEN_CONNS":     "20",
		"QUOTE_FIREBASE_PROJECT_ID":         "sq-prod",
		"QUOTE_REDIS_ADDR":                  "10.0.0.3:6379",
		"QUOTE_REDIS_DB":                    "2",
		"QUOTE_PUBSUB_USAGE_TOPIC":          "advisory-usage",
		"QUOTE_CAPTCHA_SECRET_KEY":          "secret://captcha/key",
		"QUOTE_CAPTCHA_MIN_SCORE":           "0.7",
		"QUOTE_CAPTCHA_EXPECTED_ACTION":     "quote",
		"QUOTE_CAPTCHA_EXPECTED_HOSTNAME":   "quotes.example.com",
		"QUOTE_ADVISORY_API_KEY":            "sm://genai/key",
		"QUOTE_ADVISORY_RPS":                "0.5",
		"QUOTE_RATELIMIT_QUOTES_PER_WINDOW": "20",
		"QUOTE_RATELIMIT_PURGE_BATCH":       "100",
		"QUOTE_FEATURE_ADVISORY":            "off",
		"QUOTE_SECURITY_ENVIRONMENT":        "PROD",
		"QUOTE_SECURITY_OIDC_AUDIENCES":     "prod=https://quotes.example.com, stg=https://stg.example.com",
		"QUOTE_CORS_ALLOWED_ORIGINS":        "https://shop.example.com, https://admin.example.com",
	}
	secrets := map[string]string{
		"secret://postgres/dsn": "postgres://quotes@db/quotes",
		"secret://captcha/key":  "captcha-secret",
		"secret://genai/key":    "genai-key",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Store.Driver != StoreDriverPostgres {
		t.Errorf("expected lower-cased postgres driver, got %s", cfg.Store.Driver)
	}
	if cfg.Postgres.DSN != "postgres://quotes@db/quotes" || cfg.Postgres.MaxOpenConns != 20 {
		t.Errorf("unexpected postgres config %+v", cfg.Postgres)
	}
	if cfg.Firestore.ProjectID != "sq-prod" || cfg.PubSub.ProjectID != "sq-prod" {
		t.Errorf("expected project ids to default to firebase project, got %s/%s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Redis.Addr != "10.0.0.3:6379" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Captcha.SecretKey != "captcha-secret" || cfg.Captcha.MinScore != 0.7 {
		t.Errorf("unexpected captcha config %+v", cfg.Captcha)
	}
	if cfg.Captcha.ExpectedHostname != "quotes.example.com" {
		t.Errorf("expected hostname override, got %s", cfg.Captcha.ExpectedHostname)
	}
	if cfg.Advisory.APIKey != "genai-key" || cfg.Advisory.RPS != 0.5 {
		t.Errorf("unexpected advisory config %+v", cfg.Advisory)
	}
	if cfg.Features.EnableAdvisory {
		t.Errorf("expected advisory feature disabled")
	}
	if cfg.RateLimits.QuotesPerWindow != 20 || cfg.RateLimits.PurgeBatch != 100 {
		t.Errorf("unexpected rate limits %+v", cfg.RateLimits)
	}
	if cfg.Security.Environment != "prod" || cfg.Security.OIDC.Audience != "https://quotes.example.com" {
		t.Errorf("expected audience selected by environment, got %s/%s", cfg.Security.Environment, cfg.Security.OIDC.Audience)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("unexpected cors origins %v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "# local overrides\nexport QUOTE_SERVER_PORT=7070\nQUOTE_CAPTCHA_EXPECTED_ACTION=\"quote\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Captcha.ExpectedAction != "quote" {
		t.Errorf("expected unquoted action from dotenv, got %s", cfg.Captcha.ExpectedAction)
	}
}

func TestLoadInvalidFields(t *testing.T) {
	env := map[string]string{
		"QUOTE_STORE_DRIVER":               "firestore",
		"QUOTE_CAPTCHA_MIN_SCORE":          "1.5",
		"QUOTE_FEATURE_TRANSCRIPT_ARCHIVE": "true",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	want := map[string]bool{"Firestore.ProjectID": true, "Captcha.MinScore": true, "Storage.TranscriptBucket": true}
	fields := validationErr.Fields()
	if len(fields) != len(want) {
		t.Fatalf("expected %d invalid fields, got %v", len(want), fields)
	}
	for _, field := range fields {
		if !want[field] {
			t.Fatalf("unexpected invalid field %s", field)
		}
	}
}

func TestLoadUnknownStoreDriver(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{"QUOTE_STORE_DRIVER": "mongo"}), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Fields()[0] != "Store.Driver" {
		t.Fatalf("expected Store.Driver validation error, got %v", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"QUOTE_CAPTCHA_SECRET_KEY": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver not configured cause, got %v", err)
	}
}

func TestLookupMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "QUOTE_SECRET_FALLBACK_FILE=.dot.local\nQUOTE_SECRET_DEFAULT_PROJECT=dot-project\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("QUOTE_SECRET_DEFAULT_PROJECT", "os-project")

	got, err := Lookup("QUOTE_SECRET_FALLBACK_FILE", WithEnvFile(envPath))
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}

	got, _ = Lookup("QUOTE_SECRET_DEFAULT_PROJECT", WithEnvFile(envPath))
	if got != "os-project" {
		t.Fatalf("expected system env to beat dotenv, got %s", got)
	}

	got, _ = Lookup("QUOTE_SECRET_DEFAULT_PROJECT", WithEnvFile(envPath), WithEnvMap(map[string]string{"QUOTE_SECRET_DEFAULT_PROJECT": "override"}))
	if got != "override" {
		t.Fatalf("expected explicit map to win, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Captcha.SecretKey", "Captcha.SecretKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Captcha.SecretKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
	if got := missing.Error(); strings.Contains(got, "Captcha") {
		t.Fatalf("expected redacted error message, got %q", got)
	}
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"QUOTE_SECURITY_CLIENT_HASH_SALT": "sm://quotes/salt",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://quotes/salt" {
			return "pepper", nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Security.ClientHashSalt != "pepper" {
		t.Fatalf("expected legacy secret, got %s", cfg.Security.ClientHashSalt)
	}
}

func TestLoadTrustedProxyHops(t *testing.T) {
	cfg, err := Load(context.Background(), WithoutSystemEnv(), WithEnvFile(""),
		WithEnvMap(map[string]string{"QUOTE_SERVER_TRUSTED_PROXY_HOPS": "1"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.TrustedProxyHops != 1 {
		t.Fatalf("expected 1 trusted hop, got %d", cfg.Server.TrustedProxyHops)
	}

	_, err = Load(context.Background(), WithoutSystemEnv(), WithEnvFile(""),
		WithEnvMap(map[string]string{"QUOTE_SERVER_TRUSTED_PROXY_HOPS": "-1"}))
	if err == nil || !strings.Contains(err.Error(), "Server.TrustedProxyHops") {
		t.Fatalf("expected validation error for negative hops, got %v", err)
	}
}
