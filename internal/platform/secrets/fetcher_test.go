package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/quotes-prod/secrets/genai-api-key/versions/latest"
	client.values[resource] = "remote-secret"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("quotes-prod"),
		WithEnvironment("prod"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://genai-api-key")
		if err != nil {
			t.Fatalf("ResolveSecret returned error: %v", err)
		}
		if got != "remote-secret" {
			t.Fatalf("expected remote-secret, got %s", got)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/shared-secrets/secrets/captcha-secret/versions/4"
	client.values[resource] = "v4"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("quotes-prod"))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.ResolveSecret(ctx, "sm://captcha-secret?version=4&project=shared-secrets")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "v4" {
		t.Fatalf("expected v4, got %s", got)
	}
}

func TestResolveFallsBackWhenSecretManagerDenied(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "# local overrides\nsecret://genai-api-key=local-secret\nmalformed line\n")
	client := newFakeSecretClient()
	client.errors["projects/dev/secrets/genai-api-key/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("dev"),
		WithEnvironment("local"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.ResolveSecret(ctx, "secret://genai-api-key")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected local-secret, got %s", got)
	}
}

func TestResolveNeverFallsBackInProduction(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "secret://genai-api-key=local-secret\n")
	client := newFakeSecretClient()
	client.errors["projects/prod/secrets/genai-api-key/versions/latest"] = status.Error(codes.Unavailable, "down")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("prod"),
		WithEnvironment("production"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.ResolveSecret(ctx, "secret://genai-api-key"); err == nil {
		t.Fatalf("expected error in production")
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "secret://genai-api-key=local-secret\n")
	client := newFakeSecretClient()
	client.errors["projects/dev/secrets/genai-api-key/versions/latest"] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("dev"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.ResolveSecret(ctx, "secret://genai-api-key"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestNewFetcherWithoutClientUsesFallback(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	ctx := context.Background()
	path := writeFallback(t, "sm://redis-password=hunter2\n")

	fetcher, err := NewFetcher(ctx, WithEnvironment("local"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	got, err := fetcher.ResolveSecret(ctx, "secret://redis-password")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("expected hunter2, got %s", got)
	}
	if _, err := fetcher.ResolveSecret(ctx, "secret://absent"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}

	if _, err := NewFetcher(ctx, WithEnvironment("prod")); err == nil {
		t.Fatalf("expected production to require a secret manager client")
	}
}

func TestParseReferenceRejectsInvalid(t *testing.T) {
	for _, ref := range []string{"", "https://example.com/x", "secret://", "secret://a/b"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errors map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values: map[string]string{},
		errors: map[string]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.GetName()
	f.calls[name]++
	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	value, ok := f.values[name]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    name,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}
