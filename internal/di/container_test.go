package di

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stitchquote/api/internal/handlers"
	"github.com/stitchquote/api/internal/platform/config"
	"github.com/stitchquote/api/internal/platform/observability"
	"github.com/stitchquote/api/internal/repositories/memory"
	"github.com/stitchquote/api/internal/services"
)

type stubVerifier struct {
	verifyFn func(context.Context, string, string) (services.HumanVerification, error)
}

func (s *stubVerifier) Verify(ctx context.Context, token, remoteIP string) (services.HumanVerification, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, token, remoteIP)
	}
	return services.HumanVerification{Success: true, Score: 0.9}, nil
}

func loadTestConfig(t *testing.T, overrides map[string]string) config.Config {
	t.Helper()
	values := map[string]string{
		"QUOTE_STORE_DRIVER":       "memory",
		"QUOTE_CAPTCHA_SECRET_KEY": "test-secret",
		"QUOTE_FEATURE_ADVISORY":   "false",
	}
	for k, v := range overrides {
		values[k] = v
	}
	cfg, err := config.Load(context.Background(), config.WithoutSystemEnv(), config.WithEnvFile(""), config.WithEnvMap(values))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func newTestContainer(t *testing.T, store *memory.Store) *Container {
	t.Helper()
	cfg := loadTestConfig(t, nil)
	container, err := NewContainer(context.Background(), cfg,
		WithRegistry(store),
		WithHumanVerifier(&stubVerifier{}),
		WithClock(func() time.Time { return time.Date(2026, 10, 16, 12, 15, 0, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })
	return container
}

func newTestServer(container *Container) http.Handler {
	return handlers.NewRouter(
		handlers.WithMiddlewares(observability.ClientIPMiddleware(container.Config.Server.TrustedProxyHops)),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(handlers.WithHealthSystemService(container.Services.System))),
		handlers.WithQuoteRoutes(handlers.NewQuoteHandlers(container.Services.Quotes).Routes),
		handlers.WithInternalRoutes(handlers.NewMaintenanceHandlers(container.Services.Quotes).Routes),
	)
}

func postQuote(t *testing.T, h http.Handler, token, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"productType":"T-Shirts","quantity":150,"fabricType":"Cotton","complexity":"medium",
		"customerEmail":"buyer@example.com","customerName":"Ada Buyer","captchaToken":%q}`, token)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quotes", strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestContainer_QuotePipelineEndToEnd(t *testing.T) {
	store := memory.NewStore()
	container := newTestContainer(t, store)
	server := newTestServer(container)

	rr := postQuote(t, server, "token-0", "198.51.100.4:5123")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Success bool `json:"success"`
		Quote   struct {
			ID              string  `json:"id"`
			UnitPrice       float64 `json:"unitPrice"`
			TotalPrice      float64 `json:"totalPrice"`
			ConfidenceScore int     `json:"confidenceScore"`
			LeadTime        struct {
				MinDays int `json:"minDays"`
				MaxDays int `json:"maxDays"`
			} `json:"leadTime"`
		} `json:"quote"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !created.Success || created.Quote.UnitPrice != 6.21 || created.Quote.TotalPrice != 931.5 {
		t.Fatalf("unexpected quote %+v", created.Quote)
	}
	if created.Quote.LeadTime.MinDays != 21 || created.Quote.LeadTime.MaxDays != 30 {
		t.Fatalf("unexpected lead time %+v", created.Quote.LeadTime)
	}
	if created.Quote.ConfidenceScore != services.DegradedConfidence {
		t.Fatalf("expected baseline confidence with advisory disabled, got %d", created.Quote.ConfidenceScore)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quotes/"+created.Quote.ID, nil)
	got := httptest.NewRecorder()
	server.ServeHTTP(got, req)
	if got.Code != http.StatusOK {
		t.Fatalf("expected stored quote, got %d", got.Code)
	}

	events := store.UsageEvents()
	if len(events) != 1 || events[0].Outcome != "disabled" {
		t.Fatalf("expected one disabled usage event, got %+v", events)
	}
	if strings.Contains(events[0].ClientHash, "198.51.100.4") {
		t.Fatalf("usage event leaked client address")
	}
}

func TestContainer_RateLimitsPerClient(t *testing.T) {
	container := newTestContainer(t, memory.NewStore())
	server := newTestServer(container)

	for i := 0; i < 10; i++ {
		if rr := postQuote(t, server, fmt.Sprintf("token-%d", i), "198.51.100.9:4000"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
	}
	if rr := postQuote(t, server, "token-10", "198.51.100.9:4001"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 11th request to be rate limited, got %d", rr.Code)
	}
	if rr := postQuote(t, server, "token-11", "198.51.100.10:4000"); rr.Code != http.StatusOK {
		t.Fatalf("expected other client admitted, got %d", rr.Code)
	}
}

func TestContainer_ForwardingHeadersDoNotResetQuota(t *testing.T) {
	container := newTestContainer(t, memory.NewStore())
	server := newTestServer(container)

	admitted := 0
	for i := 0; i < 15; i++ {
		body := fmt.Sprintf(`{"productType":"T-Shirts","quantity":150,"complexity":"medium",
			"customerEmail":"buyer@example.com","customerName":"Ada Buyer","captchaToken":"spoof-%d"}`, i)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/quotes", strings.NewReader(body))
		req.RemoteAddr = "198.51.100.1:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i+1))
		req.Header.Set("True-Client-IP", fmt.Sprintf("192.0.2.%d", i+100))
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		if rr.Code == http.StatusOK {
			admitted++
		}
	}
	if admitted != 10 {
		t.Fatalf("expected 10 admitted for one connection address, got %d", admitted)
	}
}

func TestContainer_RuleFileMinimumOrderEnforced(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "services", "rules", "default.yaml"))
	if err != nil {
		t.Fatalf("read default rules: %v", err)
	}
	doc := strings.Replace(string(raw), "minimumOrder: 50", "minimumOrder: 100", 1)
	doc = strings.Replace(doc, "  - minQuantity: 50\n    percent: 0\n", "", 1)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	cfg := loadTestConfig(t, map[string]string{"QUOTE_PRICING_RULES_FILE": path})
	container, err := NewContainer(context.Background(), cfg,
		WithRegistry(memory.NewStore()),
		WithHumanVerifier(&stubVerifier{}),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })
	server := newTestServer(container)

	post := func(quantity int, token string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"productType":"T-Shirts","quantity":%d,"complexity":"medium",
			"customerEmail":"buyer@example.com","customerName":"Ada Buyer","captchaToken":%q}`, quantity, token)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/quotes", strings.NewReader(body))
		req.RemoteAddr = "198.51.100.20:4000"
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		return rr
	}

	if rr := post(60, "floor-0"); rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "at least 100") {
		t.Fatalf("expected 60 units rejected below the rule file floor, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := post(100, "floor-1"); rr.Code != http.StatusOK {
		t.Fatalf("expected 100 units admitted, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestContainer_ReplayedTokenRejected(t *testing.T) {
	container := newTestContainer(t, memory.NewStore())
	server := newTestServer(container)

	if rr := postQuote(t, server, "token-once", "198.51.100.4:1"); rr.Code != http.StatusOK {
		t.Fatalf("expected first use admitted, got %d", rr.Code)
	}
	if rr := postQuote(t, server, "token-once", "198.51.100.4:2"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected replayed token rejected, got %d", rr.Code)
	}
}

func TestContainer_ReadinessAndPurge(t *testing.T) {
	container := newTestContainer(t, memory.NewStore())
	server := newTestServer(container)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/internal/maintenance/rate-limits:purge", nil)
	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected purge 200, got %d", rr.Code)
	}
}

func TestNewContainer_RejectsUnknownDriver(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	cfg.Store.Driver = "cassandra"
	if _, err := NewContainer(context.Background(), cfg, WithHumanVerifier(&stubVerifier{})); err == nil {
		t.Fatalf("expected error for unsupported store driver")
	}
}

func TestNewContainer_MemoryDriverDefaults(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	container, err := NewContainer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer container.Close(context.Background())

	if _, ok := container.Repositories.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", container.Repositories)
	}
	if container.Staff != nil {
		t.Fatalf("expected staff auth disabled without firebase project")
	}
}
