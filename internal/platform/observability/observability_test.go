package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stitchquote/api/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID() != (trace.SpanID{0, 0, 0, 0, 0, 0, 0, 1}) || !sc.IsSampled() || !sc.IsRemote() {
		t.Fatalf("unexpected span context %+v", sc)
	}

	for _, bad := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/zz", "105445aa7843bc8bf206b12000100000/0;o=1"} {
		if _, ok := parseCloudTraceContext(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestFormatCloudTraceHeaderRoundTrip(t *testing.T) {
	header := formatCloudTraceHeader(requestctx.TraceInfo{TraceID: "105445aa7843bc8bf206b12000100000", SpanID: "00000000000004d2", Sampled: true})
	if header != "105445aa7843bc8bf206b12000100000/1234;o=1" {
		t.Fatalf("unexpected header %q", header)
	}
}

func TestEventLoggerDropsSensitiveFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logEvent := EventLogger(zap.New(core))

	logEvent(context.Background(), "quote.commit_failed", map[string]any{
		"quoteId":       "q1",
		"customerEmail": "a@example.com",
		"captchaToken":  "secret",
		"error":         "deadline exceeded",
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zap.WarnLevel {
		t.Fatalf("expected warn level for failures, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["quoteId"] != "q1" || fields["event"] != "quote.commit_failed" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields["customerEmail"]; ok {
		t.Fatalf("email must not be logged")
	}
	if _, ok := fields["captchaToken"]; ok {
		t.Fatalf("token must not be logged")
	}
}

func TestRecoveryAndRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(
		ClientIPMiddleware(0)(RequestLoggerMiddleware(RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})))),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/quotes", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one request line, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["status"] != int64(http.StatusInternalServerError) || fields["remote_ip"] != "203.0.113.9" {
		t.Fatalf("unexpected request fields %v", fields)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestClientIPIgnoresUntrustedForwardingHeaders(t *testing.T) {
	cases := []struct {
		name        string
		trustedHops int
		forwarded   []string
		want        string
	}{
		{"no proxy uses connection", 0, []string{"203.0.113.50"}, "198.51.100.1"},
		{"one hop takes right-most", 1, []string{"203.0.113.50, 192.0.2.7"}, "192.0.2.7"},
		{"spoofed prefix ignored", 1, []string{"10.0.0.1, 203.0.113.50", "192.0.2.7"}, "192.0.2.7"},
		{"two hops", 2, []string{"203.0.113.50, 192.0.2.7, 35.191.0.1"}, "192.0.2.7"},
		{"short chain falls back", 2, []string{"192.0.2.7"}, "198.51.100.1"},
		{"missing header falls back", 1, nil, "198.51.100.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/quotes", nil)
			req.RemoteAddr = "198.51.100.1:4000"
			req.Header.Set("X-Real-IP", "203.0.113.99")
			for _, value := range tc.forwarded {
				req.Header.Add("X-Forwarded-For", value)
			}

			var got string
			ClientIPMiddleware(tc.trustedHops)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = requestctx.RemoteIP(r.Context())
			})).ServeHTTP(httptest.NewRecorder(), req)

			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
