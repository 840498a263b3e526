package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stitchquote/api/internal/platform/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *SiteVerifyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewSiteVerifyClient(config.CaptchaConfig{SecretKey: "server-secret", VerifyURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewSiteVerifyClient: %v", err)
	}
	return client
}

func TestVerifyPostsFormAndDecodesVerdict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "server-secret" || r.PostForm.Get("response") != "tok-1" || r.PostForm.Get("remoteip") != "203.0.113.7" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"score":0.9,"action":"quote","hostname":"quotes.example.com","challenge_ts":"2026-10-16T09:00:00Z"}`))
	})

	verdict, err := client.Verify(context.Background(), "tok-1", "203.0.113.7")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verdict.Success || verdict.Score != 0.9 || verdict.Action != "quote" || verdict.Hostname != "quotes.example.com" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestVerifyReportsProviderRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["timeout-or-duplicate"]}`))
	})

	verdict, err := client.Verify(context.Background(), "tok-1", "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verdict.Success || len(verdict.ErrorCodes) != 1 || verdict.ErrorCodes[0] != "timeout-or-duplicate" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestVerifyErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"malformed": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, handler)
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			if _, err := client.Verify(ctx, "tok", ""); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewSiteVerifyClientRequiresSecret(t *testing.T) {
	if _, err := NewSiteVerifyClient(config.CaptchaConfig{}, nil); err == nil {
		t.Fatalf("expected error without secret")
	}
}
