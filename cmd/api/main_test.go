package main

import (
	"testing"
	"time"

	"github.com/stitchquote/api/internal/platform/config"
)

func TestBuildInfoFromEnvDefaults(t *testing.T) {
	t.Setenv("QUOTE_BUILD_VERSION", "")
	t.Setenv("QUOTE_BUILD_COMMIT_SHA", "")
	started := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	info := buildInfoFromEnv(config.Config{}, started)

	if info.Version != "dev" || info.CommitSHA != "unknown" || info.Environment != "local" {
		t.Fatalf("unexpected build info %+v", info)
	}
	if !info.StartedAt.Equal(started) {
		t.Fatalf("expected started %v, got %v", started, info.StartedAt)
	}
}

func TestBuildInfoFromEnvOverrides(t *testing.T) {
	t.Setenv("QUOTE_BUILD_VERSION", " 1.4.2 ")
	t.Setenv("QUOTE_BUILD_COMMIT_SHA", "abc123")
	cfg := config.Config{Security: config.SecurityConfig{Environment: "prod"}}

	info := buildInfoFromEnv(cfg, time.Now())

	if info.Version != "1.4.2" || info.CommitSHA != "abc123" || info.Environment != "prod" {
		t.Fatalf("unexpected build info %+v", info)
	}
}

func TestTraceProjectIDPrefersFirebase(t *testing.T) {
	cfg := config.Config{
		Firebase:  config.FirebaseConfig{ProjectID: "fb-project"},
		Firestore: config.FirestoreConfig{ProjectID: "fs-project"},
	}
	if got := traceProjectID(cfg); got != "fb-project" {
		t.Fatalf("expected fb-project, got %s", got)
	}
	cfg.Firebase.ProjectID = " "
	if got := traceProjectID(cfg); got != "fs-project" {
		t.Fatalf("expected fs-project, got %s", got)
	}
}

func TestRequiredSecretNames(t *testing.T) {
	t.Setenv("QUOTE_STORE_DRIVER", "postgres")
	names := requiredSecretNames()
	if len(names) != 2 || names[0] != "Captcha.SecretKey" || names[1] != "Postgres.DSN" {
		t.Fatalf("unexpected required secrets %v", names)
	}

	t.Setenv("QUOTE_STORE_DRIVER", "memory")
	if names := requiredSecretNames(); len(names) != 1 {
		t.Fatalf("expected only captcha secret, got %v", names)
	}
}
