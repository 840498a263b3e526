package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/stitchquote/api/internal/domain"
	"github.com/stitchquote/api/internal/repositories"
)

type stubHumanVerifier struct {
	verifyFn func(ctx context.Context, token, remoteIP string) (HumanVerification, error)
	calls    int
}

func (s *stubHumanVerifier) Verify(ctx context.Context, token, remoteIP string) (HumanVerification, error) {
	s.calls++
	if s.verifyFn != nil {
		return s.verifyFn(ctx, token, remoteIP)
	}
	return HumanVerification{Success: true, Score: 0.9}, nil
}

type stubReplayGuard struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (s *stubReplayGuard) Claim(_ context.Context, digest string, _ time.Duration) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[digest] {
		return false, nil
	}
	s.seen[digest] = true
	return true, nil
}

// fakeRateLedger keeps per-key windows the way the durable stores do.
type fakeRateLedger struct {
	mu      sync.Mutex
	records map[domain.RateLimitKey]domain.RateLimitRecord
	findErr error
}

func (f *fakeRateLedger) Find(_ context.Context, key domain.RateLimitKey) (domain.RateLimitRecord, error) {
	if f.findErr != nil {
		return domain.RateLimitRecord{}, f.findErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[key]
	if !ok {
		return domain.RateLimitRecord{}, repositories.NewStoreError("rate_limits.find", repositories.StoreErrorNotFound, "", nil)
	}
	return record, nil
}

func (f *fakeRateLedger) PurgeExpired(context.Context, time.Time, int) (int, error) { return 0, nil }

func (f *fakeRateLedger) apply(charge repositories.RateCharge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[domain.RateLimitKey]domain.RateLimitRecord)
	}
	record := f.records[charge.Key]
	windowStart, count := record.ChargeWindow(charge.WindowStart)
	if count >= charge.Limit {
		return repositories.NewStoreError("quotes.commit", repositories.StoreErrorWindowExhausted, "", nil)
	}
	f.records[charge.Key] = domain.RateLimitRecord{Key: charge.Key, Count: count + 1, WindowStart: windowStart, UpdatedAt: charge.At}
	return nil
}

func newTestGate(t *testing.T, verifier HumanVerifier, replay repositories.TokenReplayRepository, ledger repositories.RateLimitRepository, now time.Time) SecurityGate {
	t.Helper()
	gate, err := NewSecurityGate(SecurityGateDeps{
		Verifier:      verifier,
		Replay:        replay,
		RateLimits:    ledger,
		VerifyTimeout: 50 * time.Millisecond,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSecurityGate: %v", err)
	}
	return gate
}

func TestSecurityGate_TenthAdmittedEleventhRateLimited(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	ledger := &fakeRateLedger{}
	gate := newTestGate(t, &stubHumanVerifier{}, &stubReplayGuard{}, ledger, now)

	for i := 1; i <= 10; i++ {
		admission, err := gate.Admit(context.Background(), AdmissionRequest{Token: fmt.Sprintf("tok-%d", i), RemoteAddr: "203.0.113.7:4431"})
		if err != nil {
			t.Fatalf("request %d: expected admission, got %v", i, err)
		}
		if admission.UsedInWindow != i-1 {
			t.Fatalf("request %d: expected %d used, got %d", i, i-1, admission.UsedInWindow)
		}
		if !admission.WindowStart.Equal(now.Truncate(time.Hour)) {
			t.Fatalf("expected window start %s, got %s", now.Truncate(time.Hour), admission.WindowStart)
		}
		if err := ledger.apply(admission.Charge(now)); err != nil {
			t.Fatalf("request %d: apply charge: %v", i, err)
		}
	}

	_, err := gate.Admit(context.Background(), AdmissionRequest{Token: "tok-11", RemoteAddr: "203.0.113.7:4431"})
	if !errors.Is(err, ErrQuoteRateLimited) {
		t.Fatalf("expected ErrQuoteRateLimited, got %v", err)
	}

	if _, err := gate.Admit(context.Background(), AdmissionRequest{Token: "tok-12", RemoteAddr: "198.51.100.2:80"}); err != nil {
		t.Fatalf("expected other client to be admitted, got %v", err)
	}
}

func TestSecurityGate_NewWindowResetsCount(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 59, 0, 0, time.UTC)
	ledger := &fakeRateLedger{records: map[domain.RateLimitKey]domain.RateLimitRecord{
		{Identifier: "203.0.113.7", IdentifierType: domain.IdentifierTypeIP}: {Count: 10, WindowStart: now.Add(-time.Hour).Truncate(time.Hour)},
	}}
	gate := newTestGate(t, &stubHumanVerifier{}, &stubReplayGuard{}, ledger, now)

	admission, err := gate.Admit(context.Background(), AdmissionRequest{Token: "fresh", RemoteAddr: "203.0.113.7"})
	if err != nil {
		t.Fatalf("expected admission in new window, got %v", err)
	}
	if admission.UsedInWindow != 0 {
		t.Fatalf("expected empty window, got %d", admission.UsedInWindow)
	}
}

func TestAdmissionChargeUsesCommitWindow(t *testing.T) {
	admittedAt := time.Date(2026, 10, 16, 10, 59, 59, 0, time.UTC)
	gate := newTestGate(t, &stubHumanVerifier{}, &stubReplayGuard{}, &fakeRateLedger{}, admittedAt)

	admission, err := gate.Admit(context.Background(), AdmissionRequest{Token: "t", RemoteAddr: "203.0.113.7"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !admission.WindowStart.Equal(admittedAt.Truncate(time.Hour)) {
		t.Fatalf("expected admission window 10:00, got %v", admission.WindowStart)
	}

	committedAt := admittedAt.Add(2 * time.Second)
	charge := admission.Charge(committedAt)
	if want := time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC); !charge.WindowStart.Equal(want) {
		t.Fatalf("expected charge window %v, got %v", want, charge.WindowStart)
	}
	if !charge.At.Equal(committedAt) || charge.Limit != defaultGateLimit {
		t.Fatalf("unexpected charge %+v", charge)
	}
}

func TestSecurityGate_RejectsFailures(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		token    string
		verifier *stubHumanVerifier
		replay   *stubReplayGuard
		want     error
	}{
		{
			name:     "missing token",
			token:    "  ",
			verifier: &stubHumanVerifier{},
			replay:   &stubReplayGuard{},
			want:     ErrSecurityMissingToken,
		},
		{
			name:  "verification failed",
			token: "tok",
			verifier: &stubHumanVerifier{verifyFn: func(context.Context, string, string) (HumanVerification, error) {
				return HumanVerification{Success: false, ErrorCodes: []string{"invalid-input-response"}}, nil
			}},
			replay: &stubReplayGuard{},
			want:   ErrSecurityVerificationFailed,
		},
		{
			name:  "low score",
			token: "tok",
			verifier: &stubHumanVerifier{verifyFn: func(context.Context, string, string) (HumanVerification, error) {
				return HumanVerification{Success: true, Score: 0.3}, nil
			}},
			replay: &stubReplayGuard{},
			want:   ErrSecurityVerificationFailed,
		},
		{
			name:  "verifier error",
			token: "tok",
			verifier: &stubHumanVerifier{verifyFn: func(context.Context, string, string) (HumanVerification, error) {
				return HumanVerification{}, errors.New("connection refused")
			}},
			replay: &stubReplayGuard{},
			want:   ErrSecurityVerificationFailed,
		},
		{
			name:     "replay guard down",
			token:    "tok",
			verifier: &stubHumanVerifier{},
			replay:   &stubReplayGuard{err: errors.New("redis down")},
			want:     ErrSecurityVerificationFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := newTestGate(t, tc.verifier, tc.replay, &fakeRateLedger{}, now)
			_, err := gate.Admit(context.Background(), AdmissionRequest{Token: tc.token, RemoteAddr: "203.0.113.7"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrSecurityRejected) {
				t.Fatalf("expected rejection to wrap ErrSecurityRejected, got %v", err)
			}
		})
	}
}

func TestSecurityGate_VerificationTimeoutRejects(t *testing.T) {
	verifier := &stubHumanVerifier{verifyFn: func(ctx context.Context, _, _ string) (HumanVerification, error) {
		<-ctx.Done()
		return HumanVerification{}, ctx.Err()
	}}
	gate := newTestGate(t, verifier, &stubReplayGuard{}, &fakeRateLedger{}, time.Now())

	started := time.Now()
	_, err := gate.Admit(context.Background(), AdmissionRequest{Token: "slow", RemoteAddr: "203.0.113.7"})
	if !errors.Is(err, ErrSecurityVerificationFailed) {
		t.Fatalf("expected ErrSecurityVerificationFailed, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("expected bounded verification, took %s", elapsed)
	}
}

func TestSecurityGate_ReplayedTokenRejected(t *testing.T) {
	verifier := &stubHumanVerifier{}
	gate := newTestGate(t, verifier, &stubReplayGuard{}, &fakeRateLedger{}, time.Now())

	if _, err := gate.Admit(context.Background(), AdmissionRequest{Token: "once", RemoteAddr: "203.0.113.7"}); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := gate.Admit(context.Background(), AdmissionRequest{Token: "once", RemoteAddr: "203.0.113.7"})
	if !errors.Is(err, ErrSecurityVerificationFailed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	if verifier.calls != 1 {
		t.Fatalf("expected verifier called once, got %d", verifier.calls)
	}
}

func TestSecurityGate_ExpectedActionAndHostname(t *testing.T) {
	verifier := &stubHumanVerifier{verifyFn: func(context.Context, string, string) (HumanVerification, error) {
		return HumanVerification{Success: true, Score: 0.9, Action: "quote", Hostname: "evil.example"}, nil
	}}
	gate, err := NewSecurityGate(SecurityGateDeps{
		Verifier:         verifier,
		Replay:           &stubReplayGuard{},
		RateLimits:       &fakeRateLedger{},
		ExpectedAction:   "quote",
		ExpectedHostname: "quotes.example.com",
	})
	if err != nil {
		t.Fatalf("NewSecurityGate: %v", err)
	}
	if _, err := gate.Admit(context.Background(), AdmissionRequest{Token: "tok", RemoteAddr: "203.0.113.7"}); !errors.Is(err, ErrSecurityVerificationFailed) {
		t.Fatalf("expected hostname mismatch rejection, got %v", err)
	}
}

func TestSecurityGate_LedgerErrorIsUnavailable(t *testing.T) {
	ledger := &fakeRateLedger{findErr: repositories.NewStoreError("rate_limits.find", repositories.StoreErrorUnavailable, "", errors.New("deadline"))}
	gate := newTestGate(t, &stubHumanVerifier{}, &stubReplayGuard{}, ledger, time.Now())

	_, err := gate.Admit(context.Background(), AdmissionRequest{Token: "tok", RemoteAddr: "203.0.113.7"})
	if !errors.Is(err, ErrSecurityUnavailable) {
		t.Fatalf("expected ErrSecurityUnavailable, got %v", err)
	}
}

func TestResolveClientIdentifier(t *testing.T) {
	cases := map[string]string{
		"203.0.113.7:51234":   "203.0.113.7",
		"203.0.113.7":         "203.0.113.7",
		"[2001:db8::1]:443":   "2001:db8::1",
		"2001:db8::1":         "2001:db8::1",
		"":                    domain.UnknownClientIdentifier,
		"not-an-ip":           domain.UnknownClientIdentifier,
		"proxy.internal:8080": domain.UnknownClientIdentifier,
	}
	for input, want := range cases {
		if got := ResolveClientIdentifier(input); got != want {
			t.Fatalf("ResolveClientIdentifier(%q): expected %q, got %q", input, want, got)
		}
	}
}
