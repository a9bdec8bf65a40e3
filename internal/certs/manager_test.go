package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeline/edgeline/internal/registry"
	"github.com/edgeline/edgeline/pkg/domain"
)

// countingIssuer wraps the self-signed issuer with call counting, optional
// failure injection, and an optional gate that blocks issuance.
type countingIssuer struct {
	ttl   time.Duration
	calls atomic.Int64
	fail  atomic.Bool
	gate  chan struct{}
}

func (c *countingIssuer) Name() string { return "counting" }

func (c *countingIssuer) Issue(ctx context.Context, name string) (*Certificate, error) {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fail.Load() {
		return nil, errors.New("issuer unavailable")
	}
	return NewSelfSignedIssuer(c.ttl).Issue(ctx, name)
}

func tlsEntry(id, rule string) domain.ServiceEntry {
	return domain.ServiceEntry{
		ID:         id,
		Rule:       rule,
		Entrypoint: domain.EntrypointTLS,
		Targets:    []domain.Target{{Address: "10.0.0.1:9000", Healthy: true}},
	}
}

func TestManagerEnsureIssuesOnceAndCaches(t *testing.T) {
	issuer := &countingIssuer{ttl: time.Hour}
	mgr := NewManager(NewMemoryStore(), issuer, nil)

	first, err := mgr.Ensure(t.Context(), "api.example.com")
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	second, err := mgr.Ensure(t.Context(), "api.example.com")
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}

	if got := issuer.calls.Load(); got != 1 {
		t.Errorf("issuer called %d times, want 1", got)
	}
	if !first.ExpiresAt.Equal(second.ExpiresAt) {
		t.Errorf("second ensure returned a different certificate")
	}
	if mgr.State("api.example.com") != StateValid {
		t.Errorf("state = %s, want valid", mgr.State("api.example.com"))
	}
}

func TestManagerEnsureCollapsesConcurrentIssuance(t *testing.T) {
	issuer := &countingIssuer{ttl: time.Hour, gate: make(chan struct{})}
	mgr := NewManager(NewMemoryStore(), issuer, nil)

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.Ensure(t.Context(), "api.example.com")
		}(i)
	}

	// Let the waiters queue up behind the single in-flight issuance.
	time.Sleep(50 * time.Millisecond)
	close(issuer.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("waiter %d failed: %v", i, err)
		}
	}
	if got := issuer.calls.Load(); got != 1 {
		t.Errorf("issuer called %d times for one domain, want 1", got)
	}
}

func TestManagerEnsureFailure(t *testing.T) {
	issuer := &countingIssuer{ttl: time.Hour}
	issuer.fail.Store(true)
	mgr := NewManager(NewMemoryStore(), issuer, nil)

	if _, err := mgr.Ensure(t.Context(), "api.example.com"); err == nil {
		t.Fatal("expected ensure to fail")
	}
	if mgr.State("api.example.com") != StateFailed {
		t.Errorf("state = %s, want failed", mgr.State("api.example.com"))
	}
}

func TestManagerGetCertificateRejectsUnknownDomains(t *testing.T) {
	issuer := &countingIssuer{ttl: time.Hour}
	mgr := NewManager(NewMemoryStore(), issuer, nil)
	mgr.WatchRegistry(t.Context(), nil, []domain.ServiceEntry{tlsEntry("api", "api.example.com")})

	if _, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: "evil.example.org"}); err == nil {
		t.Error("expected rejection for unregistered domain")
	}
	if _, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: ""}); err == nil {
		t.Error("expected rejection for empty SNI")
	}

	cert, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"})
	if err != nil {
		t.Fatalf("handshake for registered domain failed: %v", err)
	}
	if cert == nil || cert.Leaf == nil {
		t.Fatal("expected a parsed certificate with leaf")
	}
}

func TestManagerWildcardRuleAllowsSubdomains(t *testing.T) {
	issuer := &countingIssuer{ttl: time.Hour}
	mgr := NewManager(NewMemoryStore(), issuer, nil)
	mgr.WatchRegistry(t.Context(), nil, []domain.ServiceEntry{tlsEntry("web", "*.example.com")})

	if _, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: "www.example.com"}); err != nil {
		t.Errorf("wildcard subdomain rejected: %v", err)
	}
	if _, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"}); err == nil {
		t.Error("apex must not match a wildcard rule")
	}
	if _, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.b.example.com"}); err == nil {
		t.Error("wildcard covers one label, nested subdomain must not match")
	}
}

func TestManagerRegistryEventsUpdateAllowedDomains(t *testing.T) {
	issuer := &countingIssuer{ttl: time.Hour}
	mgr := NewManager(NewMemoryStore(), issuer, nil)

	reg := registry.New(nil)
	events := reg.Subscribe()
	mgr.WatchRegistry(t.Context(), events, reg.Entries())

	if _, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"}); err == nil {
		t.Fatal("expected rejection before registration")
	}

	if err := reg.Upsert(tlsEntry("api", "api.example.com")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// The event is consumed asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("domain never became allowed after registry upsert")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerSweepRenewsNearExpiry(t *testing.T) {
	var clock atomic.Pointer[time.Time]
	now := time.Now()
	clock.Store(&now)

	issuer := &countingIssuer{ttl: time.Hour}
	mgr := NewManager(NewMemoryStore(), issuer, nil,
		WithRenewBefore(30*time.Minute),
		WithClock(func() time.Time { return *clock.Load() }))

	if _, err := mgr.Ensure(t.Context(), "api.example.com"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	// Not yet inside the renewal window.
	mgr.sweepOnce(t.Context())
	if got := issuer.calls.Load(); got != 1 {
		t.Fatalf("issuer called %d times before the renewal window, want 1", got)
	}

	later := now.Add(45 * time.Minute)
	clock.Store(&later)
	mgr.sweepOnce(t.Context())
	if got := issuer.calls.Load(); got != 2 {
		t.Errorf("issuer called %d times after entering the renewal window, want 2", got)
	}
	if mgr.State("api.example.com") != StateValid {
		t.Errorf("state = %s after renewal, want valid", mgr.State("api.example.com"))
	}
}

func TestManagerFailedRenewalKeepsServingUntilExpiry(t *testing.T) {
	var clock atomic.Pointer[time.Time]
	now := time.Now()
	clock.Store(&now)

	issuer := &countingIssuer{ttl: time.Hour}
	mgr := NewManager(NewMemoryStore(), issuer, nil,
		WithRenewBefore(30*time.Minute),
		WithClock(func() time.Time { return *clock.Load() }))

	if _, err := mgr.Ensure(t.Context(), "api.example.com"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	issuer.fail.Store(true)
	later := now.Add(45 * time.Minute)
	clock.Store(&later)
	mgr.sweepOnce(t.Context())

	// The stale certificate stays in service.
	if mgr.State("api.example.com") != StateValid {
		t.Errorf("state = %s after failed renewal, want valid", mgr.State("api.example.com"))
	}
	if _, err := mgr.Ensure(t.Context(), "api.example.com"); err != nil {
		t.Errorf("stale certificate should still be served: %v", err)
	}

	// Past actual expiry handshakes fail closed and the domain drops back
	// to pending until an issuance succeeds.
	expired := now.Add(2 * time.Hour)
	clock.Store(&expired)
	mgr.sweepOnce(t.Context())
	if mgr.State("api.example.com") != StatePending {
		t.Errorf("state = %s after expiry with failing issuer, want pending", mgr.State("api.example.com"))
	}
	if _, err := mgr.Ensure(t.Context(), "api.example.com"); err == nil {
		t.Error("expected ensure to fail after expiry with a failing issuer")
	}
}

func TestManagerStateDefaultsToUninitialized(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), &countingIssuer{ttl: time.Hour}, nil)
	if got := mgr.State(fmt.Sprintf("unknown-%d.example.com", time.Now().UnixNano())); got != StateUninitialized {
		t.Errorf("state = %s, want uninitialized", got)
	}
}
