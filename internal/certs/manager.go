package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/edgeline/edgeline/internal/registry"
	"github.com/edgeline/edgeline/pkg/domain"
)

// State is the per-domain certificate lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StatePending       State = "pending"
	StateValid         State = "valid"
	StateRenewing      State = "renewing"
	StateFailed        State = "failed"
)

// Recorder receives certificate lifecycle events for instrumentation.
type Recorder interface {
	RecordCertEvent(event string, success bool)
}

// ChallengeSolver is implemented by issuers that expose an outstanding
// tls-alpn-01 challenge certificate for a domain.
type ChallengeSolver interface {
	ChallengeCert(domain string) (*tls.Certificate, bool)
}

// Manager drives the certificate lifecycle for the domains referenced by the
// service registry. Issuance happens on demand from the TLS handshake path,
// bounded by a timeout; a background sweep renews certificates approaching
// expiry. Renewal attempts for one domain are serialized.
type Manager struct {
	store   Store
	issuer  Issuer
	logger  *slog.Logger
	metrics Recorder

	renewBefore  time.Duration
	issueTimeout time.Duration
	sweepEvery   time.Duration
	now          func() time.Time

	mu       sync.Mutex
	states   map[string]State
	inflight map[string]chan struct{}
	allowed  map[string]registry.Rule // service id -> rule for TLS entries
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRenewBefore sets the renewal threshold before expiry.
func WithRenewBefore(d time.Duration) ManagerOption {
	return func(m *Manager) { m.renewBefore = d }
}

// WithIssueTimeout bounds how long a handshake may wait on issuance.
func WithIssueTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.issueTimeout = d }
}

// WithSweepInterval sets the background renewal sweep interval.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepEvery = d }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a certificate lifecycle manager.
func NewManager(store Store, issuer Issuer, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:        store,
		issuer:       issuer,
		logger:       logger,
		renewBefore:  30 * 24 * time.Hour,
		issueTimeout: 30 * time.Second,
		sweepEvery:   time.Hour,
		now:          time.Now,
		states:       make(map[string]State),
		inflight:     make(map[string]chan struct{}),
		allowed:      make(map[string]registry.Rule),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the lifecycle state for a domain.
func (m *Manager) State(domain string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[strings.ToLower(domain)]; ok {
		return s
	}
	return StateUninitialized
}

// WatchRegistry seeds the allowed-domain set from the current entries and
// consumes registry change events until ctx is done.
func (m *Manager) WatchRegistry(ctx context.Context, events <-chan registry.Event, initial []domain.ServiceEntry) {
	for _, entry := range initial {
		m.applyEntry(entry, true)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.applyEntry(ev.Entry, ev.Type == registry.EventUpsert)
			}
		}
	}()
}

func (m *Manager) applyEntry(entry domain.ServiceEntry, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !present || entry.Entrypoint != domain.EntrypointTLS {
		delete(m.allowed, entry.ID)
		return
	}
	rule, err := registry.ParseRule(entry.Rule)
	if err != nil {
		// The registry validated the rule on upsert; a parse failure here
		// means the entry never made it into the table.
		return
	}
	m.allowed[entry.ID] = rule
}

func (m *Manager) domainAllowed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rule := range m.allowed {
		if rule.MatchesHost(name) {
			return true
		}
	}
	return false
}

// GetCertificate implements tls.Config.GetCertificate. It serves the cached
// valid certificate for the SNI name, answering ACME tls-alpn-01 probes from
// the issuer's outstanding challenges, and otherwise blocks the handshake on
// issuance bounded by the issue timeout.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))

	if solver, ok := m.issuer.(ChallengeSolver); ok {
		for _, proto := range hello.SupportedProtos {
			if proto == acme.ALPNProto {
				if cert, found := solver.ChallengeCert(name); found {
					return cert, nil
				}
				return nil, fmt.Errorf("no outstanding acme challenge for %q", name)
			}
		}
	}

	if name == "" {
		return nil, fmt.Errorf("missing server name: %w", domain.ErrCertificateNotFound)
	}
	if !m.domainAllowed(name) {
		return nil, fmt.Errorf("domain %q is not served here: %w", name, domain.ErrCertificateNotFound)
	}

	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, m.issueTimeout)
	defer cancel()

	cert, err := m.Ensure(ctx, name)
	if err != nil {
		return nil, err
	}
	return cert.TLS()
}

// Ensure returns a valid certificate for the domain, issuing one if none is
// cached. Concurrent calls for the same domain are collapsed into a single
// issuance; the rest wait for its outcome.
func (m *Manager) Ensure(ctx context.Context, name string) (*Certificate, error) {
	for {
		if cert, err := m.store.Get(name); err == nil && cert.ValidAt(m.now()) {
			m.setState(name, StateValid)
			return cert, nil
		}

		m.mu.Lock()
		if ch, waiting := m.inflight[name]; waiting {
			m.mu.Unlock()
			select {
			case <-ch:
				continue // re-check the store
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting for certificate issuance for %s: %w", name, ctx.Err())
			}
		}
		ch := make(chan struct{})
		m.inflight[name] = ch
		m.states[name] = StatePending
		m.mu.Unlock()

		cert, err := m.issueLocked(ctx, name, ch, "issue")
		if err != nil {
			return nil, err
		}
		return cert, nil
	}
}

// issueLocked performs one issuance attempt. The caller holds the in-flight
// slot for the domain; it is released here.
func (m *Manager) issueLocked(ctx context.Context, name string, ch chan struct{}, event string) (*Certificate, error) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, name)
		m.mu.Unlock()
		close(ch)
	}()

	cert, err := m.issuer.Issue(ctx, name)
	if err != nil {
		m.setState(name, StateFailed)
		m.recordEvent(event, false)
		return nil, fmt.Errorf("issue certificate for %s: %w", name, err)
	}
	if err := m.store.Put(cert); err != nil {
		m.setState(name, StateFailed)
		m.recordEvent(event, false)
		return nil, fmt.Errorf("store certificate for %s: %w", name, err)
	}
	m.setState(name, StateValid)
	m.recordEvent(event, true)
	m.logger.Info("certificate ready", "domain", name, "issuer", m.issuer.Name(), "expires_at", cert.ExpiresAt)
	return cert, nil
}

// Start runs the background renewal sweep until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

// sweepOnce scans all stored certificates and renews any within the renewal
// threshold of expiry. A failed renewal keeps the existing certificate in
// service until it actually expires; after expiry the domain reverts to
// pending and handshakes fail closed until a renewal succeeds.
func (m *Manager) sweepOnce(ctx context.Context) {
	certsAll, err := m.store.All()
	if err != nil {
		m.logger.Error("certificate sweep failed to list store", "error", err)
		return
	}

	now := m.now()
	for _, cert := range certsAll {
		switch {
		case !cert.ExpiresAt.After(now):
			m.setState(cert.Domain, StatePending)
			m.logger.Warn("certificate expired, new connections will fail until renewal",
				"domain", cert.Domain, "expired_at", cert.ExpiresAt)
			m.renew(ctx, cert.Domain)

		case cert.ExpiresAt.Sub(now) < m.renewBefore:
			m.setState(cert.Domain, StateRenewing)
			m.renew(ctx, cert.Domain)
		}
	}
}

// renew runs one serialized issuance attempt for the domain. Failure is
// logged and retried on the next sweep.
func (m *Manager) renew(ctx context.Context, name string) {
	m.mu.Lock()
	if _, busy := m.inflight[name]; busy {
		m.mu.Unlock()
		return // at most one in-flight challenge per domain
	}
	ch := make(chan struct{})
	m.inflight[name] = ch
	m.mu.Unlock()

	issueCtx, cancel := context.WithTimeout(ctx, m.issueTimeout)
	defer cancel()

	if _, err := m.issueLocked(issueCtx, name, ch, "renew"); err != nil {
		if cert, getErr := m.store.Get(name); getErr == nil && cert.ValidAt(m.now()) {
			// Keep serving the existing certificate until actual expiry.
			m.setState(name, StateValid)
		} else {
			// Nothing servable remains, so the domain waits on issuance.
			m.setState(name, StatePending)
		}
		m.logger.Error("certificate renewal failed, will retry next sweep", "domain", name, "error", err)
	}
}

func (m *Manager) setState(name string, s State) {
	m.mu.Lock()
	m.states[name] = s
	m.mu.Unlock()
}

func (m *Manager) recordEvent(event string, success bool) {
	if m.metrics != nil {
		m.metrics.RecordCertEvent(event, success)
	}
}
