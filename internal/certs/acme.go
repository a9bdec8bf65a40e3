package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/acme"
)

// ACMEIssuer obtains certificates from an ACME directory using the
// tls-alpn-01 challenge. While a challenge for a domain is outstanding, the
// gateway's TLS listener answers acme-tls/1 handshakes with the challenge
// certificate via ChallengeCert.
type ACMEIssuer struct {
	directoryURL string
	email        string
	logger       *slog.Logger

	clientMu sync.Mutex // protects client initialization
	client   *acme.Client

	challengeMu sync.RWMutex
	challenges  map[string]*tls.Certificate
}

// NewACMEIssuer creates an issuer against the given ACME directory.
func NewACMEIssuer(directoryURL, email string, logger *slog.Logger) *ACMEIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ACMEIssuer{
		directoryURL: directoryURL,
		email:        email,
		logger:       logger,
		challenges:   make(map[string]*tls.Certificate),
	}
}

func (a *ACMEIssuer) Name() string { return "acme" }

// ChallengeCert returns the outstanding tls-alpn-01 challenge certificate for
// the domain, if any. The TLS listener consults this for acme-tls/1 ALPN
// handshakes.
func (a *ACMEIssuer) ChallengeCert(domain string) (*tls.Certificate, bool) {
	a.challengeMu.RLock()
	defer a.challengeMu.RUnlock()
	cert, ok := a.challenges[domain]
	return cert, ok
}

func (a *ACMEIssuer) ensureClient(ctx context.Context) (*acme.Client, error) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate acme account key: %w", err)
	}

	client := &acme.Client{Key: accountKey, DirectoryURL: a.directoryURL}
	account := &acme.Account{}
	if a.email != "" {
		account.Contact = []string{"mailto:" + a.email}
	}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil {
		return nil, fmt.Errorf("register acme account: %w", err)
	}

	a.logger.Info("acme account registered", "directory", a.directoryURL)
	a.client = client
	return client, nil
}

// Issue performs the full order flow for one domain: authorize, solve the
// tls-alpn-01 challenge, finalize with a fresh key, and return the chain.
func (a *ACMEIssuer) Issue(ctx context.Context, domain string) (*Certificate, error) {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, fmt.Errorf("authorize order for %s: %w", domain, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := a.solveAuthorization(ctx, client, domain, authzURL); err != nil {
			return nil, err
		}
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("wait order for %s: %w", domain, err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key for %s: %w", domain, err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return nil, fmt.Errorf("create csr for %s: %w", domain, err)
	}

	chainDER, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csrDER, true)
	if err != nil {
		return nil, fmt.Errorf("finalize order for %s: %w", domain, err)
	}

	var certPEM []byte
	for _, der := range chainDER {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate key for %s: %w", domain, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cert, err := fromPEM(domain, certPEM, keyPEM, a.Name())
	if err != nil {
		return nil, err
	}
	a.logger.Info("certificate issued", "domain", domain, "expires_at", cert.ExpiresAt)
	return cert, nil
}

func (a *ACMEIssuer) solveAuthorization(ctx context.Context, client *acme.Client, domain, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization for %s: %w", domain, err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "tls-alpn-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("authorization for %s offers no tls-alpn-01 challenge", domain)
	}

	challengeCert, err := client.TLSALPN01ChallengeCert(challenge.Token, domain)
	if err != nil {
		return fmt.Errorf("build challenge certificate for %s: %w", domain, err)
	}

	a.challengeMu.Lock()
	a.challenges[domain] = &challengeCert
	a.challengeMu.Unlock()
	defer func() {
		a.challengeMu.Lock()
		delete(a.challenges, domain)
		a.challengeMu.Unlock()
	}()

	if _, err := client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("accept challenge for %s: %w", domain, err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("wait authorization for %s: %w", domain, err)
	}
	return nil
}
