package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// Issuer obtains certificate material for a domain. Implementations perform
// the challenge/response exchange with an external certificate authority, or
// mint material locally for dev and test setups.
type Issuer interface {
	Name() string
	Issue(ctx context.Context, domain string) (*Certificate, error)
}

// SelfSignedIssuer mints self-signed ECDSA certificates locally. It backs dev
// mode and tests where no certificate authority is reachable.
type SelfSignedIssuer struct {
	TTL time.Duration
}

// NewSelfSignedIssuer creates an issuer minting certificates valid for ttl.
func NewSelfSignedIssuer(ttl time.Duration) *SelfSignedIssuer {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &SelfSignedIssuer{TTL: ttl}
}

func (s *SelfSignedIssuer) Name() string { return "self-signed" }

func (s *SelfSignedIssuer) Issue(_ context.Context, domain string) (*Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", domain, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial for %s: %w", domain, err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: domain},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(s.TTL),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate for %s: %w", domain, err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key for %s: %w", domain, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return fromPEM(domain, certPEM, keyPEM, s.Name())
}
