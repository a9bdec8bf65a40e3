// Package certs implements certificate storage and the per-domain certificate
// lifecycle: on-demand issuance, cached serving, and background renewal.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"
)

// Certificate is the stored certificate material for one domain, with expiry
// metadata. At most one valid certificate per domain is active at a time.
type Certificate struct {
	Domain    string
	CertPEM   []byte
	KeyPEM    []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string

	parsed *tls.Certificate
}

// TLS parses the PEM material into a tls.Certificate with the leaf populated.
// The parse result is cached on the Certificate.
func (c *Certificate) TLS() (*tls.Certificate, error) {
	if c.parsed != nil {
		return c.parsed, nil
	}
	pair, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate for %s: %w", c.Domain, err)
	}
	if pair.Leaf == nil && len(pair.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse leaf certificate for %s: %w", c.Domain, err)
		}
		pair.Leaf = leaf
	}
	c.parsed = &pair
	return c.parsed, nil
}

// ValidAt reports whether the certificate is usable at the given instant.
func (c *Certificate) ValidAt(t time.Time) bool {
	return t.After(c.IssuedAt) && t.Before(c.ExpiresAt)
}

// fromPEM builds a Certificate by parsing expiry metadata out of the leaf.
func fromPEM(domain string, certPEM, keyPEM []byte, issuer string) (*Certificate, error) {
	c := &Certificate{Domain: domain, CertPEM: certPEM, KeyPEM: keyPEM, Issuer: issuer}
	pair, err := c.TLS()
	if err != nil {
		return nil, err
	}
	c.IssuedAt = pair.Leaf.NotBefore
	c.ExpiresAt = pair.Leaf.NotAfter
	return c, nil
}
