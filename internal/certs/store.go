package certs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edgeline/edgeline/pkg/domain"
)

// Store is durable key/value storage of domain -> certificate material.
type Store interface {
	Get(domain string) (*Certificate, error)
	Put(cert *Certificate) error
	Delete(domain string) error
	All() ([]*Certificate, error)
}

// MemoryStore is an in-memory Store used in tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[string]*Certificate
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: make(map[string]*Certificate)}
}

func (s *MemoryStore) Get(name string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrCertificateNotFound)
	}
	return cert, nil
}

func (s *MemoryStore) Put(cert *Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[cert.Domain] = cert
	return nil
}

func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.certs, name)
	return nil
}

func (s *MemoryStore) All() ([]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		out = append(out, cert)
	}
	return out, nil
}

// FileStore persists certificates as <domain>.crt / <domain>.key PEM pairs in
// a cache directory, so issued certificates survive restarts. Expiry metadata
// is recovered from the certificate itself on load.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	certs map[string]*Certificate
}

// NewFileStore opens (creating if needed) a certificate cache directory and
// loads any existing certificate pairs.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate cache dir %s: %w", dir, err)
	}
	s := &FileStore{dir: dir, certs: make(map[string]*Certificate)}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read certificate cache dir %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".crt") {
			continue
		}
		base := strings.TrimSuffix(name, ".crt")
		certPEM, err := os.ReadFile(filepath.Join(s.dir, base+".crt")) //nolint:gosec
		if err != nil {
			return fmt.Errorf("read cached certificate %s: %w", base, err)
		}
		keyPEM, err := os.ReadFile(filepath.Join(s.dir, base+".key")) //nolint:gosec
		if err != nil {
			// A certificate without its key is unusable, skip it
			continue
		}
		cert, err := fromPEM(base, certPEM, keyPEM, "")
		if err != nil {
			continue
		}
		s.certs[base] = cert
	}
	return nil
}

func (s *FileStore) Get(name string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrCertificateNotFound)
	}
	return cert, nil
}

func (s *FileStore) Put(cert *Certificate) error {
	base, err := safeName(cert.Domain)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, base+".key"), cert.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write key for %s: %w", cert.Domain, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, base+".crt"), cert.CertPEM, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write certificate for %s: %w", cert.Domain, err)
	}
	s.mu.Lock()
	s.certs[cert.Domain] = cert
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Delete(name string) error {
	base, err := safeName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.certs, name)
	s.mu.Unlock()
	_ = os.Remove(filepath.Join(s.dir, base+".crt"))
	_ = os.Remove(filepath.Join(s.dir, base+".key"))
	return nil
}

func (s *FileStore) All() ([]*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Certificate, 0, len(s.certs))
	for _, cert := range s.certs {
		out = append(out, cert)
	}
	return out, nil
}

// safeName rejects domains that would escape the cache directory.
func safeName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid certificate domain %q", name)
	}
	return name, nil
}
