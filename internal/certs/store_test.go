package certs

import (
	"errors"
	"testing"
	"time"

	"github.com/edgeline/edgeline/pkg/domain"
)

func issueTestCert(t *testing.T, name string) *Certificate {
	t.Helper()
	cert, err := NewSelfSignedIssuer(time.Hour).Issue(t.Context(), name)
	if err != nil {
		t.Fatalf("issue test certificate: %v", err)
	}
	return cert
}

func TestFileStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cert := issueTestCert(t, "api.example.com")
	if err := store.Put(cert); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get("api.example.com")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Domain != cert.Domain || !got.ExpiresAt.Equal(cert.ExpiresAt) {
		t.Errorf("got %s/%v, want %s/%v", got.Domain, got.ExpiresAt, cert.Domain, cert.ExpiresAt)
	}

	// A fresh store over the same directory recovers the certificate.
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, err = reopened.Get("api.example.com")
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if _, err := got.TLS(); err != nil {
		t.Errorf("reloaded certificate unusable: %v", err)
	}

	if err := store.Delete("api.example.com"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get("api.example.com"); !errors.Is(err, domain.ErrCertificateNotFound) {
		t.Errorf("expected ErrCertificateNotFound after delete, got %v", err)
	}
}

func TestFileStoreRejectsPathEscape(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cert := issueTestCert(t, "api.example.com")
	for _, name := range []string{"", "../evil", "a/b", `a\b`} {
		cert.Domain = name
		if err := store.Put(cert); err == nil {
			t.Errorf("Put accepted domain %q", name)
		}
	}
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	store := NewMemoryStore()
	cert := issueTestCert(t, "api.example.com")

	if err := store.Put(cert); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := store.Get("api.example.com")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Domain != "api.example.com" {
		t.Errorf("got domain %q", got.Domain)
	}

	all, err := store.All()
	if err != nil || len(all) != 1 {
		t.Errorf("All() = %d certs, err %v, want 1", len(all), err)
	}
}
