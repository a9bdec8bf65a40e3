package domain

import (
	"fmt"
	"strings"
	"time"
)

// Entrypoint identifies the listener a service is reachable through.
type Entrypoint string

const (
	// EntrypointHTTP is the plaintext listener.
	EntrypointHTTP Entrypoint = "http"
	// EntrypointTLS is the TLS-terminated listener.
	EntrypointTLS Entrypoint = "tls"
)

// Valid reports whether the entrypoint is one of the known listener identities.
func (e Entrypoint) Valid() bool {
	return e == EntrypointHTTP || e == EntrypointTLS
}

// MiddlewareKind enumerates the supported request/response transforms.
type MiddlewareKind string

const (
	MiddlewareBasicAuth MiddlewareKind = "basic-auth"
	MiddlewareHeaderSet MiddlewareKind = "header-set"
	MiddlewareRedirect  MiddlewareKind = "redirect"
)

// MiddlewareSpec is a pure function descriptor. Specs are stateless and may be
// shared by reference across service entries.
type MiddlewareSpec struct {
	Kind   MiddlewareKind    `yaml:"kind" json:"kind"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Validate checks that the spec names a known middleware kind.
func (m MiddlewareSpec) Validate() error {
	switch m.Kind {
	case MiddlewareBasicAuth, MiddlewareHeaderSet, MiddlewareRedirect:
		return nil
	default:
		return fmt.Errorf("unknown middleware kind %q", m.Kind)
	}
}

// Target is a single backend network address with its health flag. Health is
// declared by the metadata provider; the router skips unhealthy targets.
type Target struct {
	Address string `yaml:"address" json:"address"`
	Healthy bool   `yaml:"healthy" json:"healthy"`
}

// ServiceEntry is a declared backend service as consumed from external
// orchestrator metadata. Entries are immutable once registered; updates
// replace the whole entry atomically.
type ServiceEntry struct {
	ID           string           `yaml:"-" json:"id"`
	Rule         string           `yaml:"rule" json:"rule"`
	Entrypoint   Entrypoint       `yaml:"entrypoint" json:"entrypoint"`
	Resolver     string           `yaml:"tls_resolver,omitempty" json:"tls_resolver,omitempty"`
	Middlewares  []MiddlewareSpec `yaml:"middlewares,omitempty" json:"middlewares,omitempty"`
	Targets      []Target         `yaml:"targets" json:"targets"`
	Disabled     bool             `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	RegisteredAt time.Time        `yaml:"-" json:"registered_at"`
}

// Validate enforces the entry invariants: non-empty id, a syntactically valid
// rule, a known entrypoint, and at least one target unless disabled.
func (e *ServiceEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("service entry: id is required")
	}
	if strings.TrimSpace(e.Rule) == "" {
		return fmt.Errorf("service %q: %w: rule is empty", e.ID, ErrInvalidRule)
	}
	if !e.Entrypoint.Valid() {
		return fmt.Errorf("service %q: unknown entrypoint %q", e.ID, e.Entrypoint)
	}
	if len(e.Targets) == 0 && !e.Disabled {
		return fmt.Errorf("service %q: at least one target is required unless the entry is disabled", e.ID)
	}
	for i, mw := range e.Middlewares {
		if err := mw.Validate(); err != nil {
			return fmt.Errorf("service %q: middleware %d: %w", e.ID, i, err)
		}
	}
	return nil
}

// HealthyTargets returns the targets eligible for load balancing.
func (e *ServiceEntry) HealthyTargets() []Target {
	out := make([]Target, 0, len(e.Targets))
	for _, t := range e.Targets {
		if t.Healthy {
			out = append(out, t)
		}
	}
	return out
}
