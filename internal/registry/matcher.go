package registry

import (
	"fmt"
	"net"
	"strings"

	"github.com/edgeline/edgeline/pkg/domain"
)

// Rule is a parsed host rule. The textual form is "host" or "host/path",
// where host may carry a leading "*." wildcard covering exactly one label,
// like a certificate wildcard:
//
//	api.example.com
//	*.example.com
//	example.com/api
type Rule struct {
	Host       string
	Wildcard   bool
	PathPrefix string
	raw        string
}

// ParseRule parses and validates a host rule expression.
func ParseRule(s string) (Rule, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", domain.ErrInvalidRule)
	}

	host := raw
	path := ""
	if i := strings.Index(raw, "/"); i >= 0 {
		host, path = raw[:i], raw[i:]
	}

	r := Rule{Host: strings.ToLower(host), PathPrefix: path, raw: raw}
	if strings.HasPrefix(r.Host, "*.") {
		r.Wildcard = true
		r.Host = r.Host[2:]
	}
	if r.Host == "" || strings.ContainsAny(r.Host, " *") {
		return Rule{}, fmt.Errorf("%w: malformed host in %q", domain.ErrInvalidRule, raw)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		return Rule{}, fmt.Errorf("%w: malformed path prefix in %q", domain.ErrInvalidRule, raw)
	}
	return r, nil
}

// Matches reports whether the rule matches the request authority and path.
// The authority may carry a port, which is ignored.
func (r Rule) Matches(host, path string) bool {
	if !r.MatchesHost(host) {
		return false
	}
	if r.PathPrefix != "" && !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	return true
}

// MatchesHost reports whether the rule's host pattern covers the host,
// ignoring any path prefix. A wildcard covers exactly one label, so
// *.example.com matches api.example.com but not a.b.example.com.
func (r Rule) MatchesHost(host string) bool {
	host = strings.ToLower(stripPort(host))
	if !r.Wildcard {
		return host == r.Host
	}
	sub, ok := strings.CutSuffix(host, "."+r.Host)
	return ok && sub != "" && !strings.Contains(sub, ".")
}

// moreSpecific orders rules for matching priority: an exact host beats a
// wildcard, and a longer path prefix beats a shorter one.
func (r Rule) moreSpecific(other Rule) bool {
	if r.Wildcard != other.Wildcard {
		return !r.Wildcard
	}
	return len(r.PathPrefix) > len(other.PathPrefix)
}

func (r Rule) String() string { return r.raw }

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
