package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/edgeline/edgeline/pkg/domain"
)

// applyMiddleware runs one middleware against the request. A true return
// means the middleware wrote the response and the chain must stop.
func (rt *Router) applyMiddleware(w http.ResponseWriter, r *http.Request, spec domain.MiddlewareSpec) bool {
	switch spec.Kind {
	case domain.MiddlewareBasicAuth:
		return rt.basicAuth(w, r, spec.Params)
	case domain.MiddlewareHeaderSet:
		for key, value := range spec.Params {
			r.Header.Set(key, value)
		}
		return false
	case domain.MiddlewareRedirect:
		location := spec.Params["location"]
		if location == "" {
			rt.logger.Warn("redirect middleware without location, skipping")
			return false
		}
		http.Redirect(w, r, location, http.StatusFound)
		return true
	default:
		rt.logger.Error("unknown middleware kind", "kind", spec.Kind)
		http.Error(w, "misconfigured service", http.StatusInternalServerError)
		return true
	}
}

// basicAuth checks the request against the "users" parameter, a comma
// separated list of user:password pairs. Comparison is constant time.
func (rt *Router) basicAuth(w http.ResponseWriter, r *http.Request, params map[string]string) bool {
	user, pass, ok := r.BasicAuth()
	if ok {
		for _, pair := range strings.Split(params["users"], ",") {
			wantUser, wantPass, found := strings.Cut(strings.TrimSpace(pair), ":")
			if !found {
				continue
			}
			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
			passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
			if userMatch && passMatch {
				return false
			}
		}
	}

	realm := params["realm"]
	if realm == "" {
		realm = "restricted"
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return true
}
