// Package middleware provides HTTP middleware for the turn log API.
package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, X-Turnkeeper-Session-ID, Last-Event-ID"
)

// originPolicy is the allow-list CORS decisions are made against.
type originPolicy struct {
	any      bool
	explicit map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{explicit: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.explicit[o] = struct{}{}
		}
	}
	return p
}

// allow reports whether origin may call the API and whether it may send
// credentials. Only explicitly listed origins get credentials.
func (p originPolicy) allow(origin string) (allowed, credentials bool) {
	if _, ok := p.explicit[origin]; ok {
		return true, true
	}
	return p.any, false
}

// CORS returns middleware that answers cross-origin requests from the
// configured origins. Requests without an Origin header pass through
// untouched. Preflights end here: 204 for allowed origins, 403 otherwise.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			allowed, credentials := policy.allow(origin)
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				if credentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
