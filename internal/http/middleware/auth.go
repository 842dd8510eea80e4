package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type AuthConfig struct {
	Token string
	// ProtectedPrefixes lists the path prefixes that require the token.
	ProtectedPrefixes []string
	// Skip exempts matching requests, such as webhook calls that carry
	// their own secret.
	Skip func(r *http.Request) bool
}

// Auth checks a static bearer token. WebSocket upgrades may pass it as the
// token query parameter because browsers cannot set headers on them.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	prefixes := cfg.ProtectedPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/api/", "/ws/"}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Token == "" || !hasAnyPrefix(r.URL.Path, prefixes) || (cfg.Skip != nil && cfg.Skip(r)) {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	authorization := r.Header.Get("Authorization")
	if strings.HasPrefix(authorization, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
