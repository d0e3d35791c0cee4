package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires apiKey on every path not listed in public. The key is read
// from a Bearer token or the X-API-Key header; WebSocket upgrades may pass
// it as the api_key query parameter since browsers cannot set headers
// there. An empty apiKey disables the check.
func Auth(apiKey string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			token := requestToken(r)
			switch {
			case token == "":
				writeError(w, http.StatusUnauthorized, "missing api key")
			case subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1:
				writeError(w, http.StatusUnauthorized, "invalid api key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func requestToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("api_key")
	}
	return ""
}
