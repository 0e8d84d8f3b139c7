package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/xycdaimi/AIFlow/core"
)

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAPIKey enforces submitter bearer-token auth. With no keys
// configured the API is open; intended for development only.
func (g *Gateway) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := g.configs.Current().APIKeys
		if len(keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, core.CodeMissingAPIKey, "", nil)
			return
		}
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, core.CodeInvalidAPIKey, "", nil)
	})
}

// requireInternalKey authenticates the worker completion callback with
// the shared secret.
func (g *Gateway) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := g.configs.Current().InternalKey
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(w, core.CodeInvalidInternalKey, "", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
