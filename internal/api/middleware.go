/**
 * @description
 * This file contains custom middleware for the HTTP router. The
 * settlement-service is internal-only: its single caller is the marketplace
 * service, authenticated by a shared internal API key rather than end-user
 * credentials.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const internalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAuthMiddleware rejects requests whose internal API key header does
// not match the configured key. The comparison is constant-time.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := []byte(strings.TrimSpace(r.Header.Get(internalAPIKeyHeader)))
			if len(expected) == 0 ||
				len(presented) != len(expected) ||
				subtle.ConstantTimeCompare(presented, expected) != 1 {
				http.Error(w, "invalid internal api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
