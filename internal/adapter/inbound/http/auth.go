package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
)

// adminAuth guards the admin rule API. With a key hash configured, requests
// must carry a bearer key matching the argon2id hash. Without one, access
// falls back to localhost-only, which suits dev mode and SSH-tunneled
// operation.
func (t *Transport) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.keyHash == "" {
			if isLocalhost(r) {
				next.ServeHTTP(w, r)
				return
			}
			t.respondError(w, http.StatusForbidden, "admin API requires localhost access or a configured admin key")
			return
		}

		key, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			t.respondError(w, http.StatusUnauthorized, "admin API requires a bearer key")
			return
		}

		match, err := argon2id.ComparePasswordAndHash(key, t.keyHash)
		if err != nil {
			LoggerFromContext(r.Context()).Error("admin key comparison failed", "error", err)
		}
		if err != nil || !match {
			w.Header().Set("WWW-Authenticate", "Bearer")
			t.respondError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return token, token != ""
}

// isLocalhost checks if the request originates from a loopback address.
// It parses the host portion from r.RemoteAddr and checks for 127.0.0.1,
// ::1, or localhost. X-Forwarded-For is intentionally NOT trusted for
// security (an attacker could spoof it).
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port (unlikely with net/http, but be safe).
		host = r.RemoteAddr
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
