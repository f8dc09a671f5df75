package middleware

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyCookie carries the status key for browser clients that cannot set
// headers, such as websocket viewers.
const APIKeyCookie = "api_key"

// AuthMiddleware requires the X-Api-Key header or the api_key cookie to match
// key. An empty key disables the check.
func AuthMiddleware(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Logowanie bez klucza
		if key == "" || r.URL.Path == "/auth/login" {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get("X-Api-Key")
		if presented == "" {
			if cookie, err := r.Cookie(APIKeyCookie); err == nil {
				presented = cookie.Value
			}
		}

		if !Matches(presented, key) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Matches compares a presented key with the configured one in constant time.
func Matches(presented, key string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}
