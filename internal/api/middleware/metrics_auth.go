package middleware

import (
	"net/http"

	"orderbook/pkg/crypto"
)

// MetricsAuth - HTTP Basic Auth для /metrics
//
// Пароль хранится в конфигурации только как bcrypt-хеш.
// creds == nil означает, что доступ не ограничен (учетные данные не заданы).
func MetricsAuth(creds *crypto.Credentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if creds == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || creds.Verify(user, pass) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
