package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each incoming request with whatever identity the
// chain has established so far: just the IP when it runs before auth, the
// verified username and group when it runs after.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
			}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				attrs = append(attrs, slog.String("ip", reqMeta.IP))
				if reqMeta.Username != "" {
					attrs = append(attrs,
						slog.String("username", reqMeta.Username),
						slog.String("groupID", reqMeta.GroupID))
				}
			}
			logger.Info("Incoming HTTP request", attrs...)
			next.ServeHTTP(w, r)
		})
	}
}
