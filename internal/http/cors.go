package httpx

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
)

const corsMaxAgeSeconds = 600

// newCORS allows credentialed browser requests from the configured origins.
// "*" allows any origin; an empty list allows none.
func newCORS(origins []string) *cors.Cors {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			allowed = append(allowed, origin)
		}
	}
	opts := cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           corsMaxAgeSeconds,
	}
	if len(allowed) == 0 {
		// an empty AllowedOrigins means "*" to the library
		opts.AllowOriginFunc = func(string) bool { return false }
	}
	return cors.New(opts)
}
