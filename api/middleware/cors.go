package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns middleware that applies the storefront's allowed origin policy.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", deviceHeader, requestIDHeader, "X-Requested-With"},
		ExposedHeaders:   []string{deviceHeader, requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
