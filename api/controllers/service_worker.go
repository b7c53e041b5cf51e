package controllers

import (
	_ "embed"
	"net/http"
)

//go:embed static/sw.js
var serviceWorker []byte

// ServiceWorker serves the storefront service worker from the site root so it
// may control every page.
func ServiceWorker() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Service-Worker-Allowed", "/")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(serviceWorker)
		}
	}
}
