package instance

import (
	"os"

	"github.com/reliablestore/storefront/pkg/env"
)

// GetID returns the process instance identifier: STOREFRONT_INSTANCE_ID, the
// platform dyno name, the hostname, or "local".
func GetID() string {
	if id := env.Get("STOREFRONT_INSTANCE_ID", env.Get("DYNO", "")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
