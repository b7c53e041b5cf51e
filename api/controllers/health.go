package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/reliablestore/storefront/api/responses"
	"github.com/reliablestore/storefront/pkg/config"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
)

const readyTimeout = 2 * time.Second

const envHeader = "X-Storefront-Env"

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every named dependency; a nil pinger is reported as
// skipped rather than failing the probe.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := make(map[string]string, len(deps))
		var failed []string
		for name, dep := range deps {
			if dep == nil {
				checks[name] = "skipped"
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				if logg != nil {
					logg.WarnErr(logg.WithField(ctx, "dependency", name), "health.ready.ping_failed", err)
				}
				checks[name] = "down"
				failed = append(failed, name)
				continue
			}
			checks[name] = "up"
		}

		if len(failed) > 0 {
			err := pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "dependencies unavailable").
				WithDetails(map[string]any{"checks": checks})
			responses.WriteError(ctx, nil, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
