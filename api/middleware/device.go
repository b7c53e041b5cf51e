package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reliablestore/storefront/pkg/logger"
)

const (
	deviceHeader = "X-Device-Id"
	deviceCookie = "rs_device"

	deviceCookieMaxAge = 365 * 24 * time.Hour
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// Device resolves the caller's device id from the X-Device-Id header or the
// rs_device cookie and mints one when neither carries a usable value. The id
// is echoed back in both so the page can keep sending it.
func Device(logg *logger.Logger, secureCookie bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, minted := resolveDevice(r)

			w.Header().Set(deviceHeader, deviceID)
			if minted || !hasDeviceCookie(r, deviceID) {
				http.SetCookie(w, &http.Cookie{
					Name:     deviceCookie,
					Value:    deviceID,
					Path:     "/",
					MaxAge:   int(deviceCookieMaxAge.Seconds()),
					HttpOnly: true,
					Secure:   secureCookie,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := WithDeviceID(r.Context(), deviceID)
			if logg != nil {
				ctx = logg.WithDeviceID(ctx, deviceID)
				if minted {
					logg.Debug(ctx, "device.minted")
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveDevice(r *http.Request) (string, bool) {
	if id := strings.TrimSpace(r.Header.Get(deviceHeader)); deviceIDPattern.MatchString(id) {
		return id, false
	}
	if c, err := r.Cookie(deviceCookie); err == nil {
		if id := strings.TrimSpace(c.Value); deviceIDPattern.MatchString(id) {
			return id, false
		}
	}
	return uuid.NewString(), true
}

func hasDeviceCookie(r *http.Request, deviceID string) bool {
	c, err := r.Cookie(deviceCookie)
	return err == nil && c.Value == deviceID
}
