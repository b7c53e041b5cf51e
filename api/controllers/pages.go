package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/reliablestore/storefront/api/responses"
	"github.com/reliablestore/storefront/api/validators"
	"github.com/reliablestore/storefront/internal/authflow"
	"github.com/reliablestore/storefront/internal/identity"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
)

// PageRegistry owns the live page sessions.
type PageRegistry interface {
	Create(ctx context.Context, deviceID, returnTo string) (*authflow.Page, error)
	Get(pageID string) (*authflow.Page, error)
	Dispose(ctx context.Context, pageID string) error
}

type pageResponse struct {
	PageID   string          `json:"page_id"`
	DeviceID string          `json:"device_id"`
	Auth     identity.Status `json:"auth"`
	Modal    authflow.View   `json:"modal"`
}

type createPageRequest struct {
	ReturnTo string `json:"return_to" validate:"max=2048"`
}

type logoutRequest struct {
	ClearCart bool `json:"clear_cart"`
}

// pageFrom resolves the {pageID} route param to a live page owned by the
// calling device. Pages of other devices read as missing.
func pageFrom(w http.ResponseWriter, r *http.Request, reg PageRegistry, logg *logger.Logger) (*authflow.Page, bool) {
	deviceID, ok := deviceFrom(w, r, logg)
	if !ok {
		return nil, false
	}
	page, err := reg.Get(strings.TrimSpace(chi.URLParam(r, "pageID")))
	if err == nil && page.DeviceID() != deviceID {
		err = pkgerrors.New(pkgerrors.CodeNotFound, "page not found")
	}
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return nil, false
	}
	return page, true
}

// PageCreate registers a page for the calling device and restores its
// signed-in state. The sign-in modal starts closed.
func PageCreate(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}

		var payload createPageRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := reg.Create(r.Context(), deviceID, payload.ReturnTo)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, pageResponse{
			PageID:   page.ID(),
			DeviceID: page.DeviceID(),
			Auth:     page.Status(r.Context()),
			Modal:    page.Modal().View(),
		})
	}
}

// PageDispose tears a page down on unload.
func PageDispose(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageFrom(w, r, reg, logg)
		if !ok {
			return
		}
		if err := reg.Dispose(r.Context(), page.ID()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"page_id": page.ID(), "status": "disposed"})
	}
}

// PageAuthStatus reports whether somebody is signed in on the page.
func PageAuthStatus(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageFrom(w, r, reg, logg)
		if !ok {
			return
		}
		responses.WriteSuccess(w, page.Status(r.Context()))
	}
}

// PageLogout signs the page's device out, optionally emptying its cart.
func PageLogout(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageFrom(w, r, reg, logg)
		if !ok {
			return
		}

		var payload logoutRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page.Logout(r.Context(), payload.ClearCart)
		responses.WriteSuccess(w, page.Status(r.Context()))
	}
}
