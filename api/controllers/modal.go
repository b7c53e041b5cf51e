package controllers

import (
	"context"
	"net/http"

	"github.com/reliablestore/storefront/api/responses"
	"github.com/reliablestore/storefront/api/validators"
	"github.com/reliablestore/storefront/internal/authflow"
	"github.com/reliablestore/storefront/pkg/logger"
)

type openModalRequest struct {
	Trigger string `json:"trigger" validate:"required,oneof=user page_load system"`
}

type identifierRequest struct {
	Identifier string `json:"identifier" validate:"max=320"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"max=1024"`
}

// Emptiness and shape are checked by the modal itself so the error lands on
// the signup step with the offending field.
type signupRequest struct {
	Name     string `json:"name" validate:"max=256"`
	Email    string `json:"email" validate:"max=320"`
	Password string `json:"password" validate:"max=1024"`
}

type closeModalRequest struct {
	Reason string `json:"reason" validate:"omitempty,oneof=close_button cancel"`
}

type keyRequest struct {
	Key string `json:"key" validate:"required,max=32"`
}

type modalAction func(ctx context.Context, modal *authflow.Controller, r *http.Request) (authflow.View, error)

// modalHandler resolves the page, runs the action against its modal and
// writes the resulting view.
func modalHandler(reg PageRegistry, logg *logger.Logger, action modalAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageFrom(w, r, reg, logg)
		if !ok {
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithPageID(ctx, page.ID())
		}
		view, err := action(ctx, page.Modal(), r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// ModalView returns the modal's current view.
func ModalView(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(_ context.Context, modal *authflow.Controller, _ *http.Request) (authflow.View, error) {
		return modal.View(), nil
	})
}

// ModalOpen opens the modal; only a user trigger is honoured.
func ModalOpen(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, r *http.Request) (authflow.View, error) {
		var payload openModalRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return authflow.View{}, err
		}
		return modal.Open(ctx, authflow.Trigger(payload.Trigger))
	})
}

func ModalSubmitIdentifier(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, r *http.Request) (authflow.View, error) {
		var payload identifierRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return authflow.View{}, err
		}
		return modal.SubmitIdentifier(ctx, payload.Identifier)
	})
}

func ModalSubmitPassword(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, r *http.Request) (authflow.View, error) {
		var payload passwordRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return authflow.View{}, err
		}
		return modal.SubmitPassword(ctx, payload.Password)
	})
}

func ModalSubmitSignup(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, r *http.Request) (authflow.View, error) {
		var payload signupRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return authflow.View{}, err
		}
		return modal.SubmitSignup(ctx, authflow.SignupInput{
			Name:     payload.Name,
			Email:    payload.Email,
			Password: payload.Password,
		})
	})
}

func ModalBack(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, _ *http.Request) (authflow.View, error) {
		return modal.Back(ctx)
	})
}

func ModalCancelSignup(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, _ *http.Request) (authflow.View, error) {
		return modal.CancelSignup(ctx)
	})
}

func ModalClose(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, r *http.Request) (authflow.View, error) {
		var payload closeModalRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			return authflow.View{}, err
		}
		reason := authflow.CloseButton
		if payload.Reason != "" {
			reason = authflow.CloseReason(payload.Reason)
		}
		return modal.Close(ctx, reason), nil
	})
}

func ModalOutsideClick(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, _ *http.Request) (authflow.View, error) {
		return modal.OutsideClick(ctx), nil
	})
}

func ModalKeyPress(reg PageRegistry, logg *logger.Logger) http.HandlerFunc {
	return modalHandler(reg, logg, func(ctx context.Context, modal *authflow.Controller, r *http.Request) (authflow.View, error) {
		var payload keyRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return authflow.View{}, err
		}
		return modal.KeyPress(ctx, payload.Key), nil
	})
}
