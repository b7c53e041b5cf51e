package authflow

import (
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

// stepError builds an error carrying the step and field the page renders
// the message next to. field may be empty for form-level messages.
func stepError(code pkgerrors.Code, step Step, field, message string) *pkgerrors.Error {
	return pkgerrors.New(code, message).WithDetails(details(step, field))
}

// asStepError keeps the code and message of a backend error and attaches the
// step and field.
func asStepError(err error, step Step, field string) *pkgerrors.Error {
	typed := pkgerrors.As(err)
	if typed == nil {
		return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "unable to check right now, try again").
			WithDetails(details(step, field))
	}
	return pkgerrors.Wrap(typed.Code(), err, typed.Message()).WithDetails(details(step, field))
}

func details(step Step, field string) map[string]any {
	out := map[string]any{"step": string(step)}
	if field != "" {
		out["field"] = field
	}
	return out
}

func conflict(step Step, message string) *pkgerrors.Error {
	return stepError(pkgerrors.CodeStateConflict, step, "", message)
}
