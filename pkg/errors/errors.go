package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"
	CodeCredential        Code = "CREDENTIAL_ERROR"
	CodeDuplicateAccount  Code = "DUPLICATE_ACCOUNT"
	CodeStorage           Code = "STORAGE_ERROR"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeStateConflict     Code = "STATE_CONFLICT"
	CodeRateLimit         Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeRemoteUnavailable: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "unable to check right now, try again",
		DetailsAllowed: true,
	},
	CodeCredential: {
		HTTPStatus:     http.StatusUnauthorized,
		Retryable:      false,
		PublicMessage:  "sign in failed",
		DetailsAllowed: true,
	},
	CodeDuplicateAccount: {
		HTTPStatus:     http.StatusConflict,
		Retryable:      false,
		PublicMessage:  "an account already exists for this email",
		DetailsAllowed: true,
	},
	CodeStorage: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "storage unavailable",
		DetailsAllowed: false,
	},
	CodeUnauthorized: {
		HTTPStatus:     http.StatusUnauthorized,
		Retryable:      false,
		PublicMessage:  "authentication required",
		DetailsAllowed: false,
	},
	CodeNotFound: {
		HTTPStatus:     http.StatusNotFound,
		Retryable:      false,
		PublicMessage:  "resource not found",
		DetailsAllowed: false,
	},
	CodeStateConflict: {
		HTTPStatus:     http.StatusConflict,
		Retryable:      false,
		PublicMessage:  "state transition disallowed",
		DetailsAllowed: true,
	},
	CodeRateLimit: {
		HTTPStatus:     http.StatusTooManyRequests,
		Retryable:      false,
		PublicMessage:  "rate limit exceeded",
		DetailsAllowed: false,
	},
	CodeInternal: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "internal server error",
		DetailsAllowed: false,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the outermost typed error, or CodeInternal.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		if typed, ok := err.(*Error); ok && typed.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}
