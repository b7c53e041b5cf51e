package authflow

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/reliablestore/storefront/internal/identity"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("storefront_email", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("storefront_phone", func(fl validator.FieldLevel) bool {
		return identity.IsPhone(fl.Field().String())
	})
	return v
}

// SignupInput is the signup form.
type SignupInput struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,storefront_email"`
	Password string `json:"password" validate:"required"`
}

// parsedIdentifier is an identifier that passed validation.
type parsedIdentifier struct {
	value   string
	isPhone bool
}

// email is the identifier as a sign-in email, empty for phones.
func (p parsedIdentifier) email() string {
	if p.isPhone {
		return ""
	}
	return p.value
}

// parseIdentifier accepts an email address or a phone number of ten or more
// digits.
func parseIdentifier(raw string) (parsedIdentifier, *pkgerrors.Error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return parsedIdentifier{}, stepError(pkgerrors.CodeValidation, StepEnter, FieldIdentifier, "enter your email or phone number")
	}
	if validate.Var(value, "storefront_phone") == nil {
		return parsedIdentifier{value: value, isPhone: true}, nil
	}
	if validate.Var(value, "storefront_email") == nil {
		return parsedIdentifier{value: identity.NormalizeEmail(value)}, nil
	}
	return parsedIdentifier{}, stepError(pkgerrors.CodeValidation, StepEnter, FieldIdentifier, "enter a valid email or phone number")
}

// validateSignup checks the form without any network call.
func validateSignup(input SignupInput, minPassword int) (SignupInput, *pkgerrors.Error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Email = identity.NormalizeEmail(input.Email)

	if err := validate.Struct(input); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			switch errs[0].StructField() {
			case "Name":
				return input, stepError(pkgerrors.CodeValidation, StepSignup, FieldName, "enter your name")
			case "Email":
				return input, stepError(pkgerrors.CodeValidation, StepSignup, FieldEmail, "enter a valid email address")
			default:
				return input, stepError(pkgerrors.CodeValidation, StepSignup, FieldPassword, "enter a password")
			}
		}
		return input, stepError(pkgerrors.CodeValidation, StepSignup, "", "check the form and try again")
	}
	if len([]rune(input.Password)) < minPassword {
		return input, stepError(pkgerrors.CodeValidation, StepSignup, FieldPassword, passwordTooShort(minPassword))
	}
	return input, nil
}

func passwordTooShort(minPassword int) string {
	return "password must be at least " + strconv.Itoa(minPassword) + " characters"
}
