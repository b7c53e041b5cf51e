// Package authflow drives the storefront sign-in modal and the page session
// that owns it: the identity session, its auth-state subscription and the
// once-per-sign-in cart merge.
package authflow

// Step is the modal state.
type Step string

const (
	StepClosed       Step = "closed"
	StepEnter        Step = "enter"
	StepPassword     Step = "password"
	StepSignup       Step = "signup"
	StepConfirmation Step = "confirmation"
)

// Trigger names what asked the modal to open. Only TriggerUser opens it.
type Trigger string

const (
	TriggerUser     Trigger = "user"
	TriggerPageLoad Trigger = "page_load"
	TriggerSystem   Trigger = "system"
)

// CloseReason is recorded when the modal closes.
type CloseReason string

const (
	CloseButton       CloseReason = "close_button"
	CloseCancel       CloseReason = "cancel"
	CloseKey          CloseReason = "cancel_key"
	CloseOutsideClick CloseReason = "outside_click"
	CloseSignedIn     CloseReason = "signed_in"
	CloseProgrammatic CloseReason = "programmatic"
)

// cancelKeys close the modal from the keyboard.
var cancelKeys = map[string]struct{}{
	"Escape": {},
	"Esc":    {},
}

// Field names used in error details.
const (
	FieldIdentifier = "identifier"
	FieldPassword   = "password"
	FieldName       = "name"
	FieldEmail      = "email"
)
