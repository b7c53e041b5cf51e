package authflow

import (
	"context"
	"strings"
	"sync"

	"github.com/reliablestore/storefront/internal/identity"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/metrics"
)

// DefaultMinPasswordLength applies when the controller is built without one.
const DefaultMinPasswordLength = 6

type sessionPrimer interface {
	SetSession(ctx context.Context, result *identity.AuthResult) error
}

// SignedInFunc runs after the identity session holds a fresh sign-in. The
// page session passes its guarded cart merge.
type SignedInFunc func(ctx context.Context, user identity.User) error

// ViewError is the message shown next to a field or on top of the form.
type ViewError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// View is what the page renders.
type View struct {
	Step                 Step       `json:"step"`
	Email                string     `json:"email,omitempty"`
	Busy                 bool       `json:"busy"`
	Error                *ViewError `json:"error,omitempty"`
	ConfirmationRequired bool       `json:"confirmation_required,omitempty"`
	RedirectTo           string     `json:"redirect_to,omitempty"`
}

// ControllerParams wires a Controller.
type ControllerParams struct {
	Identity identity.Provider
	Session  sessionPrimer
	OnSignIn SignedInFunc
	// ReturnTo is where the page navigates after a password sign-in.
	ReturnTo            string
	CloseOnOutsideClick bool
	MinPasswordLength   int
	Logger              *logger.Logger
	Metrics             *metrics.StorefrontMetrics
}

// Controller is the sign-in modal of one page. Its lock is never held
// across a backend call: a busy flag rejects a second submission while one
// is in flight and a generation counter discards results that arrive after
// the modal was closed or moved on.
type Controller struct {
	identity       identity.Provider
	session        sessionPrimer
	onSignIn       SignedInFunc
	returnTo       string
	closeOnOutside bool
	minPassword    int
	logg           *logger.Logger
	metrics        *metrics.StorefrontMetrics

	mu                   sync.Mutex
	step                 Step
	generation           uint64
	busy                 bool
	email                string
	lastErr              *pkgerrors.Error
	confirmationRequired bool
	redirectTo           string
	disposed             bool
}

// NewController returns a closed modal.
func NewController(params ControllerParams) *Controller {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	minPassword := params.MinPasswordLength
	if minPassword <= 0 {
		minPassword = DefaultMinPasswordLength
	}
	return &Controller{
		identity:       params.Identity,
		session:        params.Session,
		onSignIn:       params.OnSignIn,
		returnTo:       params.ReturnTo,
		closeOnOutside: params.CloseOnOutsideClick,
		minPassword:    minPassword,
		logg:           logg,
		metrics:        params.Metrics,
		step:           StepClosed,
	}
}

// View returns the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Step returns the current step.
func (c *Controller) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Open shows the Enter step. Only a user action may open the modal; any
// other trigger is refused.
func (c *Controller) Open(ctx context.Context, trigger Trigger) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return c.viewLocked(), conflict(c.step, "page is gone")
	}
	if trigger != TriggerUser {
		logCtx := c.logg.WithField(ctx, "trigger", string(trigger))
		c.logg.Warn(logCtx, "authflow.open.refused")
		return c.viewLocked(), conflict(c.step, "the sign in form only opens on request")
	}
	if c.step != StepClosed {
		return c.viewLocked(), nil
	}

	c.resetLocked()
	c.generation++
	c.transitionLocked(StepEnter)
	return c.viewLocked(), nil
}

// SubmitIdentifier checks whether the email or phone belongs to an account
// and moves to Password or Signup.
func (c *Controller) SubmitIdentifier(ctx context.Context, raw string) (View, error) {
	c.mu.Lock()
	if err := c.acceptLocked(StepEnter); err != nil {
		defer c.mu.Unlock()
		return c.viewLocked(), err
	}
	parsed, verr := parseIdentifier(raw)
	if verr != nil {
		defer c.mu.Unlock()
		c.lastErr = verr
		return c.viewLocked(), verr
	}
	gen := c.beginLocked()
	c.mu.Unlock()

	existence, err := c.identity.CheckExists(ctx, parsed.value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if stale := c.finishLocked(ctx, gen); stale != nil {
		return c.viewLocked(), stale
	}

	switch {
	case err != nil || !existence.Known:
		if parsed.isPhone {
			c.lastErr = asStepError(orUnavailable(err), StepEnter, FieldIdentifier)
			return c.viewLocked(), c.lastErr
		}
		// inconclusive: try sign-in rather than risk a duplicate account
		c.logg.WarnErr(c.logg.WithField(ctx, "step", string(StepEnter)), "authflow.existence.inconclusive", err)
		c.email = parsed.value
		c.transitionLocked(StepPassword)
	case existence.Exists && (existence.Email != "" || !parsed.isPhone):
		email := identity.NormalizeEmail(existence.Email)
		if email == "" {
			email = parsed.email()
		}
		c.email = email
		c.transitionLocked(StepPassword)
	default:
		// a phone row without an email cannot sign in with a password
		c.email = parsed.email()
		c.transitionLocked(StepSignup)
	}
	return c.viewLocked(), nil
}

// SubmitPassword signs in with the email chosen on the Enter step. On
// success the identity session is primed, the cart merge runs, the modal
// closes and the view carries the redirect target.
func (c *Controller) SubmitPassword(ctx context.Context, password string) (View, error) {
	c.mu.Lock()
	if err := c.acceptLocked(StepPassword); err != nil {
		defer c.mu.Unlock()
		return c.viewLocked(), err
	}
	if password == "" {
		defer c.mu.Unlock()
		c.lastErr = stepError(pkgerrors.CodeValidation, StepPassword, FieldPassword, "enter your password")
		return c.viewLocked(), c.lastErr
	}
	email := c.email
	gen := c.beginLocked()
	c.mu.Unlock()

	result, err := c.identity.SignInWithPassword(ctx, email, password)
	if err == nil && !result.HasSession() {
		err = pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "sign in returned no session")
	}

	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if stale := c.finishLocked(ctx, gen); stale != nil {
			return c.viewLocked(), stale
		}
		field := ""
		if pkgerrors.Is(err, pkgerrors.CodeCredential) {
			field = FieldPassword
		}
		c.lastErr = asStepError(err, StepPassword, field)
		return c.viewLocked(), c.lastErr
	}

	if stale := c.checkCurrent(ctx, gen); stale != nil {
		return c.View(), stale
	}
	c.establish(ctx, result)

	c.mu.Lock()
	defer c.mu.Unlock()
	if stale := c.finishLocked(ctx, gen); stale != nil {
		return c.viewLocked(), stale
	}
	c.generation++
	c.transitionLocked(StepClosed)
	c.redirectTo = c.returnTo
	c.logg.Info(c.logg.WithUserID(ctx, result.User.ID), "authflow.signed_in")
	return c.viewLocked(), nil
}

// SubmitSignup creates the account. The form is checked locally first and
// nothing is sent when it is incomplete.
func (c *Controller) SubmitSignup(ctx context.Context, input SignupInput) (View, error) {
	c.mu.Lock()
	if err := c.acceptLocked(StepSignup); err != nil {
		defer c.mu.Unlock()
		return c.viewLocked(), err
	}
	if strings.TrimSpace(input.Email) == "" {
		input.Email = c.email
	}
	form, verr := validateSignup(input, c.minPassword)
	if verr != nil {
		defer c.mu.Unlock()
		c.lastErr = verr
		return c.viewLocked(), verr
	}
	gen := c.beginLocked()
	c.mu.Unlock()

	result, err := c.identity.SignUp(ctx, form.Email, form.Password, identity.Metadata{FullName: form.Name})
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if stale := c.finishLocked(ctx, gen); stale != nil {
			return c.viewLocked(), stale
		}
		c.lastErr = asStepError(err, StepSignup, signupField(err))
		return c.viewLocked(), c.lastErr
	}

	if stale := c.checkCurrent(ctx, gen); stale != nil {
		return c.View(), stale
	}
	signedIn := result.HasSession()
	if signedIn {
		c.establish(ctx, result)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if stale := c.finishLocked(ctx, gen); stale != nil {
		return c.viewLocked(), stale
	}
	c.email = form.Email
	c.confirmationRequired = !signedIn
	c.transitionLocked(StepConfirmation)
	return c.viewLocked(), nil
}

// Back returns from Password to Enter.
func (c *Controller) Back(ctx context.Context) (View, error) {
	return c.rewind(ctx, StepPassword)
}

// CancelSignup returns from Signup to Enter.
func (c *Controller) CancelSignup(ctx context.Context) (View, error) {
	return c.rewind(ctx, StepSignup)
}

// Close closes the modal from any step. Results still in flight are
// discarded when they arrive.
func (c *Controller) Close(ctx context.Context, reason CloseReason) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == StepClosed {
		return c.viewLocked()
	}
	c.closeLocked(ctx, reason)
	return c.viewLocked()
}

// OutsideClick closes the modal only when the deployment enables it.
func (c *Controller) OutsideClick(ctx context.Context) View {
	if !c.closeOnOutside {
		return c.View()
	}
	return c.Close(ctx, CloseOutsideClick)
}

// KeyPress closes the modal on the cancel key and ignores anything else.
func (c *Controller) KeyPress(ctx context.Context, key string) View {
	if _, ok := cancelKeys[strings.TrimSpace(key)]; !ok {
		return c.View()
	}
	return c.Close(ctx, CloseKey)
}

// Dispose closes the modal for good; later calls get a conflict.
func (c *Controller) Dispose(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	if c.step != StepClosed {
		c.closeLocked(ctx, CloseProgrammatic)
	}
	c.generation++
	c.disposed = true
}

func (c *Controller) rewind(ctx context.Context, from Step) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return c.viewLocked(), conflict(c.step, "page is gone")
	}
	if c.step != from {
		return c.viewLocked(), conflict(c.step, "nothing to go back from")
	}
	c.generation++
	c.busy = false
	c.lastErr = nil
	c.transitionLocked(StepEnter)
	return c.viewLocked(), nil
}

// establish primes the session and runs the sign-in hook. A failed merge is
// logged and does not undo the sign-in; the next auth event retries it.
func (c *Controller) establish(ctx context.Context, result *identity.AuthResult) {
	if c.session != nil {
		if err := c.session.SetSession(ctx, result); err != nil {
			c.logg.WarnErr(c.logg.WithUserID(ctx, result.User.ID), "authflow.session.prime_failed", err)
		}
	}
	if c.onSignIn != nil {
		if err := c.onSignIn(ctx, *result.User); err != nil {
			c.logg.WarnErr(c.logg.WithUserID(ctx, result.User.ID), "authflow.merge.failed", err)
		}
	}
}

func (c *Controller) acceptLocked(step Step) *pkgerrors.Error {
	switch {
	case c.disposed:
		return conflict(c.step, "page is gone")
	case c.step != step:
		return conflict(c.step, "the form has moved on, reload it")
	case c.busy:
		return conflict(c.step, "already working on it")
	}
	return nil
}

func (c *Controller) beginLocked() uint64 {
	c.busy = true
	c.lastErr = nil
	return c.generation
}

func (c *Controller) checkCurrent(ctx context.Context, gen uint64) *pkgerrors.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.disposed {
		c.logg.Info(ctx, "authflow.result.stale")
		return conflict(c.step, "the form was closed")
	}
	return nil
}

// finishLocked clears the busy flag for the current generation and reports
// results that belong to an older one.
func (c *Controller) finishLocked(ctx context.Context, gen uint64) *pkgerrors.Error {
	if c.generation != gen || c.disposed {
		c.logg.Info(ctx, "authflow.result.stale")
		return conflict(c.step, "the form was closed")
	}
	c.busy = false
	return nil
}

func (c *Controller) closeLocked(ctx context.Context, reason CloseReason) {
	c.generation++
	c.transitionLocked(StepClosed)
	c.resetLocked()
	c.logg.Debug(c.logg.WithField(ctx, "reason", string(reason)), "authflow.closed")
}

func (c *Controller) resetLocked() {
	c.busy = false
	c.email = ""
	c.lastErr = nil
	c.confirmationRequired = false
	c.redirectTo = ""
}

func (c *Controller) transitionLocked(to Step) {
	from := c.step
	c.step = to
	if from != to {
		c.metrics.ObserveTransition(string(from), string(to))
	}
}

func (c *Controller) viewLocked() View {
	view := View{
		Step:                 c.step,
		Email:                c.email,
		Busy:                 c.busy,
		ConfirmationRequired: c.confirmationRequired,
		RedirectTo:           c.redirectTo,
	}
	if c.lastErr != nil {
		view.Error = &ViewError{Code: string(c.lastErr.Code()), Message: c.lastErr.Message()}
		if d, ok := c.lastErr.Details().(map[string]any); ok {
			if field, ok := d["field"].(string); ok {
				view.Error.Field = field
			}
		}
	}
	return view
}

func signupField(err error) string {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeDuplicateAccount:
		return FieldEmail
	case pkgerrors.CodeValidation:
		return FieldPassword
	default:
		return ""
	}
}

func orUnavailable(err error) error {
	if err != nil {
		return err
	}
	return pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "unable to check right now, try again")
}
