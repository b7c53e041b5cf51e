package authflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/reliablestore/storefront/internal/identity"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/metrics"
)

type cartMerger interface {
	Merge(ctx context.Context, userID, deviceID string) error
	Forget(ctx context.Context, userID, deviceID string)
}

type cartClearer interface {
	Clear(ctx context.Context, deviceID string)
}

// PageParams wires a Page.
type PageParams struct {
	ID       string
	DeviceID string
	ReturnTo string
	Identity identity.Provider
	Session  *identity.Session
	Merger   cartMerger
	Carts    cartClearer

	CloseOnOutsideClick bool
	MinPasswordLength   int
	Logger              *logger.Logger
	Metrics             *metrics.StorefrontMetrics
	Now                 func() time.Time
}

// Page is the server-side lifetime of one storefront page: it owns the
// identity session, exactly one auth-state subscription, the merge guard
// and the sign-in modal.
type Page struct {
	id       string
	deviceID string
	session  *identity.Session
	sub      *identity.Subscription
	guard    *Guard
	merger   cartMerger
	carts    cartClearer
	modal    *Controller
	logg     *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSeen time.Time
	disposed bool
}

// NewPage subscribes to the session and builds a closed modal. It does not
// contact the backend; call Restore for that.
func NewPage(params PageParams) *Page {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	p := &Page{
		id:       params.ID,
		deviceID: params.DeviceID,
		session:  params.Session,
		guard:    NewGuard(),
		merger:   params.Merger,
		carts:    params.Carts,
		logg:     logg,
		now:      now,
		lastSeen: now(),
	}

	p.modal = NewController(ControllerParams{
		Identity:            params.Identity,
		Session:             params.Session,
		OnSignIn:            p.mergeFor,
		ReturnTo:            params.ReturnTo,
		CloseOnOutsideClick: params.CloseOnOutsideClick,
		MinPasswordLength:   params.MinPasswordLength,
		Logger:              logg,
		Metrics:             params.Metrics,
	})
	if p.session != nil {
		p.sub = p.session.Subscribe(p.onAuthEvent)
	}
	return p
}

// ID returns the page id.
func (p *Page) ID() string { return p.id }

// DeviceID returns the device the page runs on.
func (p *Page) DeviceID() string { return p.deviceID }

// Modal returns the sign-in modal.
func (p *Page) Modal() *Controller { return p.modal }

// Restore picks up the device token cache. A restored user triggers the
// guarded merge through the InitialSession event; the modal stays closed.
func (p *Page) Restore(ctx context.Context) *identity.User {
	if p.session == nil {
		return nil
	}
	return p.session.Restore(p.logCtx(ctx))
}

// Status reports who is signed in on this page.
func (p *Page) Status(ctx context.Context) identity.Status {
	p.Touch()
	if p.session == nil {
		return identity.Status{Source: identity.StatusSourceNone}
	}
	return p.session.Status(p.logCtx(ctx))
}

// Logout signs out, forgets the merge markers so the next sign-in merges
// again and clears the device cart when asked.
func (p *Page) Logout(ctx context.Context, clearCart bool) {
	p.Touch()
	ctx = p.logCtx(ctx)
	var user *identity.User
	if p.session != nil {
		user = p.session.User()
		p.session.SignOut(ctx)
	}
	if user != nil {
		p.guard.Forget(user.ID)
		if p.merger != nil {
			p.merger.Forget(ctx, user.ID, p.deviceID)
		}
	}
	if clearCart && p.carts != nil {
		p.carts.Clear(ctx, p.deviceID)
	}
	p.modal.Close(ctx, CloseProgrammatic)
	p.logg.Info(ctx, "page.logout")
}

// Touch records activity so the idle sweep keeps the page.
func (p *Page) Touch() {
	p.mu.Lock()
	p.lastSeen = p.now()
	p.mu.Unlock()
}

// IdleSince returns the time of the last activity.
func (p *Page) IdleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Dispose unsubscribes and closes the modal. It is safe to call twice.
func (p *Page) Dispose(ctx context.Context) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.mu.Unlock()

	p.sub.Unsubscribe()
	p.modal.Dispose(ctx)
	if p.session != nil {
		p.session.Close()
	}
}

func (p *Page) onAuthEvent(ctx context.Context, event identity.Event) {
	if event.User == nil {
		return
	}
	logCtx := p.logg.WithField(p.logCtx(ctx), "event", string(event.Type))
	if err := p.mergeFor(logCtx, *event.User); err != nil {
		p.logg.WarnErr(logCtx, "page.merge.failed", err)
	}
}

// mergeFor runs the cart merge at most once per signed-in user for the page.
func (p *Page) mergeFor(ctx context.Context, user identity.User) error {
	if p.merger == nil || strings.TrimSpace(user.ID) == "" {
		return nil
	}
	_, err := p.guard.Do(ctx, user.ID, func(ctx context.Context) error {
		return p.merger.Merge(ctx, user.ID, p.deviceID)
	})
	return err
}

func (p *Page) logCtx(ctx context.Context) context.Context {
	return p.logg.WithFields(ctx, map[string]any{"page_id": p.id, "device_id": p.deviceID})
}
