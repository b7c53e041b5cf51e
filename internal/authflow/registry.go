package authflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reliablestore/storefront/internal/identity"
	"github.com/reliablestore/storefront/pkg/config"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/metrics"
)

type tokenCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type tokenCacheKeyer interface {
	TokenCacheKey(deviceID string) string
}

// RegistryParams wires a Registry.
type RegistryParams struct {
	Identity   identity.Provider
	TokenCache tokenCache
	TokenKeyer tokenCacheKeyer
	// TokenTTL bounds the device token cache.
	TokenTTL time.Duration
	Merger   cartMerger
	Carts    cartClearer
	Modal    config.ModalConfig
	Logger   *logger.Logger
	Metrics  *metrics.StorefrontMetrics
	Now      func() time.Time
}

// Registry holds the live page sessions of this instance.
type Registry struct {
	params RegistryParams
	logg   *logger.Logger
	now    func() time.Time

	mu    sync.RWMutex
	pages map[string]*Page
}

// NewRegistry returns an empty registry.
func NewRegistry(params RegistryParams) *Registry {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		params: params,
		logg:   logg,
		now:    now,
		pages:  make(map[string]*Page),
	}
}

// Create registers a page for the device, restores the device's identity
// session and returns the page. The modal starts closed and stays closed
// until the user opens it.
func (r *Registry) Create(ctx context.Context, deviceID, returnTo string) (*Page, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "device id is required")
	}

	session := identity.NewSession(identity.SessionParams{
		Provider: r.params.Identity,
		Cache:    r.params.TokenCache,
		Keyer:    r.params.TokenKeyer,
		DeviceID: deviceID,
		TTL:      r.params.TokenTTL,
		Logger:   r.logg,
		Now:      r.now,
	})
	page := NewPage(PageParams{
		ID:                  uuid.NewString(),
		DeviceID:            deviceID,
		ReturnTo:            sanitizeReturnTo(returnTo),
		Identity:            r.params.Identity,
		Session:             session,
		Merger:              r.params.Merger,
		Carts:               r.params.Carts,
		CloseOnOutsideClick: r.params.Modal.CloseOnOutsideClick,
		MinPasswordLength:   r.params.Modal.MinPasswordLength,
		Logger:              r.logg,
		Metrics:             r.params.Metrics,
		Now:                 r.now,
	})

	r.mu.Lock()
	r.pages[page.ID()] = page
	active := len(r.pages)
	r.mu.Unlock()
	r.params.Metrics.SetActivePages(active)

	page.Restore(ctx)
	r.logg.Info(page.logCtx(ctx), "page.created")
	return page, nil
}

// Get returns a live page and marks it active.
func (r *Registry) Get(pageID string) (*Page, error) {
	r.mu.RLock()
	page, ok := r.pages[strings.TrimSpace(pageID)]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "page session not found")
	}
	page.Touch()
	return page, nil
}

// Dispose removes and disposes the page.
func (r *Registry) Dispose(ctx context.Context, pageID string) error {
	r.mu.Lock()
	page, ok := r.pages[strings.TrimSpace(pageID)]
	if ok {
		delete(r.pages, page.ID())
	}
	active := len(r.pages)
	r.mu.Unlock()
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "page session not found")
	}

	r.params.Metrics.SetActivePages(active)
	page.Dispose(ctx)
	r.logg.Info(page.logCtx(ctx), "page.disposed")
	return nil
}

// Len reports how many pages are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pages)
}

// Sweep disposes pages idle for longer than the configured TTL and returns
// how many it removed.
func (r *Registry) Sweep(ctx context.Context) int {
	ttl := r.params.Modal.PageIdleTTL
	if ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-ttl)

	var idle []*Page
	r.mu.Lock()
	for id, page := range r.pages {
		if page.IdleSince().Before(cutoff) {
			idle = append(idle, page)
			delete(r.pages, id)
		}
	}
	active := len(r.pages)
	r.mu.Unlock()

	if len(idle) == 0 {
		return 0
	}
	r.params.Metrics.SetActivePages(active)
	for _, page := range idle {
		page.Dispose(ctx)
	}
	logCtx := r.logg.WithField(ctx, "pages", len(idle))
	r.logg.Info(logCtx, "page.sweep.disposed")
	return len(idle)
}

// Run sweeps on the configured interval until ctx is done, then disposes
// every remaining page.
func (r *Registry) Run(ctx context.Context) {
	interval := r.params.Modal.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.disposeAll(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Registry) disposeAll(ctx context.Context) {
	r.mu.Lock()
	pages := r.pages
	r.pages = make(map[string]*Page)
	r.mu.Unlock()

	for _, page := range pages {
		page.Dispose(ctx)
	}
	r.params.Metrics.SetActivePages(0)
}

// sanitizeReturnTo keeps redirects on the storefront: only absolute paths
// are honoured.
func sanitizeReturnTo(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}
	return raw
}
