package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reliablestore/storefront/api/controllers"
	"github.com/reliablestore/storefront/api/middleware"
	"github.com/reliablestore/storefront/internal/cart"
	"github.com/reliablestore/storefront/pkg/config"
	"github.com/reliablestore/storefront/pkg/logger"
)

// rateLimitStore counts sign-in attempts; pkg/redis satisfies it. A nil
// store switches the limiter off.
type rateLimitStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisP controllers.Pinger,
	limiter rateLimitStore,
	cartService cart.Service,
	cartEvents controllers.CartEvents,
	pages controllers.PageRegistry,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.AllowedOrigins),
	)

	identifyPolicy := middleware.NewAuthRateLimitPolicy(
		"identify",
		cfg.AuthRateLimit.IdentifyWindow,
		cfg.AuthRateLimit.IdentifyIPLimit,
		0,
	)
	loginPolicy := middleware.NewAuthRateLimitPolicy(
		"login",
		cfg.AuthRateLimit.LoginWindow,
		cfg.AuthRateLimit.LoginIPLimit,
		cfg.AuthRateLimit.LoginEmailLimit,
	)
	registerPolicy := middleware.NewAuthRateLimitPolicy(
		"register",
		cfg.AuthRateLimit.RegisterWindow,
		cfg.AuthRateLimit.RegisterIPLimit,
		cfg.AuthRateLimit.RegisterEmailLimit,
	)
	r.Get("/sw.js", controllers.ServiceWorker())

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    dbP,
			"redis": redisP,
		}))
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Device(logg, cfg.App.IsProd()))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", controllers.CartGet(cartService, logg))
			r.Delete("/", controllers.CartClear(cartService, logg))
			r.Get("/count", controllers.CartCount(cartService, logg))
			r.Get("/events", controllers.CartStream(cartService, cartEvents, cfg.Cart.EventsHeartbeat, logg))
			r.Post("/items", controllers.CartAddItem(cartService, logg))
			r.Put("/items/{itemID}", controllers.CartSetQuantity(cartService, logg))
			r.Delete("/items/{itemID}", controllers.CartRemoveItem(cartService, logg))
		})

		r.Route("/pages", func(r chi.Router) {
			r.Post("/", controllers.PageCreate(pages, logg))
			r.Route("/{pageID}", func(r chi.Router) {
				r.Delete("/", controllers.PageDispose(pages, logg))
				r.Get("/auth", controllers.PageAuthStatus(pages, logg))
				r.Post("/logout", controllers.PageLogout(pages, logg))

				r.Route("/modal", func(r chi.Router) {
					r.Get("/", controllers.ModalView(pages, logg))
					r.Post("/open", controllers.ModalOpen(pages, logg))
					r.With(middleware.AuthRateLimit(identifyPolicy, limiter, limiter, logg)).Post("/identifier", controllers.ModalSubmitIdentifier(pages, logg))
					r.With(middleware.AuthRateLimit(loginPolicy, limiter, limiter, logg)).Post("/password", controllers.ModalSubmitPassword(pages, logg))
					r.With(middleware.AuthRateLimit(registerPolicy, limiter, limiter, logg)).Post("/signup", controllers.ModalSubmitSignup(pages, logg))
					r.Post("/back", controllers.ModalBack(pages, logg))
					r.Post("/cancel-signup", controllers.ModalCancelSignup(pages, logg))
					r.Post("/close", controllers.ModalClose(pages, logg))
					r.Post("/outside-click", controllers.ModalOutsideClick(pages, logg))
					r.Post("/key", controllers.ModalKeyPress(pages, logg))
				})
			})
		})
	})

	return r
}
