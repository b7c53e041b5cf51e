package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/reliablestore/storefront/api/routes"
	"github.com/reliablestore/storefront/internal/authflow"
	"github.com/reliablestore/storefront/internal/cart"
	"github.com/reliablestore/storefront/internal/identity"
	"github.com/reliablestore/storefront/internal/identity/gotrue"
	"github.com/reliablestore/storefront/internal/identity/local"
	"github.com/reliablestore/storefront/pkg/auth/session"
	"github.com/reliablestore/storefront/pkg/config"
	"github.com/reliablestore/storefront/pkg/db"
	"github.com/reliablestore/storefront/pkg/instance"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/metrics"
	"github.com/reliablestore/storefront/pkg/migrate"
	"github.com/reliablestore/storefront/pkg/redis"
	"github.com/reliablestore/storefront/pkg/security"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		_ = dbClient.Close()
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	storefrontMetrics := metrics.NewStorefrontMetrics(registry)

	backend, err := newIdentityBackend(cfg, redisClient, dbClient, logg)
	if err != nil {
		logg.Error(ctx, "failed to create identity backend", err)
		os.Exit(1)
	}
	identityClient := identity.NewClient(backend, identity.TimeoutsFromConfig(cfg.Identity), storefrontMetrics, logg)

	events := cart.NewBroadcaster(redisClient, cfg.Cart.EventsChannel, logg)
	cartStore := cart.NewStore(cart.StoreParams{
		KV:        redisClient,
		Keyer:     redisClient,
		RecordKey: cfg.Cart.RecordKey,
		TTL:       cfg.Cart.RecordTTL,
		Notifier:  events,
		Logger:    logg,
		Metrics:   storefrontMetrics,
	})
	merger := authflow.NewMerger(authflow.MergerParams{
		Remote:    cart.NewUserCartRepository(dbClient.DB(), cfg.Cart.RemoteTimeout),
		Local:     cartStore,
		Markers:   redisClient,
		Keyer:     redisClient,
		MarkerTTL: cfg.Cart.RecordTTL,
		Logger:    logg,
		Metrics:   storefrontMetrics,
	})
	pages := authflow.NewRegistry(authflow.RegistryParams{
		Identity:   identityClient,
		TokenCache: redisClient,
		TokenKeyer: redisClient,
		TokenTTL:   cfg.JWT.RefreshTokenTTL(),
		Merger:     merger,
		Carts:      cartStore,
		Modal:      cfg.Modal,
		Logger:     logg,
		Metrics:    storefrontMetrics,
	})

	workers, cancelWorkers := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		pages.Run(workers)
	}()

	relayDone := make(chan struct{})
	sub, err := redisClient.Subscribe(workers, cfg.Cart.EventsChannel)
	if err != nil {
		logg.WarnErr(ctx, "cart events relay disabled", err)
		close(relayDone)
	} else {
		go func() {
			defer close(relayDone)
			events.Relay(workers, sub.Channel())
		}()
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":           cfg.App.Env,
		"addr":          addr,
		"instance":      instance.GetID(),
		"identity_mode": cfg.Identity.Mode,
	})
	logg.Info(ctx, "starting api server")

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, dbClient, redisClient, redisClient, cartStore, events, pages, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	exitCode := 0
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			exitCode = 1
		}
	case <-ctx.Done():
		logg.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)

	// open event streams would keep Shutdown waiting until the deadline
	events.Close()
	cancelWorkers()
	closeErr := server.Shutdown(shutdownCtx)
	cancel()
	<-sweeperDone
	if sub != nil {
		closeErr = multierr.Append(closeErr, sub.Close())
	}
	<-relayDone
	closeErr = multierr.Combine(closeErr, redisClient.Close(), dbClient.Close())
	if closeErr != nil {
		for _, err := range multierr.Errors(closeErr) {
			logg.Error(ctx, "error during shutdown", err)
		}
		exitCode = 1
	}
	logg.Info(ctx, "api server stopped")
	stop()
	os.Exit(exitCode)
}

func newIdentityBackend(cfg *config.Config, redisClient *redis.Client, dbClient *db.Client, logg *logger.Logger) (identity.Provider, error) {
	if !cfg.Identity.IsLocal() {
		return gotrue.NewClient(
			cfg.Identity.URL,
			cfg.Identity.AnonKey,
			gotrue.WithExistencePath(cfg.Identity.ExistencePath),
		)
	}

	sessions, err := session.NewManager(redisClient, cfg.JWT)
	if err != nil {
		return nil, err
	}
	return local.NewProvider(local.ProviderParams{
		Customers:           local.NewRepository(dbClient.DB()),
		Hasher:              security.NewHasher(cfg.Password),
		Sessions:            sessions,
		JWT:                 cfg.JWT,
		RequireConfirmation: cfg.Identity.RequireConfirmation,
		Logger:              logg,
	})
}
