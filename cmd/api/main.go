package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pymemad.org/internal/access"
	"pymemad.org/internal/config"
	"pymemad.org/internal/httpapi"
	"pymemad.org/internal/obs"
	"pymemad.org/internal/store/memory"
	"pymemad.org/internal/store/pg"
)

// Overridden at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Store selection: Postgres when a DSN is configured, otherwise the
	// in-memory store (dev and tests).
	var (
		store access.Store
		probe httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Printf("no PYMEMAD_PG_DSN configured, using in-memory store")
		store = memory.New()
	}

	cache := access.NewDecisionCache(cfg.Resolver.CacheSize, cfg.Resolver.CacheTTL)

	service, err := access.NewService(store, access.WithCacheInvalidation(cache))
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	resolver, err := access.NewResolver(store,
		access.WithCheckTimeout(cfg.Resolver.CheckTimeout),
		access.WithDecisionCache(cache),
	)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	authn, err := httpapi.NewAuthenticator([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenIssuer)
	if err != nil {
		log.Fatalf("authenticator: %v", err)
	}

	api := httpapi.New(service, resolver, authn, probe, version)
	handler := httpapi.RateLimit(api.Handler(), cfg.Server.RateLimitBurst, cfg.Server.RateLimitPerSec)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting pymemad-access %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
