package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow.io/internal/audit"
	"caseflow.io/internal/config"
	"caseflow.io/internal/httpapi"
	"caseflow.io/internal/identity"
	"caseflow.io/internal/obs"
	"caseflow.io/internal/store/pg"
)

// Overridden at build time via -ldflags.
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithField("error", err.Error()).Fatal("load config")
	}

	// Persistence: Postgres when a DSN is set, otherwise the in-memory
	// store for single-node dev runs.
	var (
		store    identity.Store
		registry identity.RevocationRegistry
		recorder *audit.Recorder
		probe    httpapi.ReadyProbe
	)
	if cfg.DB.DSN != "" {
		pgStore, err := pg.Open(cfg.DB.DSN)
		if err != nil {
			log.WithField("error", err.Error()).Fatal("open postgres")
		}
		defer pgStore.Close()
		store = pgStore
		registry = pg.NewRegistry(pgStore.DB(), nil)
		recorder = audit.NewRecorder(pg.NewAuditStore(pgStore.DB()), nil)
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Warn("CASEFLOW_PG_DSN is not set; using in-memory store")
		store = identity.NewMemoryStore()
		registry = identity.NewMemoryRegistry(nil)
		recorder = audit.NewRecorder(nil, nil)
	}

	// The Redis blacklist takes over revocation checks when configured;
	// it keeps verification latency flat under load.
	if cfg.Redis.Endpoint != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		registry = identity.NewRedisRegistry(client, nil)
	}

	svc, err := identity.NewService(store, registry, recorder, []byte(cfg.Auth.SigningSecret),
		identity.WithIssuerName(cfg.Auth.Issuer),
		identity.WithAccessTTL(cfg.Auth.AccessTTL),
		identity.WithRefreshTTL(cfg.Auth.RefreshTTL),
		identity.WithResetTokenTTL(cfg.Auth.ResetTokenTTL),
		identity.WithRefreshRetention(cfg.Auth.RefreshRetention),
	)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("build identity service")
	}

	// Hourly maintenance sweep: expired blacklist entries, inactive
	// refresh records past retention, dead reset tokens.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.PurgeExpired(sweepCtx)
				if err != nil {
					log.WithField("error", err.Error()).Warn("maintenance sweep")
					continue
				}
				log.WithField("purged", n).Info("maintenance sweep")
			}
		}
	}()

	api := httpapi.New(svc, probe, version)
	handler := httpapi.SecurityHeaders(httpapi.MaxBodyBytes(api.Handler(), 1<<20))
	handler = httpapi.RateLimit(handler, 50, 25)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.WithField("addr", srv.Addr).WithField("version", version).Info("starting caseflow-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("stopped")
}
