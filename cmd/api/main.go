package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"communa.org/internal/audit"
	"communa.org/internal/config"
	"communa.org/internal/httpapi"
	"communa.org/internal/impersonate"
	"communa.org/internal/obs"
	"communa.org/internal/session"
	"communa.org/internal/store/pg"
	"communa.org/internal/stream"
	"communa.org/internal/tenant"
)

var version = "0.3.1"

// liveNotifier forwards committed audit entries to the SSE feed and the
// per-action counter.
type liveNotifier struct {
	feed *stream.Stream
}

func (n liveNotifier) Publish(entry audit.Entry) {
	obs.CountAuditEntry(string(entry.Action))
	n.feed.Publish(entry)
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("COMMUNA_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tokens, err := session.NewTokens(cfg.AuthSecret, session.WithIssuer(cfg.TokenIssuer))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	feed := stream.New()
	notify := liveNotifier{feed: feed}

	// Postgres when a DSN is configured, in-memory otherwise (dev mode).
	var (
		store    tenant.Store
		auditLog audit.Log
		probe    httpapi.ReadyProbe
		closeFn  func() error
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		auditLog = pg.NewAuditLog(pgStore)
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		closeFn = pgStore.Close
	} else {
		log.Print("COMMUNA_PG_DSN not set, using in-memory store")
		memLog := audit.NewInMemory()
		store = tenant.NewInMemory(memLog)
		auditLog = memLog
	}

	svc, err := tenant.NewService(store, tenant.WithNotifier(notify))
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	imp, err := impersonate.NewManager(store, auditLog, tokens,
		impersonate.WithSessionTTL(cfg.ImpersonateTTL),
		impersonate.WithResumeTTL(cfg.AccessTTL),
		impersonate.WithNotifier(notify),
	)
	if err != nil {
		log.Fatalf("impersonation: %v", err)
	}

	api := httpapi.New(svc, imp, auditLog, tokens, feed, probe, httpapi.Config{
		Version:      version,
		AccessTTL:    cfg.AccessTTL,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSecond,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	// No WriteTimeout: the audit SSE stream is long-lived.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting communa-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if closeFn != nil {
		_ = closeFn()
	}
	log.Println("Stopped")
}
