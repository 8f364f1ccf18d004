package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"campusone.org/internal/audit"
	"campusone.org/internal/auth"
	"campusone.org/internal/httpapi"
	"campusone.org/internal/ledger"
	"campusone.org/internal/obs"
	"campusone.org/internal/scope"
	"campusone.org/internal/stream"
	"campusone.org/internal/tenant"
)

var (
	version = "1.2.0"
	commit  = "dev"
)

type config struct {
	addr          string
	dsn           string
	authSecret    string
	defaultTenant string
	multiDevice   bool
	scanInterval  time.Duration
}

func loadConfig() config {
	cfg := config{
		addr:          envOr("CAMPUSONE_ADDR", ":8080"),
		dsn:           os.Getenv("CAMPUSONE_PG_DSN"),
		authSecret:    os.Getenv("CAMPUSONE_AUTH_SECRET"),
		defaultTenant: os.Getenv("CAMPUSONE_DEFAULT_TENANT"),
		scanInterval:  24 * time.Hour,
	}
	if v, err := strconv.ParseBool(envOr("CAMPUSONE_MULTI_DEVICE", "false")); err == nil {
		cfg.multiDevice = v
	}
	if raw := os.Getenv("CAMPUSONE_OVERDUE_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.scanInterval = d
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := loadConfig()
	if cfg.authSecret == "" {
		log.Fatal("CAMPUSONE_AUTH_SECRET is required")
	}

	var (
		pool        *sql.DB
		authStore   auth.Store
		ledgerStore ledger.Store
		directory   httpapi.TenantDirectory
		lister      ledger.TenantLister
		auditStore  audit.Store
		ping        func(context.Context) error
	)

	if cfg.dsn != "" {
		var err error
		pool, err = sql.Open("pgx", cfg.dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		pool.SetMaxOpenConns(10)
		pool.SetMaxIdleConns(10)
		pool.SetConnMaxLifetime(30 * time.Minute)

		scoped := scope.Wrap(pool)
		store := tenant.NewStore(pool)
		authStore = auth.NewPGStore(scoped)
		trail := audit.NewPGStore(scoped)
		ledgerStore = ledger.NewPGStore(scoped, trail)
		auditStore = trail
		directory = store
		lister = store
		ping = scoped.Ping
	} else {
		// Dev mode: everything in memory, one seeded tenant.
		log.Print("CAMPUSONE_PG_DSN is empty, running with in-memory stores")
		dir := tenant.NewMemory()
		mem := auth.NewMemoryStore()
		sub := cfg.defaultTenant
		if sub == "" {
			sub = "default"
		}
		seeded, err := dir.Create(context.Background(), "Default School", sub, "premium")
		if err != nil {
			log.Fatalf("seed tenant: %v", err)
		}
		mem.RegisterTenant(seeded)
		cfg.defaultTenant = seeded.Subdomain

		trail := audit.NewMemory()
		authStore = mem
		ledgerStore = ledger.NewInMemory(trail)
		auditStore = trail
		directory = dir
		lister = dir
	}

	authSvc, err := auth.NewService(authStore,
		auth.WithTokenSecret(cfg.authSecret),
		auth.WithMultiDevice(cfg.multiDevice),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	if err := authSvc.EnsureBuiltins(context.Background()); err != nil {
		log.Fatalf("ensure builtin permissions: %v", err)
	}

	events := stream.New()
	ledgerSvc := ledger.NewService(ledgerStore, ledger.WithEvents(events))
	recorder := audit.NewRecorder(auditStore)
	resolver := tenant.NewResolver(directory, cfg.defaultTenant)

	api := httpapi.New(httpapi.ReadyProbe{Ping: ping}, version,
		httpapi.WithAuth(authSvc),
		httpapi.WithLedger(ledgerSvc),
		httpapi.WithTenants(directory, resolver),
		httpapi.WithStream(events),
		httpapi.WithAudit(recorder),
	)

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.RateLimit(
						httpapi.MaxBodyBytes(api.Handler(), 1<<20),
						100, 50,
					),
				),
			),
		),
	)

	scanner := ledger.NewOverdueScanner(ledgerSvc, lister, nil)
	stopScanner := scanner.Start(cfg.scanInterval)

	// No WriteTimeout: the event stream holds connections open.
	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting campusone-api %s on %s", version, srv.Addr)
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
	stopScanner()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pool != nil {
		_ = pool.Close()
	}
	log.Println("Stopped")
}
