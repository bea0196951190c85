package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/assessment"
	"studykit.org/internal/auth"
	"studykit.org/internal/enrollment"
	"studykit.org/internal/httpapi"
	"studykit.org/internal/obs"
	"studykit.org/internal/store/pg"
	"studykit.org/internal/study"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := httpapi.Config{
		Version:       version,
		RateBurst:     envInt("STUDYKIT_RATE_BURST", 50),
		RatePerSecond: envInt("STUDYKIT_RATE_PER_SECOND", 25),
	}

	// One pg.Store backs every service when a DSN is configured; without it
	// the process runs fully in memory for local development.
	var store *pg.Store
	if dsn := os.Getenv("STUDYKIT_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		cfg.Accounts = store
		cfg.Studies = store
		cfg.Enrollments = store
		cfg.Assessments = store.Assessments()
		cfg.Resolver = auth.NewResolver(store)
		cfg.ReadyProbe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		accounts := account.NewInMemory()
		studies := study.NewInMemory()
		enrollments := enrollment.NewInMemory()
		accounts.SetEnrollmentSource(enrollments)
		cfg.Accounts = accounts
		cfg.Studies = studies
		cfg.Enrollments = enrollments
		cfg.Assessments = assessment.NewInMemory()
		cfg.Resolver = auth.NewResolver(studies)
	}

	api := httpapi.New(cfg)

	addr := os.Getenv("STUDYKIT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting studykit-api %s on %s", version, srv.Addr)
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		log.Fatalf("%s: expected a non-negative integer, got %q", key, raw)
	}
	return val
}
