package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/app"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/config"
)

func main() {
	configFile := flag.String("config", "", "YAML catalog of c_units, guardrails and alert destinations (overrides ORCH_CONFIG_FILE)")
	flag.Parse()
	if *configFile != "" {
		os.Setenv("ORCH_CONFIG_FILE", *configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("db ping: %v", err)
		}
	} else {
		log.Printf("DATABASE_URL not set; jobs are kept in memory")
	}

	orch, err := app.Build(ctx, cfg, app.Options{DB: db})
	if err != nil {
		log.Fatalf("orchestrator init: %v", err)
	}
	if cfg.SLOThreshold > 0 {
		log.Printf("job latency SLO %s", cfg.SLOThreshold)
	}
	if len(cfg.Alerts) == 0 {
		log.Printf("no alert destinations configured; alerting disabled")
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: orch.Handler(),
	}

	go func() {
		log.Printf("orchestrator listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer, orch)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, orch *app.App) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if err := orch.Close(ctx); err != nil {
		log.Printf("orchestrator shutdown: %v", err)
	}
}
