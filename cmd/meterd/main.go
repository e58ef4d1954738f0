package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fleetmeter/fleetmeter-engine/internal/config"
	"github.com/fleetmeter/fleetmeter-engine/internal/httpserver"
	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
	ledgerpg "github.com/fleetmeter/fleetmeter-engine/internal/ledger/postgres"
	ledgersql "github.com/fleetmeter/fleetmeter-engine/internal/ledger/sqlite"
	"github.com/fleetmeter/fleetmeter-engine/internal/logging"
	"github.com/fleetmeter/fleetmeter-engine/internal/quota"
	"github.com/fleetmeter/fleetmeter-engine/internal/rates"
	"github.com/fleetmeter/fleetmeter-engine/internal/session"
	sessionpg "github.com/fleetmeter/fleetmeter-engine/internal/session/postgres"
	sessionsql "github.com/fleetmeter/fleetmeter-engine/internal/session/sqlite"
	"github.com/fleetmeter/fleetmeter-engine/internal/version"
)

func main() {
	cfg, err := config.LoadEngineConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (default enabled when log_file provided)
	logTarget := strings.TrimSpace(cfg.LogFile)
	if logTarget != "" {
		rot, err := logging.OpenDailyLog(logTarget, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[meterd] ")
		defer rot.Close()
	}

	log.Printf("fleetmeter engine %s starting env=%s backend=%s", version.Info(), cfg.Environment, cfg.StoreBackend)

	rateTable, err := rates.Load(cfg.RatesFile)
	if err != nil {
		log.Printf("[WARN] rate table %s unavailable (%v); using fallback rate 1", cfg.RatesFile, err)
		rateTable = rates.New(nil, 1)
	}

	ledgerStore, sessionStore, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer ledgerStore.Close()
	defer sessionStore.Close()

	engine := quota.NewEngine(quota.Config{
		Enabled:        cfg.QuotaEnabled,
		DefaultQuota:   cfg.DefaultQuota,
		MinimumToStart: cfg.MinimumToStart,
		StaleAfter:     cfg.StaleAfter,
	}, ledgerStore, sessionStore, rateTable,
		log.New(log.Writer(), "[meterd/engine] ", log.LstdFlags|log.Lmicroseconds))

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go engine.RunReaper(reaperCtx, cfg.ReaperInterval)

	httpSrv := httpserver.NewServer(engine,
		log.New(log.Writer(), "[meterd/http] ", log.LstdFlags|log.Lmicroseconds),
		httpserver.WithAuthDisabled(cfg.AuthDisabled),
		httpserver.WithTxHistoryLimit(cfg.TxHistoryLimit))

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("quota engine listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openStores(cfg config.EngineConfig) (ledger.Store, session.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		ls, err := ledgerpg.New(cfg.PostgresDSN, cfg.PGMaxOpen, cfg.PGMaxIdle, cfg.PGConnLifeM, cfg.PGConnIdleM)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres ledger: %w", err)
		}
		ss, err := sessionpg.New(cfg.PostgresDSN, sessionpg.Config{
			MaxOpenConns:    cfg.PGMaxOpen,
			MaxIdleConns:    cfg.PGMaxIdle,
			ConnMaxLifetime: time.Duration(cfg.PGConnLifeM) * time.Minute,
			ConnMaxIdleTime: time.Duration(cfg.PGConnIdleM) * time.Minute,
		})
		if err != nil {
			ls.Close()
			return nil, nil, fmt.Errorf("postgres sessions: %w", err)
		}
		return ls, ss, nil
	default:
		ls, err := ledgersql.New(cfg.LedgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite ledger: %w", err)
		}
		ss, err := sessionsql.New(cfg.SessionPath)
		if err != nil {
			ls.Close()
			return nil, nil, fmt.Errorf("sqlite sessions: %w", err)
		}
		return ls, ss, nil
	}
}
