package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/workload"
)

// engineShutdownTimeout bounds the drain of running tasks and queued writes
// after the HTTP server has stopped.
const engineShutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := workload.NewRegistry()
	reg.Register("sleep", workload.SleepBuilder())

	eng := engine.NewEngine(db, reg, logger, cfg.Engine)
	eng.Start()

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
}
