package main

import (
	"context"
	"log"
	"os"

	"github.com/cruciblehq/crucible/internal/api"
	"github.com/cruciblehq/crucible/internal/config"
	"github.com/cruciblehq/crucible/internal/engine/extproc"
	"github.com/cruciblehq/crucible/internal/pool"
	"github.com/cruciblehq/crucible/internal/runner"
	"github.com/cruciblehq/crucible/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine_bin", cfg.EngineBin,
		"pool_max_idle", cfg.PoolMaxIdle,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	launcher := extproc.New(cfg.EngineBin, logger)
	p := pool.New(launcher, pool.Config{MaxIdle: cfg.PoolMaxIdle}, logger)
	run := runner.New(db, p, cfg.DefaultTimeoutS, logger)

	srv := api.NewServer(cfg.ListenAddr, db, run, logger)

	err = srv.Run()

	// Drain in-flight invocations, then shut down all idle engines.
	run.Wait()
	p.Close(context.Background())

	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
