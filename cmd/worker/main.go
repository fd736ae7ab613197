package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storeledger/internal/config"
	"storeledger/internal/connectors"
	"storeledger/internal/connectors/sheets"
	"storeledger/internal/lock"
	"storeledger/internal/pipeline"
	"storeledger/internal/scheduler"
	"storeledger/internal/sheetsync"
	"storeledger/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)
	logger := config.NewLogger(cfg)

	db, err := storage.Open(cfg.DBDriver, cfg.DSN())
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps := scheduler.Deps{Processor: pipeline.NewProcessingService(db, logger)}

	// Without a reachable mailbox the worker still processes mail stored by other means.
	if conn, err := scheduler.NewMailConnector(ctx, cfg, cfg.SchedulerMailProvider); err != nil {
		config.LogError(logger, "worker", "main", "mail connector disabled", cfg.SchedulerMailProvider, err)
	} else {
		deps.Fetcher = connectors.NewFetchService(db, cfg.RawMailDir, conn, logger)
	}

	provider, err := sheets.NewProvider(ctx, cfg, "")
	must(err)
	locker, closeLocker, err := lock.New(ctx, cfg, logger)
	must(err)
	defer closeLocker()
	deps.Syncer = sheetsync.NewService(db, provider, locker, time.Duration(cfg.SyncLockTTLSec)*time.Second, logger)

	s := scheduler.New(deps, cfg, logger)
	must(s.Start(ctx))
	<-ctx.Done()
	s.Stop()
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
