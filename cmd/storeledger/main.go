package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"storeledger/internal"
	"storeledger/internal/cashdrawer"
	"storeledger/internal/config"
	"storeledger/internal/connectors"
	"storeledger/internal/connectors/sheets"
	"storeledger/internal/httpapi"
	"storeledger/internal/lock"
	"storeledger/internal/mapping"
	"storeledger/internal/pipeline"
	"storeledger/internal/scheduler"
	"storeledger/internal/sheetsync"
	"storeledger/internal/storage"
	"storeledger/internal/util"
)

func main() {
	cfg, err := config.Load()
	must(err)
	logger := config.NewLogger(cfg)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DBDriver, cfg.DSN())
	must(err)
	defer db.Close()

	ctx := context.Background()
	cmd := os.Args[1]
	switch cmd {
	case "store:add":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "store id")
		name := fs.String("name", "", "store name")
		state := fs.String("state", "", "two-letter state code")
		retailer := fs.String("retailer", "", "lottery retailer number")
		email := fs.String("email", "", "address reports are sent to")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*id) == "" || strings.TrimSpace(*state) == "" {
			must(fmt.Errorf("--id and --state are required"))
		}
		must(db.UpsertStore(ctx, internal.Store{ID: *id, Name: *name, State: *state, RetailerNumber: *retailer, ReportEmail: *email}))
		fmt.Printf("store saved id=%s\n", *id)
	case "sheet:add":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		storeID := fs.String("store", "", "store id")
		name := fs.String("name", "", "integration name")
		spreadsheet := fs.String("spreadsheet", "", "spreadsheet id, or workbook path for xlsx")
		sheetRange := fs.String("range", "Sheet1!A:Z", "sheet range")
		types := fs.String("types", "revenue", "comma separated sync types")
		mappingArg := fs.String("mapping", "", "column mapping JSON or @file")
		auto := fs.Bool("auto", true, "include in scheduled syncs")
		_ = fs.Parse(os.Args[2:])
		if *storeID == "" || *spreadsheet == "" || *mappingArg == "" {
			must(fmt.Errorf("--store --spreadsheet --mapping are required"))
		}
		raw := []byte(*mappingArg)
		if strings.HasPrefix(*mappingArg, "@") {
			raw, err = os.ReadFile(strings.TrimPrefix(*mappingArg, "@"))
			must(err)
		}
		cm, err := mapping.ParseColumnMapping(raw)
		must(err)
		syncTypes, err := parseSyncTypes(*types)
		must(err)
		id, err := db.InsertSheetIntegration(ctx, storage.SheetIntegration{
			StoreID: *storeID, Name: *name, SpreadsheetID: *spreadsheet, SheetRange: *sheetRange,
			SyncTypes: syncTypes, ColumnMapping: cm, Enabled: true, AutoSync: *auto,
		})
		must(err)
		fmt.Printf("sheet integration saved id=%d store=%s types=%s\n", id, *storeID, *types)
	case "sheet:sync":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		storeID := fs.String("store", "", "store id")
		syncType := fs.String("type", "", "revenue|lottery|lottery_weekly|cashflow")
		all := fs.Bool("all", false, "sync every auto-sync integration")
		provider := fs.String("provider", "", "google|xlsx (default from SHEETS_PROVIDER)")
		_ = fs.Parse(os.Args[2:])
		svc, closeFn, err := newSyncService(ctx, cfg, db, logger, *provider)
		must(err)
		defer closeFn()
		if *all {
			logs, err := svc.SyncAll(ctx)
			for _, l := range logs {
				printSyncLog(l)
			}
			must(err)
			return
		}
		if *storeID == "" || *syncType == "" {
			must(fmt.Errorf("--store and --type are required (or --all)"))
		}
		l, err := svc.Sync(ctx, *storeID, internal.SyncType(*syncType))
		printSyncLog(l)
		must(err)
	case "report:import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		storeID := fs.String("store", "", "store id")
		file := fs.String("file", "", "report file (csv, xlsx, pdf, html)")
		_ = fs.Parse(os.Args[2:])
		if *storeID == "" || *file == "" {
			must(fmt.Errorf("--store and --file are required"))
		}
		content, err := os.ReadFile(*file)
		must(err)
		processor := pipeline.NewProcessingService(db, logger)
		res, err := processor.IngestReport(ctx, *storeID, *file, content, nil)
		must(err)
		fmt.Printf("report imported rawReportId=%d date=%s period=%s created=%t entries=%d\n",
			res.RawReportID, res.ReportDate, res.Period, res.Created, res.EntriesSaved)
	case "report:remap":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		storeID := fs.String("store", "", "store id")
		from := fs.String("from", "", "first report date")
		to := fs.String("to", "", "last report date")
		_ = fs.Parse(os.Args[2:])
		if *storeID == "" {
			must(fmt.Errorf("--store is required"))
		}
		processor := pipeline.NewProcessingService(db, logger)
		res, err := processor.Remap(ctx, *storeID, optionalDate(*from), optionalDate(*to))
		must(err)
		fmt.Printf("remap done reports=%d entries=%d\n", res.Reports, res.Entries)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "gmail", "gmail|imap")
		label := fs.String("label", "INBOX", "mailbox/label")
		max := fs.Int("max", 50, "max messages")
		_ = fs.Parse(os.Args[2:])
		conn, err := scheduler.NewMailConnector(ctx, cfg, *provider)
		must(err)
		fetch := connectors.NewFetchService(db, cfg.RawMailDir, conn, logger)
		result, err := fetch.FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d\n", *provider, result.Fetched, result.Stored)
	case "mail:process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "gmail", "gmail|imap")
		messageID := fs.String("messageId", "", "specific message-id")
		batch := fs.Int("batch", 20, "batch size")
		_ = fs.Parse(os.Args[2:])
		processor := pipeline.NewProcessingService(db, logger)
		if strings.TrimSpace(*messageID) != "" {
			res, err := processor.ProcessByProviderMessageID(ctx, *provider, *messageID)
			must(err)
			fmt.Printf("processed email id=%d status=%s reports=%d rejected=%d\n", res.EmailID, res.Status, len(res.Reports), res.Rejected)
			return
		}
		emails, reports, err := processor.ProcessPending(ctx, *batch, *provider)
		must(err)
		fmt.Printf("processed pending emails=%d reports=%d\n", emails, reports)
	case "drawer:compute":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		storeID := fs.String("store", "", "store id")
		date := fs.String("date", "", "business date")
		save := fs.Bool("save", false, "store the result on the cash flow entry")
		_ = fs.Parse(os.Args[2:])
		if *storeID == "" || *date == "" {
			must(fmt.Errorf("--store and --date are required"))
		}
		day, err := util.ParseDate(*date)
		must(err)
		drawer := cashdrawer.NewService(db, logger)
		var res cashdrawer.Result
		if *save {
			res, err = drawer.Save(ctx, *storeID, day)
		} else {
			res, err = drawer.Compute(ctx, *storeID, day)
		}
		must(err)
		fmt.Printf("cash drawer store=%s date=%s businessCash=%.2f lotteryOwed=%.2f source=%s saved=%t\n",
			res.StoreID, res.Date, res.BusinessCash, res.LotteryOwed, res.ConfigSource, res.Saved)
	case "serve":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		addr := fs.String("addr", cfg.HTTPAddr, "listen address")
		_ = fs.Parse(os.Args[2:])
		must(serve(ctx, cfg, db, logger, *addr))
	default:
		usage()
		os.Exit(1)
	}
}

func newSyncService(ctx context.Context, cfg config.Config, db *storage.DB, logger logrus.FieldLogger, provider string) (*sheetsync.Service, func(), error) {
	p, err := sheets.NewProvider(ctx, cfg, provider)
	if err != nil {
		return nil, nil, err
	}
	locker, closeLocker, err := lock.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	svc := sheetsync.NewService(db, p, locker, time.Duration(cfg.SyncLockTTLSec)*time.Second, logger)
	return svc, func() { _ = closeLocker() }, nil
}

func serve(ctx context.Context, cfg config.Config, db *storage.DB, logger *logrus.Logger, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncer, closeFn, err := newSyncService(ctx, cfg, db, logger, "")
	if err != nil {
		return err
	}
	defer closeFn()

	app := httpapi.New(httpapi.Deps{
		DB:        db,
		Processor: pipeline.NewProcessingService(db, logger),
		Syncer:    syncer,
		Drawer:    cashdrawer.NewService(db, logger),
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("http server listening")
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

func parseSyncTypes(input string) ([]internal.SyncType, error) {
	var out []internal.SyncType
	for _, part := range strings.Split(input, ",") {
		t := internal.SyncType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if _, ok := t.EntryKind(); !ok {
			return nil, fmt.Errorf("unknown sync type: %s", t)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one sync type is required")
	}
	return out, nil
}

func optionalDate(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	d, err := util.ParseDate(input)
	must(err)
	return d
}

func printSyncLog(l internal.SyncLog) {
	fmt.Printf("sync store=%s type=%s status=%s processed=%d added=%d updated=%d skipped=%d durationMs=%d",
		l.StoreID, l.SyncType, l.Status, l.RowsProcessed, l.RowsAdded, l.RowsUpdated, l.RowsSkipped, l.DurationMs)
	if l.ErrorMessage != "" {
		fmt.Printf(" error=%q", l.ErrorMessage)
	}
	fmt.Println()
}

func usage() {
	fmt.Println("usage: storeledger <command>")
	fmt.Println("commands:")
	fmt.Println("  store:add --id=s1 --state=PA [--name=...] [--retailer=...] [--email=...]")
	fmt.Println("  sheet:add --store=s1 --spreadsheet=... --mapping='{...}'|@file [--range=Sheet1!A:Z] [--types=revenue,lottery] [--auto]")
	fmt.Println("  sheet:sync --store=s1 --type=revenue | --all [--provider=google|xlsx]")
	fmt.Println("  report:import --store=s1 --file=./settlement.csv")
	fmt.Println("  report:remap --store=s1 [--from=2025-11-01] [--to=2025-11-30]")
	fmt.Println("  mail:fetch --provider=gmail|imap --label=INBOX --max=50")
	fmt.Println("  mail:process --provider=gmail|imap [--messageId=...] [--batch=20]")
	fmt.Println("  drawer:compute --store=s1 --date=2025-11-03 [--save]")
	fmt.Println("  serve [--addr=:3000]")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
