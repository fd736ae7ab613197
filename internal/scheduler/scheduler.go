// Package scheduler runs the periodic mail ingestion and sheet sync jobs.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"storeledger/internal"
	"storeledger/internal/config"
	"storeledger/internal/connectors"
	gmailconnector "storeledger/internal/connectors/gmail"
	imapconnector "storeledger/internal/connectors/imap"
)

const moduleName = "scheduler"

const (
	JobMail      = "mail"
	JobSheetSync = "sheet-sync"
)

type MailFetcher interface {
	FetchAndStore(ctx context.Context, label string, max int) (connectors.FetchResult, error)
}

type MailProcessor interface {
	ProcessPending(ctx context.Context, limit int, provider string) (int, int, error)
}

type SheetSyncer interface {
	SyncAll(ctx context.Context) ([]internal.SyncLog, error)
}

// Notifier is told about every failed job run.
type Notifier interface {
	Notify(ctx context.Context, job string, err error)
}

// LogNotifier reports job failures to the log only.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, job string, err error) {
	config.LogError(n.Logger, moduleName, "Notify", "job failed", job, err)
}

// Deps are the job collaborators. A nil Fetcher skips mail polling but still processes
// stored emails; a nil Syncer disables the sheet sync job.
type Deps struct {
	Fetcher   MailFetcher
	Processor MailProcessor
	Syncer    SheetSyncer
	Notifier  Notifier
}

type Scheduler struct {
	deps   Deps
	logger logrus.FieldLogger

	provider     string
	label        string
	fetchMax     int
	processBatch int
	mailEvery    time.Duration
	syncEvery    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps, cfg config.Config, logger logrus.FieldLogger) *Scheduler {
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{Logger: logger}
	}
	return &Scheduler{
		deps:         deps,
		logger:       logger,
		provider:     strings.ToLower(strings.TrimSpace(cfg.SchedulerMailProvider)),
		label:        cfg.SchedulerMailLabel,
		fetchMax:     cfg.SchedulerMailFetchMax,
		processBatch: cfg.SchedulerProcessBatch,
		mailEvery:    seconds(cfg.SchedulerMailIntervalSec, 5*time.Minute),
		syncEvery:    seconds(cfg.SchedulerSyncIntervalSec, time.Hour),
	}
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// Start launches the jobs in the background. Each job runs once right away and then on its
// interval until Stop is called or ctx ends. Calling Start twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	if s.deps.Processor != nil {
		s.loop(ctx, JobMail, s.mailEvery, s.RunMailCycle)
	}
	if s.deps.Syncer != nil {
		s.loop(ctx, JobSheetSync, s.syncEvery, s.RunSyncCycle)
	}
	s.logger.WithFields(logrus.Fields{
		"mailEvery": s.mailEvery.String(),
		"syncEvery": s.syncEvery.String(),
	}).Info("scheduler started")
	return nil
}

// Stop cancels the jobs and waits for running cycles to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job string, every time.Duration, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if err := run(ctx); err != nil && ctx.Err() == nil {
				s.deps.Notifier.Notify(ctx, job, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// RunMailCycle fetches new mail (when a fetcher is configured) and processes stored emails.
func (s *Scheduler) RunMailCycle(ctx context.Context) error {
	var fetched connectors.FetchResult
	if s.deps.Fetcher != nil {
		var err error
		fetched, err = s.deps.Fetcher.FetchAndStore(ctx, s.label, s.fetchMax)
		if err != nil {
			return fmt.Errorf("fetch mail: %w", err)
		}
	}

	emails, reports, err := s.deps.Processor.ProcessPending(ctx, s.processBatch, s.provider)
	if err != nil {
		return fmt.Errorf("process mail: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"provider":  s.provider,
		"fetched":   fetched.Fetched,
		"stored":    fetched.Stored,
		"processed": emails,
		"reports":   reports,
	}).Info("mail cycle done")
	return nil
}

// RunSyncCycle syncs every auto-sync integration. Individual sync failures are already logged per
// integration; the joined error is still returned so the notifier hears about them.
func (s *Scheduler) RunSyncCycle(ctx context.Context) error {
	logs, err := s.deps.Syncer.SyncAll(ctx)
	counts := map[internal.SyncStatus]int{}
	for _, l := range logs {
		counts[l.Status]++
	}
	s.logger.WithFields(logrus.Fields{
		"runs":    len(logs),
		"success": counts[internal.SyncSuccess],
		"partial": counts[internal.SyncPartial],
		"failed":  counts[internal.SyncFailed],
	}).Info("sync cycle done")
	return err
}

// NewMailConnector builds the connector for a mail provider name.
func NewMailConnector(ctx context.Context, cfg config.Config, provider string) (connectors.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported mail provider: %s", provider)
	}
}
