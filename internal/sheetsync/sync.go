// Package sheetsync pulls spreadsheet rows into canonical entries.
package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"storeledger/internal"
	"storeledger/internal/config"
	"storeledger/internal/connectors/sheets"
	"storeledger/internal/lock"
	"storeledger/internal/mapping"
	"storeledger/internal/storage"
	"storeledger/internal/util"
)

const moduleName = "sheetsync"

var (
	ErrIntegrationNotFound = errors.New("no enabled sheet integration for sync type")
	ErrUnknownSyncType     = errors.New("unknown sync type")
)

// Repository is the storage the sync needs.
type Repository interface {
	ListSheetIntegrations(ctx context.Context, storeID string) ([]storage.SheetIntegration, error)
	ListAutoSyncIntegrations(ctx context.Context) ([]storage.SheetIntegration, error)
	UpsertEntry(ctx context.Context, e internal.Entry) (bool, error)
	InsertSyncLog(ctx context.Context, l internal.SyncLog) (int, error)
	MarkIntegrationSynced(ctx context.Context, id int, at time.Time) error
}

type Service struct {
	repo     Repository
	provider sheets.Provider
	locker   lock.Locker
	lockTTL  time.Duration
	resolver *mapping.Resolver
	logger   logrus.FieldLogger
}

func NewService(repo Repository, provider sheets.Provider, locker lock.Locker, lockTTL time.Duration, logger logrus.FieldLogger) *Service {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Service{
		repo:     repo,
		provider: provider,
		locker:   locker,
		lockTTL:  lockTTL,
		resolver: mapping.NewResolver(logger),
		logger:   logger,
	}
}

// Sync runs the store's integration for syncType. Exactly one sync log is written per call, also
// when the sync fails before reading any row.
func (s *Service) Sync(ctx context.Context, storeID string, syncType internal.SyncType) (internal.SyncLog, error) {
	integration, err := s.findIntegration(ctx, storeID, syncType)
	if err != nil {
		entry := s.newLog(storeID, 0, syncType)
		return s.finish(ctx, entry, time.Now(), err)
	}
	return s.SyncIntegration(ctx, *integration, syncType)
}

// SyncAll syncs every enabled auto-sync integration for each of its sync types.
func (s *Service) SyncAll(ctx context.Context) ([]internal.SyncLog, error) {
	integrations, err := s.repo.ListAutoSyncIntegrations(ctx)
	if err != nil {
		return nil, err
	}

	var logs []internal.SyncLog
	var errs []error
	for _, in := range integrations {
		for _, t := range in.SyncTypes {
			if err := ctx.Err(); err != nil {
				return logs, err
			}
			l, err := s.SyncIntegration(ctx, in, t)
			logs = append(logs, l)
			if err != nil {
				errs = append(errs, fmt.Errorf("store %s %s: %w", in.StoreID, t, err))
			}
		}
	}
	return logs, errors.Join(errs...)
}

func (s *Service) findIntegration(ctx context.Context, storeID string, syncType internal.SyncType) (*storage.SheetIntegration, error) {
	if _, ok := syncType.EntryKind(); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSyncType, syncType)
	}
	integrations, err := s.repo.ListSheetIntegrations(ctx, storeID)
	if err != nil {
		return nil, err
	}
	for _, in := range integrations {
		if in.Enabled && in.Handles(syncType) {
			return &in, nil
		}
	}
	return nil, fmt.Errorf("%w: store %s, %s", ErrIntegrationNotFound, storeID, syncType)
}

func (s *Service) newLog(storeID string, integrationID int, syncType internal.SyncType) internal.SyncLog {
	return internal.SyncLog{
		TraceID:       uuid.NewString(),
		IntegrationID: integrationID,
		StoreID:       storeID,
		SyncType:      syncType,
		Status:        internal.SyncFailed,
	}
}

// SyncIntegration fetches the integration's sheet and upserts one entry per dated row. Rows without
// a usable date and rows whose upsert fails are counted as skipped; the rest of the batch continues.
func (s *Service) SyncIntegration(ctx context.Context, in storage.SheetIntegration, syncType internal.SyncType) (internal.SyncLog, error) {
	start := time.Now()
	entry := s.newLog(in.StoreID, in.ID, syncType)

	kind, ok := syncType.EntryKind()
	if !ok {
		return s.finish(ctx, entry, start, fmt.Errorf("%w: %s", ErrUnknownSyncType, syncType))
	}
	specs, ok := in.ColumnMapping.For(syncType)
	if !ok {
		return s.finish(ctx, entry, start, fmt.Errorf("integration %d has no %s column mapping", in.ID, syncType))
	}

	release, err := s.locker.Acquire(ctx, in.StoreID+":"+string(syncType), s.lockTTL)
	if err != nil {
		return s.finish(ctx, entry, start, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			config.LogError(s.logger, moduleName, "SyncIntegration", "release lock", in.StoreID, err)
		}
	}()

	rows, err := s.provider.FetchRows(ctx, in.SpreadsheetID, in.SheetRange)
	if err != nil {
		return s.finish(ctx, entry, start, err)
	}

	if len(rows) > 0 {
		headers := rows[0]
		for i, cells := range rows[1:] {
			if isBlank(cells) {
				continue
			}
			entry.RowsProcessed++

			resolved := s.resolver.Resolve(mapping.Row{Headers: headers, Cells: cells}, specs)
			date, ok := rowDate(resolved, kind)
			if !ok {
				entry.RowsSkipped++
				s.logger.WithFields(logrus.Fields{"storeId": in.StoreID, "syncType": syncType, "row": i + 2}).Warn("row has no usable date")
				continue
			}

			created, err := s.repo.UpsertEntry(ctx, toEntry(kind, in.StoreID, date, resolved, s.logger))
			if err != nil {
				entry.RowsSkipped++
				config.LogError(s.logger, moduleName, "SyncIntegration", "upsert row", logrus.Fields{"storeId": in.StoreID, "row": i + 2, "date": date}, err)
				continue
			}
			if created {
				entry.RowsAdded++
			} else {
				entry.RowsUpdated++
			}
		}
	}

	entry.Status = batchStatus(entry)
	if err := s.repo.MarkIntegrationSynced(ctx, in.ID, time.Now()); err != nil {
		config.LogError(s.logger, moduleName, "SyncIntegration", "mark synced", in.ID, err)
	}
	return s.finish(ctx, entry, start, nil)
}

func batchStatus(l internal.SyncLog) internal.SyncStatus {
	switch {
	case l.RowsProcessed == 0:
		return internal.SyncSuccess
	case l.RowsAdded+l.RowsUpdated == 0:
		return internal.SyncFailed
	case l.RowsSkipped > 0:
		return internal.SyncPartial
	default:
		return internal.SyncSuccess
	}
}

// finish writes the sync log and hands back runErr unchanged.
func (s *Service) finish(ctx context.Context, entry internal.SyncLog, start time.Time, runErr error) (internal.SyncLog, error) {
	entry.DurationMs = time.Since(start).Milliseconds()
	if runErr != nil {
		entry.Status = internal.SyncFailed
		entry.ErrorMessage = runErr.Error()
	}
	entry.CreatedAt = time.Now().UTC().Format(time.RFC3339)

	id, err := s.repo.InsertSyncLog(context.WithoutCancel(ctx), entry)
	if err != nil {
		config.LogError(s.logger, moduleName, "finish", "insert sync log", entry.TraceID, err)
	}
	entry.ID = id

	fields := logrus.Fields{
		"traceId":   entry.TraceID,
		"storeId":   entry.StoreID,
		"syncType":  entry.SyncType,
		"status":    entry.Status,
		"processed": entry.RowsProcessed,
		"added":     entry.RowsAdded,
		"updated":   entry.RowsUpdated,
		"skipped":   entry.RowsSkipped,
	}
	if runErr != nil {
		config.LogError(s.logger, moduleName, "Sync", "sync failed", fields, runErr)
	} else {
		s.logger.WithFields(fields).Info("sync finished")
	}
	return entry, runErr
}

var dateFields = map[internal.EntryKind][]string{
	internal.KindWeeklyLottery: {"week_ending", "date", "entry_date"},
}

func rowDate(r mapping.Resolved, kind internal.EntryKind) (string, bool) {
	candidates, ok := dateFields[kind]
	if !ok {
		candidates = []string{"date", "entry_date"}
	}
	for _, f := range candidates {
		if raw := r.Text[f]; raw != "" {
			if d, err := util.ParseDate(raw); err == nil {
				return d, true
			}
		}
	}
	return "", false
}

func toEntry(kind internal.EntryKind, storeID, date string, r mapping.Resolved, logger logrus.FieldLogger) internal.Entry {
	fields := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		if internal.IsEntryField(kind, k) {
			fields[k] = v
			continue
		}
		logger.WithFields(logrus.Fields{"kind": kind, "field": k}).Debug("mapped field has no entry column")
	}
	return internal.Entry{
		Kind:      kind,
		StoreID:   storeID,
		EntryDate: date,
		Fields:    fields,
		Provenance: internal.Provenance{
			EnteredBy: util.FirstNonEmpty(r.Text["entered_by"], "sheet-sync"),
			Notes:     r.Text["notes"],
			Source:    "sheet",
		},
	}
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
