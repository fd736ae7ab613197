package sheetsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeledger/internal"
	"storeledger/internal/lock"
	"storeledger/internal/mapping"
	"storeledger/internal/pipeline"
	"storeledger/internal/storage"
)

type fakeProvider struct {
	rows  map[string][][]string
	err   error
	calls int
}

func (p *fakeProvider) FetchRows(_ context.Context, spreadsheetID, _ string) ([][]string, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.rows[spreadsheetID], nil
}

// failingRepo fails the upsert of one date and counts upsert attempts.
type failingRepo struct {
	*storage.DB
	failDate string
	upserts  int
}

func (r *failingRepo) UpsertEntry(ctx context.Context, e internal.Entry) (bool, error) {
	r.upserts++
	if e.EntryDate == r.failDate {
		return false, errors.New("constraint violated")
	}
	return r.DB.UpsertEntry(ctx, e)
}

type fixture struct {
	db       *storage.DB
	repo     *failingRepo
	provider *fakeProvider
	locker   *lock.LocalLocker
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := test.NewNullLogger()
	f := &fixture{
		db:       db,
		repo:     &failingRepo{DB: db},
		provider: &fakeProvider{rows: map[string][][]string{}},
		locker:   lock.NewLocalLocker(),
	}
	f.svc = NewService(f.repo, f.provider, f.locker, time.Minute, logger)
	return f
}

func (f *fixture) addIntegration(t *testing.T, sheetID string, types []internal.SyncType, cm mapping.ColumnMapping) int {
	t.Helper()
	id, err := f.db.InsertSheetIntegration(context.Background(), storage.SheetIntegration{
		StoreID: "s1", SpreadsheetID: sheetID, SheetRange: "A:Z",
		SyncTypes: types, ColumnMapping: cm, Enabled: true, AutoSync: true,
	})
	require.NoError(t, err)
	return id
}

var revenueMapping = mapping.NewFlatMapping(map[string]mapping.FieldSpec{
	"date":       mapping.Header("Date"),
	"total_cash": mapping.Header("Cash", "Total Cash"),
	"sales_tax":  mapping.Header("Sales Tax"),
	"notes":      mapping.Header("Notes"),
})

func TestSyncSkipsRowsWithoutDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIntegration(t, "rev", []internal.SyncType{internal.SyncRevenue}, revenueMapping)
	f.provider.rows["rev"] = [][]string{
		{"Date", "Total Cash", "Notes"},
		{"11/03/2025", "$500.00", "ok"},
		{"", "12", ""},
		{"11/04/2025", "600", ""},
		{"", "", ""},
		{"not a date", "7", ""},
		{"2025-11-05", "0", ""},
	}

	l, err := f.svc.Sync(ctx, "s1", internal.SyncRevenue)
	require.NoError(t, err)
	assert.Equal(t, 5, l.RowsProcessed)
	assert.Equal(t, 3, l.RowsAdded)
	assert.Equal(t, 2, l.RowsSkipped)
	assert.Equal(t, 3, f.repo.upserts)
	assert.Equal(t, internal.SyncPartial, l.Status)

	e, err := f.db.GetEntry(ctx, internal.KindDailyRevenue, "s1", "2025-11-03")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 500.0, e.Fields["total_cash"])
	assert.Equal(t, "ok", e.Notes)
	assert.Equal(t, "sheet-sync", e.EnteredBy)

	zero, err := f.db.GetEntry(ctx, internal.KindDailyRevenue, "s1", "2025-11-05")
	require.NoError(t, err)
	require.NotNil(t, zero)
	v, ok := zero.Fields["total_cash"]
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)

	logs, err := f.db.ListSyncLogs(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, l.TraceID, logs[0].TraceID)

	again, err := f.svc.Sync(ctx, "s1", internal.SyncRevenue)
	require.NoError(t, err)
	assert.Equal(t, 0, again.RowsAdded)
	assert.Equal(t, 3, again.RowsUpdated)
}

func TestSyncFailsOnlyWhenEveryRowSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIntegration(t, "rev", []internal.SyncType{internal.SyncRevenue}, revenueMapping)
	f.provider.rows["rev"] = [][]string{
		{"Date", "Cash"},
		{"", "1"},
		{"??", "2"},
	}

	l, err := f.svc.Sync(ctx, "s1", internal.SyncRevenue)
	require.NoError(t, err)
	assert.Equal(t, internal.SyncFailed, l.Status)
	assert.Equal(t, 2, l.RowsSkipped)
	assert.Equal(t, 0, f.repo.upserts)
}

func TestSyncEmptySheetSucceeds(t *testing.T) {
	f := newFixture(t)
	f.addIntegration(t, "rev", []internal.SyncType{internal.SyncRevenue}, revenueMapping)
	f.provider.rows["rev"] = [][]string{{"Date", "Cash"}}

	l, err := f.svc.Sync(context.Background(), "s1", internal.SyncRevenue)
	require.NoError(t, err)
	assert.Equal(t, internal.SyncSuccess, l.Status)
	assert.Zero(t, l.RowsProcessed)
}

func TestSyncCountsFailedUpsertsAsSkipped(t *testing.T) {
	f := newFixture(t)
	f.repo.failDate = "2025-11-04"
	f.addIntegration(t, "rev", []internal.SyncType{internal.SyncRevenue}, revenueMapping)
	f.provider.rows["rev"] = [][]string{
		{"Date", "Cash"},
		{"11/03/2025", "1"},
		{"11/04/2025", "2"},
		{"11/05/2025", "3"},
	}

	l, err := f.svc.Sync(context.Background(), "s1", internal.SyncRevenue)
	require.NoError(t, err)
	assert.Equal(t, 3, f.repo.upserts)
	assert.Equal(t, 2, l.RowsAdded)
	assert.Equal(t, 1, l.RowsSkipped)
	assert.Equal(t, internal.SyncPartial, l.Status)
}

func TestSyncWritesLogOnErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Sync(ctx, "s1", internal.SyncCashflow)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)

	f.addIntegration(t, "rev", []internal.SyncType{internal.SyncRevenue}, revenueMapping)
	f.provider.err = errors.New("quota exceeded")
	l, err := f.svc.Sync(ctx, "s1", internal.SyncRevenue)
	require.Error(t, err)
	assert.Equal(t, internal.SyncFailed, l.Status)
	assert.Contains(t, l.ErrorMessage, "quota exceeded")

	logs, err := f.db.ListSyncLogs(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, internal.SyncFailed, l.Status)
		assert.NotEmpty(t, l.ErrorMessage)
	}
}

func TestSyncRefusesConcurrentRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addIntegration(t, "rev", []internal.SyncType{internal.SyncRevenue}, revenueMapping)

	release, err := f.locker.Acquire(ctx, "s1:revenue", time.Minute)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	l, err := f.svc.Sync(ctx, "s1", internal.SyncRevenue)
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Equal(t, internal.SyncFailed, l.Status)
	assert.Zero(t, f.provider.calls)

	logs, err := f.db.ListSyncLogs(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSyncNestedMappingWeeklyFallsBackToLottery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cm := mapping.NewNestedMapping(map[internal.SyncType]map[string]mapping.FieldSpec{
		internal.SyncLottery: {
			"week_ending":   mapping.Header("Week Ending"),
			"date":          mapping.Header("Date"),
			"instant_sales": mapping.Header("Instant Sales"),
			"weekly_fee":    mapping.Header("Weekly Fee"),
		},
	})
	f.addIntegration(t, "lot", []internal.SyncType{internal.SyncLotteryWeekly}, cm)
	f.provider.rows["lot"] = [][]string{
		{"Week Ending", "Instant Sales", "Weekly Fee"},
		{"11/02/2025", "7,000", "35"},
	}

	l, err := f.svc.Sync(ctx, "s1", internal.SyncLotteryWeekly)
	require.NoError(t, err)
	assert.Equal(t, internal.SyncSuccess, l.Status)

	e, err := f.db.GetEntry(ctx, internal.KindWeeklyLottery, "s1", "2025-11-02")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 7000.0, e.Fields["instant_sales"])
	assert.Equal(t, 35.0, e.Fields["weekly_fee"])
}

func TestWeeklyReportAndSheetShareOneRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.UpsertStore(ctx, internal.Store{ID: "s1", Name: "Corner Mart", State: "PA", RetailerNumber: "123456"}))

	logger, _ := test.NewNullLogger()
	csv := "\"Combined Settlement\",\"From 10/27/2025 to 11/02/2025\"\nRetailer Number,Instant Sales,Weekly Fee\n123456,7000,35\n"
	res, err := pipeline.NewProcessingService(f.db, logger).IngestReport(ctx, "s1", "weekly.csv", []byte(csv), nil)
	require.NoError(t, err)
	assert.True(t, res.EntriesAdded > 0)

	cm := mapping.NewNestedMapping(map[internal.SyncType]map[string]mapping.FieldSpec{
		internal.SyncLotteryWeekly: {
			"week_ending":   mapping.Header("Week Ending"),
			"instant_sales": mapping.Header("Instant Sales"),
		},
	})
	f.addIntegration(t, "lot", []internal.SyncType{internal.SyncLotteryWeekly}, cm)
	f.provider.rows["lot"] = [][]string{
		{"Week Ending", "Instant Sales"},
		{"11/02/2025", "7,250"},
	}

	l, err := f.svc.Sync(ctx, "s1", internal.SyncLotteryWeekly)
	require.NoError(t, err)
	assert.Equal(t, 0, l.RowsAdded)
	assert.Equal(t, 1, l.RowsUpdated)

	e, err := f.db.GetEntry(ctx, internal.KindWeeklyLottery, "s1", "2025-11-02")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 7250.0, e.Fields["instant_sales"])
	assert.Equal(t, 35.0, e.Fields["weekly_fee"])

	start, err := f.db.GetEntry(ctx, internal.KindWeeklyLottery, "s1", "2025-10-27")
	require.NoError(t, err)
	assert.Nil(t, start)
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t)
	f.addIntegration(t, "rev", []internal.SyncType{internal.SyncRevenue, internal.SyncCashflow}, revenueMapping)
	f.provider.rows["rev"] = [][]string{{"Date", "Cash"}, {"11/03/2025", "10"}}

	logs, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 2)

	integrations, err := f.db.ListSheetIntegrations(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, integrations, 1)
	assert.NotNil(t, integrations[0].LastSyncedAt)
}

func TestBatchStatus(t *testing.T) {
	cases := []struct {
		log  internal.SyncLog
		want internal.SyncStatus
	}{
		{internal.SyncLog{}, internal.SyncSuccess},
		{internal.SyncLog{RowsProcessed: 2, RowsAdded: 2}, internal.SyncSuccess},
		{internal.SyncLog{RowsProcessed: 2, RowsAdded: 1, RowsSkipped: 1}, internal.SyncPartial},
		{internal.SyncLog{RowsProcessed: 2, RowsSkipped: 2}, internal.SyncFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, batchStatus(tc.log))
	}
}
