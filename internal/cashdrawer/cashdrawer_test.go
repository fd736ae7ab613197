package cashdrawer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeledger/internal"
	"storeledger/internal/formula"
	"storeledger/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "drawer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logger, _ := test.NewNullLogger()
	return NewService(db, logger), db
}

func seedDay(t *testing.T, db *storage.DB, revenue, lottery map[string]float64) {
	t.Helper()
	ctx := context.Background()
	_, err := db.UpsertEntry(ctx, internal.Entry{Kind: internal.KindDailyRevenue, StoreID: "s1", EntryDate: "2025-11-03", Fields: revenue})
	require.NoError(t, err)
	_, err = db.UpsertEntry(ctx, internal.Entry{Kind: internal.KindDailyLottery, StoreID: "s1", EntryDate: "2025-11-03", Fields: lottery})
	require.NoError(t, err)
}

func TestComputeWithStoreConfig(t *testing.T) {
	svc, db := newService(t)
	seedDay(t, db, map[string]float64{"total_cash": 500}, map[string]float64{"daily_instant_sales": 120})

	storeID := "s1"
	require.NoError(t, db.UpsertCalculationConfig(context.Background(), storage.CalculationConfig{
		StoreID: &storeID,
		CombinedDrawerFormula: formula.Formula{Fields: map[string]formula.FieldRule{
			"cash":         {Source: formula.SourceRevenue, Field: "total_cash", Operation: formula.OpAdd},
			"lotterysales": {Source: formula.SourceLottery, Field: "daily_instant_sales", Operation: formula.OpSubtract},
		}},
	}))

	res, err := svc.Compute(context.Background(), "s1", "2025-11-03")
	require.NoError(t, err)
	assert.Equal(t, 380.0, res.BusinessCash)
	assert.Equal(t, SourceStore, res.ConfigSource)
	assert.Equal(t, SourceFallback, res.LotteryOwedSource)
	assert.Equal(t, 120.0, res.LotteryOwed)
	assert.True(t, res.HasRevenue)
	assert.True(t, res.HasLottery)
}

func TestComputeFallsBackToDefaultThenBuiltIn(t *testing.T) {
	svc, db := newService(t)
	seedDay(t, db,
		map[string]float64{"total_cash": 1000, "cash_adjustment": -10},
		map[string]float64{
			"daily_instant_sales": 200, "daily_draw_sales": 100,
			"daily_instant_cashes": 50, "daily_draw_cashes": 25,
			"lottery_credit_card": 30, "lottery_debit_card": 5,
		})

	res, err := svc.Compute(context.Background(), "s1", "2025-11-03")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.ConfigSource)
	// 1000 - 10 - 200 - 100 + 50 + 25
	assert.Equal(t, 765.0, res.BusinessCash)
	// 200 + 100 - 50 - 25 - 30 - 5
	assert.Equal(t, 190.0, res.LotteryOwed)

	require.NoError(t, db.UpsertCalculationConfig(context.Background(), storage.CalculationConfig{
		LotteryOwedFormula: formula.Formula{Fields: map[string]formula.FieldRule{
			"instant": {Source: formula.SourceLottery, Field: "daily_instant_sales", Operation: formula.OpAdd},
		}},
	}))
	res, err = svc.Compute(context.Background(), "s1", "2025-11-03")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.ConfigSource)
	assert.Equal(t, SourceDefault, res.LotteryOwedSource)
	assert.Equal(t, 200.0, res.LotteryOwed)
}

func TestComputeWithoutEntries(t *testing.T) {
	svc, _ := newService(t)
	res, err := svc.Compute(context.Background(), "s1", "2025-11-03")
	require.NoError(t, err)
	assert.False(t, res.HasRevenue)
	assert.False(t, res.HasLottery)
	assert.Zero(t, res.BusinessCash)
	assert.Zero(t, res.LotteryOwed)
}

func TestSaveKeepsOtherCashFlowFields(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	seedDay(t, db, map[string]float64{"total_cash": 300}, map[string]float64{"daily_draw_sales": 40})
	_, err := db.UpsertEntry(ctx, internal.Entry{
		Kind: internal.KindDailyCashFlow, StoreID: "s1", EntryDate: "2025-11-03",
		Fields: map[string]float64{"payroll": 75},
	})
	require.NoError(t, err)

	res, err := svc.Save(ctx, "s1", "2025-11-03")
	require.NoError(t, err)
	assert.True(t, res.Saved)

	e, err := db.GetEntry(ctx, internal.KindDailyCashFlow, "s1", "2025-11-03")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 260.0, e.Fields["business_cash"])
	assert.Equal(t, 40.0, e.Fields["lottery_owed"])
	assert.Equal(t, 75.0, e.Fields["payroll"])
	assert.Equal(t, "cash-drawer", e.EnteredBy)
}
