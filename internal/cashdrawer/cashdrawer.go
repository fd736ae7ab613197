// Package cashdrawer splits a combined cash drawer into business cash and lottery owed.
package cashdrawer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"storeledger/internal"
	"storeledger/internal/formula"
	"storeledger/internal/storage"
)

// Where a formula came from.
const (
	SourceStore    = "store"
	SourceDefault  = "default"
	SourceFallback = "fallback"
)

type Repository interface {
	GetEntry(ctx context.Context, kind internal.EntryKind, storeID, date string) (*internal.Entry, error)
	GetCalculationConfig(ctx context.Context, storeID *string) (*storage.CalculationConfig, error)
	UpsertEntry(ctx context.Context, e internal.Entry) (bool, error)
}

type Result struct {
	StoreID           string  `json:"storeId"`
	Date              string  `json:"date"`
	BusinessCash      float64 `json:"businessCash"`
	LotteryOwed       float64 `json:"lotteryOwed"`
	ConfigSource      string  `json:"configSource"`
	LotteryOwedSource string  `json:"lotteryOwedSource"`
	HasRevenue        bool    `json:"hasRevenue"`
	HasLottery        bool    `json:"hasLottery"`
	Saved             bool    `json:"saved"`
}

type Service struct {
	repo   Repository
	logger logrus.FieldLogger
}

func NewService(repo Repository, logger logrus.FieldLogger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Compute evaluates both formulas for one store day. Each formula is taken from the store's config,
// then the default config, then the built-in fallback; an empty formula counts as not configured.
func (s *Service) Compute(ctx context.Context, storeID, date string) (Result, error) {
	res := Result{StoreID: storeID, Date: date}

	revenue, err := s.values(ctx, internal.KindDailyRevenue, storeID, date)
	if err != nil {
		return res, err
	}
	lottery, err := s.values(ctx, internal.KindDailyLottery, storeID, date)
	if err != nil {
		return res, err
	}
	res.HasRevenue = revenue != nil
	res.HasLottery = lottery != nil

	storeCfg, err := s.repo.GetCalculationConfig(ctx, &storeID)
	if err != nil {
		return res, fmt.Errorf("load store config: %w", err)
	}
	defaultCfg, err := s.repo.GetCalculationConfig(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("load default config: %w", err)
	}

	drawer, drawerSource := pick(storeCfg, defaultCfg, func(c *storage.CalculationConfig) formula.Formula { return c.CombinedDrawerFormula })
	owed, owedSource := pick(storeCfg, defaultCfg, func(c *storage.CalculationConfig) formula.Formula { return c.LotteryOwedFormula })

	var businessCash, lotteryOwed decimal.Decimal
	if drawerSource == SourceFallback {
		businessCash = formula.FallbackBusinessCash(revenue, lottery)
	} else {
		businessCash = formula.Evaluate(drawer, revenue, lottery)
	}
	if owedSource == SourceFallback {
		lotteryOwed = formula.FallbackLotteryOwed(lottery)
	} else {
		lotteryOwed = formula.Evaluate(owed, revenue, lottery)
	}

	res.BusinessCash = businessCash.Round(2).InexactFloat64()
	res.LotteryOwed = lotteryOwed.Round(2).InexactFloat64()
	res.ConfigSource = drawerSource
	res.LotteryOwedSource = owedSource
	return res, nil
}

// Save computes the split and stores it on the day's cash flow entry, leaving its other fields alone.
func (s *Service) Save(ctx context.Context, storeID, date string) (Result, error) {
	res, err := s.Compute(ctx, storeID, date)
	if err != nil {
		return res, err
	}
	_, err = s.repo.UpsertEntry(ctx, internal.Entry{
		Kind:      internal.KindDailyCashFlow,
		StoreID:   storeID,
		EntryDate: date,
		Fields: map[string]float64{
			"business_cash": res.BusinessCash,
			"lottery_owed":  res.LotteryOwed,
		},
		Provenance: internal.Provenance{EnteredBy: "cash-drawer", Source: "formula:" + res.ConfigSource},
	})
	if err != nil {
		return res, fmt.Errorf("save cash flow: %w", err)
	}
	res.Saved = true
	s.logger.WithFields(logrus.Fields{
		"storeId":      storeID,
		"date":         date,
		"businessCash": res.BusinessCash,
		"lotteryOwed":  res.LotteryOwed,
		"source":       res.ConfigSource,
	}).Info("cash drawer saved")
	return res, nil
}

func (s *Service) values(ctx context.Context, kind internal.EntryKind, storeID, date string) (formula.Values, error) {
	e, err := s.repo.GetEntry(ctx, kind, storeID, date)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	if e == nil {
		return nil, nil
	}
	return formula.Values(e.Fields), nil
}

func pick(store, def *storage.CalculationConfig, get func(*storage.CalculationConfig) formula.Formula) (formula.Formula, string) {
	if store != nil {
		if f := get(store); !f.IsEmpty() {
			return f, SourceStore
		}
	}
	if def != nil {
		if f := get(def); !f.IsEmpty() {
			return f, SourceDefault
		}
	}
	return formula.Formula{}, SourceFallback
}
