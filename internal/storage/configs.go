package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"storeledger/internal/formula"
)

const (
	ConfigTypeDefault = "default"
	ConfigTypeStore   = "store"

	scopeDefault = "default"
)

// CalculationConfig holds the business cash and lottery owed formulas of one store, or the default
// config shared by stores without their own when StoreID is nil.
type CalculationConfig struct {
	ID                    int             `json:"id"`
	StoreID               *string         `json:"storeId"`
	ConfigType            string          `json:"configType"`
	CombinedDrawerFormula formula.Formula `json:"combinedDrawerFormula"`
	LotteryOwedFormula    formula.Formula `json:"lotteryOwedFormula"`
	UpdatedAt             string          `json:"updatedAt"`
}

func configScope(storeID *string) string {
	if storeID == nil || *storeID == "" {
		return scopeDefault
	}
	return "store:" + *storeID
}

// GetCalculationConfig returns the store-specific config, or the default one when storeID is nil.
// Formulas are decoded and validated here, so callers always see typed formulas.
func (d *DB) GetCalculationConfig(ctx context.Context, storeID *string) (*CalculationConfig, error) {
	var (
		cfg                     CalculationConfig
		rowStoreID              sql.NullString
		drawerJSON, lotteryJSON string
	)
	err := d.conn.QueryRowContext(ctx, d.rebind(`
SELECT id, store_id, config_type, combined_drawer_formula, lottery_owed_formula, updated_at
FROM calculation_configs WHERE scope = ?
`), configScope(storeID)).Scan(&cfg.ID, &rowStoreID, &cfg.ConfigType, &drawerJSON, &lotteryJSON, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rowStoreID.Valid {
		cfg.StoreID = &rowStoreID.String
	}
	if cfg.CombinedDrawerFormula, err = formula.Parse([]byte(drawerJSON)); err != nil {
		return nil, fmt.Errorf("calculation config %d combined drawer: %w", cfg.ID, err)
	}
	if cfg.LotteryOwedFormula, err = formula.Parse([]byte(lotteryJSON)); err != nil {
		return nil, fmt.Errorf("calculation config %d lottery owed: %w", cfg.ID, err)
	}
	return &cfg, nil
}

func (d *DB) UpsertCalculationConfig(ctx context.Context, cfg CalculationConfig) error {
	if err := cfg.CombinedDrawerFormula.Validate(); err != nil {
		return err
	}
	if err := cfg.LotteryOwedFormula.Validate(); err != nil {
		return err
	}
	drawerJSON, err := json.Marshal(cfg.CombinedDrawerFormula)
	if err != nil {
		return err
	}
	lotteryJSON, err := json.Marshal(cfg.LotteryOwedFormula)
	if err != nil {
		return err
	}

	configType := ConfigTypeStore
	var storeID *string
	if cfg.StoreID != nil && *cfg.StoreID != "" {
		storeID = cfg.StoreID
	} else {
		configType = ConfigTypeDefault
	}

	_, err = d.conn.ExecContext(ctx, d.rebind(`
INSERT INTO calculation_configs (scope, store_id, config_type, combined_drawer_formula, lottery_owed_formula, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(scope) DO UPDATE SET
  combined_drawer_formula=excluded.combined_drawer_formula,
  lottery_owed_formula=excluded.lottery_owed_formula,
  updated_at=excluded.updated_at
`), configScope(storeID), storeID, configType, string(drawerJSON), string(lotteryJSON), now())
	return err
}
