// Package formula derives business cash and lottery owed figures from revenue and lottery
// entries using per-store calculation configs.
package formula

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceRevenue Source = "revenue"
	SourceLottery Source = "lottery"
)

type Operation string

const (
	OpAdd                             Operation = "add"
	OpSubtract                        Operation = "subtract"
	OpIgnore                          Operation = "ignore"
	OpAddIfPositiveSubtractIfNegative Operation = "add_if_positive_subtract_if_negative"
	OpSubtractIfPositiveAddIfNegative Operation = "subtract_if_positive_add_if_negative"
)

type FieldRule struct {
	Source    Source    `json:"source" validate:"required,oneof=revenue lottery"`
	Field     string    `json:"field" validate:"required"`
	Operation Operation `json:"operation"`
	Default   *float64  `json:"default,omitempty"`
}

type Formula struct {
	Fields map[string]FieldRule `json:"fields" validate:"dive"`
}

// Values is one source record keyed by canonical field name. A missing key means "not provided";
// an explicit zero is kept as zero.
type Values map[string]float64

var validate = validator.New()

// Parse decodes a stored formula. Both a JSON object and a JSON string holding the object are
// accepted; null or empty input yields an empty formula.
func Parse(raw []byte) (Formula, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Formula{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Formula{}, fmt.Errorf("decode formula string: %w", err)
		}
		return Parse([]byte(inner))
	}

	var f Formula
	if err := json.Unmarshal(raw, &f); err != nil {
		return Formula{}, fmt.Errorf("decode formula: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Formula{}, err
	}
	return f, nil
}

func (f Formula) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid formula: %w", err)
	}
	return nil
}

func (f Formula) IsEmpty() bool {
	return len(f.Fields) == 0
}

// Keys returns the field keys in a stable order.
func (f Formula) Keys() []string {
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Evaluate sums every field contribution into an accumulator that starts at zero.
func Evaluate(f Formula, revenue, lottery Values) decimal.Decimal {
	total := decimal.Zero
	for _, key := range f.Keys() {
		rule := f.Fields[key]
		if rule.Operation == OpIgnore {
			continue
		}

		src := lottery
		if rule.Source == SourceRevenue {
			src = revenue
		}
		value := decimal.Zero
		if v, ok := src[rule.Field]; ok {
			value = decimal.NewFromFloat(v)
		} else if rule.Default != nil {
			value = decimal.NewFromFloat(*rule.Default)
		}

		switch rule.Operation {
		case OpSubtract, OpSubtractIfPositiveAddIfNegative:
			total = total.Sub(value)
		default:
			total = total.Add(value)
		}
	}
	return total
}

// FallbackBusinessCash is the fixed combined-drawer split used when no config exists:
// drawer cash plus adjustments, less lottery sales taken in, plus lottery prizes paid out.
func FallbackBusinessCash(revenue, lottery Values) decimal.Decimal {
	return dec(revenue["total_cash"]).
		Add(dec(revenue["cash_adjustment"])).
		Sub(dec(lottery["daily_instant_sales"])).
		Sub(dec(lottery["daily_draw_sales"])).
		Add(dec(lottery["daily_instant_cashes"])).
		Add(dec(lottery["daily_draw_cashes"]))
}

// FallbackLotteryOwed is lottery sales less cashes and card-settled lottery sales.
func FallbackLotteryOwed(lottery Values) decimal.Decimal {
	return dec(lottery["daily_instant_sales"]).
		Add(dec(lottery["daily_draw_sales"])).
		Sub(dec(lottery["daily_instant_cashes"])).
		Sub(dec(lottery["daily_draw_cashes"])).
		Sub(dec(lottery["lottery_credit_card"])).
		Sub(dec(lottery["lottery_debit_card"]))
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
