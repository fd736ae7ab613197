package formula

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBusinessCash(t *testing.T) {
	f, err := Parse([]byte(`{"fields":{
		"cash":{"source":"revenue","field":"total_cash","operation":"add"},
		"lotterysales":{"source":"lottery","field":"daily_instant_sales","operation":"subtract"}}}`))
	require.NoError(t, err)

	got := Evaluate(f, Values{"total_cash": 500}, Values{"daily_instant_sales": 120})
	assert.True(t, got.Equal(decimal.NewFromInt(380)), "got %s", got)
}

func TestEvaluateEmptyFormulaIsZero(t *testing.T) {
	got := Evaluate(Formula{}, Values{"total_cash": 500}, Values{"daily_instant_sales": 120})
	assert.True(t, got.IsZero())
}

func TestEvaluateIgnoreNeverChangesTotal(t *testing.T) {
	for _, v := range []float64{0, 1, -250.75, 1e9} {
		f := Formula{Fields: map[string]FieldRule{
			"skip": {Source: SourceLottery, Field: "x", Operation: OpIgnore},
		}}
		got := Evaluate(f, nil, Values{"x": v})
		assert.True(t, got.IsZero(), "value %v changed total to %s", v, got)
	}
}

func TestEvaluateSignedOperations(t *testing.T) {
	f := Formula{Fields: map[string]FieldRule{
		"adj":    {Source: SourceRevenue, Field: "cash_adjustment", Operation: OpAddIfPositiveSubtractIfNegative},
		"payout": {Source: SourceLottery, Field: "adjustments", Operation: OpSubtractIfPositiveAddIfNegative},
	}}
	got := Evaluate(f, Values{"cash_adjustment": -40}, Values{"adjustments": -15})
	assert.Equal(t, "-25", got.String())
}

func TestEvaluateDefaultsAndUnknownOperation(t *testing.T) {
	def := 10.0
	f := Formula{Fields: map[string]FieldRule{
		"missing": {Source: SourceRevenue, Field: "check_amount", Operation: OpAdd, Default: &def},
		"zero":    {Source: SourceRevenue, Field: "online_net", Operation: OpAdd, Default: &def},
		"odd":     {Source: SourceRevenue, Field: "total_cash", Operation: "multiply"},
	}}
	got := Evaluate(f, Values{"online_net": 0, "total_cash": 5}, nil)
	assert.Equal(t, "15", got.String())
}

func TestEvaluateNegativeResult(t *testing.T) {
	f := Formula{Fields: map[string]FieldRule{
		"cash": {Source: SourceRevenue, Field: "total_cash", Operation: OpAdd},
		"adj":  {Source: SourceRevenue, Field: "paid_outs", Operation: OpSubtract},
	}}
	got := Evaluate(f, Values{"total_cash": 100, "paid_outs": 180}, nil)
	assert.Equal(t, "-80", got.String())
}

func TestParseStringEncodedFormula(t *testing.T) {
	f, err := Parse([]byte(`"{\"fields\":{\"cash\":{\"source\":\"revenue\",\"field\":\"total_cash\",\"operation\":\"add\"}}}"`))
	require.NoError(t, err)
	require.Len(t, f.Fields, 1)
	assert.Equal(t, "total_cash", f.Fields["cash"].Field)
}

func TestParseRejectsBadSource(t *testing.T) {
	_, err := Parse([]byte(`{"fields":{"cash":{"source":"payroll","field":"total_cash"}}}`))
	assert.Error(t, err)
}

func TestParseNull(t *testing.T) {
	f, err := Parse([]byte("null"))
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
}

func TestFallbackFormulas(t *testing.T) {
	revenue := Values{"total_cash": 1000, "cash_adjustment": 20}
	lottery := Values{
		"daily_instant_sales": 300, "daily_draw_sales": 100,
		"daily_instant_cashes": 50, "daily_draw_cashes": 25,
		"lottery_credit_card": 40, "lottery_debit_card": 10,
	}
	assert.Equal(t, "695", FallbackBusinessCash(revenue, lottery).String())
	assert.Equal(t, "275", FallbackLotteryOwed(lottery).String())
}
