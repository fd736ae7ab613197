package internal

import "time"

// DateLayout is the canonical on-disk date format for report and entry dates.
const DateLayout = "2006-01-02"

type Store struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	State          string `json:"state"`
	RetailerNumber string `json:"retailerNumber"`
	ReportEmail    string `json:"reportEmail"`
}

type ReportPeriod string

const (
	PeriodDaily  ReportPeriod = "daily"
	PeriodWeekly ReportPeriod = "weekly"
)

// RawReport keeps the unparsed report row. Data is the source of truth; MappedValues is derived
// from it and may be regenerated at any time.
type RawReport struct {
	ID             int               `json:"id"`
	StoreID        string            `json:"storeId"`
	ReportDate     string            `json:"reportDate"`
	ReportType     string            `json:"reportType"`
	Period         ReportPeriod      `json:"period"`
	PeriodEnd      string            `json:"periodEnd,omitempty"`
	RetailerNumber string            `json:"retailerNumber"`
	LocationName   string            `json:"locationName,omitempty"`
	Data           map[string]string `json:"data"`
	Columns        []string          `json:"columns"`
	MappedValues   MappedValues      `json:"mappedValues"`
	SourceEmailID  *string           `json:"sourceEmailId,omitempty"`
	Filename       *string           `json:"filename,omitempty"`
	ReceivedAt     time.Time         `json:"receivedAt"`
}

// NaturalKey mirrors the uniqueness rules of a raw report: source email first, then
// date+filename, then date alone.
func (r RawReport) NaturalKey() string {
	if r.SourceEmailID != nil && *r.SourceEmailID != "" {
		return "email:" + *r.SourceEmailID
	}
	if r.Filename != nil && *r.Filename != "" {
		return "file:" + r.ReportDate + ":" + *r.Filename
	}
	return "date:" + r.ReportDate
}

// EntryDate is the date the report's entries are stored under. Weekly reports are keyed by the last
// day of their range, the same week-ending date sheet rows carry.
func (r RawReport) EntryDate() string {
	if r.Period == PeriodWeekly && r.PeriodEnd != "" {
		return r.PeriodEnd
	}
	return r.ReportDate
}

// MappedValues is the result of applying a store's report mappings to a raw report.
type MappedValues struct {
	Lottery map[string]float64 `json:"lottery_field,omitempty"`
	Revenue map[string]float64 `json:"daily_revenue,omitempty"`
	Text    map[string]string  `json:"text,omitempty"`
}

type TargetType string

const (
	TargetDailyRevenue TargetType = "daily_revenue"
	TargetLotteryField TargetType = "lottery_field"
)

type ReportMapping struct {
	ID                int        `json:"id" yaml:"-"`
	StoreID           string     `json:"storeId" yaml:"-"`
	ReportType        string     `json:"reportType" yaml:"report_type" validate:"required"`
	SourceColumn      string     `json:"sourceColumn" yaml:"source_column" validate:"required_without=FormulaExpression"`
	TargetType        TargetType `json:"targetType" yaml:"target_type" validate:"required,oneof=daily_revenue lottery_field"`
	TargetField       string     `json:"targetField" yaml:"target_field" validate:"required"`
	DataType          string     `json:"dataType" yaml:"data_type" validate:"omitempty,oneof=number string"`
	FormulaExpression *string    `json:"formulaExpression,omitempty" yaml:"formula_expression"`
}

type EntryKind string

const (
	KindDailyLottery  EntryKind = "daily_lottery"
	KindWeeklyLottery EntryKind = "weekly_lottery"
	KindDailyCashFlow EntryKind = "daily_cash_flow"
	KindDailyRevenue  EntryKind = "daily_revenue"
)

// EntryFields lists the canonical numeric columns of every entry kind.
var EntryFields = map[EntryKind][]string{
	KindDailyLottery: {
		"daily_instant_sales", "daily_instant_cashes", "daily_draw_sales", "daily_draw_cashes",
		"daily_online_net", "lottery_cash", "lottery_credit_card", "lottery_debit_card",
		"instant_sales", "instant_comm", "instant_cashes", "instant_cash_comm", "instant_returns",
		"draw_sales", "draw_comm", "draw_cashes", "draw_cash_comm", "draw_cancels",
		"promotions", "adjustments", "service_fees", "bonus_comm",
		"total_sales", "total_comm", "total_cashes", "net_sales", "amount_due",
		"packs_activated", "packs_settled",
	},
	KindWeeklyLottery: {
		"instant_sales", "instant_comm", "instant_cashes", "instant_cash_comm", "instant_returns",
		"draw_sales", "draw_comm", "draw_cashes", "draw_cash_comm", "draw_cancels",
		"promotions", "adjustments", "service_fees", "bonus_comm", "chargebacks",
		"total_sales", "total_comm", "total_cashes", "net_sales", "amount_due", "weekly_fee",
		"packs_activated", "packs_settled", "packs_returned",
	},
	KindDailyRevenue: {
		"total_cash", "cash_adjustment", "business_credit_card", "credit_card_fees", "check_amount",
		"online_sales", "online_net", "sales_tax", "gross_sales", "net_sales", "taxable_sales",
		"non_taxable_sales", "fuel_sales", "merchandise_sales", "refunds", "paid_outs", "customer_count",
	},
	KindDailyCashFlow: {
		"beginning_balance", "cash_deposit", "card_deposit", "business_cash", "lottery_owed",
		"lottery_deposit", "expenses", "payroll", "vendor_payments", "atm_withdrawals",
		"over_short", "ending_balance",
	},
}

// IsEntryField reports whether field is a canonical column of kind.
func IsEntryField(kind EntryKind, field string) bool {
	for _, f := range EntryFields[kind] {
		if f == field {
			return true
		}
	}
	return false
}

type Provenance struct {
	EnteredBy string
	Notes     string
	Source    string
}

type Entry struct {
	Kind      EntryKind
	StoreID   string
	EntryDate string
	Fields    map[string]float64
	Provenance
	UpdatedAt string
}

type SyncType string

const (
	SyncRevenue       SyncType = "revenue"
	SyncLottery       SyncType = "lottery"
	SyncLotteryWeekly SyncType = "lottery_weekly"
	SyncCashflow      SyncType = "cashflow"
)

// EntryKind returns the destination entity of a sync type.
func (t SyncType) EntryKind() (EntryKind, bool) {
	switch t {
	case SyncRevenue:
		return KindDailyRevenue, true
	case SyncLottery:
		return KindDailyLottery, true
	case SyncLotteryWeekly:
		return KindWeeklyLottery, true
	case SyncCashflow:
		return KindDailyCashFlow, true
	default:
		return "", false
	}
}

type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
)

type SyncLog struct {
	ID            int        `json:"id"`
	TraceID       string     `json:"traceId"`
	IntegrationID int        `json:"integrationId"`
	StoreID       string     `json:"storeId"`
	SyncType      SyncType   `json:"syncType"`
	Status        SyncStatus `json:"status"`
	RowsProcessed int        `json:"rowsProcessed"`
	RowsAdded     int        `json:"rowsAdded"`
	RowsUpdated   int        `json:"rowsUpdated"`
	RowsSkipped   int        `json:"rowsSkipped"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	DurationMs    int64      `json:"durationMs"`
	CreatedAt     string     `json:"createdAt"`
}

type EmailRow struct {
	ID         int
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	Recipient  string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	To         string
	ReceivedAt string
	Raw        []byte
}
