package pipeline

import (
	"errors"
	"testing"

	"storeledger/internal"
	"storeledger/internal/mapping"
)

const settlementCSV = `"Combined Settlement","From 11/03/2025 to 11/03/2025"
Retailer Number, Draw Sales, Draw Comm
"123456","1000.00","50.00"
`

func TestParseSettlementScenario(t *testing.T) {
	rec, err := ParseReportCSV([]byte(settlementCSV), "settlement.csv", mapping.ProfileFor("PA"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != FormatSettlement {
		t.Fatalf("format=%s", rec.Format)
	}
	if rec.Date != "2025-11-03" || rec.Period != internal.PeriodDaily {
		t.Fatalf("date=%s period=%s", rec.Date, rec.Period)
	}
	if rec.RetailerNumber != "123456" {
		t.Fatalf("retailer=%q", rec.RetailerNumber)
	}
	if rec.Values["draw_sales"] != 1000 || rec.Values["draw_comm"] != 50 {
		t.Fatalf("values=%v", rec.Values)
	}
	if len(rec.Values) != len(mapping.ReportFields) {
		t.Fatalf("expected %d fields, got %d", len(mapping.ReportFields), len(rec.Values))
	}
	for _, f := range mapping.ReportFields {
		if f == "draw_sales" || f == "draw_comm" {
			continue
		}
		if rec.Values[f] != 0 {
			t.Fatalf("%s=%v, want 0", f, rec.Values[f])
		}
	}
	if got := rec.Data["Draw Sales"]; got != "1000.00" {
		t.Fatalf("raw Draw Sales=%q", got)
	}
	if len(rec.Columns) != 3 || rec.Columns[0] != "Retailer Number" {
		t.Fatalf("columns=%v", rec.Columns)
	}
}

func TestParseSettlementDateVariants(t *testing.T) {
	firstLines := []string{
		`"Combined Settlement","From 11/03/2025 to 11/03/2025"`,
		`"Combined Settlement", "From 11/03/2025 to 11/03/2025   "`,
		`Combined Settlement From 11/03/2025 to 11/03/2025   `,
		`"Combined Settlement","  from 11/3/2025 TO 11/3/2025"`,
	}
	for _, line := range firstLines {
		csv := line + "\nRetailer Number,Draw Sales\n123456,5\n"
		rec, err := ParseReportCSV([]byte(csv), "", mapping.ProfileFor("PA"))
		if err != nil {
			t.Fatalf("%q: %v", line, err)
		}
		if rec.Date != "2025-11-03" {
			t.Fatalf("%q: date=%s", line, rec.Date)
		}
	}
}

func TestParseSettlementWeekly(t *testing.T) {
	csv := "\"Combined Settlement\",\"From 10/27/2025 to 11/02/2025\"\n\n\"Retailer Number\",\"Location Name\",\"Instant Sales\",\"Amount Due\"\n\"00123456\",\" Corner  Mart \",\"$1,234.50\",\"(20.00)\"\n\"00123456\",\"Corner Mart\",\"9\",\"9\"\n"
	rec, err := ParseReportCSV([]byte(csv), "weekly.csv", mapping.ProfileFor("PA"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Date != "2025-10-27" || rec.DateTo != "2025-11-02" || rec.Period != internal.PeriodWeekly {
		t.Fatalf("date=%s to=%s period=%s", rec.Date, rec.DateTo, rec.Period)
	}
	if rec.LocationName != "Corner Mart" {
		t.Fatalf("location=%q", rec.LocationName)
	}
	if rec.Values["instant_sales"] != 1234.50 {
		t.Fatalf("instant_sales=%v", rec.Values["instant_sales"])
	}
	if rec.Values["amount_due"] != -20 {
		t.Fatalf("amount_due=%v", rec.Values["amount_due"])
	}
}

func TestParseLegacyFormat(t *testing.T) {
	csv := "Date,Retailer Number,Draw Sales\n11/03/2025,123456,1000.00\n"
	rec, err := ParseReportCSV([]byte(csv), "legacy.csv", mapping.ProfileFor("PA"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != FormatLegacy || rec.Date != "2025-11-03" {
		t.Fatalf("format=%s date=%s", rec.Format, rec.Date)
	}
	if rec.Values["draw_sales"] != 1000 {
		t.Fatalf("draw_sales=%v", rec.Values["draw_sales"])
	}
}

func TestParseDateFromFilename(t *testing.T) {
	csv := "Retailer Number,Draw Sales\n123456,abc\n"
	rec, err := ParseReportCSV([]byte(csv), "PA_settlement_20251104.csv", mapping.ProfileFor("PA"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Date != "2025-11-04" {
		t.Fatalf("date=%s", rec.Date)
	}
	if rec.Values["draw_sales"] != 0 {
		t.Fatalf("unparseable cell should default to 0, got %v", rec.Values["draw_sales"])
	}
}

func TestParseStateProfile(t *testing.T) {
	csv := "Business Date,Agent Number,Agent Name,Draw Sales\n2025-11-03,555,Shore Stop,42\n"
	rec, err := ParseReportCSV([]byte(csv), "nj.csv", mapping.ProfileFor("NJ"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Date != "2025-11-03" || rec.RetailerNumber != "555" || rec.LocationName != "Shore Stop" {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]struct {
		csv      string
		filename string
	}{
		"empty":            {csv: "  \n", filename: "a.csv"},
		"no header row":    {csv: "\"Combined Settlement\",\"From 11/03/2025 to 11/03/2025\"\nfoo,bar\n1,2\n", filename: "a.csv"},
		"header only":      {csv: "\"Combined Settlement\",\"From 11/03/2025 to 11/03/2025\"\nRetailer Number,Draw Sales\n", filename: "a.csv"},
		"legacy no rows":   {csv: "Date,Draw Sales\n", filename: "a.csv"},
		"no date anywhere": {csv: "Retailer Number,Draw Sales\n1,2\n", filename: "report.csv"},
	}
	for name, tc := range cases {
		_, err := ParseReportCSV([]byte(tc.csv), tc.filename, mapping.ProfileFor("PA"))
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%s: expected ParseError, got %v", name, err)
		}
	}
}

func TestParseMarkerOnlyOnFirstPhysicalRow(t *testing.T) {
	rows := [][]string{
		{"", ""},
		{"Combined Settlement", "From 11/03/2025 to 11/03/2025"},
		{"Retailer Number", "Draw Sales"},
		{"123456", "5"},
	}
	rec, err := ParseReportGrid(rows, "PA_20251105.csv", mapping.ProfileFor("PA"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != FormatLegacy || rec.Date != "2025-11-05" {
		t.Fatalf("format=%s date=%s", rec.Format, rec.Date)
	}

	rec, err = ParseReportGrid(rows[1:], "PA_20251105.csv", mapping.ProfileFor("PA"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != FormatSettlement || rec.Date != "2025-11-03" {
		t.Fatalf("format=%s date=%s", rec.Format, rec.Date)
	}
}
