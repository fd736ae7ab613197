package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"storeledger/internal"
	"storeledger/internal/mapping"
	"storeledger/internal/util"
)

type ReportFormat string

const (
	FormatSettlement ReportFormat = "settlement"
	FormatLegacy     ReportFormat = "legacy"
)

// ParseError reports a report whose structure could not be read. Nothing of such a report is stored.
type ParseError struct {
	Filename string
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Filename == "" {
		return "parse report: " + e.Reason
	}
	return fmt.Sprintf("parse report %s: %s", e.Filename, e.Reason)
}

// ReportRecord is one parsed report row. Values always carries every field of mapping.ReportFields;
// cells that are absent or unparseable are 0.
type ReportRecord struct {
	Format         ReportFormat
	Date           string
	DateTo         string
	Period         internal.ReportPeriod
	RetailerNumber string
	LocationName   string
	Values         map[string]float64
	Data           map[string]string
	Columns        []string
}

// ParseReportCSV reads a vendor settlement CSV.
func ParseReportCSV(content []byte, filename string, profile mapping.Profile) (ReportRecord, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return ReportRecord{}, &ParseError{Filename: filename, Reason: "empty report"}
	}
	rows, err := readCSVRows(content)
	if err != nil {
		return ReportRecord{}, &ParseError{Filename: filename, Reason: err.Error()}
	}
	return ParseReportGrid(rows, filename, profile)
}

// ParseReportGrid reads a report that has already been split into cells (CSV, workbook sheet,
// HTML table or PDF text).
//
// A first physical row carrying the profile marker selects the settlement layout: its "From D1 to D2" range
// dates the report and the header row is the one holding the retailer column. Otherwise the first
// row is the header. Only the first data row below the header is read.
func ParseReportGrid(rows [][]string, filename string, profile mapping.Profile) (ReportRecord, error) {
	firstLine := ""
	if len(rows) > 0 {
		firstLine = strings.Join(rows[0], " ")
	}
	rows = dropBlankRows(rows)
	if len(rows) == 0 {
		return ReportRecord{}, &ParseError{Filename: filename, Reason: "empty report"}
	}

	rec := ReportRecord{Format: FormatLegacy, Period: internal.PeriodDaily}
	headerIdx := 0

	// the marker only counts on the first physical row; after it rows[0] is that same row
	if isSettlement(firstLine, profile.Marker) {
		rec.Format = FormatSettlement
		if from, to, ok := util.ParseDateRange(firstLine); ok {
			rec.Date, rec.DateTo = from, to
		}
		headerIdx = findHeaderRow(rows, 1, profile.RetailerColumn)
		if headerIdx < 0 {
			return ReportRecord{}, &ParseError{Filename: filename, Reason: fmt.Sprintf("no header row with %q", profile.RetailerColumn)}
		}
	}

	if headerIdx+1 >= len(rows) {
		return ReportRecord{}, &ParseError{Filename: filename, Reason: "no data rows"}
	}

	headers := make([]string, len(rows[headerIdx]))
	for i, h := range rows[headerIdx] {
		headers[i] = util.NormalizeHeader(h)
	}
	row := mapping.Row{Headers: headers, Cells: trimCells(rows[headerIdx+1])}

	rec.Data, rec.Columns = rowData(row)

	if rec.Date == "" {
		if raw, ok := row.Lookup(dateColumns(profile)); ok {
			if d, err := util.ParseDate(raw); err == nil {
				rec.Date = d
			}
		}
	}
	if rec.Date == "" {
		if d, ok := util.DateFromFilename(filename); ok {
			rec.Date = d
		}
	}
	if rec.Date == "" {
		return ReportRecord{}, &ParseError{Filename: filename, Reason: "no report date"}
	}
	if rec.DateTo != "" && rec.DateTo != rec.Date {
		rec.Period = internal.PeriodWeekly
	}

	if v, ok := lookupColumn(row, profile.RetailerColumn); ok {
		rec.RetailerNumber = cleanIdentifier(v)
	}
	if v, ok := lookupColumn(row, profile.LocationColumn); ok {
		rec.LocationName = util.NormalizeSpaces(strings.Trim(v, "\""))
	}

	rec.Values = make(map[string]float64, len(mapping.ReportFields))
	for _, field := range mapping.ReportFields {
		raw, _ := row.Lookup(profile.Fields[field])
		rec.Values[field] = util.AmountOrZero(raw)
	}
	return rec, nil
}

func isSettlement(line, marker string) bool {
	if marker == "" {
		marker = "Combined Settlement"
	}
	return strings.Contains(strings.ToLower(line), strings.ToLower(marker))
}

func findHeaderRow(rows [][]string, start int, column string) int {
	want := strings.ToLower(strings.TrimSpace(column))
	for i := start; i < len(rows); i++ {
		for _, cell := range rows[i] {
			if strings.ToLower(util.NormalizeHeader(cell)) == want {
				return i
			}
		}
	}
	return -1
}

func lookupColumn(row mapping.Row, column string) (string, bool) {
	if strings.TrimSpace(column) == "" {
		return "", false
	}
	return row.Lookup([]string{column})
}

func dateColumns(profile mapping.Profile) []string {
	if profile.DateColumn == "" || strings.EqualFold(profile.DateColumn, "Date") {
		return []string{"Date"}
	}
	return []string{profile.DateColumn, "Date"}
}

// rowData keeps the raw cells keyed by header. Blank headers are dropped and the first of
// duplicate headers wins.
func rowData(row mapping.Row) (map[string]string, []string) {
	data := map[string]string{}
	columns := make([]string, 0, len(row.Headers))
	for i, h := range row.Headers {
		if h == "" {
			continue
		}
		if _, dup := data[h]; dup {
			continue
		}
		cell := ""
		if i < len(row.Cells) {
			cell = row.Cells[i]
		}
		data[h] = cell
		columns = append(columns, h)
	}
	return data, columns
}

func cleanIdentifier(v string) string {
	v = strings.Trim(strings.TrimSpace(v), "\"'")
	return strings.TrimSpace(v)
}

func trimCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

func dropBlankRows(rows [][]string) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
