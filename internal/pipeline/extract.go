package pipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"storeledger/internal/util"
)

type SourceKind string

const (
	SourceCSV       SourceKind = "csv"
	SourceXLSX      SourceKind = "xlsx"
	SourcePDF       SourceKind = "pdf"
	SourceHTMLTable SourceKind = "html_table"
)

// ReportSource is one candidate report found in an email or upload, already split into cells.
type ReportSource struct {
	Name string
	Kind SourceKind
	Rows [][]string
}

type EmailReports struct {
	Subject         string
	From            string
	To              string
	Sources         []ReportSource
	AttachmentNames []string
}

var pdfColumnSplit = regexp.MustCompile(`\t+|\s{2,}`)

func ExtractReportsFromEmailRaw(raw []byte) (EmailReports, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return EmailReports{}, err
	}

	out := EmailReports{
		Subject: env.GetHeader("Subject"),
		From:    env.GetHeader("From"),
		To:      env.GetHeader("To"),
	}

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, att := range parts {
		filename := strings.TrimSpace(att.FileName)
		if filename == "" {
			continue
		}
		out.AttachmentNames = append(out.AttachmentNames, filename)

		kind, ok := SourceKindForFile(filename)
		if !ok {
			continue
		}
		rows, err := ReadRows(kind, att.Content)
		if err != nil || len(rows) == 0 {
			continue
		}
		out.Sources = append(out.Sources, ReportSource{Name: filename, Kind: kind, Rows: rows})
	}

	if env.HTML != "" {
		for i, rows := range parseHTMLTables(env.HTML) {
			out.Sources = append(out.Sources, ReportSource{Name: fmt.Sprintf("table-%d.html", i+1), Kind: SourceHTMLTable, Rows: rows})
		}
	}
	return out, nil
}

// SourceKindForFile picks a reader by file extension.
func SourceKindForFile(filename string) (SourceKind, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return SourceCSV, true
	case ".xlsx", ".xlsm":
		return SourceXLSX, true
	case ".pdf":
		return SourcePDF, true
	case ".html", ".htm":
		return SourceHTMLTable, true
	default:
		return "", false
	}
}

// ReadRows splits a file of the given kind into rows of cells. HTML input yields its first table.
func ReadRows(kind SourceKind, content []byte) ([][]string, error) {
	switch kind {
	case SourceCSV:
		return readCSVRows(content)
	case SourceXLSX:
		return parseXLSX(content)
	case SourcePDF:
		return parsePDF(content)
	case SourceHTMLTable:
		tables := parseHTMLTables(string(content))
		if len(tables) == 0 {
			return nil, nil
		}
		return tables[0], nil
	default:
		return nil, fmt.Errorf("unsupported report source: %s", kind)
	}
}

func readCSVRows(content []byte) ([][]string, error) {
	content = bytes.TrimPrefix(content, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
}

func parseHTMLTables(html string) [][][]string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var out [][][]string
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		trs := table.Find("tr")
		if trs.Length() < 2 {
			return
		}
		rows := make([][]string, 0, trs.Length())
		trs.Each(func(_ int, tr *goquery.Selection) {
			cells := []string{}
			tr.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, util.NormalizeSpaces(cell.Text()))
			})
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
		})
		if len(rows) >= 2 {
			out = append(out, rows)
		}
	})
	return out
}

// parseXLSX returns the first sheet that has any rows.
func parseXLSX(content []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		if len(dropBlankRows(rows)) > 0 {
			return rows, nil
		}
	}
	return nil, nil
}

// parsePDF turns the text of a settlement statement into rows, splitting columns on tabs or runs
// of two or more spaces.
func parsePDF(content []byte) ([][]string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}

	var rows [][]string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		rows = append(rows, textToRows(text)...)
	}
	return rows, nil
}

func textToRows(text string) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rows = append(rows, pdfColumnSplit.Split(line, -1))
	}
	return rows
}
