// Package sheets fetches spreadsheet ranges as rows of cell strings, from Google Sheets or from local
// workbooks.
package sheets

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"storeledger/internal/config"
)

type Provider interface {
	FetchRows(ctx context.Context, spreadsheetID, sheetRange string) ([][]string, error)
}

// NewProvider picks the provider named by name, or by SHEETS_PROVIDER when name is empty. With
// neither set, Google Sheets is used when credentials are configured and local workbooks otherwise.
func NewProvider(ctx context.Context, cfg config.Config, name string) (Provider, error) {
	if name == "" {
		name = cfg.SheetsProvider
	}
	if name == "" {
		name = "xlsx"
		if cfg.SheetsCredentialsFile != "" || cfg.SheetsRefreshToken != "" {
			name = "google"
		}
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "google":
		return NewGoogleProvider(ctx, cfg)
	case "xlsx":
		return XLSXProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported sheets provider: %s", name)
	}
}

// XLSXProvider reads local workbooks. The spreadsheet id is the workbook path and the sheet range
// names the sheet ("Daily" or "Daily!A:Z"); an empty range reads the first sheet.
type XLSXProvider struct{}

func (XLSXProvider) FetchRows(ctx context.Context, path, sheetRange string) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := sheetName(sheetRange)
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return rows, nil
}

func sheetName(sheetRange string) string {
	name, _, _ := strings.Cut(sheetRange, "!")
	return strings.Trim(strings.TrimSpace(name), "'")
}
