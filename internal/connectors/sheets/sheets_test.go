package sheets

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"google.golang.org/api/option"

	"storeledger/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestGoogleProviderRetriesAndConvertsCells(t *testing.T) {
	attempt := 0
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if !strings.Contains(r.URL.Path, "/v4/spreadsheets/sheet-1/values/") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		attempt++
		if attempt == 1 {
			return jsonResponse(http.StatusServiceUnavailable, `{"error":{"code":503,"message":"backend"}}`), nil
		}
		return jsonResponse(http.StatusOK, `{"range":"Daily!A1:C3","majorDimension":"ROWS","values":[["Date","Cash","Notes"],["11/03/2025",500.5],["11/04/2025","$1,200.00","late"]]}`), nil
	})}

	p, err := NewGoogleProviderWithOptions(context.Background(), 1000,
		option.WithHTTPClient(client), option.WithEndpoint("https://sheets.test/"))
	if err != nil {
		t.Fatal(err)
	}
	p.backoff = time.Millisecond

	rows, err := p.FetchRows(context.Background(), "sheet-1", "Daily!A:C")
	if err != nil {
		t.Fatal(err)
	}
	if attempt != 2 {
		t.Fatalf("attempts=%d", attempt)
	}
	if len(rows) != 3 || rows[1][1] != "500.5" || rows[2][1] != "$1,200.00" {
		t.Fatalf("rows=%v", rows)
	}
}

func TestGoogleProviderDoesNotRetryClientErrors(t *testing.T) {
	attempt := 0
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		attempt++
		return jsonResponse(http.StatusNotFound, `{"error":{"code":404,"message":"not found"}}`), nil
	})}
	p, err := NewGoogleProviderWithOptions(context.Background(), 1000,
		option.WithHTTPClient(client), option.WithEndpoint("https://sheets.test/"))
	if err != nil {
		t.Fatal(err)
	}
	p.backoff = time.Millisecond

	if _, err := p.FetchRows(context.Background(), "missing", "A:B"); err == nil {
		t.Fatal("expected error")
	}
	if attempt != 1 {
		t.Fatalf("attempts=%d", attempt)
	}
}

func TestXLSXProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daily.xlsx")
	f := excelize.NewFile()
	if _, err := f.NewSheet("Daily"); err != nil {
		t.Fatal(err)
	}
	_ = f.SetSheetRow("Daily", "A1", &[]any{"Date", "Cash"})
	_ = f.SetSheetRow("Daily", "A2", &[]any{"11/03/2025", 500})
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}

	rows, err := XLSXProvider{}.FetchRows(context.Background(), path, "'Daily'!A:B")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][1] != "500" {
		t.Fatalf("rows=%v", rows)
	}
}

func TestLimiterHonoursContext(t *testing.T) {
	r := newLimiter(0)
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNewProviderSelection(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, config.Config{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(XLSXProvider); !ok {
		t.Fatalf("want XLSXProvider without credentials, got %T", p)
	}

	if _, err := NewProvider(ctx, config.Config{}, "dropbox"); err == nil {
		t.Fatal("expected error for unknown provider")
	}

	_, err = NewProvider(ctx, config.Config{SheetsRefreshToken: "tok"}, "")
	if err == nil || !strings.Contains(err.Error(), "GMAIL_CLIENT_ID") {
		t.Fatalf("expected missing client id error, got %v", err)
	}
}
