package sheets

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"storeledger/internal/config"
)

const maxAttempts = 5

type GoogleProvider struct {
	service *sheetsapi.Service
	limiter *rate.Limiter
	backoff time.Duration
}

// NewGoogleProvider authenticates with a service account credentials file when one is configured,
// otherwise with the OAuth client and a refresh token.
func NewGoogleProvider(ctx context.Context, cfg config.Config) (*GoogleProvider, error) {
	if cfg.SheetsCredentialsFile != "" {
		return NewGoogleProviderWithOptions(ctx, cfg.SheetsRateLimitRPS,
			option.WithCredentialsFile(cfg.SheetsCredentialsFile),
			option.WithScopes(sheetsapi.SpreadsheetsReadonlyScope))
	}

	if err := cfg.Require("GOOGLE_SHEETS_REFRESH_TOKEN", cfg.SheetsRefreshToken); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_ID", cfg.GmailClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret); err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{sheetsapi.SpreadsheetsReadonlyScope},
	}
	base := &http.Client{Timeout: time.Duration(cfg.SheetsTimeoutMs) * time.Millisecond}
	httpClient := oauthCfg.Client(context.WithValue(ctx, oauth2.HTTPClient, base), &oauth2.Token{RefreshToken: cfg.SheetsRefreshToken})
	return NewGoogleProviderWithOptions(ctx, cfg.SheetsRateLimitRPS, option.WithHTTPClient(httpClient))
}

func NewGoogleProviderWithOptions(ctx context.Context, rps int, opts ...option.ClientOption) (*GoogleProvider, error) {
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{service: svc, limiter: newLimiter(rps), backoff: 250 * time.Millisecond}, nil
}

// newLimiter spaces calls evenly at rps per second with no burst; the Sheets quota is per minute
// and bursts trip it quickly.
func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		rps = 1
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// FetchRows reads a whole range as formatted cell strings. Rate-limit and server errors are retried
// with exponential backoff.
func (p *GoogleProvider) FetchRows(ctx context.Context, spreadsheetID, sheetRange string) ([][]string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := p.service.Spreadsheets.Values.Get(spreadsheetID, sheetRange).
			ValueRenderOption("FORMATTED_VALUE").
			Context(ctx).
			Do()
		if err == nil {
			return toRows(resp.Values), nil
		}

		lastErr = err
		if !isRetryable(err) || attempt == maxAttempts {
			break
		}
		sleep := p.backoff*time.Duration(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(p.backoff)/2+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("fetch sheet %s %s: %w", spreadsheetID, sheetRange, lastErr)
}

func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func toRows(values [][]interface{}) [][]string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		row := make([]string, len(v))
		for i, cell := range v {
			if cell != nil {
				row[i] = fmt.Sprint(cell)
			}
		}
		rows = append(rows, row)
	}
	return rows
}
