// Package gmail reads report emails through the Gmail API with an offline refresh token.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"storeledger/internal"
	"storeledger/internal/config"
	"storeledger/internal/util"
)

const (
	providerName = "gmail"
	user         = "me"
)

type Connector struct {
	service *gmail.Service
	query   string
}

func NewConnector(ctx context.Context, cfg config.Config) (*Connector, error) {
	required := [][2]string{
		{"GMAIL_CLIENT_ID", cfg.GmailClientID},
		{"GMAIL_CLIENT_SECRET", cfg.GmailClientSecret},
		{"GMAIL_REFRESH_TOKEN", cfg.GmailRefreshToken},
	}
	for _, r := range required {
		if err := cfg.Require(r[0], r[1]); err != nil {
			return nil, err
		}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})

	c, err := NewConnectorWithOptions(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, err
	}
	c.query = cfg.GmailQuery
	return c, nil
}

// NewConnectorWithOptions builds a connector from raw client options, e.g. a custom HTTP client.
func NewConnectorWithOptions(ctx context.Context, opts ...option.ClientOption) (*Connector, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &Connector{service: svc}, nil
}

func (c *Connector) ProviderName() string { return providerName }

// FetchInbox lists up to max messages carrying label and downloads each in raw RFC 822 form.
func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error) {
	call := c.service.Users.Messages.List(user).LabelIds(label).MaxResults(int64(max)).Context(ctx)
	if c.query != "" {
		call = call.Q(c.query)
	}
	list, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", label, err)
	}

	out := make([]internal.FetchedMailMessage, 0, len(list.Messages))
	for _, ref := range list.Messages {
		if ref.Id == "" {
			continue
		}
		msg, ok, err := c.fetchRaw(ctx, ref.Id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *Connector) fetchRaw(ctx context.Context, id string) (internal.FetchedMailMessage, bool, error) {
	resp, err := c.service.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return internal.FetchedMailMessage{}, false, fmt.Errorf("get message %s: %w", id, err)
	}
	if resp.Raw == "" {
		return internal.FetchedMailMessage{}, false, nil
	}
	raw, err := decodeRaw(resp.Raw)
	if err != nil {
		return internal.FetchedMailMessage{}, false, err
	}

	h := headersOf(raw)
	return internal.FetchedMailMessage{
		Provider:   providerName,
		MessageID:  util.FirstNonEmpty(h.Get("Message-Id"), id),
		Subject:    h.Get("Subject"),
		From:       h.Get("From"),
		To:         util.FirstNonEmpty(h.Get("Delivered-To"), h.Get("To")),
		ReceivedAt: receivedAt(resp.InternalDate, h.Get("Date")).Format(time.RFC3339),
		Raw:        raw,
	}, true, nil
}

// receivedAt prefers the server's internal date over the sender-controlled Date header.
func receivedAt(internalMillis int64, dateHeader string) time.Time {
	if internalMillis > 0 {
		return time.UnixMilli(internalMillis).UTC()
	}
	if t, err := mail.ParseDate(dateHeader); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func headersOf(raw []byte) mail.Header {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return mail.Header{}
	}
	return msg.Header
}

func decodeRaw(input string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding} {
		if out, err := enc.DecodeString(input); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("gmail raw payload is not base64url")
}
