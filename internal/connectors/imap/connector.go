// Package imap reads report emails from any IMAP mailbox.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"storeledger/internal"
	"storeledger/internal/config"
)

const providerName = "imap"

type Connector struct {
	addr       string
	serverName string
	secure     bool
	user       string
	password   string
	markSeen   bool
	lookback   time.Duration
}

func NewConnector(cfg config.Config) (*Connector, error) {
	required := [][2]string{
		{"IMAP_HOST", cfg.IMAPHost},
		{"IMAP_USER", cfg.IMAPUser},
		{"IMAP_PASSWORD", cfg.IMAPPassword},
	}
	for _, r := range required {
		if err := cfg.Require(r[0], r[1]); err != nil {
			return nil, err
		}
	}

	c := &Connector{
		addr:       fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		serverName: cfg.IMAPHost,
		secure:     cfg.IMAPSecure,
		user:       cfg.IMAPUser,
		password:   cfg.IMAPPassword,
		markSeen:   cfg.IMAPMarkSeen,
	}
	if cfg.IMAPLookback > 0 {
		c.lookback = time.Duration(cfg.IMAPLookback) * 24 * time.Hour
	}
	return c, nil
}

func (c *Connector) ProviderName() string { return providerName }

// FetchInbox returns up to max unseen messages of the mailbox, newest last. The IMAP session is not
// interruptible, so ctx is only checked between steps.
func (c *Connector) FetchInbox(ctx context.Context, mailbox string, max int) ([]internal.FetchedMailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.open(mailbox)
	if err != nil {
		return nil, err
	}
	defer client.Logout()

	ids, err := c.unseen(client, max)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, seen, err := fetchRaw(client, ids)
	if err != nil {
		return nil, err
	}
	if c.markSeen && !seen.Empty() {
		flags := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := client.Store(seen, flags, []interface{}{imap.SeenFlag}, nil); err != nil {
			return nil, fmt.Errorf("mark seen: %w", err)
		}
	}
	return out, nil
}

func (c *Connector) open(mailbox string) (*imapclient.Client, error) {
	var (
		client *imapclient.Client
		err    error
	)
	if c.secure {
		client, err = imapclient.DialTLS(c.addr, &tls.Config{ServerName: c.serverName})
	} else {
		client, err = imapclient.Dial(c.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if err := client.Login(c.user, c.password); err != nil {
		client.Logout()
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := client.Select(mailbox, false); err != nil {
		client.Logout()
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}
	return client, nil
}

// unseen returns the sequence numbers of the newest max unseen messages.
func (c *Connector) unseen(client *imapclient.Client, max int) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if c.lookback > 0 {
		criteria.Since = time.Now().Add(-c.lookback)
	}
	ids, err := client.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if max > 0 && len(ids) > max {
		ids = ids[len(ids)-max:]
	}
	return ids, nil
}

func fetchRaw(client *imapclient.Client, ids []uint32) ([]internal.FetchedMailMessage, *imap.SeqSet, error) {
	set := new(imap.SeqSet)
	set.AddNum(ids...)

	body := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, body.FetchItem()}
	ch := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() { done <- client.Fetch(set, items, ch) }()

	out := make([]internal.FetchedMailMessage, 0, len(ids))
	seen := new(imap.SeqSet)
	var readErr error
	// the channel must be drained even after a read error
	for msg := range ch {
		if msg == nil || readErr != nil {
			continue
		}
		literal := msg.GetBody(body)
		if literal == nil {
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			readErr = err
			continue
		}
		out = append(out, toFetched(msg, raw))
		seen.AddNum(msg.SeqNum)
	}
	if err := <-done; err != nil {
		return nil, nil, fmt.Errorf("fetch: %w", err)
	}
	if readErr != nil {
		return nil, nil, readErr
	}
	return out, seen, nil
}

func toFetched(msg *imap.Message, raw []byte) internal.FetchedMailMessage {
	out := internal.FetchedMailMessage{
		Provider:   providerName,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
		Raw:        raw,
	}
	if env := msg.Envelope; env != nil {
		out.MessageID = env.MessageId
		out.Subject = env.Subject
		out.From = joinAddresses(env.From)
		out.To = joinAddresses(env.To)
	}
	if out.MessageID == "" {
		out.MessageID = fmt.Sprintf("imap-uid-%d", msg.Uid)
	}
	if !msg.InternalDate.IsZero() {
		out.ReceivedAt = msg.InternalDate.UTC().Format(time.RFC3339)
	}
	return out
}

// joinAddresses renders bare addresses only; store matching compares addresses, not display names.
func joinAddresses(addrs []*imap.Address) string {
	var parts []string
	for _, a := range addrs {
		if a == nil || a.MailboxName == "" {
			continue
		}
		addr := a.MailboxName
		if a.HostName != "" {
			addr += "@" + a.HostName
		}
		parts = append(parts, strings.ToLower(addr))
	}
	return strings.Join(parts, ", ")
}
