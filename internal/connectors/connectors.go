// Package connectors fetches report emails from mail providers and keeps the raw messages on disk.
package connectors

import (
	"context"

	"storeledger/internal"
)

// MailConnector lists recent messages of one provider mailbox.
type MailConnector interface {
	ProviderName() string
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}
