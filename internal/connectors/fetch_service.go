package connectors

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"storeledger/internal/storage"
)

type FetchService struct {
	db        *storage.DB
	connector MailConnector
	archive   *MailArchive
	logger    logrus.FieldLogger
}

// FetchResult counts the messages returned by the provider and how many of them were new.
type FetchResult struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
}

func NewFetchService(db *storage.DB, rawMailDir string, connector MailConnector, logger logrus.FieldLogger) *FetchService {
	return &FetchService{
		db:        db,
		connector: connector,
		archive:   NewMailArchive(db, rawMailDir),
		logger:    logger,
	}
}

// LastFetchKey is the metadata key holding the time of a provider's last successful fetch.
func LastFetchKey(provider string) string {
	return "mail:" + provider + ":last_fetch_at"
}

func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return FetchResult{}, err
	}

	res := FetchResult{Fetched: len(messages)}
	for _, msg := range messages {
		row, created, err := s.archive.Archive(ctx, msg)
		if err != nil {
			return res, err
		}
		if created {
			res.Stored++
		}
		s.logger.WithFields(logrus.Fields{
			"provider":  row.Provider,
			"messageId": row.MessageID,
			"emailId":   row.ID,
			"new":       created,
		}).Debug("email archived")
	}

	if err := s.db.SetMetadata(ctx, LastFetchKey(s.connector.ProviderName()), time.Now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.WithError(err).Warn("record last fetch time")
	}
	return res, nil
}
