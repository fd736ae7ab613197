package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"storeledger/internal"
	"storeledger/internal/storage"
)

// MailArchive keeps raw messages on disk, one directory per provider, named by content hash.
type MailArchive struct {
	db   *storage.DB
	root string
}

func NewMailArchive(db *storage.DB, root string) *MailArchive {
	return &MailArchive{db: db, root: root}
}

// Archive writes msg once and records it as fetched. created is false when the provider already
// delivered this message id; its processing status is left as it was.
func (a *MailArchive) Archive(ctx context.Context, msg internal.FetchedMailMessage) (internal.EmailRow, bool, error) {
	sum := sha256.Sum256(msg.Raw)
	hash := hex.EncodeToString(sum[:])

	path, err := a.writeOnce(msg.Provider, hash, msg.Raw)
	if err != nil {
		return internal.EmailRow{}, false, err
	}

	return a.db.UpsertEmail(ctx, internal.EmailRow{
		Provider:   msg.Provider,
		MessageID:  msg.MessageID,
		Subject:    msg.Subject,
		Sender:     msg.From,
		Recipient:  msg.To,
		ReceivedAt: msg.ReceivedAt,
		Hash:       hash,
		RawRef:     path,
	})
}

func (a *MailArchive) writeOnce(provider, hash string, raw []byte) (string, error) {
	if provider == "" {
		provider = "unknown"
	}
	dir := filepath.Join(a.root, provider)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, hash+".eml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	// partial writes never land under the final name
	tmp, err := os.CreateTemp(dir, hash+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write raw mail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}
