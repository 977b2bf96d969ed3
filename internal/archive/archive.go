// Package archive snapshots raw product pages into a blob store.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

const defaultContentType = "text/html; charset=utf-8"

// Config controls object naming.
type Config struct {
	Prefix      string
	ContentType string
}

// Archiver writes page bodies under <prefix>/<run id>/<sha256(url)>.html.
type Archiver struct {
	store crawler.BlobStore
	cfg   Config
}

// New constructs an Archiver.
func New(store crawler.BlobStore, cfg Config) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	return &Archiver{store: store, cfg: cfg}, nil
}

// Archive stores page.Body and returns the object URI.
func (a *Archiver) Archive(ctx context.Context, runID string, page *crawler.Page) (string, error) {
	if page == nil || len(page.Body) == 0 {
		return "", errors.New("page body is empty")
	}
	path := a.Path(runID, page.URL)
	uri, err := a.store.PutObject(ctx, path, a.cfg.ContentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

// Path returns the object path for url within runID.
func (a *Archiver) Path(runID, url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:]) + ".html"
	parts := make([]string, 0, 3)
	if prefix := strings.Trim(a.cfg.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	if runID != "" {
		parts = append(parts, runID)
	}
	return strings.Join(append(parts, name), "/")
}
