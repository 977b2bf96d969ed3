package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a page after waiting the given pacing delay.
// Relative URLs starting with "/" are resolved against the configured base.
type Fetcher interface {
	Fetch(ctx context.Context, url string, delay time.Duration) (*Page, error)
}

// Extractor turns a product detail page into a record. It never fails; missing
// fields take placeholder values or the supplied fallbacks.
type Extractor interface {
	Extract(page *Page, fallbackName, fallbackCategory string) ProductRecord
}

// Store persists product records.
type Store interface {
	// EnsureSchema creates the products table if missing, in its own transaction.
	EnsureSchema(ctx context.Context) error
	// WithTx runs fn inside a transaction: commit when fn returns nil,
	// rollback when it returns an error or panics.
	WithTx(ctx context.Context, fn func(StoreTx) error) error
}

// StoreTx is a handle valid only inside Store.WithTx.
type StoreTx interface {
	Upsert(ctx context.Context, rec ProductRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
