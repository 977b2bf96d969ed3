package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

func record(url, name string) crawler.ProductRecord {
	return crawler.ProductRecord{
		ProductName: name,
		Category:    "devops",
		PriceMedian: crawler.DefaultPrice,
		PriceLow:    crawler.DefaultPrice,
		PriceHigh:   crawler.DefaultPrice,
		Description: crawler.DefaultDescription,
		URL:         url,
	}
}

func upsertAll(store *ProductStore, recs ...crawler.ProductRecord) error {
	return store.WithTx(context.Background(), func(tx crawler.StoreTx) error {
		for _, rec := range recs {
			if err := tx.Upsert(context.Background(), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewProductStore()
	rec := record("https://example.test/marketplace/a", "A")

	require.NoError(t, upsertAll(store, rec))
	require.NoError(t, upsertAll(store, rec))

	rows := store.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, rec, rows[0].ProductRecord)
	require.Equal(t, 1, rows[0].ID)
}

func TestUpsertUpdatesExistingRowKeepingID(t *testing.T) {
	t.Parallel()

	store := NewProductStore()
	require.NoError(t, upsertAll(store,
		record("https://example.test/marketplace/a", "A"),
		record("https://example.test/marketplace/b", "B"),
	))
	require.NoError(t, upsertAll(store, record("https://example.test/marketplace/a", "A v2")))

	row, ok := store.Get("https://example.test/marketplace/a")
	require.True(t, ok)
	require.Equal(t, 1, row.ID)
	require.Equal(t, "A v2", row.ProductName)
	require.Len(t, store.Rows(), 2)
}

func TestWithTxRollbackDiscardsWrites(t *testing.T) {
	t.Parallel()

	store := NewProductStore()
	err := store.WithTx(context.Background(), func(tx crawler.StoreTx) error {
		require.NoError(t, tx.Upsert(context.Background(), record("https://example.test/marketplace/a", "A")))
		return errors.New("connection lost")
	})
	require.EqualError(t, err, "connection lost")
	require.Empty(t, store.Rows())
	require.Equal(t, 1, store.Rollbacks())
	require.Zero(t, store.Commits())
}

func TestWithTxPanicRollsBack(t *testing.T) {
	t.Parallel()

	store := NewProductStore()
	require.Panics(t, func() {
		_ = store.WithTx(context.Background(), func(tx crawler.StoreTx) error {
			_ = tx.Upsert(context.Background(), record("https://example.test/marketplace/a", "A"))
			panic("boom")
		})
	})
	require.Empty(t, store.Rows())
	require.Equal(t, 1, store.Rollbacks())
}

func TestFailUpsertsIsPerRecord(t *testing.T) {
	t.Parallel()

	store := NewProductStore()
	store.FailUpserts(func(rec crawler.ProductRecord) error {
		if rec.ProductName == "bad" {
			return errors.New("value too long")
		}
		return nil
	})

	var failures int
	err := store.WithTx(context.Background(), func(tx crawler.StoreTx) error {
		for _, rec := range []crawler.ProductRecord{
			record("https://example.test/marketplace/a", "bad"),
			record("https://example.test/marketplace/b", "good"),
		} {
			if err := tx.Upsert(context.Background(), rec); err != nil {
				failures++
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, failures)
	rows := store.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, "good", rows[0].ProductName)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store := NewProductStore()
	require.False(t, store.SchemaEnsured())
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.True(t, store.SchemaEnsured())
}

func TestUpsertRequiresURL(t *testing.T) {
	t.Parallel()

	store := NewProductStore()
	err := upsertAll(store, crawler.ProductRecord{ProductName: "x"})
	require.EqualError(t, err, "product url is required")
}
