package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Row is a stored product with its surrogate key.
type Row struct {
	ID int
	crawler.ProductRecord
}

// ProductStore is an in-memory crawler.Store with the same upsert-by-url and
// commit/rollback semantics as the Postgres store.
type ProductStore struct {
	mu        sync.RWMutex
	rows      map[string]Row
	nextID    int
	schema    bool
	commits   int
	rollbacks int
	failFn    func(crawler.ProductRecord) error
}

// NewProductStore constructs an empty ProductStore.
func NewProductStore() *ProductStore {
	return &ProductStore{
		rows:   make(map[string]Row),
		nextID: 1,
	}
}

// FailUpserts makes Upsert return the error produced by fn, when non-nil.
func (s *ProductStore) FailUpserts(fn func(crawler.ProductRecord) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFn = fn
}

// EnsureSchema marks the table as created.
func (s *ProductStore) EnsureSchema(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = true
	return nil
}

// WithTx stages writes made through the handle and applies them only when fn
// returns nil. A panic discards the staged writes and is re-raised.
func (s *ProductStore) WithTx(ctx context.Context, fn func(crawler.StoreTx) error) (err error) {
	tx := &productTx{store: s, staged: make(map[string]crawler.ProductRecord)}
	defer func() {
		if p := recover(); p != nil {
			s.finish(nil)
			panic(p)
		}
		if err != nil {
			s.finish(nil)
			return
		}
		s.finish(tx)
	}()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = fn(tx)
	return err
}

func (s *ProductStore) finish(tx *productTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx == nil {
		s.rollbacks++
		return
	}
	for _, url := range tx.order {
		rec := tx.staged[url]
		row, ok := s.rows[url]
		if !ok {
			row.ID = s.nextID
			s.nextID++
		}
		row.ProductRecord = rec
		s.rows[url] = row
	}
	s.commits++
}

// Rows returns a copy of every stored row ordered by ID.
func (s *ProductStore) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the row stored for url.
func (s *ProductStore) Get(url string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[url]
	return row, ok
}

// SchemaEnsured reports whether EnsureSchema has run.
func (s *ProductStore) SchemaEnsured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// Commits returns the number of committed transactions.
func (s *ProductStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Rollbacks returns the number of rolled back transactions.
func (s *ProductStore) Rollbacks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbacks
}

type productTx struct {
	store  *ProductStore
	staged map[string]crawler.ProductRecord
	order  []string
}

func (t *productTx) Upsert(_ context.Context, rec crawler.ProductRecord) error {
	if rec.URL == "" {
		return errors.New("product url is required")
	}
	t.store.mu.RLock()
	failFn := t.store.failFn
	t.store.mu.RUnlock()
	if failFn != nil {
		if err := failFn(rec); err != nil {
			return err
		}
	}
	if _, ok := t.staged[rec.URL]; !ok {
		t.order = append(t.order, rec.URL)
	}
	t.staged[rec.URL] = rec
	return nil
}
