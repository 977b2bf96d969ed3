// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

const (
	defaultTable  = "products"
	savepointName = "product_upsert"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ProductStoreConfig controls the Postgres connection pool used for product rows.
// DSN wins over the individual connection fields when set.
type ProductStoreConfig struct {
	DSN             string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// ConnString returns the DSN, building a postgres:// URL from the parts when empty.
func (c ProductStoreConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	return u.String()
}

type txPool interface {
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// ProductStore writes product rows into Postgres.
type ProductStore struct {
	pool      txPool
	table     string
	createSQL string
	upsertSQL string
	logger    *zap.Logger
}

// NewProductStore creates a Postgres-backed ProductStore using the provided config.
func NewProductStore(ctx context.Context, cfg ProductStoreConfig, logger *zap.Logger) (*ProductStore, error) {
	if cfg.DSN == "" && cfg.Host == "" {
		return nil, fmt.Errorf("db.host or db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewProductStoreWithPool(pool, cfg.Table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewProductStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProductStoreWithPool(pool txPool, table string, logger *zap.Logger) (*ProductStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductStore{
		pool:      pool,
		table:     table,
		createSQL: createTableSQL(table),
		upsertSQL: upsertSQL(table),
		logger:    logger,
	}, nil
}

// Close releases the underlying pool resources.
func (s *ProductStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *ProductStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the products table if it does not exist. It runs in
// its own transaction.
func (s *ProductStore) EnsureSchema(ctx context.Context) error {
	err := s.withTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, s.createSQL); err != nil {
			return fmt.Errorf("create %s table: %w", s.table, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("products table ensured", zap.String("table", s.table))
	return nil
}

// WithTx runs fn inside one transaction. It commits when fn returns nil and
// rolls back when fn returns an error or panics; a panic is re-raised after
// the rollback.
func (s *ProductStore) WithTx(ctx context.Context, fn func(crawler.StoreTx) error) error {
	return s.withTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&productTx{tx: tx, store: s})
	})
}

func (s *ProductStore) withTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Error("transaction rollback failed", zap.NamedError("original_error", err), zap.Error(rbErr))
			} else {
				s.logger.Warn("transaction rolled back", zap.Error(err))
			}
		} else if cErr := tx.Commit(ctx); cErr != nil {
			err = fmt.Errorf("commit transaction: %w", cErr)
		}
	}()

	err = fn(tx)
	return err
}

type productTx struct {
	tx    pgx.Tx
	store *ProductStore
}

// Upsert inserts rec or updates the existing row with the same url. Each call
// is isolated by a savepoint, so a rejected row leaves the transaction usable.
// Failures that make the transaction unusable wrap crawler.ErrTxAborted.
func (t *productTx) Upsert(ctx context.Context, rec crawler.ProductRecord) error {
	if rec.URL == "" {
		return errors.New("product url is required")
	}
	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("%w: savepoint: %w", crawler.ErrTxAborted, err)
	}
	args := []any{
		rec.ProductName,
		rec.Category,
		rec.PriceMedian,
		rec.PriceLow,
		rec.PriceHigh,
		rec.Description,
		rec.URL,
	}
	if _, err := t.tx.Exec(ctx, t.store.upsertSQL, args...); err != nil {
		if _, rbErr := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			return fmt.Errorf("%w: upsert product: %w (rollback to savepoint: %v)", crawler.ErrTxAborted, err, rbErr)
		}
		return fmt.Errorf("upsert product: %w", err)
	}
	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("%w: release savepoint: %w", crawler.ErrTxAborted, err)
	}
	return nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	product_name VARCHAR(255) NOT NULL,
	category VARCHAR(255),
	price_median VARCHAR(50),
	price_low VARCHAR(50),
	price_high VARCHAR(50),
	description TEXT,
	url VARCHAR(500) UNIQUE NOT NULL
)`, table)
}

func upsertSQL(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
	product_name,
	category,
	price_median,
	price_low,
	price_high,
	description,
	url
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (url) DO UPDATE SET
	product_name = EXCLUDED.product_name,
	category = EXCLUDED.category,
	price_median = EXCLUDED.price_median,
	price_low = EXCLUDED.price_low,
	price_high = EXCLUDED.price_high,
	description = EXCLUDED.description`, table)
}
