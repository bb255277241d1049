package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

// Open connects to Postgres and configures the pool per config.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewStore builds the full storage gateway over one sqlx pool.
func NewStore(db *sqlx.DB, timeout time.Duration) *store.Store {
	sources, raw, listings, sellers, prices, sigs, dupLog, comps, evals, scores, bm := newRepos(db, timeout)
	return store.NewStore(&txRunner{db: db, timeout: timeout},
		sources, raw, listings, sellers, prices, sigs, dupLog, comps, evals, scores, bm)
}

// newRepos builds the repository set bound to ext. Both *sqlx.DB and
// *sqlx.Tx satisfy sqlx.ExtContext, so the same constructors serve the pool
// and transactional views.
func newRepos(ext sqlx.ExtContext, timeout time.Duration) (
	store.SourceRepo, store.RawRepo, store.ListingRepo, store.SellerRepo,
	store.PriceRepo, store.SignatureRepo, store.DuplicateLogRepo,
	store.CompsRepo, store.EvalRepo, store.ScoreRepo, store.BrandModelRepo,
) {
	return &sourceRepo{ext: ext, timeout: timeout},
		&rawRepo{ext: ext, timeout: timeout},
		&listingRepo{ext: ext, timeout: timeout},
		&sellerRepo{ext: ext, timeout: timeout},
		&priceRepo{ext: ext, timeout: timeout},
		&signatureRepo{ext: ext, timeout: timeout},
		&duplicateLogRepo{ext: ext, timeout: timeout},
		&compsRepo{ext: ext, timeout: timeout},
		&evalRepo{ext: ext, timeout: timeout},
		&scoreRepo{ext: ext, timeout: timeout},
		&brandModelRepo{ext: ext, timeout: timeout}
}

type txRunner struct {
	db      *sqlx.DB
	timeout time.Duration
}

// InTx runs fn inside one transaction with a Store view bound to it.
// Rollback is deferred so release happens on every exit path.
func (r *txRunner) InTx(ctx context.Context, fn func(ctx context.Context, tx *store.Store) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Transient("begin tx", err)
	}
	defer tx.Rollback()

	sources, raw, listings, sellers, prices, sigs, dupLog, comps, evals, scores, bm := newRepos(tx, r.timeout)
	view := store.NewStore(nil, sources, raw, listings, sellers, prices, sigs, dupLog, comps, evals, scores, bm)

	if err := fn(ctx, view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.Transient("commit tx", err)
	}
	return nil
}

// classify maps driver errors onto the pipeline taxonomy. Deadlocks and
// serialization failures retry; everything else surfaces wrapped.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock unavailable
			return model.Transient(op, err)
		case "23505":
			return fmt.Errorf("%s: unique violation: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
