// Package db provides PostgreSQL-backed repository implementations for the
// billing engine. All repositories accept a DBTX interface that is satisfied
// by both *pgxpool.Pool (for normal queries) and pgx.Tx (for transactional
// execution), so the webhook processor can write the event ledger and the
// subscription in one transaction.
package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tripbilling/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is a DBTX that can open transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the entry point to the repositories. It implements both
// types.RepositoryRegistry (pool-bound) and types.TransactionManager.
type Store struct {
	db     Beginner
	codec  *PayloadCodec
	logger *slog.Logger
}

var (
	_ types.RepositoryRegistry = (*Store)(nil)
	_ types.TransactionManager = (*Store)(nil)
)

// NewStore wires repositories to the given pool.
func NewStore(db Beginner, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := NewPayloadCodec()
	if err != nil {
		return nil, err
	}
	return &Store{db: db, codec: codec, logger: logger}, nil
}

func (s *Store) Subscriptions() types.SubscriptionRepository {
	return NewSubscriptionRepository(s.db)
}

func (s *Store) WebhookEvents() types.WebhookEventRepository {
	return NewWebhookEventRepository(s.db, s.codec)
}

func (s *Store) Alerts() types.AlertRepository {
	return NewAlertRepository(s.db)
}

// Reconciliation returns the sweep-oriented queries.
func (s *Store) Reconciliation() *ReconciliationRepository {
	return NewReconciliationRepository(s.db)
}

// JobLocks returns the distributed job lock repository.
func (s *Store) JobLocks() *JobLockRepository {
	return NewJobLockRepository(s.db)
}

// JobHistory returns the job history repository.
func (s *Store) JobHistory() *JobHistoryRepository {
	return NewJobHistoryRepository(s.db)
}

// RunInTx executes fn inside a transaction. Repositories handed to fn share
// the transaction; any error from fn rolls it back.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repos types.RepositoryRegistry) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	// Rollback after Commit is a no-op.
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.WarnContext(ctx, "transaction rollback failed", "error", rbErr)
		}
	}()

	if err := fn(ctx, &txRegistry{db: tx, codec: s.codec}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// txRegistry binds repositories to one open transaction.
type txRegistry struct {
	db    DBTX
	codec *PayloadCodec
}

func (r *txRegistry) Subscriptions() types.SubscriptionRepository {
	return NewSubscriptionRepository(r.db)
}

func (r *txRegistry) WebhookEvents() types.WebhookEventRepository {
	return NewWebhookEventRepository(r.db, r.codec)
}

func (r *txRegistry) Alerts() types.AlertRepository {
	return NewAlertRepository(r.db)
}

// nilIfEmpty maps "" to SQL NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nilIfZeroTime maps the zero time to SQL NULL.
func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
