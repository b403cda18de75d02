package repo

import (
	"context"
	"fmt"

	"csms/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	*StationsRepo
	*BootRepo
	*AuthorizationsRepo
	*LocalListRepo
	*SequencesRepo
	*LocationsRepo
	*TransactionsRepo
	*CommandsRepo
	*MessagesRepo
}

func NewQueries(db DBTX) *Queries {
	return &Queries{
		StationsRepo:       NewStationsRepo(db),
		BootRepo:           NewBootRepo(db),
		AuthorizationsRepo: NewAuthorizationsRepo(db),
		LocalListRepo:      NewLocalListRepo(db),
		SequencesRepo:      NewSequencesRepo(db),
		LocationsRepo:      NewLocationsRepo(db),
		TransactionsRepo:   NewTransactionsRepo(db),
		CommandsRepo:       NewCommandsRepo(db),
		MessagesRepo:       NewMessagesRepo(db),
	}
}

type Store struct {
	*Queries
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: NewQueries(pool), pool: pool}
}

// WithStation runs fn in a read-committed transaction holding a transaction-level
// advisory lock derived from the station id.
func (s *Store) WithStation(ctx context.Context, stationId string, fn func(ctx context.Context, q store.Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, stationId); err != nil {
		return fmt.Errorf("lock station %s: %w", stationId, err)
	}
	if err := fn(ctx, NewQueries(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
