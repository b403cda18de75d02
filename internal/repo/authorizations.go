package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
)

type AuthorizationsRepo struct{ db DBTX }

func NewAuthorizationsRepo(db DBTX) *AuthorizationsRepo { return &AuthorizationsRepo{db: db} }

const authorizationColumns = `id, id_token, id_token_type, status, cache_expiry, group_authorization_id, concurrent_transaction, created_at, updated_at`

func scanAuthorization(row pgx.Row) (*models.Authorization, error) {
	var (
		a      models.Authorization
		status string
	)
	if err := row.Scan(&a.Id, &a.IdToken, &a.IdTokenType, &status, &a.CacheExpiry, &a.GroupAuthorizationId, &a.ConcurrentTransaction, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Status = models.AuthorizationStatus(status)
	return &a, nil
}

func (r *AuthorizationsRepo) GetAuthorization(ctx context.Context, id int64) (*models.Authorization, error) {
	return scanAuthorization(r.db.QueryRow(ctx, `select `+authorizationColumns+` from authorizations where id=$1`, id))
}

func (r *AuthorizationsRepo) GetAuthorizationByToken(ctx context.Context, token models.IdToken) (*models.Authorization, error) {
	return scanAuthorization(r.db.QueryRow(ctx, `
		select `+authorizationColumns+` from authorizations where id_token=$1 and id_token_type=$2
	`, token.IdToken, token.Type))
}

func (r *AuthorizationsRepo) UpsertAuthorization(ctx context.Context, a models.Authorization) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into authorizations (id_token, id_token_type, status, cache_expiry, group_authorization_id, concurrent_transaction)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id_token, id_token_type) do update set
		  status=excluded.status,
		  cache_expiry=excluded.cache_expiry,
		  group_authorization_id=excluded.group_authorization_id,
		  concurrent_transaction=excluded.concurrent_transaction,
		  updated_at=now()
		returning id
	`, a.IdToken, a.IdTokenType, string(a.Status), a.CacheExpiry, a.GroupAuthorizationId, a.ConcurrentTransaction)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteAuthorization relies on the on-delete-set-null foreign keys to clear
// local list back-references and group links.
func (r *AuthorizationsRepo) DeleteAuthorization(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `delete from authorizations where id=$1`, id)
	return err
}
