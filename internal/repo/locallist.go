package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"csms/internal/models"
	"csms/internal/store"

	"github.com/jackc/pgx/v5"
)

type LocalListRepo struct{ db DBTX }

func NewLocalListRepo(db DBTX) *LocalListRepo { return &LocalListRepo{db: db} }

func (r *LocalListRepo) CreatePendingListUpdate(ctx context.Context, u models.PendingListUpdate) error {
	entries, err := json.Marshal(u.Entries)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		insert into pending_list_updates (station_id, correlation_id, version, update_type, entries, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, u.StationId, u.CorrelationId, u.Version, string(u.UpdateType), entries, u.CreatedAt)
	return err
}

func (r *LocalListRepo) GetPendingListUpdate(ctx context.Context, stationId, correlationId string) (*models.PendingListUpdate, error) {
	row := r.db.QueryRow(ctx, `
		select station_id, correlation_id, version, update_type, entries, created_at
		from pending_list_updates where station_id=$1 and correlation_id=$2
	`, stationId, correlationId)

	var (
		u          models.PendingListUpdate
		updateType string
		entries    []byte
	)
	if err := row.Scan(&u.StationId, &u.CorrelationId, &u.Version, &updateType, &entries, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.UpdateType = models.UpdateType(updateType)
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &u.Entries); err != nil {
			return nil, fmt.Errorf("pending entries: %w", err)
		}
	}
	return &u, nil
}

func (r *LocalListRepo) GetLocalListVersion(ctx context.Context, stationId string) (*models.LocalListVersion, error) {
	var v models.LocalListVersion
	err := r.db.QueryRow(ctx, `
		select station_id, version, updated_at from local_list_versions where station_id=$1
	`, stationId).Scan(&v.StationId, &v.Version, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		select id, authorization_id, id_token, id_token_type, status, cache_expiry, group_authorization_id, group_id_token, concurrent_transaction
		from local_list_entries where station_id=$1
		order by id asc
	`, stationId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      models.LocalListEntry
			status string
			group  []byte
		)
		if err := rows.Scan(&e.Id, &e.AuthorizationId, &e.IdToken, &e.IdTokenType, &status, &e.CacheExpiry, &e.GroupAuthorizationId, &group, &e.ConcurrentTransaction); err != nil {
			return nil, err
		}
		e.Status = models.AuthorizationStatus(status)
		if len(group) > 0 {
			var g models.IdToken
			if err := json.Unmarshal(group, &g); err != nil {
				return nil, err
			}
			e.GroupIdToken = &g
		}
		v.Entries = append(v.Entries, e)
	}
	return &v, rows.Err()
}

func (r *LocalListRepo) ReplaceLocalList(ctx context.Context, stationId string, version int, entries []models.LocalListEntry) error {
	if _, err := r.db.Exec(ctx, `delete from local_list_versions where station_id=$1`, stationId); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `
		insert into local_list_versions (station_id, version, updated_at) values ($1,$2, now())
	`, stationId, version); err != nil {
		return err
	}
	return r.insertEntries(ctx, stationId, entries)
}

func (r *LocalListRepo) SetLocalListVersion(ctx context.Context, stationId string, version int) error {
	tag, err := r.db.Exec(ctx, `update local_list_versions set version=$2, updated_at=now() where station_id=$1`, stationId, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *LocalListRepo) UpsertLocalListEntries(ctx context.Context, stationId string, entries []models.LocalListEntry) error {
	for _, e := range entries {
		var err error
		if e.AuthorizationId != nil {
			_, err = r.db.Exec(ctx, `delete from local_list_entries where station_id=$1 and authorization_id=$2`, stationId, *e.AuthorizationId)
		} else {
			_, err = r.db.Exec(ctx, `
				delete from local_list_entries where station_id=$1 and id_token=$2 and id_token_type=$3
			`, stationId, e.IdToken, e.IdTokenType)
		}
		if err != nil {
			return err
		}
	}
	return r.insertEntries(ctx, stationId, entries)
}

func (r *LocalListRepo) ResetLocalList(ctx context.Context, stationId string, version int) error {
	if _, err := r.db.Exec(ctx, `delete from local_list_entries where station_id=$1`, stationId); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `
		insert into local_list_versions (station_id, version, updated_at) values ($1,$2, now())
		on conflict (station_id) do update set version=excluded.version, updated_at=now()
	`, stationId, version)
	return err
}

func (r *LocalListRepo) insertEntries(ctx context.Context, stationId string, entries []models.LocalListEntry) error {
	for _, e := range entries {
		var group []byte
		if e.GroupIdToken != nil {
			b, err := json.Marshal(e.GroupIdToken)
			if err != nil {
				return err
			}
			group = b
		}
		if _, err := r.db.Exec(ctx, `
			insert into local_list_entries (station_id, authorization_id, id_token, id_token_type, status, cache_expiry,
			                                group_authorization_id, group_id_token, concurrent_transaction)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, stationId, e.AuthorizationId, e.IdToken, e.IdTokenType, string(e.Status), e.CacheExpiry,
			e.GroupAuthorizationId, group, e.ConcurrentTransaction); err != nil {
			return err
		}
	}
	return nil
}
