package repo

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
)

type StationsRepo struct{ db DBTX }

func NewStationsRepo(db DBTX) *StationsRepo { return &StationsRepo{db: db} }

func (r *StationsRepo) UpsertStation(ctx context.Context, s models.Station) error {
	_, err := r.db.Exec(ctx, `
		insert into stations (station_id, is_online, protocol, vendor, model, location_id)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (station_id) do update set
		  protocol=coalesce(nullif(excluded.protocol,''), stations.protocol),
		  vendor=coalesce(nullif(excluded.vendor,''), stations.vendor),
		  model=coalesce(nullif(excluded.model,''), stations.model),
		  location_id=coalesce(excluded.location_id, stations.location_id),
		  updated_at=now()
	`, s.StationId, s.IsOnline, s.Protocol, s.Vendor, s.Model, s.LocationId)
	return err
}

func (r *StationsRepo) GetStation(ctx context.Context, id string) (*models.Station, error) {
	row := r.db.QueryRow(ctx, `
		select station_id, is_online, coalesce(protocol,''), coalesce(vendor,''), coalesce(model,''), location_id,
		       created_at, updated_at, last_seen_at
		from stations where station_id=$1
	`, id)

	var s models.Station
	if err := row.Scan(&s.StationId, &s.IsOnline, &s.Protocol, &s.Vendor, &s.Model, &s.LocationId, &s.CreatedAt, &s.UpdatedAt, &s.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetStationOnline creates the station on first contact.
func (r *StationsRepo) SetStationOnline(ctx context.Context, id string, online bool, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		insert into stations (station_id, is_online, last_seen_at)
		values ($1,$2,$3)
		on conflict (station_id) do update set is_online=excluded.is_online, last_seen_at=excluded.last_seen_at, updated_at=now()
	`, id, online, at)
	return err
}

func (r *StationsRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `update stations set last_seen_at=$2, updated_at=now() where station_id=$1`, id, at)
	return err
}

func (r *StationsRepo) UpsertConnectorStatus(ctx context.Context, st models.ConnectorStatus) error {
	_, err := r.db.Exec(ctx, `
		insert into connector_status (station_id, evse_id, connector_id, status, error_code, updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (station_id, evse_id, connector_id) do update set
		  status=excluded.status,
		  error_code=excluded.error_code,
		  updated_at=excluded.updated_at
	`, st.StationId, st.EvseId, st.ConnectorId, st.Status, st.ErrorCode, st.UpdatedAt)
	return err
}

func (r *StationsRepo) ListConnectorStatuses(ctx context.Context, stationId string) ([]models.ConnectorStatus, error) {
	rows, err := r.db.Query(ctx, `
		select station_id, evse_id, connector_id, status, error_code, updated_at
		from connector_status where station_id=$1
		order by evse_id asc, connector_id asc
	`, stationId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConnectorStatus
	for rows.Next() {
		var s models.ConnectorStatus
		if err := rows.Scan(&s.StationId, &s.EvseId, &s.ConnectorId, &s.Status, &s.ErrorCode, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
