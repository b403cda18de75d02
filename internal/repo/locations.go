package repo

import (
	"context"
	"errors"

	"csms/internal/models"
	"csms/internal/store"

	"github.com/jackc/pgx/v5"
)

type LocationsRepo struct{ db DBTX }

func NewLocationsRepo(db DBTX) *LocationsRepo { return &LocationsRepo{db: db} }

func (r *LocationsRepo) CreateLocation(ctx context.Context, name string) (int64, error) {
	row := r.db.QueryRow(ctx, `insert into locations (name) values ($1) on conflict (name) do update set name=excluded.name returning location_id`, name)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *LocationsRepo) SetStationLocation(ctx context.Context, stationId string, locationId int64) error {
	tag, err := r.db.Exec(ctx, `update stations set location_id=$2, updated_at=now() where station_id=$1`, stationId, locationId)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *LocationsRepo) UpsertTariff(ctx context.Context, t models.Tariff) (int64, error) {
	var row pgx.Row
	if t.TariffId == 0 {
		row = r.db.QueryRow(ctx, `
			insert into tariffs (price_per_kwh, currency) values ($1,$2) returning tariff_id
		`, t.PricePerKwh, t.Currency)
	} else {
		row = r.db.QueryRow(ctx, `
			update tariffs set price_per_kwh=$2, currency=$3 where tariff_id=$1 returning tariff_id
		`, t.TariffId, t.PricePerKwh, t.Currency)
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (r *LocationsRepo) GetTariff(ctx context.Context, id int64) (*models.Tariff, error) {
	row := r.db.QueryRow(ctx, `
		select tariff_id, price_per_kwh::float8, currency, created_at from tariffs where tariff_id=$1
	`, id)
	var t models.Tariff
	if err := row.Scan(&t.TariffId, &t.PricePerKwh, &t.Currency, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *LocationsRepo) FindOrCreateEvse(ctx context.Context, stationId string, evseId int) (*models.Evse, error) {
	row := r.db.QueryRow(ctx, `
		insert into evses (station_id, evse_id) values ($1,$2)
		on conflict (station_id, evse_id) do update set evse_id=excluded.evse_id
		returning id, station_id, evse_id
	`, stationId, evseId)
	var e models.Evse
	if err := row.Scan(&e.Id, &e.StationId, &e.EvseId); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *LocationsRepo) FindOrCreateConnector(ctx context.Context, stationId string, evseDbId int64, connectorId int) (*models.Connector, error) {
	row := r.db.QueryRow(ctx, `
		insert into connectors (station_id, evse_db_id, connector_id) values ($1,$2,$3)
		on conflict (station_id, evse_db_id, connector_id) do update set connector_id=excluded.connector_id
		returning id, station_id, evse_db_id, connector_id, tariff_id
	`, stationId, evseDbId, connectorId)
	var c models.Connector
	if err := row.Scan(&c.Id, &c.StationId, &c.EvseDbId, &c.ConnectorId, &c.TariffId); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *LocationsRepo) SetConnectorTariff(ctx context.Context, connectorDbId int64, tariffId int64) error {
	tag, err := r.db.Exec(ctx, `update connectors set tariff_id=$2 where id=$1`, connectorDbId, tariffId)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
