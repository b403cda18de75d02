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

type TransactionsRepo struct{ db DBTX }

func NewTransactionsRepo(db DBTX) *TransactionsRepo { return &TransactionsRepo{db: db} }

const transactionColumns = `id, station_id, transaction_id, is_active, start_time, end_time, total_kwh, charging_state, stopped_reason,
	evse_db_id, connector_db_id, authorization_id, location_id, tariff_id, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	if err := row.Scan(&t.Id, &t.StationId, &t.TransactionId, &t.IsActive, &t.StartTime, &t.EndTime, &t.TotalKwh, &t.ChargingState, &t.StoppedReason,
		&t.EvseDbId, &t.ConnectorDbId, &t.AuthorizationId, &t.LocationId, &t.TariffId, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionsRepo) GetTransaction(ctx context.Context, stationId, transactionId string) (*models.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `
		select `+transactionColumns+` from transactions where station_id=$1 and transaction_id=$2
	`, stationId, transactionId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (r *TransactionsRepo) CreateTransaction(ctx context.Context, t models.Transaction) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into transactions (station_id, transaction_id, is_active, start_time, end_time, total_kwh, charging_state, stopped_reason,
		                          evse_db_id, connector_db_id, authorization_id, location_id, tariff_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		returning id
	`, t.StationId, t.TransactionId, t.IsActive, t.StartTime, t.EndTime, t.TotalKwh, t.ChargingState, t.StoppedReason,
		t.EvseDbId, t.ConnectorDbId, t.AuthorizationId, t.LocationId, t.TariffId)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *TransactionsRepo) UpdateTransaction(ctx context.Context, t models.Transaction) error {
	tag, err := r.db.Exec(ctx, `
		update transactions set is_active=$2, start_time=$3, end_time=$4, total_kwh=$5, charging_state=$6, stopped_reason=$7,
		  evse_db_id=$8, connector_db_id=$9, authorization_id=$10, location_id=$11, tariff_id=$12, updated_at=now()
		where id=$1
	`, t.Id, t.IsActive, t.StartTime, t.EndTime, t.TotalKwh, t.ChargingState, t.StoppedReason,
		t.EvseDbId, t.ConnectorDbId, t.AuthorizationId, t.LocationId, t.TariffId)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *TransactionsRepo) ListTransactions(ctx context.Context, stationId string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+transactionColumns+` from transactions where station_id=$1
		order by created_at desc
		limit $2
	`, stationId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TransactionsRepo) InsertTransactionEvent(ctx context.Context, e models.TransactionEvent) (int64, bool, error) {
	var idToken []byte
	if e.IdToken != nil {
		b, err := json.Marshal(e.IdToken)
		if err != nil {
			return 0, false, err
		}
		idToken = b
	}
	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	var id int64
	err := r.db.QueryRow(ctx, `
		insert into transaction_events (transaction_db_id, station_id, event_type, ts, seq_no, trigger_reason, id_token, authorization_id, payload)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (transaction_db_id, event_type, seq_no, ts) do nothing
		returning id
	`, e.TransactionDbId, e.StationId, string(e.EventType), e.Timestamp, e.SeqNo, e.TriggerReason, idToken, e.AuthorizationId, payload).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r *TransactionsRepo) ListTransactionEvents(ctx context.Context, transactionDbId int64) ([]models.TransactionEvent, error) {
	rows, err := r.db.Query(ctx, `
		select id, transaction_db_id, station_id, event_type, ts, seq_no, trigger_reason, id_token, authorization_id, payload
		from transaction_events where transaction_db_id=$1
		order by ts asc, seq_no asc
	`, transactionDbId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TransactionEvent
	for rows.Next() {
		var (
			e         models.TransactionEvent
			eventType string
			idToken   []byte
			payload   []byte
		)
		if err := rows.Scan(&e.Id, &e.TransactionDbId, &e.StationId, &eventType, &e.Timestamp, &e.SeqNo, &e.TriggerReason, &idToken, &e.AuthorizationId, &payload); err != nil {
			return nil, err
		}
		e.EventType = models.TransactionEventType(eventType)
		if len(idToken) > 0 {
			var tok models.IdToken
			if err := json.Unmarshal(idToken, &tok); err != nil {
				return nil, fmt.Errorf("event %d id_token: %w", e.Id, err)
			}
			e.IdToken = &tok
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *TransactionsRepo) InsertMeterValue(ctx context.Context, mv models.MeterValue) (int64, error) {
	sampled, err := json.Marshal(mv.SampledValues)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		insert into meter_values (transaction_db_id, transaction_event_id, transaction_id, station_id, tariff_id, ts, sampled_values)
		values ($1,$2,$3,$4,$5,$6,$7)
		returning id
	`, mv.TransactionDbId, mv.TransactionEventId, mv.TransactionId, mv.StationId, mv.TariffId, mv.Timestamp, sampled).Scan(&id)
	return id, err
}

func (r *TransactionsRepo) ListMeterValues(ctx context.Context, transactionDbId int64) ([]models.MeterValue, error) {
	rows, err := r.db.Query(ctx, `
		select id, transaction_db_id, transaction_event_id, transaction_id, station_id, tariff_id, ts, sampled_values
		from meter_values where transaction_db_id=$1
		order by ts asc, id asc
	`, transactionDbId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MeterValue
	for rows.Next() {
		var (
			mv      models.MeterValue
			sampled []byte
		)
		if err := rows.Scan(&mv.Id, &mv.TransactionDbId, &mv.TransactionEventId, &mv.TransactionId, &mv.StationId, &mv.TariffId, &mv.Timestamp, &sampled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sampled, &mv.SampledValues); err != nil {
			return nil, fmt.Errorf("meter value %d: %w", mv.Id, err)
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}
