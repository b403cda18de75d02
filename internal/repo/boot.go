package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
)

type BootRepo struct{ db DBTX }

func NewBootRepo(db DBTX) *BootRepo { return &BootRepo{db: db} }

func (r *BootRepo) GetBootRecord(ctx context.Context, stationId string) (*models.BootRecord, error) {
	row := r.db.QueryRow(ctx, `
		select station_id, last_boot_time, heartbeat_interval, boot_retry_interval, status, status_info,
		       get_base_report_on_pending, pending_variables, rejected_variables, updated_at
		from boot_records where station_id=$1
	`, stationId)

	var (
		b                 models.BootRecord
		status            string
		statusInfo        []byte
		pending, rejected []byte
	)
	if err := row.Scan(&b.StationId, &b.LastBootTime, &b.HeartbeatInterval, &b.BootRetryInterval, &status, &statusInfo,
		&b.GetBaseReportOnPending, &pending, &rejected, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	b.Status = models.RegistrationStatus(status)
	if len(statusInfo) > 0 {
		b.StatusInfo = json.RawMessage(statusInfo)
	}
	if err := unmarshalVariables(pending, &b.PendingVariables); err != nil {
		return nil, fmt.Errorf("pending_variables: %w", err)
	}
	if err := unmarshalVariables(rejected, &b.RejectedVariables); err != nil {
		return nil, fmt.Errorf("rejected_variables: %w", err)
	}
	return &b, nil
}

func (r *BootRepo) SaveBootRecord(ctx context.Context, b models.BootRecord) error {
	pending, err := json.Marshal(nonNilVariables(b.PendingVariables))
	if err != nil {
		return err
	}
	rejected, err := json.Marshal(nonNilVariables(b.RejectedVariables))
	if err != nil {
		return err
	}
	var statusInfo []byte
	if len(b.StatusInfo) > 0 {
		statusInfo = b.StatusInfo
	}
	_, err = r.db.Exec(ctx, `
		insert into boot_records (station_id, last_boot_time, heartbeat_interval, boot_retry_interval, status, status_info,
		                          get_base_report_on_pending, pending_variables, rejected_variables, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		on conflict (station_id) do update set
		  last_boot_time=excluded.last_boot_time,
		  heartbeat_interval=excluded.heartbeat_interval,
		  boot_retry_interval=excluded.boot_retry_interval,
		  status=excluded.status,
		  status_info=excluded.status_info,
		  get_base_report_on_pending=excluded.get_base_report_on_pending,
		  pending_variables=excluded.pending_variables,
		  rejected_variables=excluded.rejected_variables,
		  updated_at=now()
	`, b.StationId, b.LastBootTime, b.HeartbeatInterval, b.BootRetryInterval, string(b.Status), statusInfo,
		b.GetBaseReportOnPending, pending, rejected)
	return err
}

func unmarshalVariables(raw []byte, dst *[]models.SetVariable) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNilVariables(v []models.SetVariable) []models.SetVariable {
	if v == nil {
		return []models.SetVariable{}
	}
	return v
}
