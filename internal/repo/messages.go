package repo

import (
	"context"

	"csms/internal/models"
)

type MessagesRepo struct{ db DBTX }

func NewMessagesRepo(db DBTX) *MessagesRepo { return &MessagesRepo{db: db} }

func (r *MessagesRepo) InsertMessage(ctx context.Context, m models.OcppMessage) error {
	_, err := r.db.Exec(ctx, `
		insert into ocpp_messages (station_id, origin, direction, action, correlation_id, ts, payload)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, m.StationId, m.Origin, m.Direction, m.Action, m.CorrelationId, m.Timestamp, m.Payload)
	return err
}
