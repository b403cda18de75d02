package repo

import (
	"context"

	"csms/internal/models"
)

type SequencesRepo struct{ db DBTX }

func NewSequencesRepo(db DBTX) *SequencesRepo { return &SequencesRepo{db: db} }

// NextSequenceValue creates the counter at 1 or increments it in one statement,
// so concurrent callers for the same key serialize on the row lock.
func (r *SequencesRepo) NextSequenceValue(ctx context.Context, stationId string, kind models.SequenceType) (int64, error) {
	var v int64
	err := r.db.QueryRow(ctx, `
		insert into station_sequences (station_id, type, value) values ($1,$2,1)
		on conflict (station_id, type) do update set value=station_sequences.value+1
		returning value
	`, stationId, string(kind)).Scan(&v)
	return v, err
}
