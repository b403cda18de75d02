package repo

import (
	"context"
	"errors"

	"csms/internal/models"
	"csms/internal/store"

	"github.com/jackc/pgx/v5"
)

type CommandsRepo struct{ db DBTX }

func NewCommandsRepo(db DBTX) *CommandsRepo { return &CommandsRepo{db: db} }

func (r *CommandsRepo) CreateCommand(ctx context.Context, c models.Command) error {
	_, err := r.db.Exec(ctx, `
		insert into commands (command_id, station_id, action, idempotency_key, payload, status)
		values ($1,$2,$3,$4,$5,$6)
	`, c.CommandId, c.StationId, c.Action, c.IdempotencyKey, c.PayloadJSON, string(c.Status))
	return err
}

const commandColumns = `command_id, station_id, action, idempotency_key, payload, status, response, error, created_at, updated_at`

func scanCommand(row pgx.Row) (*models.Command, error) {
	var (
		c      models.Command
		status string
	)
	if err := row.Scan(&c.CommandId, &c.StationId, &c.Action, &c.IdempotencyKey, &c.PayloadJSON, &status, &c.ResponseJSON, &c.Error, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Status = models.CommandStatus(status)
	return &c, nil
}

func (r *CommandsRepo) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	return scanCommand(r.db.QueryRow(ctx, `select `+commandColumns+` from commands where command_id=$1`, id))
}

func (r *CommandsRepo) GetCommandByIdempotency(ctx context.Context, key string) (*models.Command, error) {
	return scanCommand(r.db.QueryRow(ctx, `select `+commandColumns+` from commands where idempotency_key=$1`, key))
}

func (r *CommandsRepo) MarkCommand(ctx context.Context, id string, status models.CommandStatus, response []byte, errMsg *string) error {
	tag, err := r.db.Exec(ctx, `
		update commands set status=$2, response=coalesce($3, response), error=coalesce($4, error), updated_at=now()
		where command_id=$1
	`, id, string(status), response, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
