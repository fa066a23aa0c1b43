package repo

import (
	"context"
	"database/sql"

	"payline/internal/domain"
)

func (r Repo) AddParticipant(ctx context.Context, tx *sql.Tx, p domain.PoolParticipant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pool_participants(pool_id,actor_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(pool_id,actor_id) DO UPDATE SET role=excluded.role`, p.PoolID, p.ActorID, p.Role, p.CreatedAt)
	return err
}

func (r Repo) RemoveParticipant(ctx context.Context, tx *sql.Tx, poolID, actorID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM pool_participants WHERE pool_id=? AND actor_id=?`, poolID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetParticipant(ctx context.Context, poolID, actorID string) (domain.PoolParticipant, error) {
	var p domain.PoolParticipant
	err := r.DB.QueryRowContext(ctx, `SELECT pool_id,actor_id,role,created_at FROM pool_participants WHERE pool_id=? AND actor_id=?`, poolID, actorID).
		Scan(&p.PoolID, &p.ActorID, &p.Role, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListParticipants(ctx context.Context, poolID string) ([]domain.PoolParticipant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT pool_id,actor_id,role,created_at FROM pool_participants WHERE pool_id=? ORDER BY created_at ASC`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PoolParticipant
	for rows.Next() {
		var p domain.PoolParticipant
		if err := rows.Scan(&p.PoolID, &p.ActorID, &p.Role, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
