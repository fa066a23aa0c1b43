package repo

import (
	"context"
	"database/sql"
)

// IdempotentResult is a recorded outcome for a (key, operation) pair.
type IdempotentResult struct {
	Key        string
	Operation  string
	EntityID   string
	ResultJSON string
	CreatedAt  string
}

func (r Repo) GetIdempotentResult(ctx context.Context, tx *sql.Tx, key, operation string) (IdempotentResult, error) {
	var res IdempotentResult
	err := tx.QueryRowContext(ctx, `SELECT key,operation,entity_id,result_json,created_at FROM idempotency_keys WHERE key=? AND operation=?`, key, operation).
		Scan(&res.Key, &res.Operation, &res.EntityID, &res.ResultJSON, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

func (r Repo) PutIdempotentResult(ctx context.Context, tx *sql.Tx, res IdempotentResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys(key,operation,entity_id,result_json,created_at) VALUES (?,?,?,?,?)`,
		res.Key, res.Operation, res.EntityID, res.ResultJSON, res.CreatedAt)
	return err
}
