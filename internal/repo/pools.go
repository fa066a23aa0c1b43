package repo

import (
	"context"
	"database/sql"
	"strings"

	"payline/internal/domain"
)

const poolColumns = `id,name,description,currency,total_budget,funded_amount,reserved_amount,released_amount,funding_source,split_plan_id,status,expires_at,owner_id,ref_kind,ref_id,created_at,updated_at`

func (r Repo) InsertPool(ctx context.Context, tx *sql.Tx, p domain.BudgetPool) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_pools(`+poolColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.Currency, p.TotalBudget, p.FundedAmount, p.ReservedAmount, p.ReleasedAmount,
		nullable(p.FundingSource), nullableStringPtr(p.SplitPlanID), p.Status, nullableStringPtr(p.ExpiresAt),
		p.OwnerID, p.Ref.Kind, nullable(p.Ref.ID), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPool(ctx context.Context, id string) (domain.BudgetPool, error) {
	return scanPool(r.DB.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM budget_pools WHERE id=?`, id))
}

func (r Repo) GetPoolTx(ctx context.Context, tx *sql.Tx, id string) (domain.BudgetPool, error) {
	return scanPool(tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM budget_pools WHERE id=?`, id))
}

type poolScanner interface {
	Scan(dest ...any) error
}

func scanPool(row poolScanner) (domain.BudgetPool, error) {
	var p domain.BudgetPool
	var description, fundingSource, splitPlanID, expiresAt, refID sql.NullString
	err := row.Scan(&p.ID, &p.Name, &description, &p.Currency, &p.TotalBudget, &p.FundedAmount, &p.ReservedAmount, &p.ReleasedAmount,
		&fundingSource, &splitPlanID, &p.Status, &expiresAt, &p.OwnerID, &p.Ref.Kind, &refID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if description.Valid {
		p.Description = description.String
	}
	if fundingSource.Valid {
		p.FundingSource = fundingSource.String
	}
	if splitPlanID.Valid {
		p.SplitPlanID = &splitPlanID.String
	}
	if expiresAt.Valid {
		p.ExpiresAt = &expiresAt.String
	}
	if refID.Valid {
		p.Ref.ID = refID.String
	}
	return p, nil
}

type PoolFilters struct {
	Status          string
	OwnerID         string
	RefKind         string
	RefID           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListPools(ctx context.Context, f PoolFilters) ([]domain.BudgetPool, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.RefKind != "" {
		clauses = append(clauses, "ref_kind=?")
		args = append(args, f.RefKind)
	}
	if f.RefID != "" {
		clauses = append(clauses, "ref_id=?")
		args = append(args, f.RefID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + poolColumns + ` FROM budget_pools ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePoolStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_pools SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreditPool adds funds without exceeding the total budget. Returns false
// when the guard fails, so the caller can distinguish an over-fund from an
// infrastructure error.
func (r Repo) CreditPool(ctx context.Context, tx *sql.Tx, id string, amount int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE budget_pools SET funded_amount=funded_amount+?, updated_at=? WHERE id=? AND funded_amount+? <= total_budget`,
		amount, updatedAt, id, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReserveFunds moves available money into reserved. The WHERE clause rechecks
// availability inside the statement so concurrent reservations cannot both
// pass a stale read.
func (r Repo) ReserveFunds(ctx context.Context, tx *sql.Tx, id string, amount int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE budget_pools SET reserved_amount=reserved_amount+?, updated_at=? WHERE id=? AND funded_amount-reserved_amount-released_amount >= ?`,
		amount, updatedAt, id, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UnreserveFunds returns reserved money to available.
func (r Repo) UnreserveFunds(ctx context.Context, tx *sql.Tx, id string, amount int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE budget_pools SET reserved_amount=reserved_amount-?, updated_at=? WHERE id=? AND reserved_amount >= ?`,
		amount, updatedAt, id, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseFunds moves reserved money into released.
func (r Repo) ReleaseFunds(ctx context.Context, tx *sql.Tx, id string, amount int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE budget_pools SET reserved_amount=reserved_amount-?, released_amount=released_amount+?, updated_at=? WHERE id=? AND reserved_amount >= ?`,
		amount, amount, updatedAt, id, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DuePools returns non-terminal pools whose expiry has passed.
func (r Repo) DuePools(ctx context.Context, now string) ([]domain.BudgetPool, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+poolColumns+` FROM budget_pools WHERE expires_at IS NOT NULL AND expires_at <= ? AND status NOT IN ('depleted','expired','cancelled') ORDER BY expires_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MilestoneCounts returns total, completed (released) and open (non-terminal)
// milestone counts for a pool.
func (r Repo) MilestoneCounts(ctx context.Context, poolID string) (total, completed, open int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT count(*),
		count(*) FILTER (WHERE status='released'),
		count(*) FILTER (WHERE status NOT IN ('rejected','released'))
		FROM milestones WHERE budget_pool_id=?`, poolID).Scan(&total, &completed, &open)
	return
}

func (r Repo) MilestoneCountsTx(ctx context.Context, tx *sql.Tx, poolID string) (total, completed, open int, err error) {
	err = tx.QueryRowContext(ctx, `SELECT count(*),
		count(*) FILTER (WHERE status='released'),
		count(*) FILTER (WHERE status NOT IN ('rejected','released'))
		FROM milestones WHERE budget_pool_id=?`, poolID).Scan(&total, &completed, &open)
	return
}
