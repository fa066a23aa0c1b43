package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"payline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const planColumns = `id,name,description,product_type,owner_id,rules_json,onramp_fee_bps,offramp_fee_bps,split_fee_bps,min_split_fee,status,is_system_template,version,created_at,updated_at`

func (r Repo) InsertPlan(ctx context.Context, p domain.SplitPlan) error {
	return insertPlan(ctx, r.DB, nil, p)
}

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.SplitPlan) error {
	return insertPlan(ctx, nil, tx, p)
}

func insertPlan(ctx context.Context, db *sql.DB, tx *sql.Tx, p domain.SplitPlan) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO split_plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.ProductType, p.OwnerID, string(rules),
		p.FeeConfig.OnrampFeeBps, p.FeeConfig.OfframpFeeBps, p.FeeConfig.SplitFeeBps, p.FeeConfig.MinSplitFee,
		p.Status, boolInt(p.IsSystemTemplate), p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePlan(ctx context.Context, tx *sql.Tx, p domain.SplitPlan) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE split_plans SET name=?, description=?, rules_json=?, onramp_fee_bps=?, offramp_fee_bps=?, split_fee_bps=?, min_split_fee=?, status=?, version=?, updated_at=? WHERE id=?`,
		p.Name, nullable(p.Description), string(rules),
		p.FeeConfig.OnrampFeeBps, p.FeeConfig.OfframpFeeBps, p.FeeConfig.SplitFeeBps, p.FeeConfig.MinSplitFee,
		p.Status, p.Version, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePlan(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM split_plans WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.SplitPlan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM split_plans WHERE id=?`, id))
}

func (r Repo) GetPlanTx(ctx context.Context, tx *sql.Tx, id string) (domain.SplitPlan, error) {
	return scanPlan(tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM split_plans WHERE id=?`, id))
}

func scanPlan(row *sql.Row) (domain.SplitPlan, error) {
	var p domain.SplitPlan
	var description sql.NullString
	var rulesJSON string
	var isSystem int
	err := row.Scan(&p.ID, &p.Name, &description, &p.ProductType, &p.OwnerID, &rulesJSON,
		&p.FeeConfig.OnrampFeeBps, &p.FeeConfig.OfframpFeeBps, &p.FeeConfig.SplitFeeBps, &p.FeeConfig.MinSplitFee,
		&p.Status, &isSystem, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if description.Valid {
		p.Description = description.String
	}
	p.IsSystemTemplate = isSystem != 0
	if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
		return p, fmt.Errorf("unmarshal rules for plan %s: %w", p.ID, err)
	}
	return p, nil
}

type PlanFilters struct {
	Status          string
	ProductType     string
	OwnerID         string
	SystemTemplates bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListPlans(ctx context.Context, f PlanFilters) ([]domain.SplitPlan, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ProductType != "" {
		clauses = append(clauses, "product_type=?")
		args = append(args, f.ProductType)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.SystemTemplates {
		clauses = append(clauses, "is_system_template=1")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + planColumns + ` FROM split_plans ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SplitPlan
	for rows.Next() {
		var p domain.SplitPlan
		var description sql.NullString
		var rulesJSON string
		var isSystem int
		if err := rows.Scan(&p.ID, &p.Name, &description, &p.ProductType, &p.OwnerID, &rulesJSON,
			&p.FeeConfig.OnrampFeeBps, &p.FeeConfig.OfframpFeeBps, &p.FeeConfig.SplitFeeBps, &p.FeeConfig.MinSplitFee,
			&p.Status, &isSystem, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			p.Description = description.String
		}
		p.IsSystemTemplate = isSystem != 0
		if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
			return nil, fmt.Errorf("unmarshal rules for plan %s: %w", p.ID, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SystemTemplate returns the active system plan for a product type.
func (r Repo) SystemTemplate(ctx context.Context, productType string) (domain.SplitPlan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM split_plans WHERE is_system_template=1 AND product_type=? AND status='active' ORDER BY created_at DESC LIMIT 1`, productType))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
