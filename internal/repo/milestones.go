package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"payline/internal/domain"
)

const milestoneColumns = `id,budget_pool_id,name,description,reserved_amount,released_amount,approval_type,quality_gate_json,due_date,artifacts_json,review_note,reject_reason,quality_score,sort_order,status,started_at,submitted_at,reviewed_at,released_at,created_at,updated_at`

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	gate, err := marshalGate(m.QualityGate)
	if err != nil {
		return err
	}
	artifacts, err := json.Marshal(m.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO milestones(`+milestoneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.BudgetPoolID, m.Name, nullable(m.Description), m.ReservedAmount, m.ReleasedAmount,
		m.ApprovalType, gate, nullableStringPtr(m.DueDate), string(artifacts),
		nullable(m.ReviewNote), nullable(m.RejectReason), nullableIntPtr(m.QualityScore), m.SortOrder, m.Status,
		nullableStringPtr(m.StartedAt), nullableStringPtr(m.SubmittedAt), nullableStringPtr(m.ReviewedAt), nullableStringPtr(m.ReleasedAt),
		m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) UpdateMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	gate, err := marshalGate(m.QualityGate)
	if err != nil {
		return err
	}
	artifacts, err := json.Marshal(m.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET name=?, description=?, reserved_amount=?, released_amount=?, approval_type=?, quality_gate_json=?, due_date=?, artifacts_json=?, review_note=?, reject_reason=?, quality_score=?, sort_order=?, status=?, started_at=?, submitted_at=?, reviewed_at=?, released_at=?, updated_at=? WHERE id=?`,
		m.Name, nullable(m.Description), m.ReservedAmount, m.ReleasedAmount, m.ApprovalType, gate,
		nullableStringPtr(m.DueDate), string(artifacts), nullable(m.ReviewNote), nullable(m.RejectReason),
		nullableIntPtr(m.QualityScore), m.SortOrder, m.Status,
		nullableStringPtr(m.StartedAt), nullableStringPtr(m.SubmittedAt), nullableStringPtr(m.ReviewedAt), nullableStringPtr(m.ReleasedAt),
		m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

type milestoneScanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row milestoneScanner) (domain.Milestone, error) {
	var m domain.Milestone
	var description, gateJSON, dueDate, reviewNote, rejectReason sql.NullString
	var startedAt, submittedAt, reviewedAt, releasedAt sql.NullString
	var artifactsJSON string
	var qualityScore sql.NullInt64
	err := row.Scan(&m.ID, &m.BudgetPoolID, &m.Name, &description, &m.ReservedAmount, &m.ReleasedAmount,
		&m.ApprovalType, &gateJSON, &dueDate, &artifactsJSON, &reviewNote, &rejectReason, &qualityScore, &m.SortOrder, &m.Status,
		&startedAt, &submittedAt, &reviewedAt, &releasedAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if description.Valid {
		m.Description = description.String
	}
	if gateJSON.Valid {
		var g domain.QualityGate
		if err := json.Unmarshal([]byte(gateJSON.String), &g); err != nil {
			return m, fmt.Errorf("unmarshal quality gate for milestone %s: %w", m.ID, err)
		}
		m.QualityGate = &g
	}
	if dueDate.Valid {
		m.DueDate = &dueDate.String
	}
	if err := json.Unmarshal([]byte(artifactsJSON), &m.Artifacts); err != nil {
		return m, fmt.Errorf("unmarshal artifacts for milestone %s: %w", m.ID, err)
	}
	if reviewNote.Valid {
		m.ReviewNote = reviewNote.String
	}
	if rejectReason.Valid {
		m.RejectReason = rejectReason.String
	}
	if qualityScore.Valid {
		s := int(qualityScore.Int64)
		m.QualityScore = &s
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.String
	}
	if submittedAt.Valid {
		m.SubmittedAt = &submittedAt.String
	}
	if reviewedAt.Valid {
		m.ReviewedAt = &reviewedAt.String
	}
	if releasedAt.Valid {
		m.ReleasedAt = &releasedAt.String
	}
	return m, nil
}

type MilestoneFilters struct {
	PoolID string
	Status string
	Limit  int
}

func (r Repo) ListMilestones(ctx context.Context, f MilestoneFilters) ([]domain.Milestone, error) {
	var clauses []string
	var args []any
	if f.PoolID != "" {
		clauses = append(clauses, "budget_pool_id=?")
		args = append(args, f.PoolID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + milestoneColumns + ` FROM milestones ` + where + ` ORDER BY sort_order ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func marshalGate(g *domain.QualityGate) (any, error) {
	if g == nil {
		return nil, nil
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal quality gate: %w", err)
	}
	return string(data), nil
}
