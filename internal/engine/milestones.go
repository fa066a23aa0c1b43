package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"payline/internal/alloc"
	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/repo"
)

// Workflow drives the milestone approval state machine. Money only moves
// through the Ledger port, and always in the same transaction as the
// milestone row, so a failed reservation leaves no half-created milestone.
type Workflow struct {
	e      *Engine
	Ledger LedgerPort
	Calc   CalculatorPort
	Scorer QualityScorer
}

// MilestoneCreateOptions are parameters for creating a milestone. Amount is
// reserved from the pool atomically with the insert.
type MilestoneCreateOptions struct {
	PoolID       string
	Name         string
	Description  string
	Amount       int64
	ApprovalType string
	QualityGate  *domain.QualityGate
	DueDate      string
	SortOrder    int
	ActorID      string
}

func (w *Workflow) Create(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.Name == "" {
		return domain.Milestone{}, errors.New("name is required")
	}
	if opts.Amount <= 0 {
		return domain.Milestone{}, errors.New("amount must be positive")
	}
	if opts.ApprovalType == "" {
		opts.ApprovalType = "manual"
	}
	switch opts.ApprovalType {
	case "manual", "auto":
	case "quality_gate":
		if opts.QualityGate == nil {
			return domain.Milestone{}, errors.New("quality_gate approval needs a gate")
		}
		switch opts.QualityGate.Operator {
		case ">=", ">", "=", "<", "<=":
		default:
			return domain.Milestone{}, fmt.Errorf("unknown gate operator %s", opts.QualityGate.Operator)
		}
	default:
		return domain.Milestone{}, fmt.Errorf("unknown approval type %s", opts.ApprovalType)
	}

	tx, err := w.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	if err := w.e.Auth.EnsureMutator(ctx, tx, opts.PoolID, opts.ActorID, "create milestone"); err != nil {
		return domain.Milestone{}, err
	}
	if err := w.Ledger.ReserveTx(ctx, tx, opts.PoolID, opts.Amount, opts.ActorID); err != nil {
		return domain.Milestone{}, err
	}
	now := w.e.nowString()
	m := domain.Milestone{
		ID:             uuid.NewString(),
		BudgetPoolID:   opts.PoolID,
		Name:           opts.Name,
		Description:    opts.Description,
		ReservedAmount: opts.Amount,
		ApprovalType:   opts.ApprovalType,
		QualityGate:    opts.QualityGate,
		SortOrder:      opts.SortOrder,
		Status:         "pending",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.DueDate != "" {
		m.DueDate = &opts.DueDate
	}
	if err := w.e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("insert milestone: %w", err)
	}
	if err := w.e.Events.Append(ctx, tx, "milestone.created", m.BudgetPoolID, "milestone", m.ID, opts.ActorID, events.EventPayload{
		"name":   m.Name,
		"amount": m.ReservedAmount,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// Start moves a pending milestone into in_progress.
func (w *Workflow) Start(ctx context.Context, id, actorID string) (domain.Milestone, error) {
	return w.transition(ctx, id, actorID, "start", func(tx *sql.Tx, m *domain.Milestone, now string) error {
		if m.Status != "pending" {
			return InvalidMilestoneStateError{MilestoneID: m.ID, Current: m.Status, Requested: "start"}
		}
		m.Status = "in_progress"
		m.StartedAt = &now
		return w.e.Events.Append(ctx, tx, "milestone.started", m.BudgetPoolID, "milestone", m.ID, actorID, nil)
	})
}

// SubmitOptions carry the work evidence attached on submission.
type SubmitOptions struct {
	ID        string
	Artifacts []domain.Artifact
	ActorID   string
}

// Submit moves work into review. Auto-approval milestones skip straight to
// approved; the release still has to be requested explicitly.
func (w *Workflow) Submit(ctx context.Context, opts SubmitOptions) (domain.Milestone, error) {
	for _, a := range opts.Artifacts {
		switch a.Type {
		case "document", "code", "design", "report", "other":
		default:
			return domain.Milestone{}, fmt.Errorf("unknown artifact type %s", a.Type)
		}
		if a.URL == "" {
			return domain.Milestone{}, errors.New("artifact url is required")
		}
	}
	return w.transition(ctx, opts.ID, opts.ActorID, "submit", func(tx *sql.Tx, m *domain.Milestone, now string) error {
		if m.Status != "in_progress" {
			return InvalidMilestoneStateError{MilestoneID: m.ID, Current: m.Status, Requested: "submit"}
		}
		m.Artifacts = append(m.Artifacts, opts.Artifacts...)
		m.SubmittedAt = &now
		if m.ApprovalType == "auto" {
			m.Status = "approved"
			m.ReviewedAt = &now
			if err := w.e.Events.Append(ctx, tx, "milestone.submitted", m.BudgetPoolID, "milestone", m.ID, opts.ActorID, nil); err != nil {
				return err
			}
			return w.e.Events.Append(ctx, tx, "milestone.approved", m.BudgetPoolID, "milestone", m.ID, opts.ActorID, events.EventPayload{"auto": true})
		}
		m.Status = "pending_review"
		return w.e.Events.Append(ctx, tx, "milestone.submitted", m.BudgetPoolID, "milestone", m.ID, opts.ActorID, nil)
	})
}

// ApproveOptions carry the review outcome. Score backs quality_gate checks;
// when nil, the configured scorer is consulted.
type ApproveOptions struct {
	ID      string
	Note    string
	Score   *int
	ActorID string
}

func (w *Workflow) Approve(ctx context.Context, opts ApproveOptions) (domain.Milestone, error) {
	return w.transition(ctx, opts.ID, opts.ActorID, "approve", func(tx *sql.Tx, m *domain.Milestone, now string) error {
		if m.Status != "pending_review" {
			return InvalidMilestoneStateError{MilestoneID: m.ID, Current: m.Status, Requested: "approve"}
		}
		if m.ApprovalType == "quality_gate" {
			score, err := w.resolveScore(ctx, *m, opts.Score)
			if err != nil {
				return err
			}
			if !gateSatisfied(*m.QualityGate, score) {
				return QualityGateNotMetError{Score: score, Threshold: m.QualityGate.Threshold, Operator: m.QualityGate.Operator}
			}
			m.QualityScore = &score
		}
		m.Status = "approved"
		m.ReviewNote = opts.Note
		m.ReviewedAt = &now
		return w.e.Events.Append(ctx, tx, "milestone.approved", m.BudgetPoolID, "milestone", m.ID, opts.ActorID, events.EventPayload{"note": opts.Note})
	})
}

// RejectOptions carry the mandatory rejection reason.
type RejectOptions struct {
	ID      string
	Reason  string
	ActorID string
}

// Reject refuses submitted work and returns the reservation to the pool.
func (w *Workflow) Reject(ctx context.Context, opts RejectOptions) (domain.Milestone, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.Milestone{}, MissingRejectReasonError{}
	}
	return w.transition(ctx, opts.ID, opts.ActorID, "reject", func(tx *sql.Tx, m *domain.Milestone, now string) error {
		if m.Status != "pending_review" {
			return InvalidMilestoneStateError{MilestoneID: m.ID, Current: m.Status, Requested: "reject"}
		}
		if err := w.Ledger.UnreserveTx(ctx, tx, m.BudgetPoolID, m.ReservedAmount, opts.ActorID); err != nil {
			return err
		}
		m.Status = "rejected"
		m.RejectReason = opts.Reason
		m.ReviewedAt = &now
		m.ReservedAmount = 0
		return w.e.Events.Append(ctx, tx, "milestone.rejected", m.BudgetPoolID, "milestone", m.ID, opts.ActorID, events.EventPayload{"reason": opts.Reason})
	})
}

// Release pays out an approved milestone. The pool's split plan is resolved
// at release time and the computed breakdown is persisted in the release
// event. Releasing an already released milestone returns it unchanged.
func (w *Workflow) Release(ctx context.Context, id, actorID string) (domain.Milestone, error) {
	tx, err := w.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := w.e.Repo.GetMilestoneTx(ctx, tx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Status == "released" {
		return m, nil
	}
	if err := w.e.Auth.EnsureMutator(ctx, tx, m.BudgetPoolID, actorID, "release milestone"); err != nil {
		return domain.Milestone{}, err
	}
	if m.Status != "approved" {
		return domain.Milestone{}, InvalidMilestoneStateError{MilestoneID: m.ID, Current: m.Status, Requested: "release"}
	}
	pool, err := w.e.Repo.GetPoolTx(ctx, tx, m.BudgetPoolID)
	if err != nil {
		return domain.Milestone{}, err
	}
	var plan *domain.SplitPlan
	if pool.SplitPlanID != nil {
		p, err := w.e.Repo.GetPlanTx(ctx, tx, *pool.SplitPlanID)
		if err != nil {
			return domain.Milestone{}, fmt.Errorf("split plan %s: %w", *pool.SplitPlanID, err)
		}
		plan = &p
	}
	amount := m.ReservedAmount
	preview, err := w.Calc.Preview(amount, pool.Currency, plan, alloc.Flags{UsesSplit: plan != nil})
	if err != nil {
		return domain.Milestone{}, err
	}
	// The milestone row flips to released before the ledger call so the
	// depletion check inside ReleaseTx counts it as terminal.
	now := w.e.nowString()
	m.Status = "released"
	m.ReleasedAmount = amount
	m.ReservedAmount = 0
	m.ReleasedAt = &now
	m.UpdatedAt = now
	if err := w.e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := w.Ledger.ReleaseTx(ctx, tx, m.BudgetPoolID, amount, actorID); err != nil {
		return domain.Milestone{}, err
	}
	if err := w.e.Events.Append(ctx, tx, "milestone.released", m.BudgetPoolID, "milestone", m.ID, actorID, events.EventPayload{
		"amount":      amount,
		"fees":        preview.Fees,
		"allocations": preview.Allocations,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (domain.Milestone, error) {
	return w.e.Repo.GetMilestone(ctx, id)
}

func (w *Workflow) List(ctx context.Context, f repo.MilestoneFilters) ([]domain.Milestone, error) {
	return w.e.Repo.ListMilestones(ctx, f)
}

// transition loads a milestone, applies fn in a tx and persists the result.
func (w *Workflow) transition(ctx context.Context, id, actorID, action string, fn func(tx *sql.Tx, m *domain.Milestone, now string) error) (domain.Milestone, error) {
	tx, err := w.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := w.e.Repo.GetMilestoneTx(ctx, tx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := w.e.Auth.EnsureMutator(ctx, tx, m.BudgetPoolID, actorID, action+" milestone"); err != nil {
		return domain.Milestone{}, err
	}
	now := w.e.nowString()
	if err := fn(tx, &m, now); err != nil {
		return domain.Milestone{}, err
	}
	m.UpdatedAt = now
	if err := w.e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

func (w *Workflow) resolveScore(ctx context.Context, m domain.Milestone, supplied *int) (int, error) {
	if supplied != nil {
		return *supplied, nil
	}
	if w.Scorer == nil {
		return 0, errors.New("quality score required and no scorer configured")
	}
	return w.Scorer.Score(ctx, m)
}

func gateSatisfied(g domain.QualityGate, score int) bool {
	switch g.Operator {
	case ">=":
		return score >= g.Threshold
	case ">":
		return score > g.Threshold
	case "=":
		return score == g.Threshold
	case "<":
		return score < g.Threshold
	case "<=":
		return score <= g.Threshold
	}
	return false
}
