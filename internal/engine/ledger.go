package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/repo"
)

// Ledger owns budget pool balances and the pool status machine. Every
// balance change is a guarded UPDATE inside one transaction, so the
// conservation invariant (reserved+released <= funded <= total) holds after
// every call regardless of interleaving.
type Ledger struct {
	e *Engine
}

// PoolCreateOptions are parameters for creating a budget pool.
type PoolCreateOptions struct {
	Name          string
	Description   string
	Currency      string
	TotalBudget   int64
	FundingSource string
	SplitPlanID   string
	ExpiresAt     string
	Ref           domain.PoolRef
	Participants  []domain.PoolParticipant
	ActorID       string
}

func (l *Ledger) CreatePool(ctx context.Context, opts PoolCreateOptions) (domain.BudgetPool, error) {
	if opts.Name == "" {
		return domain.BudgetPool{}, errors.New("name is required")
	}
	if opts.TotalBudget <= 0 {
		return domain.BudgetPool{}, errors.New("total budget must be positive")
	}
	if opts.ActorID == "" {
		return domain.BudgetPool{}, errors.New("actor is required")
	}
	if opts.Currency == "" {
		opts.Currency = l.e.Config.Service.Currency
	}
	switch opts.FundingSource {
	case "", "wallet", "payment", "credit":
	default:
		return domain.BudgetPool{}, fmt.Errorf("unknown funding source %s", opts.FundingSource)
	}
	switch opts.Ref.Kind {
	case "":
		opts.Ref.Kind = "none"
	case "none":
	case "task", "order":
		if opts.Ref.ID == "" {
			return domain.BudgetPool{}, fmt.Errorf("ref id is required for ref kind %s", opts.Ref.Kind)
		}
	default:
		return domain.BudgetPool{}, fmt.Errorf("unknown ref kind %s", opts.Ref.Kind)
	}
	if opts.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, opts.ExpiresAt)
		if err != nil {
			return domain.BudgetPool{}, fmt.Errorf("expires_at: %w", err)
		}
		if !exp.After(l.e.now()) {
			return domain.BudgetPool{}, errors.New("expires_at must be in the future")
		}
	}
	if opts.SplitPlanID != "" {
		plan, err := l.e.Repo.GetPlan(ctx, opts.SplitPlanID)
		if err != nil {
			return domain.BudgetPool{}, fmt.Errorf("split plan %s: %w", opts.SplitPlanID, err)
		}
		if plan.Status != "active" {
			return domain.BudgetPool{}, fmt.Errorf("split plan %s is %s, want active", plan.ID, plan.Status)
		}
	}

	now := l.e.nowString()
	p := domain.BudgetPool{
		ID:            uuid.NewString(),
		Name:          opts.Name,
		Description:   opts.Description,
		Currency:      opts.Currency,
		TotalBudget:   opts.TotalBudget,
		FundingSource: opts.FundingSource,
		Status:        "draft",
		OwnerID:       opts.ActorID,
		Ref:           opts.Ref,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.SplitPlanID != "" {
		p.SplitPlanID = &opts.SplitPlanID
	}
	if opts.ExpiresAt != "" {
		p.ExpiresAt = &opts.ExpiresAt
	}

	tx, err := l.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	defer tx.Rollback()

	if err := l.e.Repo.InsertPool(ctx, tx, p); err != nil {
		return domain.BudgetPool{}, fmt.Errorf("insert pool: %w", err)
	}
	for _, part := range opts.Participants {
		if part.Role != "executor" && part.Role != "reviewer" && part.Role != "observer" {
			return domain.BudgetPool{}, fmt.Errorf("unknown participant role %s", part.Role)
		}
		part.PoolID = p.ID
		part.CreatedAt = now
		if err := l.e.Repo.AddParticipant(ctx, tx, part); err != nil {
			return domain.BudgetPool{}, err
		}
	}
	if err := l.e.Events.Append(ctx, tx, "pool.created", p.ID, "pool", p.ID, opts.ActorID, events.EventPayload{
		"total_budget": p.TotalBudget,
		"currency":     p.Currency,
	}); err != nil {
		return domain.BudgetPool{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BudgetPool{}, err
	}
	return p, nil
}

// FundOptions are parameters for crediting a pool. IdempotencyKey, when set,
// makes replays of the same credit return the first result without moving
// money again.
type FundOptions struct {
	PoolID         string
	Amount         int64
	IdempotencyKey string
	ActorID        string
}

func (l *Ledger) Fund(ctx context.Context, opts FundOptions) (domain.BudgetPool, error) {
	if opts.Amount <= 0 {
		return domain.BudgetPool{}, errors.New("amount must be positive")
	}
	tx, err := l.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	defer tx.Rollback()

	if opts.IdempotencyKey != "" {
		rec, err := l.e.Repo.GetIdempotentResult(ctx, tx, opts.IdempotencyKey, "pool.fund")
		if err == nil {
			var p domain.BudgetPool
			if err := json.Unmarshal([]byte(rec.ResultJSON), &p); err != nil {
				return domain.BudgetPool{}, fmt.Errorf("replay idempotency key %s: %w", opts.IdempotencyKey, err)
			}
			return p, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.BudgetPool{}, err
		}
	}

	p, err := l.e.Repo.GetPoolTx(ctx, tx, opts.PoolID)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	if err := l.e.Auth.EnsureOwner(ctx, tx, p.ID, opts.ActorID, "fund pool"); err != nil {
		return domain.BudgetPool{}, err
	}
	if domain.PoolTerminal(p.Status) {
		return domain.BudgetPool{}, InvalidPoolStateError{PoolID: p.ID, Current: p.Status, Requested: "fund"}
	}

	now := l.e.nowString()
	ok, err := l.e.Repo.CreditPool(ctx, tx, p.ID, opts.Amount, now)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	if !ok {
		return domain.BudgetPool{}, FundExceedsBudgetError{PoolID: p.ID, Requested: opts.Amount, Capacity: p.TotalBudget - p.FundedAmount}
	}
	if p.Status == "draft" {
		if err := l.e.Repo.UpdatePoolStatus(ctx, tx, p.ID, "funded", now); err != nil {
			return domain.BudgetPool{}, err
		}
	}
	p, err = l.e.Repo.GetPoolTx(ctx, tx, p.ID)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	if err := l.e.Events.Append(ctx, tx, "pool.funded", p.ID, "pool", p.ID, opts.ActorID, events.EventPayload{
		"amount":        opts.Amount,
		"funded_amount": p.FundedAmount,
	}); err != nil {
		return domain.BudgetPool{}, err
	}
	if opts.IdempotencyKey != "" {
		snapshot, err := json.Marshal(p)
		if err != nil {
			return domain.BudgetPool{}, err
		}
		if err := l.e.Repo.PutIdempotentResult(ctx, tx, repo.IdempotentResult{
			Key:        opts.IdempotencyKey,
			Operation:  "pool.fund",
			EntityID:   p.ID,
			ResultJSON: string(snapshot),
			CreatedAt:  now,
		}); err != nil {
			return domain.BudgetPool{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.BudgetPool{}, err
	}
	return p, nil
}

// ReserveTx earmarks available funds inside the caller's transaction. The
// first successful reservation flips a funded pool to active.
func (l *Ledger) ReserveTx(ctx context.Context, tx *sql.Tx, poolID string, amount int64, actorID string) error {
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	p, err := l.e.Repo.GetPoolTx(ctx, tx, poolID)
	if err != nil {
		return err
	}
	if p.Status != "funded" && p.Status != "active" {
		return InvalidPoolStateError{PoolID: p.ID, Current: p.Status, Requested: "reserve"}
	}
	now := l.e.nowString()
	ok, err := l.e.Repo.ReserveFunds(ctx, tx, p.ID, amount, now)
	if err != nil {
		return err
	}
	if !ok {
		return InsufficientFundsError{PoolID: p.ID, Requested: amount, Available: p.Available()}
	}
	if p.Status == "funded" {
		if err := l.e.Repo.UpdatePoolStatus(ctx, tx, p.ID, "active", now); err != nil {
			return err
		}
	}
	return l.e.Events.Append(ctx, tx, "pool.reserved", p.ID, "pool", p.ID, actorID, events.EventPayload{"amount": amount})
}

// UnreserveTx returns earmarked funds to the available balance.
func (l *Ledger) UnreserveTx(ctx context.Context, tx *sql.Tx, poolID string, amount int64, actorID string) error {
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	now := l.e.nowString()
	ok, err := l.e.Repo.UnreserveFunds(ctx, tx, poolID, amount, now)
	if err != nil {
		return err
	}
	if !ok {
		p, err := l.e.Repo.GetPoolTx(ctx, tx, poolID)
		if err != nil {
			return err
		}
		return InsufficientFundsError{PoolID: poolID, Requested: amount, Available: p.ReservedAmount}
	}
	return l.e.Events.Append(ctx, tx, "pool.unreserved", poolID, "pool", poolID, actorID, events.EventPayload{"amount": amount})
}

// ReleaseTx converts a reservation into a payout and marks the pool depleted
// once nothing is left to spend and no milestones remain open.
func (l *Ledger) ReleaseTx(ctx context.Context, tx *sql.Tx, poolID string, amount int64, actorID string) error {
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	now := l.e.nowString()
	ok, err := l.e.Repo.ReleaseFunds(ctx, tx, poolID, amount, now)
	if err != nil {
		return err
	}
	if !ok {
		p, err := l.e.Repo.GetPoolTx(ctx, tx, poolID)
		if err != nil {
			return err
		}
		return InsufficientFundsError{PoolID: poolID, Requested: amount, Available: p.ReservedAmount}
	}
	if err := l.e.Events.Append(ctx, tx, "pool.released", poolID, "pool", poolID, actorID, events.EventPayload{"amount": amount}); err != nil {
		return err
	}
	p, err := l.e.Repo.GetPoolTx(ctx, tx, poolID)
	if err != nil {
		return err
	}
	_, _, open, err := l.e.Repo.MilestoneCountsTx(ctx, tx, poolID)
	if err != nil {
		return err
	}
	if p.Available() == 0 && p.ReservedAmount == 0 && open == 0 && p.Status == "active" {
		if err := l.e.Repo.UpdatePoolStatus(ctx, tx, p.ID, "depleted", now); err != nil {
			return err
		}
		if err := l.e.Events.Append(ctx, tx, "pool.depleted", p.ID, "pool", p.ID, actorID, nil); err != nil {
			return err
		}
	}
	return nil
}

// CancelOptions are parameters for cancelling a pool. Confirm is required
// once the revoke window since creation has passed.
type CancelOptions struct {
	PoolID  string
	Confirm bool
	ActorID string
}

func (l *Ledger) Cancel(ctx context.Context, opts CancelOptions) (domain.BudgetPool, error) {
	tx, err := l.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	defer tx.Rollback()

	p, err := l.e.Repo.GetPoolTx(ctx, tx, opts.PoolID)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	if err := l.e.Auth.EnsureOwner(ctx, tx, p.ID, opts.ActorID, "cancel pool"); err != nil {
		return domain.BudgetPool{}, err
	}
	if domain.PoolTerminal(p.Status) {
		return domain.BudgetPool{}, InvalidPoolStateError{PoolID: p.ID, Current: p.Status, Requested: "cancel"}
	}
	_, _, open, err := l.e.Repo.MilestoneCountsTx(ctx, tx, p.ID)
	if err != nil {
		return domain.BudgetPool{}, err
	}
	if open > 0 {
		return domain.BudgetPool{}, OpenMilestonesError{PoolID: p.ID, Count: open}
	}
	if !opts.Confirm {
		created, err := time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil {
			return domain.BudgetPool{}, fmt.Errorf("pool %s created_at: %w", p.ID, err)
		}
		window := time.Duration(l.e.Config.Service.RevokeWindowSecs) * time.Second
		if l.e.now().After(created.Add(window)) {
			return domain.BudgetPool{}, ConfirmRequiredError{PoolID: p.ID}
		}
	}
	now := l.e.nowString()
	if err := l.e.Repo.UpdatePoolStatus(ctx, tx, p.ID, "cancelled", now); err != nil {
		return domain.BudgetPool{}, err
	}
	// Unreleased funds go back to the funding source; settlement happens
	// outside this service, the event carries the amount.
	if err := l.e.Events.Append(ctx, tx, "pool.cancelled", p.ID, "pool", p.ID, opts.ActorID, events.EventPayload{
		"refundable":     p.FundedAmount - p.ReleasedAmount,
		"funding_source": p.FundingSource,
	}); err != nil {
		return domain.BudgetPool{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BudgetPool{}, err
	}
	p.Status = "cancelled"
	p.UpdatedAt = now
	return p, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.BudgetPool, error) {
	return l.e.Repo.GetPool(ctx, id)
}

func (l *Ledger) List(ctx context.Context, f repo.PoolFilters) ([]domain.BudgetPool, error) {
	return l.e.Repo.ListPools(ctx, f)
}

func (l *Ledger) Stats(ctx context.Context, id string) (domain.PoolStats, error) {
	p, err := l.e.Repo.GetPool(ctx, id)
	if err != nil {
		return domain.PoolStats{}, err
	}
	total, completed, _, err := l.e.Repo.MilestoneCounts(ctx, id)
	if err != nil {
		return domain.PoolStats{}, err
	}
	return domain.PoolStats{
		TotalBudget:         p.TotalBudget,
		Funded:              p.FundedAmount,
		Reserved:            p.ReservedAmount,
		Released:            p.ReleasedAmount,
		Available:           p.Available(),
		MilestoneCount:      total,
		CompletedMilestones: completed,
	}, nil
}

// ExpireDuePools flips pools whose expiry has passed. Called by the
// scheduler; safe to run concurrently because the status change is guarded.
func (e *Engine) ExpireDuePools(ctx context.Context) (int, error) {
	now := e.nowString()
	due, err := e.Repo.DuePools(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range due {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return expired, err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE budget_pools SET status='expired', updated_at=? WHERE id=? AND status NOT IN ('depleted','expired','cancelled')`, now, p.ID)
		if err != nil {
			tx.Rollback()
			return expired, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			tx.Rollback()
			continue
		}
		if err := e.Events.Append(ctx, tx, "pool.expired", p.ID, "pool", p.ID, "system", events.EventPayload{
			"refundable": p.FundedAmount - p.ReleasedAmount,
		}); err != nil {
			tx.Rollback()
			return expired, err
		}
		if err := tx.Commit(); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}
