package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"payline/internal/alloc"
	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/repo"
)

// Registry manages split plan lifecycle: draft plans are editable, active
// plans are referenced by pools, archived plans are kept for history.
type Registry struct {
	e *Engine
}

// PlanCreateOptions are parameters for creating a split plan.
type PlanCreateOptions struct {
	Name        string
	Description string
	ProductType string
	Rules       []domain.SplitRule
	FeeConfig   *domain.FeeConfig
	System      bool
	ActorID     string
}

func (g *Registry) Create(ctx context.Context, opts PlanCreateOptions) (domain.SplitPlan, error) {
	if opts.Name == "" {
		return domain.SplitPlan{}, errors.New("name is required")
	}
	if !domain.ValidProductType(opts.ProductType) {
		return domain.SplitPlan{}, fmt.Errorf("unknown product type %s", opts.ProductType)
	}
	if opts.ActorID == "" {
		return domain.SplitPlan{}, errors.New("actor is required")
	}
	if err := validateRules(opts.Rules); err != nil {
		return domain.SplitPlan{}, err
	}
	fees := domain.FeeConfig{
		OnrampFeeBps:  g.e.Config.Fees.OnrampFeeBps,
		OfframpFeeBps: g.e.Config.Fees.OfframpFeeBps,
		SplitFeeBps:   g.e.Config.Fees.SplitFeeBps,
		MinSplitFee:   g.e.Config.Fees.MinSplitFee,
	}
	if opts.FeeConfig != nil {
		fees = *opts.FeeConfig
	}
	now := g.e.nowString()
	p := domain.SplitPlan{
		ID:               uuid.NewString(),
		Name:             opts.Name,
		Description:      opts.Description,
		ProductType:      opts.ProductType,
		OwnerID:          opts.ActorID,
		Rules:            opts.Rules,
		FeeConfig:        fees,
		Status:           "draft",
		IsSystemTemplate: opts.System,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := g.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SplitPlan{}, err
	}
	defer tx.Rollback()
	if err := g.e.Repo.InsertPlanTx(ctx, tx, p); err != nil {
		return domain.SplitPlan{}, fmt.Errorf("insert plan: %w", err)
	}
	if err := g.e.Events.Append(ctx, tx, "plan.created", "", "plan", p.ID, opts.ActorID, events.EventPayload{
		"name":         p.Name,
		"product_type": p.ProductType,
	}); err != nil {
		return domain.SplitPlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SplitPlan{}, err
	}
	return p, nil
}

// PlanUpdateOptions mutate a draft plan. Nil fields are left unchanged.
type PlanUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
	Rules       []domain.SplitRule
	FeeConfig   *domain.FeeConfig
	ActorID     string
}

func (g *Registry) Update(ctx context.Context, opts PlanUpdateOptions) (domain.SplitPlan, error) {
	tx, err := g.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SplitPlan{}, err
	}
	defer tx.Rollback()

	p, err := g.e.Repo.GetPlanTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.SplitPlan{}, err
	}
	if p.IsSystemTemplate {
		return domain.SplitPlan{}, fmt.Errorf("plan %s is a system template", p.ID)
	}
	if p.Status != "draft" {
		return domain.SplitPlan{}, fmt.Errorf("plan %s is %s; only drafts can be updated", p.ID, p.Status)
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return domain.SplitPlan{}, errors.New("name cannot be empty")
		}
		p.Name = *opts.Name
	}
	if opts.Description != nil {
		p.Description = *opts.Description
	}
	if opts.Rules != nil {
		if err := validateRules(opts.Rules); err != nil {
			return domain.SplitPlan{}, err
		}
		p.Rules = opts.Rules
	}
	if opts.FeeConfig != nil {
		p.FeeConfig = *opts.FeeConfig
	}
	p.Version++
	p.UpdatedAt = g.e.nowString()
	if err := g.e.Repo.UpdatePlan(ctx, tx, p); err != nil {
		return domain.SplitPlan{}, err
	}
	if err := g.e.Events.Append(ctx, tx, "plan.updated", "", "plan", p.ID, opts.ActorID, events.EventPayload{"version": p.Version}); err != nil {
		return domain.SplitPlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SplitPlan{}, err
	}
	return p, nil
}

// Activate moves a draft plan to active. Pool-sourced rules must cover the
// full payout.
func (g *Registry) Activate(ctx context.Context, id, actorID string) (domain.SplitPlan, error) {
	tx, err := g.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SplitPlan{}, err
	}
	defer tx.Rollback()

	p, err := g.e.Repo.GetPlanTx(ctx, tx, id)
	if err != nil {
		return domain.SplitPlan{}, err
	}
	if p.IsSystemTemplate {
		return domain.SplitPlan{}, fmt.Errorf("plan %s is a system template", p.ID)
	}
	if p.Status != "draft" {
		return domain.SplitPlan{}, fmt.Errorf("plan %s is %s; only drafts can be activated", p.ID, p.Status)
	}
	var poolSum int64
	for _, r := range p.Rules {
		if r.Active && r.Source == "pool" {
			poolSum += r.ShareBps
		}
	}
	if poolSum != alloc.BpsDenominator {
		return domain.SplitPlan{}, InvalidSplitTotalError{Sum: poolSum}
	}
	p.Status = "active"
	p.UpdatedAt = g.e.nowString()
	if err := g.e.Repo.UpdatePlan(ctx, tx, p); err != nil {
		return domain.SplitPlan{}, err
	}
	if err := g.e.Events.Append(ctx, tx, "plan.activated", "", "plan", p.ID, actorID, nil); err != nil {
		return domain.SplitPlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SplitPlan{}, err
	}
	return p, nil
}

// Archive retires an active plan. Pools already referencing it keep working.
func (g *Registry) Archive(ctx context.Context, id, actorID string) (domain.SplitPlan, error) {
	tx, err := g.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SplitPlan{}, err
	}
	defer tx.Rollback()

	p, err := g.e.Repo.GetPlanTx(ctx, tx, id)
	if err != nil {
		return domain.SplitPlan{}, err
	}
	if p.IsSystemTemplate {
		return domain.SplitPlan{}, fmt.Errorf("plan %s is a system template", p.ID)
	}
	if p.Status != "active" {
		return domain.SplitPlan{}, fmt.Errorf("plan %s is %s; only active plans can be archived", p.ID, p.Status)
	}
	p.Status = "archived"
	p.UpdatedAt = g.e.nowString()
	if err := g.e.Repo.UpdatePlan(ctx, tx, p); err != nil {
		return domain.SplitPlan{}, err
	}
	if err := g.e.Events.Append(ctx, tx, "plan.archived", "", "plan", p.ID, actorID, nil); err != nil {
		return domain.SplitPlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SplitPlan{}, err
	}
	return p, nil
}

// Delete removes a draft, non-system plan.
func (g *Registry) Delete(ctx context.Context, id, actorID string) error {
	tx, err := g.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := g.e.Repo.GetPlanTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if p.IsSystemTemplate {
		return fmt.Errorf("plan %s is a system template", p.ID)
	}
	if p.Status != "draft" {
		return fmt.Errorf("plan %s is %s; only drafts can be deleted", p.ID, p.Status)
	}
	if err := g.e.Repo.DeletePlan(ctx, tx, id); err != nil {
		return err
	}
	if err := g.e.Events.Append(ctx, tx, "plan.deleted", "", "plan", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (g *Registry) Get(ctx context.Context, id string) (domain.SplitPlan, error) {
	return g.e.Repo.GetPlan(ctx, id)
}

func (g *Registry) List(ctx context.Context, f repo.PlanFilters) ([]domain.SplitPlan, error) {
	return g.e.Repo.ListPlans(ctx, f)
}

// DefaultTemplate returns the active system plan for a product type.
func (g *Registry) DefaultTemplate(ctx context.Context, productType string) (domain.SplitPlan, error) {
	if !domain.ValidProductType(productType) {
		return domain.SplitPlan{}, fmt.Errorf("unknown product type %s", productType)
	}
	return g.e.Repo.SystemTemplate(ctx, productType)
}

func validateRules(rules []domain.SplitRule) error {
	seen := map[string]bool{}
	for _, r := range rules {
		if !domain.ValidSplitRole(r.Role) {
			return fmt.Errorf("unknown role %s", r.Role)
		}
		if r.Role == "custom" && r.CustomRoleName == "" {
			return errors.New("custom rules need a custom_role_name")
		}
		if !domain.ValidSplitSource(r.Source) {
			return fmt.Errorf("unknown source %s", r.Source)
		}
		if r.Recipient == "" {
			return errors.New("rule recipient is required")
		}
		if r.ShareBps < 0 || r.ShareBps > alloc.BpsDenominator {
			return fmt.Errorf("share_bps %d out of range 0..%d", r.ShareBps, alloc.BpsDenominator)
		}
		if r.Active {
			key := r.Recipient + "|" + r.Role + "|" + r.CustomRoleName
			if seen[key] {
				return fmt.Errorf("duplicate active rule for %s as %s", r.Recipient, r.Role)
			}
			seen[key] = true
		}
	}
	return nil
}
