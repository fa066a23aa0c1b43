package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"payline/internal/config"
	"payline/internal/domain"
	"payline/internal/repo"
)

const systemActor = "system"

// EnsureSystemTemplates seeds one active system split plan per product type
// from the service config. Existing templates are left alone, so operators
// can retire or replace them through the normal plan lifecycle.
func EnsureSystemTemplates(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	for productType, tpl := range cfg.Templates {
		if !domain.ValidProductType(productType) {
			return fmt.Errorf("template product type %s unknown", productType)
		}
		_, err := r.SystemTemplate(ctx, productType)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := seedTemplate(ctx, r, cfg, productType, tpl); err != nil {
			return fmt.Errorf("seed template for %s: %w", productType, err)
		}
	}
	return nil
}

func seedTemplate(ctx context.Context, r repo.Repo, cfg *config.Config, productType string, tpl config.Template) error {
	now := time.Now().UTC().Format(time.RFC3339)
	rules := make([]domain.SplitRule, 0, len(tpl.Rules))
	for _, cr := range tpl.Rules {
		role := cr.Role
		customName := ""
		if !domain.ValidSplitRole(role) {
			customName = role
			role = "custom"
		}
		rules = append(rules, domain.SplitRule{
			Role:           role,
			CustomRoleName: customName,
			Recipient:      cr.Recipient,
			ShareBps:       cr.ShareBps,
			Source:         cr.Source,
			Active:         true,
		})
	}
	p := domain.SplitPlan{
		ID:          uuid.NewString(),
		Name:        tpl.Name,
		Description: fmt.Sprintf("System template for %s products", strings.ReplaceAll(productType, "_", " ")),
		ProductType: productType,
		OwnerID:     systemActor,
		Rules:       rules,
		FeeConfig: domain.FeeConfig{
			OnrampFeeBps:  cfg.Fees.OnrampFeeBps,
			OfframpFeeBps: cfg.Fees.OfframpFeeBps,
			SplitFeeBps:   cfg.Fees.SplitFeeBps,
			MinSplitFee:   cfg.Fees.MinSplitFee,
		},
		Status:           "active",
		IsSystemTemplate: true,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return r.InsertPlan(ctx, p)
}
